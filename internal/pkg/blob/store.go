package blob

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrTooLarge means the payload exceeded the configured size ceiling.
	// It is raised before any bytes are transferred.
	ErrTooLarge = errors.New("payload exceeds size ceiling")

	// ErrNotFound means no blob exists under the given reference.
	ErrNotFound = errors.New("blob not found")
)

// ProgressFunc receives upload progress in [0,1]. Values are
// monotonically non-decreasing and reach 1 exactly when the transfer
// completes.
type ProgressFunc func(fraction float64)

// Store is durable blob storage for message attachments. Put streams the
// payload and returns a stable reference that resolves immediately;
// Delete is the compensation step when the owning message append fails.
type Store interface {
	Put(ctx context.Context, path string, r io.Reader, size int64, onProgress ProgressFunc) (ref string, err error)
	Delete(ctx context.Context, ref string) error
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
}
