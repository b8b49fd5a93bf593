package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/campushub/chatcore/config"
	"github.com/campushub/chatcore/internal/model"
)

// ErrUploadFailed means the transfer failed after the configured number
// of retries.
var ErrUploadFailed = errors.New("attachment upload failed")

// Pipeline coordinates attachment uploads: it enforces the size ceiling
// before any transfer, bounds each transfer with a timeout, retries
// transient failures with exponential backoff, and keeps reported
// progress monotonic across retries.
type Pipeline struct {
	store      Store
	maxBytes   int64
	maxRetries int
	timeout    time.Duration
}

func NewPipeline(store Store, cfg *config.UploadConfig) *Pipeline {
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 * 1024 * 1024
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Pipeline{
		store:      store,
		maxBytes:   maxBytes,
		maxRetries: cfg.MaxRetries,
		timeout:    timeout,
	}
}

// MaxBytes returns the configured size ceiling.
func (p *Pipeline) MaxBytes() int64 {
	return p.maxBytes
}

// CheckSize rejects oversized payloads before any transfer begins. It is
// called with the declared size so an 11 MiB upload never reaches the
// store at all.
func (p *Pipeline) CheckSize(size int64) error {
	if size > p.maxBytes {
		return fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrTooLarge, size, p.maxBytes)
	}
	return nil
}

// Upload stores the payload and returns the attachment record to embed
// in the message. The caller owns cleanup: if the message append fails
// after Upload succeeded, it must call Remove with the returned ref.
func (p *Pipeline) Upload(ctx context.Context, path, name, mimeType string, payload []byte, onProgress ProgressFunc) (model.Attachment, error) {
	if err := p.CheckSize(int64(len(payload))); err != nil {
		return model.Attachment{}, err
	}

	progress := monotonic(onProgress)

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 0; attempt <= p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return model.Attachment{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		ref, err := p.putOnce(ctx, path, payload, progress)
		if err == nil {
			return model.Attachment{
				Kind:    KindForMIME(mimeType),
				BlobRef: ref,
				Name:    name,
			}, nil
		}
		if ctx.Err() != nil {
			return model.Attachment{}, ctx.Err()
		}
		lastErr = err
	}

	return model.Attachment{}, fmt.Errorf("%w: %v", ErrUploadFailed, lastErr)
}

func (p *Pipeline) putOnce(ctx context.Context, path string, payload []byte, onProgress ProgressFunc) (string, error) {
	putCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.store.Put(putCtx, path, bytes.NewReader(payload), int64(len(payload)), onProgress)
}

// Remove deletes an uploaded blob. Used as the compensation step when
// the owning append fails, and on send cancellation.
func (p *Pipeline) Remove(ctx context.Context, ref string) error {
	err := p.store.Delete(ctx, ref)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// KindForMIME classifies an attachment the way the chat UI renders it:
// image MIME types inline, everything else as a plain file.
func KindForMIME(mimeType string) string {
	if strings.HasPrefix(mimeType, "image/") {
		return model.AttachmentImage
	}
	return model.AttachmentFile
}

// monotonic wraps a progress callback so retries never report a value
// lower than one already delivered.
func monotonic(fn ProgressFunc) ProgressFunc {
	if fn == nil {
		return nil
	}
	var max float64
	return func(f float64) {
		if f < max {
			return
		}
		max = f
		fn(f)
	}
}
