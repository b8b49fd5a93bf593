package blob

import (
	"bytes"
	"context"
	"io"
	"sync"
)

// MemoryStore is an in-memory Store used in tests. PutErr, when set,
// makes the next Put fail after transferring; FailPuts makes the first
// N puts fail, which exercises the pipeline's retry path.
type MemoryStore struct {
	mu       sync.Mutex
	blobs    map[string][]byte
	PutErr   error
	FailPuts int
	deletes  []string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(ctx context.Context, path string, r io.Reader, size int64, onProgress ProgressFunc) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	if onProgress != nil {
		// Report a couple of intermediate points so progress callers see
		// more than a single 1.0.
		onProgress(0.5)
		onProgress(1)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPuts > 0 {
		s.FailPuts--
		if s.PutErr != nil {
			return "", s.PutErr
		}
		return "", io.ErrUnexpectedEOF
	}
	if s.PutErr != nil {
		return "", s.PutErr
	}
	s.blobs[path] = data
	return path, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blobs[ref]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, ref)
	s.deletes = append(s.deletes, ref)
	return nil
}

func (s *MemoryStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.blobs[ref]
	if !ok {
		return nil, ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Has reports whether a blob is currently stored.
func (s *MemoryStore) Has(ref string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.blobs[ref]
	return ok
}

// Deletes returns the refs deleted so far, in order.
func (s *MemoryStore) Deletes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deletes...)
}

// Len returns the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}

var _ Store = (*MemoryStore)(nil)
