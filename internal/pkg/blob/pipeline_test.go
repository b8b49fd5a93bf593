package blob

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/campushub/chatcore/config"
	"github.com/campushub/chatcore/internal/model"
)

func newTestPipeline(store Store, maxBytes int64, maxRetries int) *Pipeline {
	return NewPipeline(store, &config.UploadConfig{
		MaxBytes:   maxBytes,
		MaxRetries: maxRetries,
		Timeout:    time.Second,
	})
}

func TestPipeline_CheckSize(t *testing.T) {
	p := newTestPipeline(NewMemoryStore(), 10*1024*1024, 0)

	assert.NoError(t, p.CheckSize(10*1024*1024))
	assert.ErrorIs(t, p.CheckSize(10*1024*1024+1), ErrTooLarge)
}

func TestPipeline_Upload(t *testing.T) {
	ctx := context.Background()

	t.Run("stores payload and classifies kind", func(t *testing.T) {
		store := NewMemoryStore()
		p := newTestPipeline(store, 1024, 0)

		att, err := p.Upload(ctx, "attachments/s/c/m/photo.png", "photo.png", "image/png", []byte("pixels"), nil)
		require.NoError(t, err)
		assert.Equal(t, model.AttachmentImage, att.Kind)
		assert.Equal(t, "attachments/s/c/m/photo.png", att.BlobRef)
		assert.Equal(t, "photo.png", att.Name)
		assert.True(t, store.Has(att.BlobRef))

		rc, err := store.Open(ctx, att.BlobRef)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.True(t, bytes.Equal([]byte("pixels"), data))
	})

	t.Run("oversized payload never reaches the store", func(t *testing.T) {
		store := NewMemoryStore()
		p := newTestPipeline(store, 16, 3)

		var progressCalls int
		_, err := p.Upload(ctx, "a/b", "big.bin", "application/octet-stream",
			make([]byte, 17), func(float64) { progressCalls++ })
		assert.ErrorIs(t, err, ErrTooLarge)
		assert.Zero(t, store.Len())
		assert.Zero(t, progressCalls)
	})

	t.Run("retries transient failures", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailPuts = 2
		p := newTestPipeline(store, 1024, 3)

		att, err := p.Upload(ctx, "a/b", "doc.pdf", "application/pdf", []byte("doc"), nil)
		require.NoError(t, err)
		assert.Equal(t, model.AttachmentFile, att.Kind)
		assert.True(t, store.Has(att.BlobRef))
	})

	t.Run("gives up after max retries", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailPuts = 10
		p := newTestPipeline(store, 1024, 2)

		_, err := p.Upload(ctx, "a/b", "doc.pdf", "application/pdf", []byte("doc"), nil)
		assert.ErrorIs(t, err, ErrUploadFailed)
		assert.Zero(t, store.Len())
	})

	t.Run("cancellation stops the retry loop", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailPuts = 10
		p := newTestPipeline(store, 1024, 10)

		cancelCtx, cancel := context.WithCancel(ctx)
		cancel()

		_, err := p.Upload(cancelCtx, "a/b", "doc.pdf", "application/pdf", []byte("doc"), nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("progress stays monotonic across retries", func(t *testing.T) {
		store := NewMemoryStore()
		store.FailPuts = 2
		p := newTestPipeline(store, 1024, 3)

		var reported []float64
		_, err := p.Upload(ctx, "a/b", "doc.pdf", "application/pdf", []byte("doc"),
			func(f float64) { reported = append(reported, f) })
		require.NoError(t, err)

		require.NotEmpty(t, reported)
		for i := 1; i < len(reported); i++ {
			assert.GreaterOrEqual(t, reported[i], reported[i-1])
		}
		assert.Equal(t, float64(1), reported[len(reported)-1])
	})
}

func TestPipeline_Remove(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	p := newTestPipeline(store, 1024, 0)

	att, err := p.Upload(ctx, "a/b", "doc.pdf", "application/pdf", []byte("doc"), nil)
	require.NoError(t, err)

	require.NoError(t, p.Remove(ctx, att.BlobRef))
	assert.False(t, store.Has(att.BlobRef))

	// Removing an already-removed blob is not an error.
	assert.NoError(t, p.Remove(ctx, att.BlobRef))
}

func TestKindForMIME(t *testing.T) {
	assert.Equal(t, model.AttachmentImage, KindForMIME("image/png"))
	assert.Equal(t, model.AttachmentImage, KindForMIME("image/jpeg"))
	assert.Equal(t, model.AttachmentFile, KindForMIME("application/pdf"))
	assert.Equal(t, model.AttachmentFile, KindForMIME(""))
}
