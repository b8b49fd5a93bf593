package blob

import (
	"context"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/gridfs"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/campushub/chatcore/config"
)

const putChunkSize = 255 * 1024 // gridfs default chunk size

// GridFSStore stores attachment blobs in a MongoDB GridFS bucket. The
// blob path doubles as the GridFS file ID so Delete needs no lookup.
type GridFSStore struct {
	client     *mongo.Client
	db         *mongo.Database
	bucketName string
}

func NewGridFSStore(ctx context.Context, cfg *config.MongoConfig) (*GridFSStore, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	bucketName := cfg.Bucket
	if bucketName == "" {
		bucketName = "attachments"
	}
	return &GridFSStore{
		client:     client,
		db:         client.Database(cfg.Database),
		bucketName: bucketName,
	}, nil
}

// bucket builds a bucket handle for a single operation. Deadlines on a
// gridfs.Bucket are bucket-wide state, so concurrent operations each get
// their own handle carrying the caller's context deadline.
func (s *GridFSStore) bucket(ctx context.Context) (*gridfs.Bucket, error) {
	bucket, err := gridfs.NewBucket(s.db, options.GridFSBucket().SetName(s.bucketName))
	if err != nil {
		return nil, fmt.Errorf("failed to open gridfs bucket: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := bucket.SetWriteDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set write deadline: %w", err)
		}
		if err := bucket.SetReadDeadline(deadline); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
	}
	return bucket, nil
}

func (s *GridFSStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// Put streams the payload into GridFS in chunks, reporting progress after
// every chunk. A partially written stream is aborted on error or
// cancellation, so no orphaned file becomes visible.
func (s *GridFSStore) Put(ctx context.Context, path string, r io.Reader, size int64, onProgress ProgressFunc) (string, error) {
	bucket, err := s.bucket(ctx)
	if err != nil {
		return "", err
	}

	stream, err := bucket.OpenUploadStreamWithID(path, path)
	if err != nil {
		return "", fmt.Errorf("failed to open upload stream: %w", err)
	}

	buf := make([]byte, putChunkSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			stream.Abort()
			return "", err
		}

		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := stream.Write(buf[:n]); err != nil {
				stream.Abort()
				return "", fmt.Errorf("failed to write blob chunk: %w", err)
			}
			written += int64(n)
			if onProgress != nil && size > 0 {
				f := float64(written) / float64(size)
				if f > 1 {
					f = 1
				}
				onProgress(f)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			stream.Abort()
			return "", fmt.Errorf("failed to read payload: %w", readErr)
		}
	}

	if err := stream.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize blob: %w", err)
	}
	if onProgress != nil {
		onProgress(1)
	}
	return path, nil
}

func (s *GridFSStore) Delete(ctx context.Context, ref string) error {
	bucket, err := s.bucket(ctx)
	if err != nil {
		return err
	}
	if err := bucket.Delete(ref); err != nil {
		if err == gridfs.ErrFileNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to delete blob %s: %w", ref, err)
	}
	return nil
}

func (s *GridFSStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	bucket, err := s.bucket(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := bucket.OpenDownloadStream(ref)
	if err != nil {
		if err == gridfs.ErrFileNotFound {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", ref, err)
	}
	return stream, nil
}

// Exists reports whether a blob with the given reference is stored.
func (s *GridFSStore) Exists(ctx context.Context, ref string) (bool, error) {
	bucket, err := s.bucket(ctx)
	if err != nil {
		return false, err
	}
	cursor, err := bucket.Find(bson.M{"_id": ref})
	if err != nil {
		return false, fmt.Errorf("failed to query blob %s: %w", ref, err)
	}
	defer cursor.Close(ctx)
	return cursor.Next(ctx), nil
}

var _ Store = (*GridFSStore)(nil)
