// Package artifacts uploads finished run archives to cloud storage.
// Upload is optional: runs always stay downloadable from the local
// workspace, the bucket is an additional retention layer.
package artifacts

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
)

// uploadTimeout bounds a single archive upload.
const uploadTimeout = 2 * time.Minute

// ArchiveStore provides an interface for archive retention.
// This interface enables mocking and testing of storage functionality.
type ArchiveStore interface {
	// UploadArchive stores the archive at localPath under the given run id
	// and returns the storage URI of the uploaded object.
	UploadArchive(ctx context.Context, runID, localPath string) (string, error)
}

// GCSStore uploads archives to a Google Cloud Storage bucket.
// It assumes Application Default Credentials are configured.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore creates a store writing into the given bucket.
func NewGCSStore(ctx context.Context, bucket string) (*GCSStore, error) {
	if bucket == "" {
		return nil, fmt.Errorf("artifacts: bucket name is required")
	}
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("artifacts: create storage client: %w", err)
	}
	return &GCSStore{client: client, bucket: bucket}, nil
}

// UploadArchive implements the ArchiveStore interface.
// Objects are keyed as cohorts/<runID>/<archive filename>.
func (s *GCSStore) UploadArchive(ctx context.Context, runID, localPath string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("artifacts: open archive %q: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	objectName := path.Join("cohorts", runID, path.Base(localPath))
	w := s.client.Bucket(s.bucket).Object(objectName).NewWriter(ctx)

	if _, err := io.Copy(w, f); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("artifacts: copy archive to storage writer: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("artifacts: finalize upload: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", s.bucket, objectName), nil
}

// Close releases the underlying storage client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}

var _ ArchiveStore = (*GCSStore)(nil)
