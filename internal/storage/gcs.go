package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage
type GCSStorage struct {
	client  *storage.Client
	bucket  *storage.BucketHandle
	baseDir string
	ctx     context.Context
}

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "recordings")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	bucket := client.Bucket(bucketName)
	if projectID != "" {
		bucket = bucket.UserProject(projectID)
	}
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s: %w", bucketName, err)
	}

	return &GCSStorage{
		client:  client,
		bucket:  bucket,
		baseDir: strings.Trim(baseDir, "/"),
		ctx:     ctx,
	}, nil
}

// Create starts a streaming upload. The object becomes visible once the
// returned writer is closed.
func (s *GCSStorage) Create(name string) (io.WriteCloser, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	w := s.bucket.Object(s.fullPath(name)).NewWriter(s.ctx)
	w.ContentType = contentType(name)
	w.CacheControl = "no-cache"
	return w, nil
}

// ReadSeeker returns a ReadSeeker for GCS object
func (s *GCSStorage) ReadSeeker(name string) (io.ReadSeeker, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}

	r, err := s.bucket.Object(s.fullPath(name)).NewReader(s.ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to open GCS object: %w", err)
	}
	defer r.Close()

	// Read all data into memory (for seeking support)
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object: %w", err)
	}

	return bytes.NewReader(data), nil
}

// Delete deletes a file from GCS
func (s *GCSStorage) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}

	obj := s.bucket.Object(s.fullPath(name))
	if err := obj.Delete(s.ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}

	return nil
}

// Exists checks if a file exists in GCS
func (s *GCSStorage) Exists(name string) (bool, error) {
	if err := validateName(name); err != nil {
		return false, err
	}

	_, err := s.bucket.Object(s.fullPath(name)).Attrs(s.ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}

	return true, nil
}

// List lists files in a directory in GCS
func (s *GCSStorage) List(dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.bucket.Objects(s.ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	files := []string{}
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// synthetic directory entries only carry a prefix
		if attrs.Name == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	sort.Strings(files)

	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) fullPath(name string) string {
	if s.baseDir == "" {
		return name
	}
	return path.Join(s.baseDir, name)
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".flv":
		return "video/x-flv"
	default:
		return "application/octet-stream"
	}
}
