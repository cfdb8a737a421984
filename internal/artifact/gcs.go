package artifact

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// GCSUploader writes failure artifacts to a Google Cloud Storage bucket.
type GCSUploader struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS creates a GCS-backed uploader. The prefix, when set, is prepended
// to every object key.
func NewGCS(client *storage.Client, bucket, prefix string) (*GCSUploader, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &GCSUploader{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
	}, nil
}

// Upload writes data to the bucket and returns a gs:// URI.
func (u *GCSUploader) Upload(ctx context.Context, key string, contentType string, data []byte) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("artifact key is required")
	}
	path := key
	if u.prefix != "" {
		path = u.prefix + "/" + key
	}
	writer := u.client.Bucket(u.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, bytes.NewReader(data)); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return "", fmt.Errorf("copy artifact: %w (close writer: %v)", err, closeErr)
		}
		return "", fmt.Errorf("copy artifact: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return fmt.Sprintf("gs://%s/%s", u.bucket, path), nil
}
