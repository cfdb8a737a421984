// Package artifact preserves the captured output of failed crawl attempts
// for later debugging.
package artifact

import (
	"bytes"
	"context"
)

// Uploader stores one failure artifact and returns a URI for it.
type Uploader interface {
	Upload(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// NoOpUploader drops artifacts. It stands in when no artifact store is
// configured.
type NoOpUploader struct{}

// Upload for NoOpUploader does nothing and returns an empty URI.
func (NoOpUploader) Upload(context.Context, string, string, []byte) (string, error) {
	return "", nil
}

// RenderOutput lays out captured subprocess streams as one artifact body.
func RenderOutput(stdout, stderr []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("=== stdout ===\n")
	buf.Write(stdout)
	if len(stdout) > 0 && stdout[len(stdout)-1] != '\n' {
		buf.WriteByte('\n')
	}
	buf.WriteString("=== stderr ===\n")
	buf.Write(stderr)
	if len(stderr) > 0 && stderr[len(stderr)-1] != '\n' {
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
