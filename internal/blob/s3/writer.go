package s3blob

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/alanyoungcy/predictify/internal/domain"
)

var _ domain.BlobWriter = (*Writer)(nil)

// Writer uploads objects through the SDK upload manager, which switches to
// multipart for large bodies and accepts non-seekable readers.
type Writer struct {
	c        *Client
	uploader *manager.Uploader
}

// NewWriter returns a Writer for c's bucket.
func NewWriter(c *Client) *Writer {
	return &Writer{
		c: c,
		uploader: manager.NewUploader(c.s3, func(u *manager.Uploader) {
			u.Concurrency = 2
		}),
	}
}

// Put stores data at path, replacing any existing object.
func (w *Writer) Put(ctx context.Context, path string, data io.Reader, contentType string) error {
	in := &s3.PutObjectInput{
		Bucket: aws.String(w.c.bucket),
		Key:    aws.String(w.c.Key(path)),
		Body:   data,
	}
	if contentType != "" {
		in.ContentType = aws.String(contentType)
	}
	if _, err := w.uploader.Upload(ctx, in); err != nil {
		return fmt.Errorf("s3blob: put %s: %w", path, err)
	}
	return nil
}
