package media

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// gcsUploader writes alert images to a GCS bucket and makes each object
// publicly readable so the URL can be embedded in outgoing messages.
type gcsUploader struct {
	client *storage.Client
	bucket string
}

func newGCSUploader(ctx context.Context, cfg GCSConfig) (*gcsUploader, error) {
	client, err := storage.NewClient(ctx, option.WithCredentialsFile(cfg.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("gcs: create client: %w", err)
	}
	return &gcsUploader{client: client, bucket: cfg.Bucket}, nil
}

func (u *gcsUploader) Close() error { return u.client.Close() }

func (u *gcsUploader) Upload(ctx context.Context, data []byte) (string, error) {
	name := fmt.Sprintf("fire_alerts/%s_%s.jpg",
		time.Now().Format("20060102-150405"), shortID())

	obj := u.client.Bucket(u.bucket).Object(name)
	w := obj.NewWriter(ctx)
	w.ContentType = "image/jpeg"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("gcs: write object: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("gcs: close writer: %w", err)
	}

	if err := obj.ACL().Set(ctx, storage.AllUsers, storage.RoleReader); err != nil {
		return "", fmt.Errorf("gcs: set public acl: %w", err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", u.bucket, name), nil
}
