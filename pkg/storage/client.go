// Package storage keeps uploaded files in S3 while their submission waits
// for confirmation.
package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cf7me/confirmflow/pkg/errors"
	"github.com/cf7me/confirmflow/pkg/session"
	"github.com/google/uuid"
)

// KeyPrefix is where staged attachments live in the bucket.
const KeyPrefix = "cf7me/attachments/"

// ObjectAPI is the subset of the S3 client the store uses.
type ObjectAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Client stores attachments in one bucket.
type Client struct {
	api     ObjectAPI
	bucket  string
	maxSize int64
}

// NewClient creates an S3-backed attachment store using the default
// credential chain.
func NewClient(ctx context.Context, bucket, region string, maxSize int64) (*Client, error) {
	slog.Info("s3_client_init", "bucket", bucket, "region", region)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		slog.Error("aws_config_load_failed", "error", err)
		return nil, errors.Wrap(err, "failed to load AWS config")
	}

	return NewClientWithAPI(s3.NewFromConfig(cfg), bucket, maxSize), nil
}

// NewClientWithAPI wraps an existing S3 API implementation.
func NewClientWithAPI(api ObjectAPI, bucket string, maxSize int64) *Client {
	return &Client{api: api, bucket: bucket, maxSize: maxSize}
}

// Upload stores r under a fresh key and returns its reference. Reads beyond
// the size limit fail the upload.
func (c *Client) Upload(ctx context.Context, name, contentType string, r io.Reader) (session.FileRef, error) {
	limit := c.maxSize
	if limit <= 0 {
		limit = 10 << 20
	}
	data, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return session.FileRef{}, errors.Wrap(err, "failed to read upload")
	}
	if int64(len(data)) > limit {
		slog.Error("s3_upload_too_large", "name", name, "max_bytes", limit)
		return session.FileRef{}, errors.New("upload exceeds size limit")
	}

	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	key := KeyPrefix + uuid.NewString() + "/" + cleanName(name)

	_, err = c.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(c.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		slog.Error("s3_put_object_failed", "s3_key", key, "error", err)
		return session.FileRef{}, errors.Wrap(err, "failed to upload attachment")
	}

	slog.Info("s3_upload_complete", "s3_key", key, "size", len(data), "sha256", checksum[:16]+"...")
	return session.FileRef{
		Name:        cleanName(name),
		ContentType: contentType,
		Size:        int64(len(data)),
		SHA256:      checksum,
		Bucket:      c.bucket,
		Key:         key,
	}, nil
}

// Download reads an attachment back and verifies its checksum.
func (c *Client) Download(ctx context.Context, ref session.FileRef) ([]byte, error) {
	result, err := c.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		slog.Error("s3_get_object_failed", "s3_key", ref.Key, "error", err)
		return nil, errors.Wrap(err, "failed to get attachment")
	}
	defer result.Body.Close()

	hash := sha256.New()
	var buf bytes.Buffer
	if _, err := io.Copy(io.MultiWriter(&buf, hash), result.Body); err != nil {
		slog.Error("s3_download_failed", "s3_key", ref.Key, "error", err)
		return nil, errors.Wrap(err, "failed to download attachment")
	}

	if ref.SHA256 != "" && hex.EncodeToString(hash.Sum(nil)) != ref.SHA256 {
		slog.Error("s3_checksum_mismatch", "s3_key", ref.Key)
		return nil, errors.New("attachment checksum mismatch")
	}
	return buf.Bytes(), nil
}

// Delete removes an attachment. Removing a missing object is not an error.
func (c *Client) Delete(ctx context.Context, ref session.FileRef) error {
	_, err := c.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(ref.Key),
	})
	if err != nil {
		slog.Error("s3_delete_object_failed", "s3_key", ref.Key, "error", err)
		return errors.Wrap(err, "failed to delete attachment")
	}
	slog.Info("s3_delete_complete", "s3_key", ref.Key)
	return nil
}

func cleanName(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "upload"
	}
	return name
}
