// Package objectstore is the thin abstraction over the blob store holding
// source Parquet blobs, staging artifacts, and retention deletes. It is
// backed by S3 via internal/awsclient, mirroring the teacher's narrow
// per-service client interfaces.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/opensource-observer/goldsky-ingest/internal/awsclient"
)

// deleteBatchSize bounds a single DeleteObjects call to S3's own limit.
const deleteBatchSize = 1000

// Blob is one object returned by List.
type Blob struct {
	Key  string
	Size int64
}

// Client lists, downloads, uploads, and deletes blobs in a single bucket.
type Client interface {
	List(ctx context.Context, prefix string) ([]Blob, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
	DeleteBatch(ctx context.Context, keys []string) error
}

// S3Client implements Client against a single bucket.
type S3Client struct {
	client awsclient.S3Client
	bucket string
}

// New creates an S3Client scoped to bucket.
func New(client awsclient.S3Client, bucket string) *S3Client {
	return &S3Client{client: client, bucket: bucket}
}

// List returns every blob whose key starts with prefix, paginating through
// ListObjectsV2's continuation tokens.
func (c *S3Client) List(ctx context.Context, prefix string) ([]Blob, error) {
	var blobs []Blob
	var continuationToken *string

	for {
		out, err := c.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(c.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: continuationToken,
		})
		if err != nil {
			return nil, fmt.Errorf("objectstore: list %s/%s: %w", c.bucket, prefix, err)
		}

		for _, obj := range out.Contents {
			if obj.Key == nil {
				continue
			}
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			blobs = append(blobs, Blob{Key: *obj.Key, Size: size})
		}

		if out.IsTruncated == nil || !*out.IsTruncated {
			break
		}
		continuationToken = out.NextContinuationToken
	}

	return blobs, nil
}

// Download reads the full contents of key into memory.
func (c *S3Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: download %s/%s: %w", c.bucket, key, err)
	}
	defer out.Body.Close()

	buf := &bytes.Buffer{}
	if _, err := io.Copy(buf, out.Body); err != nil {
		return nil, fmt.Errorf("objectstore: read %s/%s: %w", c.bucket, key, err)
	}
	return buf.Bytes(), nil
}

// Upload writes data to key, overwriting any existing object.
func (c *S3Client) Upload(ctx context.Context, key string, data []byte) error {
	_, err := c.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("objectstore: upload %s/%s: %w", c.bucket, key, err)
	}
	return nil
}

// DeleteBatch deletes keys in batches of deleteBatchSize, accumulating the
// first error encountered but continuing through remaining batches so a
// single transient failure doesn't abandon the rest of the cleanup.
func (c *S3Client) DeleteBatch(ctx context.Context, keys []string) error {
	var firstErr error

	for start := 0; start < len(keys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(keys) {
			end = len(keys)
		}
		batch := keys[start:end]

		objects := make([]types.ObjectIdentifier, len(batch))
		for i, k := range batch {
			objects[i] = types.ObjectIdentifier{Key: aws.String(k)}
		}

		_, err := c.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(c.bucket),
			Delete: &types.Delete{Objects: objects},
		})
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("objectstore: delete batch starting at %d: %w", start, err)
		}
	}

	return firstErr
}

// ParseURI splits an s3://bucket/key URI into its bucket and key parts.
func ParseURI(uri string) (bucket, key string, err error) {
	const prefix = "s3://"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", fmt.Errorf("objectstore: invalid URI %q, must start with %s", uri, prefix)
	}
	rest := strings.TrimPrefix(uri, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("objectstore: invalid URI %q, expected s3://bucket/key", uri)
	}
	return parts[0], parts[1], nil
}
