package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/audittrail/pkg/config"
)

var tracer = otel.Tracer("audittrail/storage")

// blobAPI is the subset of the S3 API used by the blob store.
type blobAPI interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// S3BlobStore stages oversized event payloads in a versioned bucket.
// The returned version IDs pin the exact object written, so republished
// events cannot be shadowed by later writes to the same path.
type S3BlobStore struct {
	client blobAPI
	bucket string
	prefix string
}

// NewS3BlobStore creates a blob store over the given location.
func NewS3BlobStore(client blobAPI, loc config.S3Location) *S3BlobStore {
	return &S3BlobStore{
		client: client,
		bucket: loc.Bucket,
		prefix: loc.Prefix,
	}
}

// Upload stores data and returns the version ID of the created object.
func (b *S3BlobStore) Upload(ctx context.Context, objectPath string, data []byte) (string, error) {
	key := path.Join(b.prefix, objectPath)
	ctx, span := tracer.Start(ctx, "BlobStore.Upload",
		trace.WithAttributes(
			attribute.String("s3.bucket", b.bucket),
			attribute.String("s3.key", key),
			attribute.Int("content.size", len(data)),
		),
	)
	defer span.End()

	hash := sha256.Sum256(data)
	out, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
		Metadata: map[string]string{
			"checksum-sha256": hex.EncodeToString(hash[:]),
		},
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload to s3")
		return "", fmt.Errorf("failed to upload to s3: %w", err)
	}
	return aws.ToString(out.VersionId), nil
}

// Download retrieves the exact version of the object at path.
func (b *S3BlobStore) Download(ctx context.Context, objectPath, versionID string) ([]byte, error) {
	key := path.Join(b.prefix, objectPath)
	ctx, span := tracer.Start(ctx, "BlobStore.Download",
		trace.WithAttributes(
			attribute.String("s3.bucket", b.bucket),
			attribute.String("s3.key", key),
			attribute.String("s3.version_id", versionID),
		),
	)
	defer span.End()

	in := &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	}
	if versionID != "" {
		in.VersionId = aws.String(versionID)
	}
	out, err := b.client.GetObject(ctx, in)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get object from s3")
		return nil, fmt.Errorf("failed to get object from s3: %w", err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read object body: %w", err)
	}
	return data, nil
}
