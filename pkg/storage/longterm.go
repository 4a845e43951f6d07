package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/audittrail/pkg/config"
)

// maxKeysPerDelete is the S3 DeleteObjects request cap.
const maxKeysPerDelete = 1000

// longTermAPI is the subset of the S3 API used for listing and deleting
// date partitions.
type longTermAPI interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

// LongTerm manages the date-partitioned long-term store of columnar files.
type LongTerm struct {
	uploader *manager.Uploader
	client   longTermAPI
	bucket   string
	prefix   string
}

// NewLongTerm creates a long-term store over the given location. The
// client must also satisfy the multipart upload API; *s3.Client does.
func NewLongTerm(client manager.UploadAPIClient, loc config.S3Location) *LongTerm {
	lt := &LongTerm{
		uploader: manager.NewUploader(client),
		bucket:   loc.Bucket,
		prefix:   loc.Prefix,
	}
	if api, ok := client.(longTermAPI); ok {
		lt.client = api
	}
	return lt
}

// ObjectWriter streams one columnar file into long-term storage. The
// object becomes visible only after a successful Close; Abort discards
// the upload.
type ObjectWriter struct {
	pw   *io.PipeWriter
	done chan error
	once sync.Once
	err  error
}

func (w *ObjectWriter) Write(p []byte) (int, error) {
	return w.pw.Write(p)
}

// result waits for the upload goroutine exactly once and caches its
// outcome, so Close and Abort can be called in any combination.
func (w *ObjectWriter) result() error {
	w.once.Do(func() { w.err = <-w.done })
	return w.err
}

// Close finishes the upload and returns its result.
func (w *ObjectWriter) Close() error {
	if err := w.pw.Close(); err != nil {
		return err
	}
	return w.result()
}

// Abort cancels the upload. Safe after a failed write and a no-op on a
// writer that already closed.
func (w *ObjectWriter) Abort(reason error) {
	w.pw.CloseWithError(reason)
	w.result()
}

// NewObjectWriter starts a streaming upload of a new object under the
// given date partition.
func (l *LongTerm) NewObjectWriter(ctx context.Context, date time.Time) *ObjectWriter {
	key := path.Join(l.prefix, date.UTC().Format(time.DateOnly), uuid.NewString()+".parquet")
	pr, pw := io.Pipe()
	done := make(chan error, 1)

	go func() {
		ctx, span := tracer.Start(ctx, "LongTerm.Upload",
			trace.WithAttributes(
				attribute.String("s3.bucket", l.bucket),
				attribute.String("s3.key", key),
			),
		)
		defer span.End()

		_, err := l.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket: aws.String(l.bucket),
			Key:    aws.String(key),
			Body:   pr,
		})
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to upload columnar file")
			// Unblock any writer still pushing into the pipe.
			pr.CloseWithError(err)
			done <- fmt.Errorf("failed to upload columnar file: %w", err)
			return
		}
		done <- nil
	}()

	return &ObjectWriter{pw: pw, done: done}
}

// ListDates returns the date partitions present in the store.
func (l *LongTerm) ListDates(ctx context.Context) ([]time.Time, error) {
	if l.client == nil {
		return nil, fmt.Errorf("client does not support listing")
	}

	basePrefix := l.prefix
	if basePrefix != "" {
		basePrefix += "/"
	}

	var dates []time.Time
	var continuation *string
	for {
		out, err := l.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(l.bucket),
			Prefix:            aws.String(basePrefix),
			Delimiter:         aws.String("/"),
			ContinuationToken: continuation,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list date partitions: %w", err)
		}
		for _, cp := range out.CommonPrefixes {
			part := strings.TrimSuffix(strings.TrimPrefix(aws.ToString(cp.Prefix), basePrefix), "/")
			date, err := time.Parse(time.DateOnly, part)
			if err != nil {
				// Foreign objects under the prefix are left alone.
				continue
			}
			dates = append(dates, date)
		}
		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return dates, nil
}

// DeleteDate removes every object under one date partition and returns
// the number of deleted objects.
func (l *LongTerm) DeleteDate(ctx context.Context, date time.Time) (int, error) {
	if l.client == nil {
		return 0, fmt.Errorf("client does not support deletion")
	}

	datePrefix := path.Join(l.prefix, date.UTC().Format(time.DateOnly)) + "/"
	deleted := 0
	var continuation *string
	for {
		out, err := l.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(l.bucket),
			Prefix:            aws.String(datePrefix),
			ContinuationToken: continuation,
		})
		if err != nil {
			return deleted, fmt.Errorf("failed to list partition %s: %w", datePrefix, err)
		}

		for start := 0; start < len(out.Contents); start += maxKeysPerDelete {
			end := min(start+maxKeysPerDelete, len(out.Contents))
			objects := make([]types.ObjectIdentifier, 0, end-start)
			for _, obj := range out.Contents[start:end] {
				objects = append(objects, types.ObjectIdentifier{Key: obj.Key})
			}
			del, err := l.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
				Bucket: aws.String(l.bucket),
				Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
			})
			if err != nil {
				return deleted, fmt.Errorf("failed to delete objects under %s: %w", datePrefix, err)
			}
			if len(del.Errors) > 0 {
				first := del.Errors[0]
				return deleted, fmt.Errorf("failed to delete %s: %s", aws.ToString(first.Key), aws.ToString(first.Message))
			}
			deleted += end - start
		}

		if !aws.ToBool(out.IsTruncated) {
			break
		}
		continuation = out.NextContinuationToken
	}
	return deleted, nil
}
