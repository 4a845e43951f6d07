package events

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

const (
	// EncodingInline marks a payload carrying the full event document.
	EncodingInline = "inline-event"
	// EncodingBlobPointer marks a payload carrying a pointer to a staged
	// object holding the event document.
	EncodingBlobPointer = "blob-pointer"

	// DefaultMaxInlineSize keeps inline payloads under the 256KB message
	// size cap of SNS/SQS, leaving headroom for base64 expansion and
	// message attributes.
	DefaultMaxInlineSize = 128 * 1024
)

// CodecError wraps encode/decode failures. Decode failures are permanent:
// retrying the same payload cannot succeed, so callers skip the record
// instead of retrying.
type CodecError struct {
	Op  string
	Err error
}

func (e *CodecError) Error() string {
	return fmt.Sprintf("codec %s: %v", e.Op, e.Err)
}

func (e *CodecError) Unwrap() error {
	return e.Err
}

// BlobStore stages oversized event payloads between publish and
// consolidation.
type BlobStore interface {
	// Upload stores data under path and returns the version ID of the
	// created object.
	Upload(ctx context.Context, path string, data []byte) (versionID string, err error)
	// Download retrieves the exact version of the object at path.
	Download(ctx context.Context, path, versionID string) ([]byte, error)
}

// blobPointer is the body of a blob-pointer payload.
type blobPointer struct {
	Path      string `json:"path"`
	VersionID string `json:"version_id"`
}

// Codec converts audit events to queue payloads and back. Payloads are
// base64-encoded so they survive transports that mangle raw JSON.
type Codec struct {
	blobs         BlobStore
	maxInlineSize int
}

// NewCodec creates a codec. maxInlineSize of 0 uses DefaultMaxInlineSize.
func NewCodec(blobs BlobStore, maxInlineSize int) *Codec {
	if maxInlineSize <= 0 {
		maxInlineSize = DefaultMaxInlineSize
	}
	return &Codec{blobs: blobs, maxInlineSize: maxInlineSize}
}

// Encode serializes the event into a payload body and its encoding
// attribute. Events larger than the inline cap are staged in the blob
// store and replaced with a pointer.
func (c *Codec) Encode(ctx context.Context, event *AuditEvent) (payload, encoding string, err error) {
	data, err := json.Marshal(event)
	if err != nil {
		return "", "", &CodecError{Op: "encode", Err: err}
	}

	if len(data) <= c.maxInlineSize {
		return base64.StdEncoding.EncodeToString(data), EncodingInline, nil
	}

	if c.blobs == nil {
		return "", "", &CodecError{Op: "encode", Err: fmt.Errorf("event of %d bytes exceeds inline cap and no blob store is configured", len(data))}
	}

	path := blobPath(event)
	versionID, err := c.blobs.Upload(ctx, path, data)
	if err != nil {
		return "", "", fmt.Errorf("failed to stage oversized event: %w", err)
	}

	ptr, err := json.Marshal(blobPointer{Path: path, VersionID: versionID})
	if err != nil {
		return "", "", &CodecError{Op: "encode", Err: err}
	}
	return base64.StdEncoding.EncodeToString(ptr), EncodingBlobPointer, nil
}

// Decode reverses Encode. Unknown encodings and malformed payloads return
// a *CodecError; blob store failures are returned as-is and are retryable.
func (c *Codec) Decode(ctx context.Context, payload, encoding string) (*AuditEvent, error) {
	body, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("failed to base64 decode payload: %w", err)}
	}

	switch encoding {
	case EncodingInline:
		// body already holds the event document
	case EncodingBlobPointer:
		var ptr blobPointer
		if err := json.Unmarshal(body, &ptr); err != nil {
			return nil, &CodecError{Op: "decode", Err: fmt.Errorf("failed to unmarshal blob pointer: %w", err)}
		}
		if c.blobs == nil {
			return nil, &CodecError{Op: "decode", Err: fmt.Errorf("blob-pointer payload but no blob store is configured")}
		}
		body, err = c.blobs.Download(ctx, ptr.Path, ptr.VersionID)
		if err != nil {
			return nil, fmt.Errorf("failed to download staged event: %w", err)
		}
	default:
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("unsupported encoding %q", encoding)}
	}

	var event AuditEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, &CodecError{Op: "decode", Err: fmt.Errorf("failed to unmarshal event: %w", err)}
	}
	return &event, nil
}

// blobPath derives a unique staging path from the event date and ID.
func blobPath(event *AuditEvent) string {
	return filepath.Join(event.Time.UTC().Format(time.DateOnly), event.ID)
}
