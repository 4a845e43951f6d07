package events

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBlobStore struct {
	objects   map[string][]byte
	versions  int
	uploadErr error
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: make(map[string][]byte)}
}

func (f *fakeBlobStore) Upload(_ context.Context, path string, data []byte) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.versions++
	version := fmt.Sprintf("v%d", f.versions)
	f.objects[path+"@"+version] = data
	return version, nil
}

func (f *fakeBlobStore) Download(_ context.Context, path, versionID string) ([]byte, error) {
	data, ok := f.objects[path+"@"+versionID]
	if !ok {
		return nil, fmt.Errorf("no such object %s@%s", path, versionID)
	}
	return data, nil
}

func sampleEvent() *AuditEvent {
	return &AuditEvent{
		ID:        "0a72e9a1-51ba-4b35-8a54-000000000001",
		Type:      "user.login",
		Time:      time.Date(2026, 5, 4, 12, 30, 0, 0, time.UTC),
		SessionID: "sess-1",
		Actor:     "alice",
		Fields: map[string]any{
			"success": true,
			"method":  "local",
		},
	}
}

func TestCodec_InlineRoundTrip(t *testing.T) {
	codec := NewCodec(nil, 0)
	event := sampleEvent()

	payload, encoding, err := codec.Encode(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, EncodingInline, encoding)

	got, err := codec.Decode(context.Background(), payload, encoding)
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.Type, got.Type)
	assert.Equal(t, event.Time, got.Time)
	assert.Equal(t, event.SessionID, got.SessionID)
	assert.Equal(t, event.Actor, got.Actor)
	assert.Equal(t, true, got.Fields["success"])
	assert.Equal(t, "local", got.Fields["method"])
}

func TestCodec_OversizedEventGoesThroughBlobStore(t *testing.T) {
	blobs := newFakeBlobStore()
	codec := NewCodec(blobs, 1024)

	event := sampleEvent()
	event.Fields["blob"] = strings.Repeat("x", 4096)

	payload, encoding, err := codec.Encode(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, EncodingBlobPointer, encoding)
	require.Len(t, blobs.objects, 1)

	// the pointer itself stays tiny
	assert.Less(t, len(payload), 512)

	got, err := codec.Decode(context.Background(), payload, encoding)
	require.NoError(t, err)
	assert.Equal(t, event.ID, got.ID)
	assert.Equal(t, event.Fields["blob"], got.Fields["blob"])
}

func TestCodec_BlobPathIncludesDateAndID(t *testing.T) {
	blobs := newFakeBlobStore()
	codec := NewCodec(blobs, 16)

	event := sampleEvent()
	_, _, err := codec.Encode(context.Background(), event)
	require.NoError(t, err)

	for key := range blobs.objects {
		assert.True(t, strings.HasPrefix(key, "2026-05-04/"+event.ID), "unexpected blob key %q", key)
	}
}

func TestCodec_OversizedWithoutBlobStore(t *testing.T) {
	codec := NewCodec(nil, 16)
	event := sampleEvent()

	_, _, err := codec.Encode(context.Background(), event)
	var codecErr *CodecError
	require.ErrorAs(t, err, &codecErr)
}

func TestCodec_UploadFailurePropagates(t *testing.T) {
	blobs := newFakeBlobStore()
	blobs.uploadErr = errors.New("s3 is down")
	codec := NewCodec(blobs, 16)

	_, _, err := codec.Encode(context.Background(), sampleEvent())
	require.Error(t, err)
	// transient failure, not a codec error: the caller may retry
	var codecErr *CodecError
	assert.False(t, errors.As(err, &codecErr))
	assert.ErrorIs(t, err, blobs.uploadErr)
}

func TestCodec_DecodeErrors(t *testing.T) {
	codec := NewCodec(newFakeBlobStore(), 0)
	validBody := base64.StdEncoding.EncodeToString([]byte(`{"event_type":"x","uid":"1","event_time":"2026-05-04T12:30:00Z"}`))

	tests := []struct {
		name     string
		payload  string
		encoding string
	}{
		{name: "not base64", payload: "%%%not-base64%%%", encoding: EncodingInline},
		{name: "unknown encoding", payload: validBody, encoding: "protobuf-oneof"},
		{name: "inline body not JSON", payload: base64.StdEncoding.EncodeToString([]byte("not json")), encoding: EncodingInline},
		{name: "pointer body not JSON", payload: base64.StdEncoding.EncodeToString([]byte("not json")), encoding: EncodingBlobPointer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := codec.Decode(context.Background(), tt.payload, tt.encoding)
			var codecErr *CodecError
			require.ErrorAs(t, err, &codecErr, "expected a permanent codec error")
		})
	}
}

func TestAuditEvent_CheckAndSetDefaults(t *testing.T) {
	e := &AuditEvent{Type: "user.login"}
	require.NoError(t, e.CheckAndSetDefaults())
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Time.IsZero())

	missing := &AuditEvent{}
	assert.Error(t, missing.CheckAndSetDefaults())
}

func TestAuditEvent_ReservedFieldCollision(t *testing.T) {
	e := sampleEvent()
	e.Fields["uid"] = "sneaky"

	_, err := e.MarshalJSON()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reserved key")
}
