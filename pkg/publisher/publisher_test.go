package publisher

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/audittrail/pkg/events"
)

type fakeSNS struct {
	published []*sns.PublishInput
	err       error
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("m-1")}, nil
}

type fakeSQS struct {
	sent []*sqs.SendMessageInput
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

type fakeBlobStore struct {
	uploads int
}

func (f *fakeBlobStore) Upload(context.Context, string, []byte) (string, error) {
	f.uploads++
	return "v1", nil
}

func (f *fakeBlobStore) Download(context.Context, string, string) ([]byte, error) {
	return nil, errors.New("not used")
}

func sampleEvent() *events.AuditEvent {
	return &events.AuditEvent{
		Type:  "user.login",
		Time:  time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC),
		Actor: "alice",
	}
}

func TestEmit_PublishesInlineToTopic(t *testing.T) {
	topic := &fakeSNS{}
	p, err := New(Config{
		SNS:      topic,
		TopicARN: "arn:aws:sns:us-east-1:123:audit",
		Codec:    events.NewCodec(nil, 0),
	})
	require.NoError(t, err)

	require.NoError(t, p.EmitAuditEvent(context.Background(), sampleEvent()))

	require.Len(t, topic.published, 1)
	msg := topic.published[0]
	assert.Equal(t, "arn:aws:sns:us-east-1:123:audit", aws.ToString(msg.TopicArn))
	attr, ok := msg.MessageAttributes[EncodingAttribute]
	require.True(t, ok, "encoding attribute missing")
	assert.Equal(t, events.EncodingInline, aws.ToString(attr.StringValue))
}

func TestEmit_BypassSendsDirectlyToQueue(t *testing.T) {
	queue := &fakeSQS{}
	p, err := New(Config{
		SQS:      queue,
		TopicARN: "bypass",
		QueueURL: "https://sqs.us-east-1.amazonaws.com/123/audit",
		Codec:    events.NewCodec(nil, 0),
	})
	require.NoError(t, err)

	require.NoError(t, p.EmitAuditEvent(context.Background(), sampleEvent()))

	require.Len(t, queue.sent, 1)
	attr := queue.sent[0].MessageAttributes[EncodingAttribute]
	assert.Equal(t, events.EncodingInline, aws.ToString(attr.StringValue))
}

func TestEmit_OversizedEventStagesBlob(t *testing.T) {
	topic := &fakeSNS{}
	blobs := &fakeBlobStore{}
	p, err := New(Config{
		SNS:      topic,
		TopicARN: "arn:aws:sns:us-east-1:123:audit",
		Codec:    events.NewCodec(blobs, 256),
	})
	require.NoError(t, err)

	event := sampleEvent()
	event.Fields = map[string]any{"dump": strings.Repeat("z", 2048)}
	require.NoError(t, p.EmitAuditEvent(context.Background(), event))

	assert.Equal(t, 1, blobs.uploads)
	attr := topic.published[0].MessageAttributes[EncodingAttribute]
	assert.Equal(t, events.EncodingBlobPointer, aws.ToString(attr.StringValue))
}

func TestEmit_FillsDefaults(t *testing.T) {
	topic := &fakeSNS{}
	p, err := New(Config{
		SNS:      topic,
		TopicARN: "arn:aws:sns:us-east-1:123:audit",
		Codec:    events.NewCodec(nil, 0),
	})
	require.NoError(t, err)

	event := &events.AuditEvent{Type: "user.login"}
	require.NoError(t, p.EmitAuditEvent(context.Background(), event))
	assert.NotEmpty(t, event.ID)
	assert.False(t, event.Time.IsZero())
}

func TestEmit_TransportErrorIsRetryable(t *testing.T) {
	topic := &fakeSNS{err: errors.New("throttled")}
	p, err := New(Config{
		SNS:      topic,
		TopicARN: "arn:aws:sns:us-east-1:123:audit",
		Codec:    events.NewCodec(nil, 0),
	})
	require.NoError(t, err)

	err = p.EmitAuditEvent(context.Background(), sampleEvent())
	var transportErr *TransportError
	require.ErrorAs(t, err, &transportErr)
}

func TestEmit_InvalidEventIsDropped(t *testing.T) {
	topic := &fakeSNS{}
	p, err := New(Config{
		SNS:      topic,
		TopicARN: "arn:aws:sns:us-east-1:123:audit",
		Codec:    events.NewCodec(nil, 0),
	})
	require.NoError(t, err)

	err = p.EmitAuditEvent(context.Background(), &events.AuditEvent{})
	var codecErr *events.CodecError
	require.ErrorAs(t, err, &codecErr)
	assert.Empty(t, topic.published)
}

func TestNew_Validation(t *testing.T) {
	codec := events.NewCodec(nil, 0)
	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "missing codec", cfg: Config{SNS: &fakeSNS{}, TopicARN: "arn:x"}},
		{name: "missing topic", cfg: Config{SNS: &fakeSNS{}, Codec: codec}},
		{name: "missing SNS client", cfg: Config{TopicARN: "arn:x", Codec: codec}},
		{name: "bypass without queue", cfg: Config{TopicARN: "bypass", SQS: &fakeSQS{}, Codec: codec}},
		{name: "bypass without SQS client", cfg: Config{TopicARN: "bypass", QueueURL: "https://q", Codec: codec}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}
