package publisher

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	snstypes "github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/platinummonkey/audittrail/pkg/config"
	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/observability"
)

// EncodingAttribute is the message attribute carrying the payload
// encoding. Consumers reject messages without it.
const EncodingAttribute = "encoding"

// TransportError wraps failures of the ingestion transport. Unlike codec
// errors these are transient: the caller may retry with the same event.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// snsAPI is the subset of the SNS API used by the publisher.
type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// sqsAPI is the subset of the SQS API used by the publisher.
type sqsAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Config configures the publisher.
type Config struct {
	// SNS is required unless TopicARN is "bypass".
	SNS snsAPI
	// SQS is required when TopicARN is "bypass".
	SQS sqsAPI
	// TopicARN is the ingestion topic, or "bypass" for direct queueing.
	TopicARN string
	// QueueURL is the queue used in bypass mode.
	QueueURL string
	// Codec is required.
	Codec *events.Codec
	// Logger defaults to the package logger.
	Logger *observability.Logger
	// Metrics is optional.
	Metrics *observability.Metrics
}

func (c *Config) checkAndSetDefaults() error {
	if c.Codec == nil {
		return fmt.Errorf("codec is required")
	}
	if c.TopicARN == "" {
		return fmt.Errorf("topic ARN is required")
	}
	if c.TopicARN == config.TopicARNBypass {
		if c.SQS == nil || c.QueueURL == "" {
			return fmt.Errorf("bypass mode requires an SQS client and queue URL")
		}
	} else if c.SNS == nil {
		return fmt.Errorf("SNS client is required")
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	return nil
}

// Publisher sends audit events to the ingestion topic or queue.
type Publisher struct {
	cfg Config
}

// New creates a publisher.
func New(cfg Config) (*Publisher, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Publisher{cfg: cfg}, nil
}

// EmitAuditEvent encodes and publishes one event. Codec errors mean the
// event can never be sent and is dropped; transport errors are returned
// wrapped in *TransportError and may be retried by the caller.
func (p *Publisher) EmitAuditEvent(ctx context.Context, event *events.AuditEvent) error {
	start := time.Now()

	if err := event.CheckAndSetDefaults(); err != nil {
		return &events.CodecError{Op: "encode", Err: err}
	}

	payload, encoding, err := p.cfg.Codec.Encode(ctx, event)
	if err != nil {
		p.observeError()
		return err
	}

	if p.cfg.TopicARN == config.TopicARNBypass {
		_, err = p.cfg.SQS.SendMessage(ctx, &sqs.SendMessageInput{
			QueueUrl:    aws.String(p.cfg.QueueURL),
			MessageBody: aws.String(payload),
			MessageAttributes: map[string]sqstypes.MessageAttributeValue{
				EncodingAttribute: {
					DataType:    aws.String("String"),
					StringValue: aws.String(encoding),
				},
			},
		})
	} else {
		_, err = p.cfg.SNS.Publish(ctx, &sns.PublishInput{
			TopicArn: aws.String(p.cfg.TopicARN),
			Message:  aws.String(payload),
			MessageAttributes: map[string]snstypes.MessageAttributeValue{
				EncodingAttribute: {
					DataType:    aws.String("String"),
					StringValue: aws.String(encoding),
				},
			},
		})
	}
	if err != nil {
		p.observeError()
		return &TransportError{Err: err}
	}

	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PublisherEmittedTotal.WithLabelValues(encoding).Inc()
		p.cfg.Metrics.PublisherEmitDuration.Observe(time.Since(start).Seconds())
	}
	return nil
}

func (p *Publisher) observeError() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.PublisherErrorsTotal.Inc()
	}
}
