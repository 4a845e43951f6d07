package consumer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/observability"
	"github.com/platinummonkey/audittrail/pkg/publisher"
)

const (
	// maxMessagesPerReceive is the SQS ReceiveMessage cap.
	maxMessagesPerReceive = 10
	// maxReceiveWait is how long a single receive long-polls when the
	// queue is empty.
	maxReceiveWait = 5 * time.Second
	// maxUniqueDaysPerBatch cuts a batch early when events span too many
	// distinct days, bounding the number of files open at once.
	maxUniqueDaysPerBatch = 100
	// maxLoggedCollectErrors caps per-message error logging in one batch.
	maxLoggedCollectErrors = 10

	sentTimestampAttribute = "SentTimestamp"
)

// sqsReceiver is the subset of the SQS API used by the collector.
type sqsReceiver interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
}

// eventAndAckID pairs a decoded event with the receipt handle needed to
// acknowledge its message.
type eventAndAckID struct {
	event         *events.AuditEvent
	receiptHandle string
}

type collectorConfig struct {
	receiver sqsReceiver
	queueURL string
	codec    *events.Codec
	// visibilityTimeout is how long received messages stay invisible;
	// set to the batch interval so an aborted batch's messages come back
	// exactly when the next batch starts.
	visibilityTimeout int32
	batchMaxItems     int
	// receiveWait is how long one receive call long-polls an empty
	// queue. Lowered in tests.
	receiveWait time.Duration
	// waitOnReceiveError backs off receive retries after an API error.
	waitOnReceiveError time.Duration
	workers            int
	logger             *observability.Logger
	metrics            *observability.Metrics
}

// collector drains the queue into an events channel until the batch is
// full, spans too many days, or its context expires.
type collector struct {
	cfg        collectorConfig
	eventsChan chan eventAndAckID
}

func newCollector(cfg collectorConfig) *collector {
	if cfg.workers == 0 {
		cfg.workers = 5
	}
	if cfg.waitOnReceiveError == 0 {
		cfg.waitOnReceiveError = time.Second
	}
	if cfg.receiveWait == 0 {
		cfg.receiveWait = maxReceiveWait
	}
	return &collector{
		cfg:        cfg,
		eventsChan: make(chan eventAndAckID, cfg.batchMaxItems),
	}
}

// events returns the channel carrying collected events. Closed when the
// collector finishes.
func (c *collector) events() <-chan eventAndAckID {
	return c.eventsChan
}

// batchMetadata accumulates counters across receive calls.
type batchMetadata struct {
	count           int
	size            int
	oldestTimestamp time.Time
	uniqueDays      map[string]struct{}
}

func (m *batchMetadata) merge(in batchMetadata) {
	m.count += in.count
	m.size += in.size
	if m.uniqueDays == nil {
		m.uniqueDays = in.uniqueDays
	} else {
		for day := range in.uniqueDays {
			m.uniqueDays[day] = struct{}{}
		}
	}
	if m.oldestTimestamp.IsZero() || (!in.oldestTimestamp.IsZero() && m.oldestTimestamp.After(in.oldestTimestamp)) {
		m.oldestTimestamp = in.oldestTimestamp
	}
}

func (m *batchMetadata) mergeEvent(event *events.AuditEvent, sentAt time.Time, size int) {
	m.merge(batchMetadata{
		count:           1,
		size:            size,
		oldestTimestamp: sentAt,
		uniqueDays:      map[string]struct{}{event.Time.Format(time.DateOnly): {}},
	})
}

// collect runs receive workers until ctx expires or the batch limits are
// reached, then closes the events channel.
func (c *collector) collect(ctx context.Context) {
	workerCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		full     batchMetadata
		fullMu   sync.Mutex
		wg       sync.WaitGroup
		errCount int
	)

	logCollectError := func(err error) {
		fullMu.Lock()
		errCount++
		n := errCount
		fullMu.Unlock()
		if c.cfg.metrics != nil {
			c.cfg.metrics.ConsumerCollectErrorsTotal.Inc()
		}
		if n <= maxLoggedCollectErrors {
			c.cfg.logger.WithError(err).Error("Failure processing queue messages")
		}
	}

	wg.Add(c.cfg.workers)
	for i := 0; i < c.cfg.workers; i++ {
		go func() {
			defer wg.Done()
			for {
				if workerCtx.Err() != nil {
					return
				}
				// A receive started too close to the deadline would be
				// canceled mid-flight, leaving its messages invisible
				// for a full visibility timeout without being batched.
				if deadline, ok := workerCtx.Deadline(); ok && time.Until(deadline) <= c.cfg.receiveWait {
					return
				}
				receiveMetadata := c.receiveAndDecode(workerCtx, logCollectError)
				if receiveMetadata.count == 0 {
					continue
				}

				fullMu.Lock()
				full.merge(receiveMetadata)
				overItems := full.count >= c.cfg.batchMaxItems
				overDays := len(full.uniqueDays) > maxUniqueDaysPerBatch
				fullMu.Unlock()
				if overItems || overDays {
					c.cfg.logger.WithFields(map[string]interface{}{
						"max_size":        overItems,
						"max_unique_days": overDays,
					}).Debug("Batcher aborting early")
					cancel()
					return
				}
			}
		}()
	}
	wg.Wait()
	close(c.eventsChan)

	if c.cfg.metrics != nil {
		if full.count > 0 {
			c.cfg.metrics.ConsumerBatchCount.Add(float64(full.count))
			c.cfg.metrics.ConsumerBatchSize.Observe(float64(full.size))
			c.cfg.metrics.ConsumerOldestMessageAge.Set(time.Since(full.oldestTimestamp).Seconds())
		} else {
			c.cfg.metrics.ConsumerOldestMessageAge.Set(0)
		}
	}
}

// receiveAndDecode performs one ReceiveMessage call and pushes decoded
// events onto the channel. Messages that fail validation or decoding are
// skipped without acknowledgment; redelivery routes them to the
// dead-letter queue after enough attempts.
func (c *collector) receiveAndDecode(ctx context.Context, reportErr func(error)) batchMetadata {
	out, err := c.cfg.receiver.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.cfg.queueURL),
		MaxNumberOfMessages:   maxMessagesPerReceive,
		WaitTimeSeconds:       int32(c.cfg.receiveWait.Seconds()),
		VisibilityTimeout:     c.cfg.visibilityTimeout,
		MessageAttributeNames: []string{publisher.EncodingAttribute},
		AttributeNames:        []sqstypes.QueueAttributeName{sentTimestampAttribute},
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return batchMetadata{}
		}
		reportErr(err)
		// Back off so a broken queue does not spin the workers.
		select {
		case <-ctx.Done():
		case <-time.After(c.cfg.waitOnReceiveError):
		}
		return batchMetadata{}
	}

	var receiveMetadata batchMetadata
	for _, msg := range out.Messages {
		event, err := c.decodeMessage(ctx, msg)
		if err != nil {
			if c.cfg.metrics != nil {
				c.cfg.metrics.ConsumerSkippedRecordsTotal.Inc()
			}
			reportErr(err)
			continue
		}
		select {
		case c.eventsChan <- eventAndAckID{event: event, receiptHandle: aws.ToString(msg.ReceiptHandle)}:
		case <-ctx.Done():
			return receiveMetadata
		}
		receiveMetadata.mergeEvent(event, messageSentTimestamp(msg), len(aws.ToString(msg.Body)))
	}
	return receiveMetadata
}

func (c *collector) decodeMessage(ctx context.Context, msg sqstypes.Message) (*events.AuditEvent, error) {
	if msg.Body == nil || msg.ReceiptHandle == nil {
		return nil, fmt.Errorf("message missing body or receipt handle")
	}
	attr, ok := msg.MessageAttributes[publisher.EncodingAttribute]
	if !ok || attr.StringValue == nil {
		return nil, fmt.Errorf("message without %q attribute", publisher.EncodingAttribute)
	}
	return c.cfg.codec.Decode(ctx, aws.ToString(msg.Body), aws.ToString(attr.StringValue))
}

func messageSentTimestamp(msg sqstypes.Message) time.Time {
	raw := msg.Attributes[sentTimestampAttribute]
	if raw == "" {
		return time.Time{}
	}
	millis, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(millis).UTC()
}
