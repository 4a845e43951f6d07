package consumer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/lock"
	"github.com/platinummonkey/audittrail/pkg/observability"
	"github.com/platinummonkey/audittrail/pkg/storage"
)

// WriteError wraps long-term storage failures of a batch. The batch is
// retried from the queue, nothing was acknowledged.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("batch write: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// sqsDeleter is the subset of the SQS API used for acknowledgment.
type sqsDeleter interface {
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// Config configures the consumer.
type Config struct {
	// Receiver and Deleter are the queue clients (required). A single
	// *sqs.Client satisfies both.
	Receiver sqsReceiver
	Deleter  sqsDeleter
	// QueueURL is the ingestion queue (required).
	QueueURL string
	// Codec decodes queue payloads (required).
	Codec *events.Codec
	// Store receives the columnar files (required unless NewFileWriter
	// is set directly).
	Store *storage.LongTerm
	// NewFileWriter opens a writer for one date partition. Defaults to
	// streaming into Store.
	NewFileWriter func(ctx context.Context, date time.Time) (io.WriteCloser, error)

	// BatchMaxItems is the soft cap of events per batch.
	BatchMaxItems int
	// BatchMaxInterval is the max wait before a batch is cut. Also used
	// as the queue visibility timeout.
	BatchMaxInterval time.Duration
	// ReceiveWait is how long one receive call long-polls an empty
	// queue. Defaults to 5s, lowered in tests.
	ReceiveWait time.Duration

	// LockClient, LockName, LockRetryInterval and LeaseTTL configure the
	// consolidation lease. LockClient is required for Run; ProcessBatch
	// can be driven directly in tests without it.
	LockClient        *redis.Client
	LockName          string
	LockRetryInterval time.Duration
	LeaseTTL          time.Duration

	Logger  *observability.Logger
	Metrics *observability.Metrics
	Clock   clockwork.Clock
}

func (c *Config) checkAndSetDefaults() error {
	if c.Receiver == nil || c.Deleter == nil {
		return fmt.Errorf("queue clients are required")
	}
	if c.QueueURL == "" {
		return fmt.Errorf("queue URL is required")
	}
	if c.Codec == nil {
		return fmt.Errorf("codec is required")
	}
	if c.Store == nil && c.NewFileWriter == nil {
		return fmt.Errorf("long-term store is required")
	}
	if c.NewFileWriter == nil {
		store := c.Store
		c.NewFileWriter = func(ctx context.Context, date time.Time) (io.WriteCloser, error) {
			return store.NewObjectWriter(ctx, date), nil
		}
	}
	if c.BatchMaxItems == 0 {
		c.BatchMaxItems = 20000
	}
	if c.BatchMaxInterval == 0 {
		c.BatchMaxInterval = time.Minute
	}
	if c.LockName == "" {
		c.LockName = "consolidator"
	}
	if c.LockRetryInterval == 0 {
		c.LockRetryInterval = c.BatchMaxInterval
	}
	if c.LeaseTTL == 0 {
		// High enough that the holder refreshes rarely, low enough that
		// failover happens within a few batch intervals.
		c.LeaseTTL = 5 * c.BatchMaxInterval
	}
	if c.Logger == nil {
		c.Logger = observability.NewLogger(observability.InfoLevel, os.Stderr)
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Consumer consolidates queued events into long-term storage.
type Consumer struct {
	cfg Config
}

// New creates a consumer.
func New(cfg Config) (*Consumer, error) {
	if err := cfg.checkAndSetDefaults(); err != nil {
		return nil, err
	}
	return &Consumer{cfg: cfg}, nil
}

// Run processes batches continuously while holding the consolidation
// lease. Blocks until ctx is canceled. Instances without the lease wait
// and retry; losing the lease mid-run stops batching immediately.
func (c *Consumer) Run(ctx context.Context) error {
	if c.cfg.LockClient == nil {
		return fmt.Errorf("lock client is required to run the consumer")
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := lock.RunWhileLocked(ctx, lock.Config{
			Client:        c.cfg.LockClient,
			LockName:      c.cfg.LockName,
			TTL:           c.cfg.LeaseTTL,
			RetryInterval: c.cfg.LockRetryInterval,
			Clock:         c.cfg.Clock,
			Logger:        c.cfg.Logger,
		}, func(ctx context.Context) error {
			c.processContinuously(ctx)
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.cfg.Logger.WithError(err).Warn("Consumer lost or failed to hold the lease, retrying")
			// Jittered wait keeps candidates from stampeding the lease.
			wait := c.cfg.BatchMaxInterval / 12
			wait += time.Duration(rand.Int63n(int64(wait) + 1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.cfg.Clock.After(wait):
			}
		}
	}
}

// processContinuously runs batches back to back, padding fast runs so an
// empty queue does not busy-loop the AWS API.
func (c *Consumer) processContinuously(ctx context.Context) {
	c.cfg.Logger.Info("Processing of events started on this instance")
	defer c.cfg.Logger.Info("Processing of events finished on this instance")

	// If a batch took most of the interval already there is no point in
	// waiting a few leftover milliseconds.
	minInterval := time.Duration(float64(c.cfg.BatchMaxInterval) * 0.9)

	runOnce := func(ctx context.Context) (reachedMaxBatch bool) {
		reachedMaxBatch, err := c.ProcessBatch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			c.cfg.Logger.WithError(err).Error("Batcher single run failed")
			return false
		}
		return reachedMaxBatch
	}

	for {
		if stop := runWithMinInterval(ctx, runOnce, minInterval); stop {
			return
		}
	}
}

// runWithMinInterval runs fn and waits out the remainder of minInterval
// unless fn filled a whole batch, in which case the next batch starts
// immediately.
func runWithMinInterval(ctx context.Context, fn func(context.Context) bool, minInterval time.Duration) (stop bool) {
	start := time.Now()
	reachedMaxBatch := fn(ctx)
	if ctx.Err() != nil {
		return true
	}
	if reachedMaxBatch {
		return false
	}
	elapsed := time.Since(start)
	if elapsed > minInterval {
		return false
	}
	select {
	case <-ctx.Done():
		return true
	case <-time.After(minInterval - elapsed):
		return false
	}
}

// ProcessBatch collects one batch from the queue, writes it to long-term
// storage and acknowledges the written messages. Returns whether the
// batch hit the item cap.
func (c *Consumer) ProcessBatch(ctx context.Context) (reachedMaxSize bool, err error) {
	start := time.Now()
	defer func() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConsumerLastProcessedTimestamp.SetToCurrentTime()
			c.cfg.Metrics.ConsumerBatchProcessingDuration.Observe(time.Since(start).Seconds())
		}
	}()

	coll := newCollector(collectorConfig{
		receiver:          c.cfg.Receiver,
		queueURL:          c.cfg.QueueURL,
		codec:             c.cfg.Codec,
		visibilityTimeout: int32(c.cfg.BatchMaxInterval.Seconds()),
		batchMaxItems:     c.cfg.BatchMaxItems,
		receiveWait:       c.cfg.ReceiveWait,
		logger:            c.cfg.Logger,
		metrics:           c.cfg.Metrics,
	})

	collectCtx, collectCancel := context.WithTimeout(ctx, c.cfg.BatchMaxInterval)
	defer collectCancel()
	go coll.collect(collectCtx)

	toDelete, err := c.writeToStore(ctx, coll.events())
	if err != nil {
		return false, err
	}
	if err := c.deleteMessages(ctx, toDelete); err != nil {
		return false, err
	}
	return len(toDelete) >= c.cfg.BatchMaxItems, nil
}

// writeToStore drains the events channel into one columnar file per
// date. Returns the receipt handles to acknowledge; on any write or
// close failure nothing is acknowledged and the whole batch is retried
// from the queue.
func (c *Consumer) writeToStore(ctx context.Context, eventsCh <-chan eventAndAckID) ([]string, error) {
	toDelete := make([]string, 0, c.cfg.BatchMaxItems)
	perDateWriter := map[string]*parquetWriter{}

	abortAll := func(reason error) {
		for _, pw := range perDateWriter {
			if aborter, ok := pw.closer.(interface{ Abort(error) }); ok {
				aborter.Abort(reason)
			} else {
				pw.closer.Close()
			}
		}
	}

eventLoop:
	for {
		select {
		case <-ctx.Done():
			abortAll(ctx.Err())
			return nil, ctx.Err()
		case item, ok := <-eventsCh:
			if !ok {
				break eventLoop
			}
			row, err := eventToRow(item.event)
			if err != nil {
				// Permanent per-record failure; skipping leaves the
				// message unacked for the dead-letter queue.
				c.cfg.Logger.WithError(err).Error("Could not convert event to columnar format")
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.ConsumerSkippedRecordsTotal.Inc()
				}
				continue
			}
			date := row.EventTime.Format(time.DateOnly)
			pw := perDateWriter[date]
			if pw == nil {
				fw, err := c.cfg.NewFileWriter(ctx, row.EventTime)
				if err != nil {
					abortAll(err)
					return nil, &WriteError{Err: err}
				}
				pw = newParquetWriter(fw)
				perDateWriter[date] = pw
			}
			if err := pw.Write(*row); err != nil {
				// Write only fails on a flush, so the culprit event
				// cannot be singled out; the whole batch is retried.
				abortAll(err)
				return nil, &WriteError{Err: err}
			}
			// Acknowledge only if the whole batch lands.
			toDelete = append(toDelete, item.receiptHandle)
		}
	}

	flushStart := time.Now()
	defer func() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConsumerStoreFlushDuration.Observe(time.Since(flushStart).Seconds())
		}
	}()
	for date, pw := range perDateWriter {
		if err := pw.Close(); err != nil {
			delete(perDateWriter, date)
			abortAll(err)
			return nil, &WriteError{Err: fmt.Errorf("failed to close file for %s: %w", date, err)}
		}
	}
	return toDelete, nil
}

// deleteMessages acknowledges the batch in chunks of the SQS delete cap,
// spread over a small worker pool.
func (c *Consumer) deleteMessages(ctx context.Context, handles []string) error {
	if len(handles) == 0 {
		return nil
	}
	start := time.Now()
	defer func() {
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.ConsumerDeleteMessageDuration.Observe(time.Since(start).Seconds())
		}
	}()

	const (
		maxDeleteBatchSize = 10
		deleteWorkers      = 5
	)

	var eg errgroup.Group
	eg.SetLimit(deleteWorkers)
	for i := 0; i < len(handles); i += maxDeleteBatchSize {
		chunk := handles[i:min(i+maxDeleteBatchSize, len(handles))]
		eg.Go(func() error {
			entries := make([]sqstypes.DeleteMessageBatchRequestEntry, 0, len(chunk))
			for _, h := range chunk {
				entries = append(entries, sqstypes.DeleteMessageBatchRequestEntry{
					Id:            aws.String(uuid.NewString()),
					ReceiptHandle: aws.String(h),
				})
			}
			resp, err := c.cfg.Deleter.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
				QueueUrl: aws.String(c.cfg.QueueURL),
				Entries:  entries,
			})
			if err != nil {
				return fmt.Errorf("failed to delete message batch: %w", err)
			}
			var errs []error
			for _, entry := range resp.Failed {
				errs = append(errs, fmt.Errorf("failed to delete message %s, sender fault %v: %s",
					aws.ToString(entry.Id), entry.SenderFault, aws.ToString(entry.Message)))
			}
			return errors.Join(errs...)
		})
	}
	return eg.Wait()
}
