// Command audittrail-emit publishes audit events read as JSON lines from
// stdin. Intended for backfills and local testing against a LocalStack
// queue, typically with -topic-arn bypass.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/platinummonkey/audittrail/pkg/awsclient"
	"github.com/platinummonkey/audittrail/pkg/config"
	"github.com/platinummonkey/audittrail/pkg/events"
	"github.com/platinummonkey/audittrail/pkg/publisher"
	"github.com/platinummonkey/audittrail/pkg/storage"
)

var (
	region        = flag.String("region", os.Getenv("AUDITTRAIL_REGION"), "AWS region")
	topicARN      = flag.String("topic-arn", os.Getenv("AUDITTRAIL_TOPIC_ARN"), "SNS topic ARN, or 'bypass' to send directly to the queue")
	queueURL      = flag.String("queue-url", os.Getenv("AUDITTRAIL_QUEUE_URL"), "SQS queue URL, used in bypass mode")
	largePayloads = flag.String("large-payloads-s3", os.Getenv("AUDITTRAIL_LARGE_PAYLOADS_S3"), "s3:// location for oversized event payloads")
	timeout       = flag.Duration("timeout", 30*time.Second, "Per-event publish timeout")
	continueOnErr = flag.Bool("continue-on-error", false, "Keep going when a single event fails to publish")
)

func main() {
	flag.Parse()

	ctx := context.Background()
	clients, err := awsclient.New(ctx, awsclient.OptionsFromEnv(*region))
	if err != nil {
		log.Fatalf("Failed to create AWS clients: %v", err)
	}

	loc, err := parseLocation(*largePayloads)
	if err != nil {
		log.Fatalf("Invalid -large-payloads-s3: %v", err)
	}
	codec := events.NewCodec(storage.NewS3BlobStore(clients.S3, loc), 0)

	pub, err := publisher.New(publisher.Config{
		SNS:      clients.SNS,
		SQS:      clients.SQS,
		TopicARN: *topicARN,
		QueueURL: *queueURL,
		Codec:    codec,
	})
	if err != nil {
		log.Fatalf("Failed to create publisher: %v", err)
	}

	published, failed := 0, 0
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for lineNum := 1; scanner.Scan(); lineNum++ {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var event events.AuditEvent
		if err := json.Unmarshal(line, &event); err != nil {
			log.Fatalf("Line %d: invalid event JSON: %v", lineNum, err)
		}

		emitCtx, cancel := context.WithTimeout(ctx, *timeout)
		err := pub.EmitAuditEvent(emitCtx, &event)
		cancel()
		if err != nil {
			failed++
			if !*continueOnErr {
				log.Fatalf("Line %d: failed to publish: %v", lineNum, err)
			}
			log.Printf("Line %d: failed to publish: %v", lineNum, err)
			continue
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		log.Fatalf("Failed to read stdin: %v", err)
	}

	log.Printf("Published %d events, %d failed", published, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func parseLocation(raw string) (config.S3Location, error) {
	if raw == "" {
		return config.S3Location{}, fmt.Errorf("required")
	}
	return config.ParseS3Location(raw)
}
