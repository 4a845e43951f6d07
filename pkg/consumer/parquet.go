package consumer

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/platinummonkey/audittrail/pkg/events"
)

// eventRow is the columnar schema of long-term storage. The indexed
// fields are real columns; the full event document rides along as JSON
// in event_data so queries can return it verbatim.
type eventRow struct {
	EventType string    `parquet:"event_type"`
	EventTime time.Time `parquet:"event_time,timestamp(millisecond)"`
	UID       string    `parquet:"uid"`
	SessionID string    `parquet:"session_id"`
	Actor     string    `parquet:"actor"`
	EventData string    `parquet:"event_data"`
}

// eventToRow converts an audit event into its columnar representation.
func eventToRow(event *events.AuditEvent) (*eventRow, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}
	return &eventRow{
		EventType: event.Type,
		EventTime: event.Time.UTC(),
		UID:       event.ID,
		SessionID: event.SessionID,
		Actor:     event.Actor,
		EventData: string(data),
	}, nil
}

// parquetWriter pairs the columnar encoder with the underlying storage
// writer so both get closed together.
type parquetWriter struct {
	closer io.Closer
	writer *parquet.GenericWriter[eventRow]
}

func newParquetWriter(fw io.WriteCloser) *parquetWriter {
	return &parquetWriter{
		closer: fw,
		writer: parquet.NewGenericWriter[eventRow](fw, parquet.Compression(&parquet.Snappy)),
	}
}

func (pw *parquetWriter) Write(row eventRow) error {
	_, err := pw.writer.Write([]eventRow{row})
	return err
}

// Close flushes the encoder and finishes the storage upload. Only after
// Close returns nil is the file durable.
func (pw *parquetWriter) Close() error {
	if err := pw.writer.Close(); err != nil {
		pw.closer.Close()
		return err
	}
	return pw.closer.Close()
}
