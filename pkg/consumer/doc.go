// Package consumer implements the batch consolidator.
//
// # Overview
//
// A single leader (elected via pkg/lock) drains the ingestion queue in
// batches, groups events by their event date, and writes one columnar
// file per date into long-term storage. Queue messages are acknowledged
// only after every file of the batch has been uploaded successfully, so
// a crash mid-batch redelivers the whole batch instead of losing it.
//
// # Batch Cutting
//
// A batch is cut when either the item cap is reached, the batch interval
// elapses, or events from too many distinct days have accumulated. The
// queue visibility timeout equals the batch interval: a message received
// into a batch that never completes becomes visible again right when the
// next batch starts collecting.
//
// # Failure Handling
//
//   - Decode failures skip the record (no ack); redelivery eventually
//     moves the poisoned message to the queue's dead-letter queue
//   - Write or upload failures abort the whole batch with nothing acked
//   - Ack (delete) failures leave duplicates, which queries tolerate
//
// # Related Packages
//
//   - pkg/lock: Serializes consolidation to one leader
//   - pkg/storage: Streams columnar files into the long-term store
//   - pkg/events: Decodes queue payloads back into events
package consumer
