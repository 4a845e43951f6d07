// Package events defines the audit event model and its wire encoding.
//
// # Overview
//
// An audit event is a small JSON document with a handful of indexed
// top-level fields (uid, type, time, session, actor) and an opaque bag of
// event-specific fields. The Codec turns events into queue payloads and
// back: small events travel inline on the message, oversized ones are
// staged in S3 and replaced with a pointer.
//
// # Wire Format
//
// Every queue message carries an "encoding" attribute:
//
//   - "inline-event": the body is the base64-encoded JSON event
//   - "blob-pointer": the body is a base64-encoded JSON pointer to a
//     staged object (path plus version id)
//
// Version IDs pin the exact staged object so a re-published event cannot
// be shadowed by a later overwrite of the same path.
//
// # Usage Example
//
//	codec := events.NewCodec(blobStore, 0)
//	payload, encoding, err := codec.Encode(ctx, event)
//	...
//	event, err := codec.Decode(ctx, body, encoding)
//
// # Related Packages
//
//   - pkg/publisher: Sends encoded payloads to the ingestion topic
//   - pkg/consumer: Decodes payloads back into events for consolidation
package events
