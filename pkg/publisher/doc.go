// Package publisher emits audit events onto the ingestion topic.
//
// Events are encoded by the codec (inline or blob-pointer) and published
// to SNS with an "encoding" message attribute. When the topic ARN is the
// magic value "bypass", messages go straight to the SQS queue instead,
// which removes the fan-out hop in single-consumer deployments.
//
// Emit never blocks the caller's audit path on consolidation: a publish
// failure is reported to the caller, but an event that fails to encode
// is dropped with an error rather than wedging the producer.
package publisher
