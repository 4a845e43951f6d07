package events

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Reserved top-level keys of the flat JSON event document. Everything else
// lands in Fields.
const (
	keyUID       = "uid"
	keyType      = "event_type"
	keyTime      = "event_time"
	keySessionID = "session_id"
	keyActor     = "actor"
)

// AuditEvent is a single audit record. The identity, type, time, session
// and actor fields are indexed by the pipeline; Fields carries arbitrary
// event-specific data and is stored as an opaque document.
type AuditEvent struct {
	// ID uniquely identifies the event. Together with Time it forms the
	// total order used by keyset pagination.
	ID string
	// Type names what happened, e.g. "user.login".
	Type string
	// Time is when the event happened. Stored at millisecond precision.
	Time time.Time
	// SessionID groups events belonging to one session, may be empty.
	SessionID string
	// Actor is the identity that caused the event, may be empty.
	Actor string
	// Fields holds event-specific data.
	Fields map[string]any
}

// CheckAndSetDefaults fills in the ID and Time if missing and validates
// the required fields.
func (e *AuditEvent) CheckAndSetDefaults() error {
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}
	return nil
}

// MarshalJSON flattens Fields into the top-level document.
func (e AuditEvent) MarshalJSON() ([]byte, error) {
	doc := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		switch k {
		case keyUID, keyType, keyTime, keySessionID, keyActor:
			return nil, fmt.Errorf("field name %q collides with a reserved key", k)
		}
		doc[k] = v
	}
	doc[keyUID] = e.ID
	doc[keyType] = e.Type
	doc[keyTime] = e.Time.UTC().Format(time.RFC3339Nano)
	if e.SessionID != "" {
		doc[keySessionID] = e.SessionID
	}
	if e.Actor != "" {
		doc[keyActor] = e.Actor
	}
	return json.Marshal(doc)
}

// UnmarshalJSON splits the flat document back into indexed fields and the
// Fields bag.
func (e *AuditEvent) UnmarshalJSON(data []byte) error {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return err
	}
	for k, v := range doc {
		switch k {
		case keyUID:
			e.ID, _ = v.(string)
		case keyType:
			e.Type, _ = v.(string)
		case keyTime:
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("event_time must be a string")
			}
			ts, err := time.Parse(time.RFC3339Nano, s)
			if err != nil {
				return fmt.Errorf("failed to parse event_time: %w", err)
			}
			e.Time = ts
		case keySessionID:
			e.SessionID, _ = v.(string)
		case keyActor:
			e.Actor, _ = v.(string)
		default:
			if e.Fields == nil {
				e.Fields = make(map[string]any)
			}
			e.Fields[k] = v
		}
	}
	return nil
}
