package query

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/platinummonkey/audittrail/pkg/events"
)

// keyset is the point at which a page of results ended. It carries only
// the ordering fields of the last row, never a handle into computed
// results, so it can be handed to clients and replayed safely.
type keyset struct {
	t   time.Time
	uid uuid.UUID
}

// keysetLen is 8 bytes of timestamp plus 16 bytes of UUID.
const keysetLen = 24

// ToKey encodes the keyset as a URL-safe string. Time is UnixMicro in
// little-endian.
func (ks *keyset) ToKey() string {
	if ks == nil {
		return ""
	}
	var b [keysetLen]byte
	binary.LittleEndian.PutUint64(b[0:8], uint64(ks.t.UnixMicro()))
	copy(b[8:24], ks.uid[:])
	return base64.URLEncoding.EncodeToString(b[:])
}

// fromKey parses a client-supplied cursor.
func fromKey(key string) (*keyset, error) {
	b, err := base64.URLEncoding.DecodeString(key)
	if err != nil {
		return nil, fmt.Errorf("failed to decode cursor: %w", err)
	}
	if len(b) != keysetLen {
		return nil, fmt.Errorf("cursor has invalid length %d", len(b))
	}
	ks := &keyset{
		t: time.UnixMicro(int64(binary.LittleEndian.Uint64(b[0:8]))).UTC(),
	}
	ks.uid, err = uuid.FromBytes(b[8:24])
	if err != nil {
		return nil, fmt.Errorf("failed to parse cursor uid: %w", err)
	}
	return ks, nil
}

// eventToKeyset derives the cursor for the page ending at this event.
func eventToKeyset(in *events.AuditEvent) (*keyset, error) {
	uid, err := uuid.Parse(in.ID)
	if err != nil {
		return nil, fmt.Errorf("event id %q is not a UUID: %w", in.ID, err)
	}
	return &keyset{t: in.Time, uid: uid}, nil
}
