package auditledger

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/jmerrifield20/auditledger/pkg/canonical"
	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// Event is a single immutable record in the audit ledger.
type Event struct {
	ID            int64           `json:"id"`
	EventType     string          `json:"event_type"`
	EntityType    string          `json:"entity_type"`
	EntityID      *string         `json:"entity_id,omitempty"`
	UserID        *string         `json:"user_id,omitempty"`
	Payload       canonical.Value `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	IntegrityHash string          `json:"integrity_hash"`
}

// EventInput is what a producer supplies to RecordEvent.
type EventInput struct {
	EventType  string
	EntityType string
	EntityID   *string
	UserID     *string
	Payload    canonical.Value
}

func (in EventInput) validate() error {
	if strings.TrimSpace(in.EventType) == "" {
		return invalidEvent("event_type is required")
	}
	if strings.TrimSpace(in.EntityType) == "" {
		return invalidEvent("entity_type is required")
	}
	return nil
}

// CanonicalBody returns the canonical encoding hashed into the integrity chain.
func (e *Event) CanonicalBody() []byte {
	return canonical.Encode(canonical.EventBody(e.EventType, e.EntityType, e.EntityID, e.UserID, e.Payload))
}

// CanonicalLeaf returns the canonical encoding hashed into the Merkle tree:
// the chain body plus the storage-assigned id.
func (e *Event) CanonicalLeaf() []byte {
	b := canonical.EventBody(e.EventType, e.EntityType, e.EntityID, e.UserID, e.Payload)
	return canonical.Encode(canonical.EventLeaf(b, e.ID))
}

// LeafHash returns SHA256(CanonicalLeaf()).
func (e *Event) LeafHash() merkle.Digest {
	return merkle.HashLeaf(e.CanonicalLeaf())
}

// ChainHash computes SHA256(prevHash ‖ canonicalBody) as lowercase hex.
// prevHash is the predecessor's hex digest taken as ASCII bytes, "" for the
// first event.
func ChainHash(prevHash string, canonicalBody []byte) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write(canonicalBody)
	return hex.EncodeToString(h.Sum(nil))
}

// newEvent builds the row to insert once the previous hash is known.
func newEvent(in EventInput, prevHash string, now time.Time) *Event {
	e := &Event{
		EventType:  in.EventType,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		UserID:     in.UserID,
		Payload:    in.Payload,
		CreatedAt:  now.UTC().Truncate(time.Microsecond), // storage precision
	}
	e.IntegrityHash = ChainHash(prevHash, e.CanonicalBody())
	return e
}

// LeafHashes returns the leaf digests of events in the given order.
func LeafHashes(events []*Event) []merkle.Digest {
	out := make([]merkle.Digest, len(events))
	for i, e := range events {
		out[i] = e.LeafHash()
	}
	return out
}
