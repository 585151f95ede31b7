// Package notify announces committed snapshots to downstream consumers.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmerrifield20/auditledger/internal/auditledger"
)

// EventSnapshotCreated is the event name carried by every notification.
const EventSnapshotCreated = "snapshot.created"

// DefaultTopic is the channel or subject used when none is configured.
const DefaultTopic = "auditledger.snapshots"

// SnapshotCreated is the message emitted after a snapshot commits.
// It carries commitment metadata only, never event payloads.
type SnapshotCreated struct {
	Event       string    `json:"event"`
	SnapshotID  int64     `json:"snapshot_id"`
	MerkleRoot  string    `json:"merkle_root"`
	EventCount  int64     `json:"event_count"`
	LastEventID int64     `json:"last_event_id"`
	State       string    `json:"state"`
	Signed      bool      `json:"signed"`
	CreatedAt   time.Time `json:"created_at"`
}

// Publisher emits snapshot notifications. It satisfies auditledger.Publisher.
type Publisher interface {
	PublishSnapshot(ctx context.Context, snap *auditledger.Snapshot) error
	Close() error
}

// NewSnapshotCreated builds the notification for snap.
func NewSnapshotCreated(snap *auditledger.Snapshot) SnapshotCreated {
	return SnapshotCreated{
		Event:       EventSnapshotCreated,
		SnapshotID:  snap.ID,
		MerkleRoot:  snap.MerkleRoot,
		EventCount:  snap.EventCount,
		LastEventID: snap.LastEventID,
		State:       string(snap.State()),
		Signed:      snap.Signature != "",
		CreatedAt:   snap.CreatedAt,
	}
}

func encode(snap *auditledger.Snapshot) ([]byte, error) {
	b, err := json.Marshal(NewSnapshotCreated(snap))
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot notification: %w", err)
	}
	return b, nil
}

// NoopPublisher drops every notification.
type NoopPublisher struct{}

// NewNoopPublisher returns a publisher that drops all events.
func NewNoopPublisher() *NoopPublisher { return &NoopPublisher{} }

// PublishSnapshot accepts the snapshot and does nothing.
func (p *NoopPublisher) PublishSnapshot(context.Context, *auditledger.Snapshot) error { return nil }

// Close releases resources (none).
func (p *NoopPublisher) Close() error { return nil }
