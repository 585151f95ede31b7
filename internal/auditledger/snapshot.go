package auditledger

import "time"

// SnapshotState is derived from which optional fields a snapshot carries.
type SnapshotState string

const (
	StatePendingSignature SnapshotState = "pending_signature"
	StateSigned           SnapshotState = "signed"
	StateAnchored         SnapshotState = "anchored"
)

// Snapshot is a committed Merkle root over every event up to LastEventID.
// Only AnchorTxHash is ever written after insertion, and only once.
type Snapshot struct {
	ID           int64     `json:"id"`
	LastEventID  int64     `json:"last_event_id"`
	MerkleRoot   string    `json:"merkle_root"`
	EventCount   int64     `json:"event_count"`
	CreatedAt    time.Time `json:"created_at"`
	Signature    string    `json:"signature,omitempty"`      // base64 RSA-PKCS1v1.5/SHA-256 over the root bytes
	AnchorTxHash string    `json:"anchor_tx_hash,omitempty"` // set after external anchoring
}

// State returns the lifecycle state. Anchored is terminal.
func (s *Snapshot) State() SnapshotState {
	switch {
	case s.AnchorTxHash != "":
		return StateAnchored
	case s.Signature != "":
		return StateSigned
	default:
		return StatePendingSignature
	}
}
