package auditledger

import (
	"fmt"

	"github.com/jmerrifield20/auditledger/pkg/merkle"
)

// Proof is an inclusion proof for one event against the tree of every event
// with id <= LastEventID.
type Proof struct {
	EventID     int64    `json:"event_id"`
	LeafHash    string   `json:"leaf_hash"`
	MerkleRoot  string   `json:"merkle_root"`
	Path        []string `json:"path"`
	Position    uint64   `json:"position"`
	TreeSize    int      `json:"tree_size"`
	LastEventID int64    `json:"last_event_id"`
}

func (p *Proof) clone() *Proof {
	cp := *p
	cp.Path = append([]string(nil), p.Path...)
	return &cp
}

// Verify recomputes the root from the leaf hash and path.
func (p *Proof) Verify() (bool, error) {
	leaf, err := merkle.ParseDigest(p.LeafHash)
	if err != nil {
		return false, fmt.Errorf("leaf hash: %w", err)
	}
	root, err := merkle.ParseDigest(p.MerkleRoot)
	if err != nil {
		return false, fmt.Errorf("merkle root: %w", err)
	}
	path := make([]merkle.Digest, len(p.Path))
	for i, s := range p.Path {
		if path[i], err = merkle.ParseDigest(s); err != nil {
			return false, fmt.Errorf("path[%d]: %w", i, err)
		}
	}
	return merkle.Verify(leaf, path, p.Position, root), nil
}
