package auditledger

import "fmt"

// ChainReport is the outcome of replaying the integrity chain.
type ChainReport struct {
	OK            bool   `json:"valid"`
	Checked       int    `json:"checked"`
	FirstBrokenID int64  `json:"first_divergent_id,omitempty"`
	Reason        string `json:"reason,omitempty"`
	LastHash      string `json:"last_hash,omitempty"`
}

// VerifyChain replays integrity_hash_i = SHA256(integrity_hash_{i-1} ‖ body_i)
// over events, which must be in ascending id order, and reports the first
// event whose stored hash does not match. Each step chains from the stored
// predecessor hash so a single altered row is reported at its own id.
func VerifyChain(events []*Event) ChainReport {
	report := ChainReport{OK: true}
	prev := ""
	var prevID int64
	for i, e := range events {
		if i > 0 && e.ID <= prevID {
			return ChainReport{
				Checked:       i,
				FirstBrokenID: e.ID,
				Reason:        fmt.Sprintf("id %d does not follow %d", e.ID, prevID),
			}
		}
		if want := ChainHash(prev, e.CanonicalBody()); want != e.IntegrityHash {
			return ChainReport{
				Checked:       i,
				FirstBrokenID: e.ID,
				Reason:        fmt.Sprintf("integrity hash mismatch at id %d", e.ID),
			}
		}
		prev = e.IntegrityHash
		prevID = e.ID
		report.Checked = i + 1
	}
	report.LastHash = prev
	return report
}
