package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/pkg/client"
	"github.com/spf13/cobra"
)

// ── record ───────────────────────────────────────────────────────────────────

var (
	recEventType  string
	recEntityType string
	recEntityID   string
	recUserID     string
	recPayload    string
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Append an event to the ledger",
	Example: `  ledgerctl record --event-type trade.booked --entity-type trade \
    --entity-id T-1 --payload '{"qty":100,"px":"12.5"}'`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := client.EventRequest{EventType: recEventType, EntityType: recEntityType}
		if recEntityID != "" {
			req.EntityID = &recEntityID
		}
		if recUserID != "" {
			req.UserID = &recUserID
		}
		if recPayload != "" {
			if !json.Valid([]byte(recPayload)) {
				return errors.New("--payload is not valid JSON")
			}
			req.Payload = json.RawMessage(recPayload)
		}

		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		ev, err := c.RecordEvent(ctx, req)
		if err != nil {
			return fmt.Errorf("record event: %w", err)
		}
		if outputFormat == "json" {
			return printJSON(ev)
		}
		fmt.Printf("✓ Event recorded\n\n")
		fmt.Printf("  ID:             %d\n", ev.ID)
		fmt.Printf("  Integrity hash: %s\n", ev.IntegrityHash)
		return nil
	},
}

func init() {
	recordCmd.Flags().StringVar(&recEventType, "event-type", "", "event type (required)")
	recordCmd.Flags().StringVar(&recEntityType, "entity-type", "", "entity type (required)")
	recordCmd.Flags().StringVar(&recEntityID, "entity-id", "", "entity id")
	recordCmd.Flags().StringVar(&recUserID, "user-id", "", "acting user id")
	recordCmd.Flags().StringVar(&recPayload, "payload", "", "JSON payload")
	_ = recordCmd.MarkFlagRequired("event-type")
	_ = recordCmd.MarkFlagRequired("entity-type")
}

// ── snapshots ────────────────────────────────────────────────────────────────

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Commit a snapshot of all events recorded since the last one",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		snap, err := c.Snapshot(ctx)
		if err != nil {
			return fmt.Errorf("snapshot: %w", err)
		}
		if snap == nil {
			fmt.Println("No new events; nothing to commit.")
			return nil
		}
		return printSnapshot(snap)
	},
}

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Show the most recent snapshot",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		snap, err := c.LatestSnapshot(ctx)
		if errors.Is(err, client.ErrNotFound) {
			return errors.New("no snapshot has been taken yet")
		}
		if err != nil {
			return err
		}
		return printSnapshot(snap)
	},
}

var snapshotsLimit int

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List recent snapshots, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		snaps, err := c.ListSnapshots(ctx, snapshotsLimit)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			return printJSON(snaps)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tEVENTS\tLAST EVENT\tSTATE\tROOT")
		for _, s := range snaps {
			fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n", s.ID, s.EventCount, s.LastEventID, s.State, s.MerkleRoot)
		}
		return w.Flush()
	},
}

func init() {
	snapshotsCmd.Flags().IntVar(&snapshotsLimit, "limit", 20, "maximum snapshots to list (1-500)")
}

func printSnapshot(s *client.Snapshot) error {
	if outputFormat == "json" {
		return printJSON(s)
	}
	fmt.Printf("Snapshot:      %d\n", s.ID)
	fmt.Printf("Merkle root:   %s\n", s.MerkleRoot)
	fmt.Printf("Events:        %d (through id %d)\n", s.EventCount, s.LastEventID)
	fmt.Printf("State:         %s\n", s.State)
	if s.Signature != nil {
		fmt.Printf("Signature:     %s\n", *s.Signature)
	}
	if s.AnchorTxHash != nil {
		fmt.Printf("Anchor tx:     %s\n", *s.AnchorTxHash)
	}
	fmt.Printf("Created:       %s\n", s.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	return nil
}

// ── events + proofs ──────────────────────────────────────────────────────────

var eventCmd = &cobra.Command{
	Use:   "event <id>",
	Short: "Show one recorded event",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		ev, err := c.GetEvent(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(ev)
	},
}

var proofVerify bool

var proofCmd = &cobra.Command{
	Use:   "proof <event-id>",
	Short: "Fetch the inclusion proof for an event",
	Long: `Fetch the inclusion proof for an event.

With --verify, the event is fetched too and both its leaf hash and the
Merkle path are recomputed locally. The proof root is compared with the
latest snapshot when the snapshot covers the event.`,
	Args: cobra.ExactArgs(1),
	RunE: runProof,
}

func init() {
	proofCmd.Flags().BoolVar(&proofVerify, "verify", false, "recompute the leaf and root locally")
}

func runProof(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	c, err := newClient()
	if err != nil {
		return err
	}
	ctx, cancel := commandContext()
	defer cancel()

	proof, err := c.GetProof(ctx, id)
	if err != nil {
		return fmt.Errorf("get proof: %w", err)
	}
	if !proofVerify {
		if outputFormat == "json" {
			return printJSON(proof)
		}
		printProof(proof)
		return nil
	}

	ev, err := c.GetEvent(ctx, id)
	if err != nil {
		return fmt.Errorf("get event: %w", err)
	}
	leaf, err := client.LeafHash(ev)
	if err != nil {
		return err
	}
	pathOK, err := client.VerifyProof(proof)
	if err != nil {
		return err
	}

	snapshotMatch := "n/a (event not yet in a snapshot)"
	if snap, err := c.LatestSnapshot(ctx); err == nil && id <= snap.LastEventID {
		if snap.MerkleRoot == proof.MerkleRoot {
			snapshotMatch = fmt.Sprintf("yes (snapshot %d)", snap.ID)
		} else {
			snapshotMatch = fmt.Sprintf("NO (snapshot %d root %s)", snap.ID, snap.MerkleRoot)
			pathOK = false
		}
	}

	printProof(proof)
	fmt.Println()
	fmt.Printf("Leaf matches event: %v\n", leaf == proof.LeafHash)
	fmt.Printf("Path reaches root:  %v\n", pathOK)
	fmt.Printf("Root in snapshot:   %s\n", snapshotMatch)
	if leaf != proof.LeafHash || !pathOK {
		return errors.New("proof verification FAILED")
	}
	fmt.Println("✓ Inclusion verified")
	return nil
}

func printProof(p *client.Proof) {
	fmt.Printf("Event:       %d\n", p.EventID)
	fmt.Printf("Leaf:        %s\n", p.LeafHash)
	fmt.Printf("Root:        %s\n", p.MerkleRoot)
	fmt.Printf("Position:    %d of %d (through id %d)\n", p.Position, p.TreeSize, p.LastEventID)
	for i, h := range p.Path {
		fmt.Printf("  path[%d]   %s\n", i, h)
	}
}

// ── verification ─────────────────────────────────────────────────────────────

var verifyOffline bool

var verifySignatureCmd = &cobra.Command{
	Use:   "verify-signature [root signature]",
	Short: "Check a snapshot signature (defaults to the latest snapshot)",
	Long: `Check a snapshot signature. Without arguments the latest snapshot is
checked. With --offline the ledger public key is fetched from the JWKS
endpoint and the signature is checked locally.`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) != 0 && len(args) != 2 {
			return errors.New("expected no arguments or <root> <signature>")
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		var snap *client.Snapshot
		if len(args) == 2 {
			sig := args[1]
			snap = &client.Snapshot{MerkleRoot: args[0], Signature: &sig}
		} else {
			if snap, err = c.LatestSnapshot(ctx); err != nil {
				return err
			}
			if snap.Signature == nil {
				return fmt.Errorf("snapshot %d is unsigned", snap.ID)
			}
		}

		var valid bool
		if verifyOffline {
			pub, err := c.PublicKey(ctx)
			if err != nil {
				return fmt.Errorf("fetch public key: %w", err)
			}
			valid = client.VerifySnapshotSignature(pub, snap)
		} else {
			if valid, err = c.VerifySignature(ctx, snap.MerkleRoot, *snap.Signature); err != nil {
				return err
			}
		}
		if !valid {
			return errors.New("signature INVALID")
		}
		fmt.Println("✓ Signature valid")
		return nil
	},
}

func init() {
	verifySignatureCmd.Flags().BoolVar(&verifyOffline, "offline", false, "verify locally with the JWKS public key")
}

var verifyChainCmd = &cobra.Command{
	Use:   "verify-chain",
	Short: "Replay the ledger's hash chain on the server",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newClient()
		if err != nil {
			return err
		}
		ctx, cancel := commandContext()
		defer cancel()

		report, err := c.VerifyChain(ctx)
		if err != nil {
			return err
		}
		if outputFormat == "json" {
			if err := printJSON(report); err != nil {
				return err
			}
		} else if report.Valid {
			fmt.Printf("✓ Chain intact (%d events)\n", report.Checked)
		} else {
			fmt.Printf("✗ Chain broken at event %d: %s\n", report.FirstDivergentID, report.Reason)
		}
		if !report.Valid {
			return errors.New("chain verification FAILED")
		}
		return nil
	},
}

// ── admin helpers ────────────────────────────────────────────────────────────

var hashSecretCmd = &cobra.Command{
	Use:   "hash-secret <secret>",
	Short: "Print a bcrypt hash for the auth.clients config key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		h, err := identity.HashSecret(args[0])
		if err != nil {
			return err
		}
		fmt.Println(h)
		return nil
	},
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id < 1 {
		return 0, fmt.Errorf("invalid event id %q", s)
	}
	return id, nil
}
