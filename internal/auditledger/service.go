package auditledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jmerrifield20/auditledger/pkg/merkle"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/jmerrifield20/auditledger/internal/auditledger"

// Signer signs and verifies snapshot roots.
// *identity.SnapshotSigner satisfies this interface.
type Signer interface {
	Sign(root []byte) (string, error)
	Verify(root []byte, signature string) bool
}

// Anchorer publishes a snapshot root to an external system and returns the
// transaction reference. *anchor.JSONRPCAnchorer satisfies this interface.
type Anchorer interface {
	Anchor(ctx context.Context, snap *Snapshot) (string, error)
}

// Publisher announces committed snapshots to downstream consumers.
// The notify package provides Redis, NATS and no-op implementations.
type Publisher interface {
	PublishSnapshot(ctx context.Context, snap *Snapshot) error
}

// Metrics receives ledger counters. *handler.LedgerMetrics satisfies this.
type Metrics interface {
	EventRecorded(eventType string)
	SnapshotCreated(eventCount int64, signed bool)
	AnchorAttempt(success bool)
}

type noopMetrics struct{}

func (noopMetrics) EventRecorded(string)        {}
func (noopMetrics) SnapshotCreated(int64, bool) {}
func (noopMetrics) AnchorAttempt(bool)          {}

// Service is the audit ledger: it records events, commits snapshots and
// serves inclusion proofs.
type Service struct {
	store     Store
	signer    Signer    // nil = snapshots stay unsigned
	anchorer  Anchorer  // nil = no anchoring
	publisher Publisher // nil = no notifications
	metrics   Metrics
	proofs    *proofCache // nil = no caching
	tracer    trace.Tracer
	now       func() time.Time
	logger    *zap.Logger

	wg sync.WaitGroup // in-flight post-commit work
}

// NewService creates a Service over store.
func NewService(store Store, logger *zap.Logger) *Service {
	return &Service{
		store:   store,
		metrics: noopMetrics{},
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
		logger:  logger,
	}
}

// SetSigner configures the snapshot signer. Set to nil to disable signing.
func (s *Service) SetSigner(signer Signer) {
	s.signer = signer
}

// SetAnchorer configures the external anchoring transport.
func (s *Service) SetAnchorer(a Anchorer) {
	s.anchorer = a
}

// SetPublisher configures the snapshot notification publisher.
func (s *Service) SetPublisher(p Publisher) {
	s.publisher = p
}

// SetMetrics configures the metrics recorder.
func (s *Service) SetMetrics(m Metrics) {
	if m == nil {
		m = noopMetrics{}
	}
	s.metrics = m
}

// SetProofCacheTTL enables proof caching with the given TTL. Zero disables it.
func (s *Service) SetProofCacheTTL(ttl time.Duration) {
	if ttl <= 0 {
		s.proofs = nil
		return
	}
	s.proofs = newProofCache(ttl)
}

// SetClock overrides the time source used for created_at.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

// RecordEvent appends one event to the ledger, chained onto the current tail.
func (s *Service) RecordEvent(ctx context.Context, in EventInput) (*Event, error) {
	ctx, span := s.tracer.Start(ctx, "auditledger.RecordEvent",
		trace.WithAttributes(attribute.String("event_type", in.EventType)))
	defer span.End()

	var e *Event
	err := s.store.WithWriter(ctx, func(tx WriterTx) error {
		var err error
		e, err = appendEvent(ctx, tx, in, s.now())
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	s.metrics.EventRecorded(e.EventType)
	span.SetAttributes(attribute.Int64("event_id", e.ID))
	s.logger.Debug("audit event recorded",
		zap.Int64("id", e.ID),
		zap.String("event_type", e.EventType),
		zap.String("entity_type", e.EntityType),
	)
	return e, nil
}

// SnapshotIncremental folds every event recorded since the latest snapshot
// into the accumulator and commits a new snapshot. It returns (nil, nil) when
// there is nothing new.
func (s *Service) SnapshotIncremental(ctx context.Context) (*Snapshot, error) {
	ctx, span := s.tracer.Start(ctx, "auditledger.SnapshotIncremental")
	defer span.End()

	var snap *Snapshot
	err := s.store.WithWriter(ctx, func(tx WriterTx) error {
		var after int64
		latest, err := tx.LatestSnapshot(ctx)
		switch {
		case err == nil:
			after = latest.LastEventID
		case errors.Is(err, ErrNotFound):
		default:
			return fmt.Errorf("read latest snapshot: %w", err)
		}

		events, err := tx.EventsAfter(ctx, after)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		levels, err := tx.LoadAccumulator(ctx)
		if err != nil {
			return err
		}
		acc, err := merkle.NewAccumulatorFromLevels(levels)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInconsistent, err)
		}
		for _, e := range events {
			acc.Add(e.LeafHash())
		}

		count, err := tx.CountEvents(ctx)
		if err != nil {
			return err
		}
		if count < 0 || uint64(count) != acc.Len() {
			return fmt.Errorf("%w: accumulator covers %d leaves, ledger holds %d events",
				ErrInconsistent, acc.Len(), count)
		}

		root := acc.Root()
		next := &Snapshot{
			LastEventID: events[len(events)-1].ID,
			MerkleRoot:  root.String(),
			EventCount:  count,
			CreatedAt:   s.now().UTC().Truncate(time.Microsecond),
			Signature:   s.sign(root),
		}

		if err := tx.SaveAccumulator(ctx, acc.Levels()); err != nil {
			return err
		}
		if err := tx.InsertSnapshot(ctx, next); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		snap = next
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrInconsistent) {
			s.logger.Error("snapshot aborted: ledger inconsistent", zap.Error(err))
		}
		return nil, err
	}
	if snap == nil {
		s.logger.Debug("snapshot skipped: no new events")
		return nil, nil
	}

	span.SetAttributes(
		attribute.Int64("snapshot_id", snap.ID),
		attribute.Int64("event_count", snap.EventCount),
	)
	s.metrics.SnapshotCreated(snap.EventCount, snap.Signature != "")
	s.logger.Info("merkle snapshot committed",
		zap.Int64("id", snap.ID),
		zap.String("root", snap.MerkleRoot),
		zap.Int64("event_count", snap.EventCount),
		zap.Int64("last_event_id", snap.LastEventID),
		zap.String("state", string(snap.State())),
	)

	s.afterCommit(*snap)
	return snap, nil
}

// sign returns the base64 signature over root, or "" when no signer is set or
// signing fails.
func (s *Service) sign(root merkle.Digest) string {
	if s.signer == nil {
		return ""
	}
	sig, err := s.signer.Sign(root[:])
	if err != nil {
		s.logger.Warn("snapshot signing failed; committing unsigned", zap.Error(err))
		return ""
	}
	return sig
}

// afterCommit publishes and anchors snap in the background.
func (s *Service) afterCommit(snap Snapshot) {
	if s.publisher == nil && s.anchorer == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx := context.Background()

		if s.publisher != nil {
			if err := s.publisher.PublishSnapshot(ctx, &snap); err != nil {
				s.logger.Warn("snapshot notification failed",
					zap.Int64("snapshot_id", snap.ID), zap.Error(err))
			}
		}
		if s.anchorer != nil {
			s.anchor(ctx, &snap)
		}
	}()
}

func (s *Service) anchor(ctx context.Context, snap *Snapshot) {
	ctx, span := s.tracer.Start(ctx, "auditledger.Anchor",
		trace.WithAttributes(attribute.Int64("snapshot_id", snap.ID)))
	defer span.End()

	txHash, err := s.anchorer.Anchor(ctx, snap)
	if err == nil && txHash == "" {
		s.logger.Debug("anchoring skipped", zap.Int64("snapshot_id", snap.ID))
		return
	}
	if err != nil {
		s.metrics.AnchorAttempt(false)
		s.logger.Warn("snapshot anchoring failed",
			zap.Int64("snapshot_id", snap.ID), zap.Error(err))
		return
	}
	s.metrics.AnchorAttempt(true)

	patched, err := s.store.SetAnchorTx(ctx, snap.ID, txHash)
	if err != nil {
		s.logger.Warn("record anchor tx failed",
			zap.Int64("snapshot_id", snap.ID), zap.String("tx_hash", txHash), zap.Error(err))
		return
	}
	if !patched {
		s.logger.Info("snapshot already anchored", zap.Int64("snapshot_id", snap.ID))
		return
	}
	s.logger.Info("snapshot anchored",
		zap.Int64("snapshot_id", snap.ID), zap.String("tx_hash", txHash))
}

// Wait blocks until background publish and anchor work has finished.
func (s *Service) Wait() {
	s.wg.Wait()
}

// ComputeProofPath returns the inclusion proof for eventID. When the latest
// snapshot covers the event the proof is bound to it, so MerkleRoot equals
// the snapshot root; otherwise it is bound to the live ledger tail.
func (s *Service) ComputeProofPath(ctx context.Context, eventID int64) (*Proof, error) {
	ctx, span := s.tracer.Start(ctx, "auditledger.ComputeProofPath",
		trace.WithAttributes(attribute.Int64("event_id", eventID)))
	defer span.End()

	var bound int64
	snap, err := s.store.LatestSnapshot(ctx)
	switch {
	case err == nil:
		if eventID <= snap.LastEventID {
			bound = snap.LastEventID
		}
	case errors.Is(err, ErrNotFound):
	default:
		return nil, err
	}

	if bound > 0 && s.proofs != nil {
		if p, ok := s.proofs.get(eventID, bound); ok {
			return p, nil
		}
	}

	events, err := s.store.ListEvents(ctx, bound)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("event %d: ledger is empty: %w", eventID, ErrNotFound)
	}
	idx := sort.Search(len(events), func(i int) bool { return events[i].ID >= eventID })
	if idx == len(events) || events[idx].ID != eventID {
		return nil, fmt.Errorf("event %d: %w", eventID, ErrNotFound)
	}

	leaves := LeafHashes(events)
	mp, err := merkle.ProofPath(leaves, idx)
	if err != nil {
		return nil, err
	}

	path := make([]string, len(mp.Path))
	for i, d := range mp.Path {
		path[i] = d.String()
	}
	proof := &Proof{
		EventID:     eventID,
		LeafHash:    leaves[idx].String(),
		MerkleRoot:  mp.Root.String(),
		Path:        path,
		Position:    mp.Position,
		TreeSize:    len(leaves),
		LastEventID: events[len(events)-1].ID,
	}
	if s.proofs != nil {
		s.proofs.set(proof)
	}
	span.SetAttributes(attribute.Int("tree_size", proof.TreeSize))
	return proof, nil
}

// LatestSnapshot returns the most recent snapshot or ErrNotFound.
func (s *Service) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	return s.store.LatestSnapshot(ctx)
}

// ListSnapshots returns up to limit snapshots, newest first.
func (s *Service) ListSnapshots(ctx context.Context, limit int) ([]*Snapshot, error) {
	return s.store.ListSnapshots(ctx, limit)
}

// GetEvent returns one event or ErrNotFound.
func (s *Service) GetEvent(ctx context.Context, id int64) (*Event, error) {
	return s.store.GetEvent(ctx, id)
}

// VerifyChain replays the integrity chain over the whole ledger.
func (s *Service) VerifyChain(ctx context.Context) (ChainReport, error) {
	ctx, span := s.tracer.Start(ctx, "auditledger.VerifyChain")
	defer span.End()

	events, err := s.store.ListEvents(ctx, 0)
	if err != nil {
		return ChainReport{}, err
	}
	report := VerifyChain(events)
	span.SetAttributes(attribute.Bool("valid", report.OK), attribute.Int("checked", report.Checked))
	return report, nil
}

// VerifySignature reports whether signature is a valid signature over the
// hex-encoded root under the ledger key.
func (s *Service) VerifySignature(rootHex, signature string) (bool, error) {
	if s.signer == nil {
		return false, ErrSigningDisabled
	}
	root, err := merkle.ParseDigest(rootHex)
	if err != nil {
		return false, fmt.Errorf("root: %w", err)
	}
	return s.signer.Verify(root[:], signature), nil
}

// Ping checks the underlying store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// StartCacheEviction periodically drops expired proofs until ctx is done.
func (s *Service) StartCacheEviction(ctx context.Context, interval time.Duration) {
	if s.proofs == nil {
		return
	}
	if interval == 0 {
		interval = time.Minute
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if n := s.proofs.evict(); n > 0 {
					s.logger.Debug("proof cache eviction", zap.Int("evicted", n))
				}
			}
		}
	}()
}

// CachedProofs returns the number of cached proofs.
func (s *Service) CachedProofs() int {
	if s.proofs == nil {
		return 0
	}
	return s.proofs.len()
}
