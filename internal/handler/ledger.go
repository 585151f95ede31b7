package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"go.uber.org/zap"
)

// ledgerSvc is the interface expected by LedgerHandler, satisfied by
// *auditledger.Service.
type ledgerSvc interface {
	RecordEvent(ctx context.Context, in auditledger.EventInput) (*auditledger.Event, error)
	SnapshotIncremental(ctx context.Context) (*auditledger.Snapshot, error)
	LatestSnapshot(ctx context.Context) (*auditledger.Snapshot, error)
	ListSnapshots(ctx context.Context, limit int) ([]*auditledger.Snapshot, error)
	ComputeProofPath(ctx context.Context, eventID int64) (*auditledger.Proof, error)
	GetEvent(ctx context.Context, id int64) (*auditledger.Event, error)
	VerifyChain(ctx context.Context) (auditledger.ChainReport, error)
	VerifySignature(rootHex, signature string) (bool, error)
}

// LedgerHandler exposes the audit ledger over HTTP.
type LedgerHandler struct {
	svc    ledgerSvc
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc ledgerSvc, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// Register mounts the public read routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	l := rg.Group("/ledger")
	{
		l.GET("/snapshots/latest", h.LatestSnapshot)
		l.GET("/snapshots", h.ListSnapshots)
		l.GET("/proofs/:id", h.GetProof)
		l.GET("/events/:id", h.GetEvent)
		l.GET("/verify", h.VerifyChain)
		l.POST("/signatures/verify", h.VerifySignature)
	}
}

// snapshotJSON renders a snapshot with its derived state. Absent optional
// fields are explicit nulls.
func snapshotJSON(s *auditledger.Snapshot) gin.H {
	return gin.H{
		"id":             s.ID,
		"merkle_root":    s.MerkleRoot,
		"event_count":    s.EventCount,
		"last_event_id":  s.LastEventID,
		"signature":      nullable(s.Signature),
		"anchor_tx_hash": nullable(s.AnchorTxHash),
		"state":          s.State(),
		"created_at":     s.CreatedAt,
	}
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// LatestSnapshot handles GET /ledger/snapshots/latest.
func (h *LedgerHandler) LatestSnapshot(c *gin.Context) {
	snap, err := h.svc.LatestSnapshot(c.Request.Context())
	if errors.Is(err, auditledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no snapshot has been taken yet"})
		return
	}
	if err != nil {
		h.logger.Error("latest snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query snapshots"})
		return
	}
	c.JSON(http.StatusOK, snapshotJSON(snap))
}

// ListSnapshots handles GET /ledger/snapshots?limit=N, newest first.
func (h *LedgerHandler) ListSnapshots(c *gin.Context) {
	limit := 20
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be an integer between 1 and 500"})
			return
		}
		limit = n
	}

	snaps, err := h.svc.ListSnapshots(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("list snapshots", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query snapshots"})
		return
	}
	out := make([]gin.H, 0, len(snaps))
	for _, s := range snaps {
		out = append(out, snapshotJSON(s))
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": out, "count": len(out)})
}

// GetProof handles GET /ledger/proofs/:id.
func (h *LedgerHandler) GetProof(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}
	proof, err := h.svc.ComputeProofPath(c.Request.Context(), id)
	if errors.Is(err, auditledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		h.logger.Error("compute proof", zap.Int64("event_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute proof"})
		return
	}
	c.JSON(http.StatusOK, proof)
}

// GetEvent handles GET /ledger/events/:id.
func (h *LedgerHandler) GetEvent(c *gin.Context) {
	id, ok := eventIDParam(c)
	if !ok {
		return
	}
	e, err := h.svc.GetEvent(c.Request.Context(), id)
	if errors.Is(err, auditledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	if err != nil {
		h.logger.Error("get event", zap.Int64("event_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to query event"})
		return
	}
	c.JSON(http.StatusOK, e)
}

// VerifyChain handles GET /ledger/verify and replays the full integrity chain.
func (h *LedgerHandler) VerifyChain(c *gin.Context) {
	report, err := h.svc.VerifyChain(c.Request.Context())
	if err != nil {
		h.logger.Error("verify chain", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read ledger"})
		return
	}
	if !report.OK {
		h.logger.Warn("ledger integrity check failed",
			zap.Int64("first_divergent_id", report.FirstBrokenID),
			zap.String("reason", report.Reason),
		)
	}
	c.JSON(http.StatusOK, report)
}

type verifySignatureRequest struct {
	Root      string `json:"root" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// VerifySignature handles POST /ledger/signatures/verify.
func (h *LedgerHandler) VerifySignature(c *gin.Context) {
	var req verifySignatureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	valid, err := h.svc.VerifySignature(req.Root, req.Signature)
	if errors.Is(err, auditledger.ErrSigningDisabled) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid})
}

func eventIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
