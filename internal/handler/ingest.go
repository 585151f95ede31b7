package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"github.com/jmerrifield20/auditledger/pkg/canonical"
	"go.uber.org/zap"
)

// RegisterWrite mounts the authenticated write routes. writeAuth guards
// event ingestion; snapshotAuth guards on-demand snapshots.
func (h *LedgerHandler) RegisterWrite(rg *gin.RouterGroup, writeAuth, snapshotAuth gin.HandlerFunc) {
	l := rg.Group("/ledger")
	{
		l.POST("/events", writeAuth, h.RecordEvent)
		l.POST("/snapshots", snapshotAuth, h.TakeSnapshot)
	}
}

type recordEventRequest struct {
	EventType  string          `json:"event_type" binding:"required"`
	EntityType string          `json:"entity_type" binding:"required"`
	EntityID   *string         `json:"entity_id"`
	UserID     *string         `json:"user_id"`
	Payload    json.RawMessage `json:"payload"`
}

// RecordEvent handles POST /ledger/events.
func (h *LedgerHandler) RecordEvent(c *gin.Context) {
	var req recordEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	payload := canonical.Null()
	if len(req.Payload) > 0 {
		v, err := canonical.Parse(req.Payload)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "payload: " + err.Error()})
			return
		}
		payload = v
	}

	e, err := h.svc.RecordEvent(c.Request.Context(), auditledger.EventInput{
		EventType:  req.EventType,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		UserID:     req.UserID,
		Payload:    payload,
	})
	if errors.Is(err, auditledger.ErrInvalidEvent) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("record event", zap.String("event_type", req.EventType), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record event"})
		return
	}
	c.JSON(http.StatusCreated, e)
}

// TakeSnapshot handles POST /ledger/snapshots: 201 with the new snapshot,
// or 204 when there is nothing new to commit.
func (h *LedgerHandler) TakeSnapshot(c *gin.Context) {
	snap, err := h.svc.SnapshotIncremental(c.Request.Context())
	if err != nil {
		h.logger.Error("snapshot", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to take snapshot"})
		return
	}
	if snap == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusCreated, snapshotJSON(snap))
}
