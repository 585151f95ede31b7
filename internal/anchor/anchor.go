// Package anchor publishes snapshot roots to an external JSON-RPC endpoint
// for independent timestamping.
package anchor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"go.uber.org/zap"
)

// ErrNoTxHash is returned when the endpoint answers without a transaction hash.
var ErrNoTxHash = errors.New("anchor response carried no transaction hash")

// NoopAnchorer never anchors. It returns "" so snapshots stay unanchored.
type NoopAnchorer struct{}

// Anchor implements auditledger.Anchorer.
func (NoopAnchorer) Anchor(context.Context, *auditledger.Snapshot) (string, error) {
	return "", nil
}

// Config configures a JSONRPCAnchorer.
type Config struct {
	Endpoint string        // JSON-RPC URL
	Method   string        // e.g. "anchor_submitRoot"
	Timeout  time.Duration // per attempt; default 10s
}

// JSONRPCAnchorer submits {root, event_count, last_event_id} to a JSON-RPC
// 2.0 endpoint and reads the transaction hash from "result".
type JSONRPCAnchorer struct {
	cfg        Config
	httpClient *http.Client
	logger     *zap.Logger
}

// NewJSONRPCAnchorer creates a JSONRPCAnchorer.
func NewJSONRPCAnchorer(cfg Config, logger *zap.Logger) *JSONRPCAnchorer {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Method == "" {
		cfg.Method = "anchor_submitRoot"
	}
	return &JSONRPCAnchorer{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []anchorParam `json:"params"`
}

type anchorParam struct {
	Root        string `json:"root"`
	EventCount  int64  `json:"event_count"`
	LastEventID int64  `json:"last_event_id"`
}

type rpcResponse struct {
	Result string    `json:"result"`
	Error  *rpcError `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Anchor implements auditledger.Anchorer. It makes a single attempt.
func (a *JSONRPCAnchorer) Anchor(ctx context.Context, snap *auditledger.Snapshot) (string, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      uuid.New().String(),
		Method:  a.cfg.Method,
		Params: []anchorParam{{
			Root:        snap.MerkleRoot,
			EventCount:  snap.EventCount,
			LastEventID: snap.LastEventID,
		}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal anchor request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build anchor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("anchor request: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read anchor response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("anchor endpoint: HTTP %d", resp.StatusCode)
	}

	var out rpcResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("decode anchor response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("anchor rpc error %d: %s", out.Error.Code, out.Error.Message)
	}
	if out.Result == "" {
		return "", ErrNoTxHash
	}

	a.logger.Debug("root submitted for anchoring",
		zap.Int64("snapshot_id", snap.ID),
		zap.String("tx_hash", out.Result),
	)
	return out.Result, nil
}
