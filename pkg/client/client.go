package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrNotFound is returned when the ledger has no such event or snapshot.
var ErrNotFound = errors.New("not found")

// EventRequest is the payload for RecordEvent.
type EventRequest struct {
	EventType  string  `json:"event_type"`
	EntityType string  `json:"entity_type"`
	EntityID   *string `json:"entity_id,omitempty"`
	UserID     *string `json:"user_id,omitempty"`
	Payload    any     `json:"payload,omitempty"`
}

// Event is a recorded ledger event.
type Event struct {
	ID            int64           `json:"id"`
	EventType     string          `json:"event_type"`
	EntityType    string          `json:"entity_type"`
	EntityID      *string         `json:"entity_id,omitempty"`
	UserID        *string         `json:"user_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
	IntegrityHash string          `json:"integrity_hash"`
}

// Snapshot is a committed Merkle root.
type Snapshot struct {
	ID           int64     `json:"id"`
	MerkleRoot   string    `json:"merkle_root"`
	EventCount   int64     `json:"event_count"`
	LastEventID  int64     `json:"last_event_id"`
	Signature    *string   `json:"signature"`
	AnchorTxHash *string   `json:"anchor_tx_hash"`
	State        string    `json:"state"`
	CreatedAt    time.Time `json:"created_at"`
}

// Proof is an inclusion proof as served by GET /ledger/proofs/:id.
type Proof struct {
	EventID     int64    `json:"event_id"`
	LeafHash    string   `json:"leaf_hash"`
	MerkleRoot  string   `json:"merkle_root"`
	Path        []string `json:"path"`
	Position    uint64   `json:"position"`
	TreeSize    int      `json:"tree_size"`
	LastEventID int64    `json:"last_event_id"`
}

// ChainReport is the result of a server-side chain replay.
type ChainReport struct {
	Valid            bool   `json:"valid"`
	Checked          int    `json:"checked"`
	FirstDivergentID int64  `json:"first_divergent_id,omitempty"`
	Reason           string `json:"reason,omitempty"`
	LastHash         string `json:"last_hash,omitempty"`
}

// Client talks to one ledger server.
type Client struct {
	base       string
	httpClient *http.Client

	credentials *clientcredentials.Config // set by WithClientCredentials

	// token state, guarded by mu
	mu     sync.Mutex
	tokens oauth2.TokenSource // nil when no credentials are configured
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a pre-obtained token to write requests.
// The token is treated as long-lived and will not be auto-refreshed.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.credentials = nil
		c.tokens = oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token, TokenType: "Bearer"})
		return nil
	}
}

// WithClientCredentials makes the client obtain tokens from POST /api/v1/token
// with the OAuth2 client-credentials grant. No scopes means every scope the
// client is allowed.
func WithClientCredentials(clientID, secret string, scopes ...string) Option {
	return func(c *Client) error {
		if clientID == "" || secret == "" {
			return errors.New("client id and secret are required")
		}
		c.tokens = nil
		c.credentials = &clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: secret,
			Scopes:       scopes,
			AuthStyle:    oauth2.AuthStyleInHeader,
		}
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:8080".
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	if c.credentials != nil {
		c.credentials.TokenURL = c.base + tokenPath
		c.tokens = c.newTokenSource(nil)
	}
	return c, nil
}

const tokenPath = "/api/v1/token"

// refreshBuffer renews a cached token this long before it expires, to
// absorb clock skew.
const refreshBuffer = 60 * time.Second

// newTokenSource caches tokens from the client-credentials grant, starting
// from initial when it is non-nil.
func (c *Client) newTokenSource(initial *oauth2.Token) oauth2.TokenSource {
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, c.httpClient)
	return oauth2.ReuseTokenSourceWithExpiry(initial, grantSource{cfg: c.credentials, ctx: ctx}, refreshBuffer)
}

// grantSource performs one client-credentials exchange per Token call.
type grantSource struct {
	cfg *clientcredentials.Config
	ctx context.Context
}

func (s grantSource) Token() (*oauth2.Token, error) { return s.cfg.Token(s.ctx) }

// FetchToken exchanges the client credentials for a fresh token and caches it.
func (c *Client) FetchToken(ctx context.Context) (string, error) {
	if c.credentials == nil {
		return "", errors.New("no client credentials configured")
	}
	tok, err := c.credentials.Token(context.WithValue(ctx, oauth2.HTTPClient, c.httpClient))
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	c.mu.Lock()
	c.tokens = c.newTokenSource(tok)
	c.mu.Unlock()
	return tok.AccessToken, nil
}

// accessToken returns a valid bearer token, fetching a new one when the
// cached token is absent or within refreshBuffer of expiry.
func (c *Client) accessToken() (string, error) {
	c.mu.Lock()
	src := c.tokens
	c.mu.Unlock()
	if src == nil {
		return "", errors.New("no credentials configured: use a bearer token or client credentials")
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	return tok.AccessToken, nil
}

// RecordEvent appends an event. Requires the ledger:write scope.
func (c *Client) RecordEvent(ctx context.Context, ev EventRequest) (*Event, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}
	var out Event
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/events", token, ev, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Snapshot asks the server to commit a snapshot now. It returns nil, nil
// when there were no new events. Requires the ledger:snapshot scope.
func (c *Client) Snapshot(ctx context.Context) (*Snapshot, error) {
	token, err := c.accessToken()
	if err != nil {
		return nil, err
	}
	var out Snapshot
	status, err := c.callStatus(ctx, http.MethodPost, "/api/v1/ledger/snapshots", token, nil, &out)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNoContent {
		return nil, nil
	}
	return &out, nil
}

// LatestSnapshot returns the newest snapshot, or ErrNotFound before the first.
func (c *Client) LatestSnapshot(ctx context.Context) (*Snapshot, error) {
	var out Snapshot
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/snapshots/latest", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListSnapshots returns up to limit snapshots, newest first.
func (c *Client) ListSnapshots(ctx context.Context, limit int) ([]Snapshot, error) {
	var out struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	path := "/api/v1/ledger/snapshots?limit=" + strconv.Itoa(limit)
	if err := c.call(ctx, http.MethodGet, path, "", nil, &out); err != nil {
		return nil, err
	}
	return out.Snapshots, nil
}

// GetEvent fetches one event by id.
func (c *Client) GetEvent(ctx context.Context, id int64) (*Event, error) {
	var out Event
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/events/"+strconv.FormatInt(id, 10), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProof fetches the inclusion proof for an event.
func (c *Client) GetProof(ctx context.Context, eventID int64) (*Proof, error) {
	var out Proof
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/proofs/"+strconv.FormatInt(eventID, 10), "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// VerifySignature asks the server whether signature is valid over root.
func (c *Client) VerifySignature(ctx context.Context, root, signature string) (bool, error) {
	var out struct {
		Valid bool `json:"valid"`
	}
	body := map[string]string{"root": root, "signature": signature}
	if err := c.call(ctx, http.MethodPost, "/api/v1/ledger/signatures/verify", "", body, &out); err != nil {
		return false, err
	}
	return out.Valid, nil
}

// VerifyChain asks the server to replay the integrity chain.
func (c *Client) VerifyChain(ctx context.Context) (*ChainReport, error) {
	var out ChainReport
	if err := c.call(ctx, http.MethodGet, "/api/v1/ledger/verify", "", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method, path, token string, reqBody, respBody any) error {
	_, err := c.callStatus(ctx, method, path, token, reqBody, respBody)
	return err
}

// callStatus executes a JSON request and decodes a 2xx body into respBody.
func (c *Client) callStatus(ctx context.Context, method, path, token string, reqBody, respBody any) (int, error) {
	var body io.Reader
	if reqBody != nil {
		b, err := json.Marshal(reqBody)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return resp.StatusCode, fmt.Errorf("%s: %w", path, ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized:
		return resp.StatusCode, fmt.Errorf("unauthorized: %s", errorMessage(respBytes))
	case resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("server error %d: %s", resp.StatusCode, errorMessage(respBytes))
	case resp.StatusCode == http.StatusNoContent || respBody == nil:
		return resp.StatusCode, nil
	}
	if err := json.Unmarshal(respBytes, respBody); err != nil {
		return resp.StatusCode, fmt.Errorf("decode response: %w", err)
	}
	return resp.StatusCode, nil
}

func errorMessage(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &e) == nil && e.Error != "" {
		return e.Error
	}
	return string(body)
}
