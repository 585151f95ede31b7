package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"github.com/jmerrifield20/auditledger/internal/handler"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"go.uber.org/zap"
)

type testEnv struct {
	router *gin.Engine
	svc    *auditledger.Service
	tokens *identity.TokenIssuer
	keys   *identity.KeyProvider
}

func setupRouter(t *testing.T, signed bool) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	keys := identity.NewKeyProvider(t.TempDir())
	if err := keys.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	tokens, err := identity.NewTokenIssuer(keys, "http://test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}

	svc := auditledger.NewService(auditledger.NewMemoryStore(), zap.NewNop())
	svc.SetMetrics(handler.LedgerMetrics{})
	if signed {
		signer, err := identity.NewSnapshotSigner(keys)
		if err != nil {
			t.Fatal(err)
		}
		svc.SetSigner(signer)
	}

	hash, err := identity.HashSecret("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	clients := identity.NewClients(map[string]string{"ingest": hash})

	r := gin.New()
	r.Use(handler.PrometheusMiddleware())
	r.GET("/metrics", handler.MetricsHandler())
	r.GET("/healthz", handler.Health(svc))
	v1 := r.Group("/api/v1")
	h := handler.NewLedgerHandler(svc, zap.NewNop())
	h.Register(v1)
	h.RegisterWrite(v1,
		identity.RequireToken(tokens, identity.ScopeWrite),
		identity.RequireToken(tokens, identity.ScopeSnapshot))
	handler.NewTokenHandler(clients, tokens, zap.NewNop()).Register(v1)

	return &testEnv{router: r, svc: svc, tokens: tokens, keys: keys}
}

func (e *testEnv) do(t *testing.T, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func (e *testEnv) writerToken(t *testing.T) string {
	t.Helper()
	tok, err := e.tokens.Issue("ingest", identity.AllScopes)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func seed(t *testing.T, svc *auditledger.Service, n int) []*auditledger.Event {
	t.Helper()
	var out []*auditledger.Event
	for i := 0; i < n; i++ {
		e, err := svc.RecordEvent(context.Background(), auditledger.EventInput{
			EventType:  "trade.booked",
			EntityType: "trade",
		})
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, e)
	}
	return out
}

func TestLatestSnapshot_404BeforeFirstSnapshot(t *testing.T) {
	env := setupRouter(t, false)
	w := env.do(t, http.MethodGet, "/api/v1/ledger/snapshots/latest", "", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", w.Code, w.Body.String())
	}
}

func TestLatestSnapshot_unsignedHasNullSignature(t *testing.T) {
	env := setupRouter(t, false)
	seed(t, env.svc, 3)
	if _, err := env.svc.SnapshotIncremental(context.Background()); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/ledger/snapshots/latest", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["event_count"] != float64(3) || resp["state"] != "pending_signature" {
		t.Errorf("resp = %v", resp)
	}
	if v, ok := resp["signature"]; !ok || v != nil {
		t.Errorf("signature = %v (present %v), want explicit null", v, ok)
	}
	if len(resp["merkle_root"].(string)) != 64 {
		t.Errorf("merkle_root = %v", resp["merkle_root"])
	}
}

func TestListSnapshots(t *testing.T) {
	env := setupRouter(t, false)
	for i := 0; i < 3; i++ {
		seed(t, env.svc, 1)
		if _, err := env.svc.SnapshotIncremental(context.Background()); err != nil {
			t.Fatal(err)
		}
	}

	w := env.do(t, http.MethodGet, "/api/v1/ledger/snapshots?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	snaps := resp["snapshots"].([]any)
	if len(snaps) != 2 {
		t.Fatalf("got %d snapshots, want 2", len(snaps))
	}
	if first := snaps[0].(map[string]any); first["event_count"] != float64(3) {
		t.Errorf("newest first: got %v", first)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/ledger/snapshots?limit=0", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("limit=0: expected 400, got %d", w.Code)
	}
}

func TestGetProof(t *testing.T) {
	env := setupRouter(t, false)
	events := seed(t, env.svc, 8)
	snap, err := env.svc.SnapshotIncremental(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/api/v1/ledger/proofs/4", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var proof auditledger.Proof
	if err := json.Unmarshal(w.Body.Bytes(), &proof); err != nil {
		t.Fatal(err)
	}
	if proof.EventID != events[3].ID || proof.MerkleRoot != snap.MerkleRoot {
		t.Errorf("proof = %+v", proof)
	}
	if ok, err := proof.Verify(); err != nil || !ok {
		t.Errorf("Verify() = %v, %v", ok, err)
	}

	if w := env.do(t, http.MethodGet, "/api/v1/ledger/proofs/999", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("missing event: expected 404, got %d", w.Code)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/ledger/proofs/abc", "", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad id: expected 400, got %d", w.Code)
	}
}

func TestGetEvent(t *testing.T) {
	env := setupRouter(t, false)
	events := seed(t, env.svc, 1)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/events/1", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if resp := decode(t, w); resp["integrity_hash"] != events[0].IntegrityHash {
		t.Errorf("resp = %v", resp)
	}
	if w := env.do(t, http.MethodGet, "/api/v1/ledger/events/2", "", nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestVerifyChain_200(t *testing.T) {
	env := setupRouter(t, false)
	seed(t, env.svc, 4)

	w := env.do(t, http.MethodGet, "/api/v1/ledger/verify", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	resp := decode(t, w)
	if resp["valid"] != true || resp["checked"] != float64(4) {
		t.Errorf("resp = %v", resp)
	}
}

func TestVerifySignature(t *testing.T) {
	env := setupRouter(t, true)
	seed(t, env.svc, 2)
	snap, err := env.svc.SnapshotIncremental(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if snap.State() != auditledger.StateSigned {
		t.Fatalf("state = %s", snap.State())
	}

	w := env.do(t, http.MethodPost, "/api/v1/ledger/signatures/verify", "",
		map[string]string{"root": snap.MerkleRoot, "signature": snap.Signature})
	if w.Code != http.StatusOK || decode(t, w)["valid"] != true {
		t.Errorf("genuine signature: %d %s", w.Code, w.Body.String())
	}

	other := strings.Repeat("0", 64)
	w = env.do(t, http.MethodPost, "/api/v1/ledger/signatures/verify", "",
		map[string]string{"root": other, "signature": snap.Signature})
	if w.Code != http.StatusOK || decode(t, w)["valid"] != false {
		t.Errorf("wrong root: %d %s", w.Code, w.Body.String())
	}

	w = env.do(t, http.MethodPost, "/api/v1/ledger/signatures/verify", "",
		map[string]string{"root": "xyz", "signature": snap.Signature})
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed root: expected 400, got %d", w.Code)
	}
}

func TestVerifySignature_503WhenSigningDisabled(t *testing.T) {
	env := setupRouter(t, false)
	w := env.do(t, http.MethodPost, "/api/v1/ledger/signatures/verify", "",
		map[string]string{"root": strings.Repeat("a", 64), "signature": "c2ln"})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestRecordEvent_requiresToken(t *testing.T) {
	env := setupRouter(t, false)
	body := map[string]any{"event_type": "nav.published", "entity_type": "fund"}

	if w := env.do(t, http.MethodPost, "/api/v1/ledger/events", "", body); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", w.Code)
	}

	snapshotOnly, _ := env.tokens.Issue("ops", []string{identity.ScopeSnapshot})
	if w := env.do(t, http.MethodPost, "/api/v1/ledger/events", snapshotOnly, body); w.Code != http.StatusForbidden {
		t.Errorf("wrong scope: expected 403, got %d", w.Code)
	}
}

func TestRecordEvent_201(t *testing.T) {
	env := setupRouter(t, false)
	body := map[string]any{
		"event_type":  "nav.published",
		"entity_type": "fund",
		"entity_id":   "F-1",
		"payload":     map[string]any{"nav": 101.25, "ccy": "EUR"},
	}

	w := env.do(t, http.MethodPost, "/api/v1/ledger/events", env.writerToken(t), body)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["id"] != float64(1) || resp["entity_id"] != "F-1" {
		t.Errorf("resp = %v", resp)
	}

	stored, err := env.svc.GetEvent(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	if stored.IntegrityHash != resp["integrity_hash"] {
		t.Error("returned hash differs from stored hash")
	}
}

func TestRecordEvent_400(t *testing.T) {
	env := setupRouter(t, false)
	tok := env.writerToken(t)

	if w := env.do(t, http.MethodPost, "/api/v1/ledger/events", tok, map[string]any{"event_type": "x"}); w.Code != http.StatusBadRequest {
		t.Errorf("missing entity_type: expected 400, got %d", w.Code)
	}
	if w := env.do(t, http.MethodPost, "/api/v1/ledger/events", tok, map[string]any{"event_type": " ", "entity_type": "fund"}); w.Code != http.StatusBadRequest {
		t.Errorf("blank event_type: expected 400, got %d", w.Code)
	}
}

func TestTakeSnapshot_201Then204(t *testing.T) {
	env := setupRouter(t, false)
	tok := env.writerToken(t)
	seed(t, env.svc, 2)

	w := env.do(t, http.MethodPost, "/api/v1/ledger/snapshots", tok, nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if resp := decode(t, w); resp["event_count"] != float64(2) {
		t.Errorf("resp = %v", resp)
	}

	if w := env.do(t, http.MethodPost, "/api/v1/ledger/snapshots", tok, nil); w.Code != http.StatusNoContent {
		t.Errorf("second snapshot: expected 204, got %d", w.Code)
	}
}

func TestIssueToken(t *testing.T) {
	env := setupRouter(t, false)

	w := env.do(t, http.MethodPost, "/api/v1/token", "",
		map[string]string{"client_id": "ingest", "client_secret": "s3cret", "scope": "ledger:write"})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	resp := decode(t, w)
	if resp["token_type"] != "Bearer" || resp["scope"] != "ledger:write" || resp["expires_in"] != float64(3600) {
		t.Errorf("resp = %v", resp)
	}
	claims, err := env.tokens.Verify(resp["access_token"].(string))
	if err != nil {
		t.Fatal(err)
	}
	if claims.ClientID != "ingest" {
		t.Errorf("client_id = %q", claims.ClientID)
	}

	w = env.do(t, http.MethodPost, "/api/v1/token", "",
		map[string]string{"client_id": "ingest", "client_secret": "nope"})
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad secret: expected 401, got %d", w.Code)
	}

	w = env.do(t, http.MethodPost, "/api/v1/token", "",
		map[string]string{"client_id": "ingest", "client_secret": "s3cret", "scope": "root"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad scope: expected 400, got %d", w.Code)
	}
}

func TestIssueToken_formEncodedGrant(t *testing.T) {
	env := setupRouter(t, false)

	post := func(form url.Values, id, secret string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/token", strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		if id != "" {
			req.SetBasicAuth(url.QueryEscape(id), url.QueryEscape(secret))
		}
		w := httptest.NewRecorder()
		env.router.ServeHTTP(w, req)
		return w
	}

	w := post(url.Values{"grant_type": {"client_credentials"}, "scope": {"ledger:snapshot"}}, "ingest", "s3cret")
	if w.Code != http.StatusOK {
		t.Fatalf("basic auth: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if w.Header().Get("Cache-Control") != "no-store" {
		t.Errorf("Cache-Control = %q", w.Header().Get("Cache-Control"))
	}
	if resp := decode(t, w); resp["scope"] != "ledger:snapshot" {
		t.Errorf("resp = %v", resp)
	}

	w = post(url.Values{
		"grant_type":    {"client_credentials"},
		"client_id":     {"ingest"},
		"client_secret": {"s3cret"},
	}, "", "")
	if w.Code != http.StatusOK {
		t.Errorf("credentials in body: expected 200, got %d", w.Code)
	}

	w = post(url.Values{"grant_type": {"password"}}, "ingest", "s3cret")
	if w.Code != http.StatusBadRequest || decode(t, w)["error"] != "unsupported_grant_type" {
		t.Errorf("password grant: %d %s", w.Code, w.Body.String())
	}

	w = post(url.Values{"grant_type": {"client_credentials"}}, "", "")
	if w.Code != http.StatusBadRequest || decode(t, w)["error"] != "invalid_request" {
		t.Errorf("no credentials: %d %s", w.Code, w.Body.String())
	}

	w = post(url.Values{"grant_type": {"client_credentials"}}, "ingest", "nope")
	if w.Code != http.StatusUnauthorized {
		t.Errorf("bad secret: expected 401, got %d", w.Code)
	}
}

func TestMetricsAndHealth(t *testing.T) {
	env := setupRouter(t, false)

	if w := env.do(t, http.MethodGet, "/healthz", "", nil); w.Code != http.StatusOK {
		t.Errorf("healthz: expected 200, got %d", w.Code)
	}
	seed(t, env.svc, 1)

	w := env.do(t, http.MethodGet, "/metrics", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", w.Code)
	}
	body := w.Body.String()
	for _, name := range []string{"auditledger_requests_total", "auditledger_events_recorded_total"} {
		if !strings.Contains(body, name) {
			t.Errorf("metrics output missing %s", name)
		}
	}
}

type downStore struct{}

func (downStore) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth_503WhenStoreDown(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/healthz", handler.Health(downStore{}))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.GET("/", func(c *gin.Context) { c.Status(http.StatusOK) })

	codes := make([]int, 0, 2)
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
		codes = append(codes, w.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, want [200 429]", codes)
	}
}

func TestRateLimiter_bucketsArePerClientIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := gin.New()
	r.Use(handler.RateLimiter(ctx, 1, 1))
	r.POST("/api/v1/events", func(c *gin.Context) { c.Status(http.StatusCreated) })

	send := func(addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
		req.RemoteAddr = addr
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	if w := send("10.0.0.1:4000"); w.Code != http.StatusCreated {
		t.Fatalf("first request: status %d", w.Code)
	}
	w := send("10.0.0.1:4001")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("same IP again: status %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("429 without Retry-After")
	}
	if w := send("10.0.0.2:4000"); w.Code != http.StatusCreated {
		t.Errorf("other IP: status %d, want 201", w.Code)
	}
}
