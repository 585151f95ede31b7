package identity_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditledger/internal/identity"
)

func newTestKeys(t *testing.T) *identity.KeyProvider {
	t.Helper()
	kp := identity.NewKeyProvider(t.TempDir())
	if err := kp.LoadOrCreate(); err != nil {
		t.Fatalf("LoadOrCreate() error: %v", err)
	}
	return kp
}

func TestKeyProvider_persistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	kp := identity.NewKeyProvider(dir)
	if err := kp.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "ledger.key")); err != nil {
		t.Fatalf("key file missing: %v", err)
	}

	again := identity.NewKeyProvider(dir)
	if err := again.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	if kp.Key().N.Cmp(again.Key().N) != 0 {
		t.Error("reloaded key differs from created key")
	}
	if kp.KeyID() == "" || kp.KeyID() != again.KeyID() {
		t.Errorf("KeyID: %q vs %q", kp.KeyID(), again.KeyID())
	}
}

func TestKeyProvider_corruptKeyIsAnError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "ledger.key"), []byte("not pem"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := identity.NewKeyProvider(dir).LoadOrCreate(); err == nil {
		t.Error("expected error for corrupt key, got nil")
	}
}

func TestSnapshotSigner_roundTrip(t *testing.T) {
	kp := newTestKeys(t)
	signer, err := identity.NewSnapshotSigner(kp)
	if err != nil {
		t.Fatal(err)
	}
	root := make([]byte, 32)
	root[0] = 0xab

	sig, err := signer.Sign(root)
	if err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	if _, err := base64.StdEncoding.DecodeString(sig); err != nil {
		t.Errorf("signature is not standard base64: %v", err)
	}
	if !signer.Verify(root, sig) {
		t.Error("signature does not verify")
	}

	other := append([]byte(nil), root...)
	other[31] = 1
	if signer.Verify(other, sig) {
		t.Error("signature verified for a different root")
	}
	if signer.Verify(root, "!!!") {
		t.Error("garbage signature verified")
	}
}

func TestNewSnapshotSigner_noKey(t *testing.T) {
	if _, err := identity.NewSnapshotSigner(identity.NewKeyProvider(t.TempDir())); !errors.Is(err, identity.ErrNoSigningKey) {
		t.Errorf("got %v, want ErrNoSigningKey", err)
	}
	if _, err := identity.NewSnapshotSigner(nil); !errors.Is(err, identity.ErrNoSigningKey) {
		t.Errorf("nil provider: got %v, want ErrNoSigningKey", err)
	}
}

func newTestTokenIssuer(t *testing.T, ttl time.Duration) *identity.TokenIssuer {
	t.Helper()
	ti, err := identity.NewTokenIssuer(newTestKeys(t), "https://ledger.example.com", ttl)
	if err != nil {
		t.Fatal(err)
	}
	return ti
}

func TestTokenIssuer_Verify_valid(t *testing.T) {
	ti := newTestTokenIssuer(t, time.Hour)

	token, err := ti.Issue("ingest-worker", []string{identity.ScopeWrite})
	if err != nil {
		t.Fatal(err)
	}
	if parts := strings.Split(token, "."); len(parts) != 3 {
		t.Fatalf("expected 3-part JWT, got %d parts", len(parts))
	}

	claims, err := ti.Verify(token)
	if err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
	if claims.ClientID != "ingest-worker" || claims.Subject != "ingest-worker" {
		t.Errorf("claims = %+v", claims)
	}
	if !identity.HasScope(claims, identity.ScopeWrite) || identity.HasScope(claims, identity.ScopeSnapshot) {
		t.Errorf("scopes = %v", claims.Scopes)
	}
	if claims.ID == "" {
		t.Error("jti not set")
	}
}

func TestTokenIssuer_Verify_expired(t *testing.T) {
	ti := newTestTokenIssuer(t, time.Nanosecond)
	token, err := ti.Issue("c", nil)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond) // NumericDate has second precision

	if _, err := ti.Verify(token); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestTokenIssuer_Verify_foreignKey(t *testing.T) {
	a := newTestTokenIssuer(t, time.Hour)
	b := newTestTokenIssuer(t, time.Hour)

	token, _ := a.Issue("c", nil)
	if _, err := b.Verify(token); err == nil {
		t.Error("token from another key verified")
	}
}

func TestClients_Authenticate(t *testing.T) {
	hash, err := identity.HashSecret("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	clients := identity.NewClients(map[string]string{"ingest": hash})

	scopes, err := clients.Authenticate("ingest", "s3cret", nil)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if len(scopes) != len(identity.AllScopes) {
		t.Errorf("default scopes = %v", scopes)
	}

	scopes, err = clients.Authenticate("ingest", "s3cret", []string{identity.ScopeSnapshot})
	if err != nil || len(scopes) != 1 || scopes[0] != identity.ScopeSnapshot {
		t.Errorf("narrowed scopes = %v, %v", scopes, err)
	}

	if _, err := clients.Authenticate("ingest", "wrong", nil); !errors.Is(err, identity.ErrInvalidClient) {
		t.Errorf("wrong secret: got %v", err)
	}
	if _, err := clients.Authenticate("nobody", "s3cret", nil); !errors.Is(err, identity.ErrInvalidClient) {
		t.Errorf("unknown client: got %v", err)
	}
	if _, err := clients.Authenticate("ingest", "s3cret", []string{"admin"}); !errors.Is(err, identity.ErrInvalidScope) {
		t.Errorf("unknown scope: got %v", err)
	}
}

func TestRequireToken(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ti := newTestTokenIssuer(t, time.Hour)

	r := gin.New()
	r.POST("/write", identity.RequireToken(ti, identity.ScopeWrite), func(c *gin.Context) {
		c.String(http.StatusOK, identity.ClaimsFromCtx(c).ClientID)
	})

	writer, _ := ti.Issue("writer", []string{identity.ScopeWrite})
	reader, _ := ti.Issue("reader", []string{identity.ScopeSnapshot})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Bearer nope", http.StatusUnauthorized},
		{"wrong scope", "Bearer " + reader, http.StatusForbidden},
		{"ok", "Bearer " + writer, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/write", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.want, w.Body.String())
			}
		})
	}
}

func TestWellKnown_jwksMatchesKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	kp := newTestKeys(t)

	r := gin.New()
	identity.NewWellKnown("https://ledger.example.com", kp).Register(r)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/jwks.json", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}

	var set identity.JWKSet
	if err := json.Unmarshal(w.Body.Bytes(), &set); err != nil {
		t.Fatal(err)
	}
	if len(set.Keys) != 1 {
		t.Fatalf("got %d keys", len(set.Keys))
	}
	jwk := set.Keys[0]
	if jwk.Kid != kp.KeyID() || jwk.Alg != "RS256" {
		t.Errorf("jwk = %+v", jwk)
	}
	n, err := base64.RawURLEncoding.DecodeString(jwk.N)
	if err != nil {
		t.Fatal(err)
	}
	if new(big.Int).SetBytes(n).Cmp(kp.Key().N) != 0 {
		t.Error("jwk modulus differs from key")
	}
	if jwk.E != "AQAB" {
		t.Errorf("exponent = %q, want AQAB", jwk.E)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/.well-known/openid-configuration", nil))
	if !strings.Contains(w.Body.String(), `"token_endpoint":"https://ledger.example.com/api/v1/token"`) {
		t.Errorf("discovery = %s", w.Body.String())
	}
}
