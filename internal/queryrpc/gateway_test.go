package queryrpc_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jmerrifield20/auditledger/internal/auditledger"
	"github.com/jmerrifield20/auditledger/internal/identity"
	"github.com/jmerrifield20/auditledger/internal/queryrpc"
	"go.uber.org/zap"
)

func gatewayFor(t *testing.T, svc *auditledger.Service) http.Handler {
	t.Helper()
	mux, err := queryrpc.NewGateway(dial(t, svc))
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return mux
}

func serve(t *testing.T, h http.Handler, method, path, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("%s %s: body %q: %v", method, path, w.Body.String(), err)
		}
	}
	return w.Code, out
}

func TestGateway_snapshotAndProof(t *testing.T) {
	svc := auditledger.NewService(auditledger.NewMemoryStore(), zap.NewNop())
	gw := gatewayFor(t, svc)

	if code, _ := serve(t, gw, http.MethodGet, "/v1/snapshots/latest", ""); code != http.StatusNotFound {
		t.Errorf("latest before snapshot: status %d, want 404", code)
	}

	seed(t, svc, 6)
	snap, err := svc.SnapshotIncremental(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	code, body := serve(t, gw, http.MethodGet, "/v1/snapshots/latest", "")
	if code != http.StatusOK {
		t.Fatalf("latest: status %d", code)
	}
	if body["merkle_root"] != snap.MerkleRoot || body["event_count"] != float64(6) {
		t.Errorf("latest = %v", body)
	}

	code, body = serve(t, gw, http.MethodGet, "/v1/proofs/4", "")
	if code != http.StatusOK {
		t.Fatalf("proof: status %d", code)
	}
	if body["merkle_root"] != snap.MerkleRoot || body["position"] != float64(3) {
		t.Errorf("proof = %v", body)
	}

	tests := []struct {
		path string
		want int
	}{
		{"/v1/proofs/99", http.StatusNotFound},
		{"/v1/proofs/0", http.StatusBadRequest},
		{"/v1/proofs/abc", http.StatusBadRequest},
	}
	for _, tt := range tests {
		if code, _ := serve(t, gw, http.MethodGet, tt.path, ""); code != tt.want {
			t.Errorf("GET %s: status %d, want %d", tt.path, code, tt.want)
		}
	}
}

func TestGateway_verifySignature(t *testing.T) {
	keys := identity.NewKeyProvider(t.TempDir())
	if err := keys.LoadOrCreate(); err != nil {
		t.Fatal(err)
	}
	signer, err := identity.NewSnapshotSigner(keys)
	if err != nil {
		t.Fatal(err)
	}
	svc := auditledger.NewService(auditledger.NewMemoryStore(), zap.NewNop())
	svc.SetSigner(signer)
	gw := gatewayFor(t, svc)

	seed(t, svc, 3)
	snap, err := svc.SnapshotIncremental(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	req, _ := json.Marshal(map[string]string{"root": snap.MerkleRoot, "signature": snap.Signature})
	code, body := serve(t, gw, http.MethodPost, "/v1/signatures/verify", string(req))
	if code != http.StatusOK || body["valid"] != true {
		t.Errorf("genuine signature: status %d, body %v", code, body)
	}

	if code, _ := serve(t, gw, http.MethodPost, "/v1/signatures/verify", `{"root":"zz","signature":"x"}`); code != http.StatusBadRequest {
		t.Errorf("malformed root: status %d, want 400", code)
	}
	if code, _ := serve(t, gw, http.MethodPost, "/v1/signatures/verify", `not json`); code != http.StatusBadRequest {
		t.Errorf("bad body: status %d, want 400", code)
	}
}
