package auth

import (
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/csai/reqguard/internal/clock"
	"github.com/csai/reqguard/internal/guard"
	"github.com/csai/reqguard/internal/metrics"
	"github.com/csai/reqguard/internal/nonce"
	"github.com/csai/reqguard/internal/signature"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestGuard(t *testing.T) (*guard.Guard, *clock.Fake, *metrics.Registry) {
	t.Helper()
	clk := clock.NewFake(epoch)
	reg := metrics.New()
	ledger, err := nonce.NewLedger(nonce.Config{}, nonce.WithClock(clk), nonce.WithMetrics(reg))
	if err != nil {
		t.Fatalf("ledger: %v", err)
	}
	signer, err := signature.NewService(signature.Config{SecretKey: []byte("middleware-test-secret-0001")},
		signature.WithClock(clk), signature.WithMetrics(reg))
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	g, err := guard.New(ledger, signer, guard.WithClock(clk), guard.WithMetrics(reg))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	return g, clk, reg
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := IdentityFrom(r.Context())
		w.Header().Set("X-Subject", id.Subject)
		w.WriteHeader(http.StatusOK)
	})
}

func serverRequest(t *testing.T, g *guard.Guard, method, path, nonceValue, body string) *http.Request {
	t.Helper()
	var decoded map[string]any
	if body != "" {
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			t.Fatalf("decode test body: %v", err)
		}
	}
	env, err := g.Signer().SignAsServer(RequestPayload(method, path, nonceValue, decoded), time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(HeaderSignature, env.Signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(env.Timestamp, 10))
	req.Header.Set(HeaderNonce, nonceValue)
	req.Header.Set(HeaderAlgorithm, string(env.Algorithm))
	return req
}

func TestValidServerRequest(t *testing.T) {
	g, _, _ := newTestGuard(t)
	mw := NewAuthenticator(g, 0).Middleware(okHandler())

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, serverRequest(t, g, http.MethodPost, "/v1/echo", "nonce-valid-0001", `{"x":1}`))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if rr.Header().Get("X-Subject") != guard.ServerOwner {
		t.Fatalf("expected server identity, got %q", rr.Header().Get("X-Subject"))
	}
}

func TestReplayRejected(t *testing.T) {
	g, _, _ := newTestGuard(t)
	mw := NewAuthenticator(g, 0).Middleware(okHandler())

	first := httptest.NewRecorder()
	mw.ServeHTTP(first, serverRequest(t, g, http.MethodPost, "/v1/echo", "nonce-replay-01", `{"x":1}`))
	if first.Code != http.StatusOK {
		t.Fatalf("expected first request 200, got %d", first.Code)
	}
	second := httptest.NewRecorder()
	mw.ServeHTTP(second, serverRequest(t, g, http.MethodPost, "/v1/echo", "nonce-replay-01", `{"x":1}`))
	if second.Code != http.StatusUnauthorized {
		t.Fatalf("expected second request 401, got %d", second.Code)
	}
}

func TestBadSignatureGetsGenericError(t *testing.T) {
	g, _, _ := newTestGuard(t)
	mw := NewAuthenticator(g, 0).Middleware(okHandler())

	req := serverRequest(t, g, http.MethodPost, "/v1/echo", "nonce-bad-00001", `{"x":1}`)
	req.Header.Set(HeaderSignature, "deadbeef")
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "SIGNATURE") || strings.Contains(rr.Body.String(), "nonce") {
		t.Fatalf("response leaks the failing check: %s", rr.Body.String())
	}
}

func TestSignatureBoundToPathAndNonce(t *testing.T) {
	g, _, _ := newTestGuard(t)
	mw := NewAuthenticator(g, 0).Middleware(okHandler())

	req := serverRequest(t, g, http.MethodPost, "/v1/echo", "nonce-path-0001", `{"x":1}`)
	req.URL.Path = "/v1/clients"
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for another path, got %d", rr.Code)
	}

	req = serverRequest(t, g, http.MethodPost, "/v1/echo", "nonce-path-0002", `{"x":1}`)
	req.Header.Set(HeaderNonce, "nonce-path-0003")
	rr = httptest.NewRecorder()
	mw.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for swapped nonce, got %d", rr.Code)
	}
}

func TestOldTimestampRejected(t *testing.T) {
	g, clk, reg := newTestGuard(t)
	mw := NewAuthenticator(g, 0).Middleware(okHandler())

	req := serverRequest(t, g, http.MethodPost, "/v1/echo", "nonce-old-00001", `{"x":1}`)
	clk.Advance(10 * time.Minute)
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if reg.Snapshot().Expired != 1 {
		t.Fatalf("expected one expired signature, got %+v", reg.Snapshot())
	}
}

func TestMissingHeadersRejected(t *testing.T) {
	g, _, reg := newTestGuard(t)
	mw := NewAuthenticator(g, 0).Middleware(okHandler())

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(`{}`)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rr.Code)
	}
	if reg.Snapshot().Denied != 1 {
		t.Fatalf("expected the attempt to be counted as denied")
	}
}

func TestNonObjectBodyRejected(t *testing.T) {
	g, _, _ := newTestGuard(t)
	mw := NewAuthenticator(g, 0).Middleware(okHandler())

	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/echo", strings.NewReader(`[1,2]`)))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestClientRequestAndRequireServer(t *testing.T) {
	g, _, _ := newTestGuard(t)
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := g.Signer().RegisterClientKey("client-a", signature.Ed25519, pub); err != nil {
		t.Fatalf("register: %v", err)
	}

	env, err := g.Signer().SignAsClient(RequestPayload(http.MethodPost, "/v1/clients", "client-nonce-01", nil),
		signature.Ed25519, priv, "client-a", time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/clients", nil)
	req.Header.Set(HeaderSignature, env.Signature)
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(env.Timestamp, 10))
	req.Header.Set(HeaderNonce, "client-nonce-01")
	req.Header.Set(HeaderAlgorithm, string(env.Algorithm))
	req.Header.Set(HeaderClientID, "client-a")

	mw := NewAuthenticator(g, 0).Middleware(RequireServer(okHandler()))
	rr := httptest.NewRecorder()
	mw.ServeHTTP(rr, req)
	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected client request to be forbidden on a server route, got %d", rr.Code)
	}
}
