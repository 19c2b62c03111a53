package guard

import (
	"context"
	"crypto/ed25519"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/csai/reqguard/internal/audit"
	"github.com/csai/reqguard/internal/clock"
	"github.com/csai/reqguard/internal/metrics"
	"github.com/csai/reqguard/internal/nonce"
	"github.com/csai/reqguard/internal/reject"
	"github.com/csai/reqguard/internal/signature"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recordingSink) Record(_ context.Context, ev audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingSink) last() audit.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

type fixture struct {
	guard *Guard
	clk   *clock.Fake
	reg   *metrics.Registry
	sink  *recordingSink
	store *nonce.MemoryStore
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clk := clock.NewFake(epoch)
	reg := metrics.New()
	st := nonce.NewMemoryStore()
	ledger, err := nonce.NewLedger(nonce.Config{}, nonce.WithClock(clk), nonce.WithStore(st), nonce.WithMetrics(reg))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	signer, err := signature.NewService(signature.Config{SecretKey: []byte("0123456789abcdef-test-secret")},
		signature.WithClock(clk), signature.WithMetrics(reg))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	sink := &recordingSink{}
	g, err := New(ledger, signer, WithMetrics(reg), WithAudit(sink), WithClock(clk))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	return fixture{guard: g, clk: clk, reg: reg, sink: sink, store: st}
}

func denialOf(t *testing.T, err error) *Denial {
	t.Helper()
	var d *Denial
	if !errors.As(err, &d) {
		t.Fatalf("expected *Denial, got %v", err)
	}
	return d
}

func TestAdmitValidRequestThenReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := map[string]any{"action": "transfer", "amount": 10}

	env, err := f.guard.Signer().SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	n, err := f.guard.IssueNonce(ServerOwner)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if err := f.guard.AdmitRequest(ctx, payload, env, n); err != nil {
		t.Fatalf("admit: %v", err)
	}
	if ev := f.sink.last(); ev.Outcome != audit.OutcomeAdmitted || ev.Subject != ServerOwner {
		t.Fatalf("unexpected audit event: %+v", ev)
	}

	d := denialOf(t, f.guard.AdmitRequest(ctx, payload, env, n))
	if d.Stage != StageNonce || d.Reason != reject.AlreadyUsed {
		t.Fatalf("expected nonce/ALREADY_USED, got %s/%s", d.Stage, d.Reason)
	}
	if !reject.Is(d, reject.AlreadyUsed) {
		t.Fatalf("denial should unwrap to the rejection")
	}
}

func TestBadSignatureDoesNotConsumeNonce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := map[string]any{"action": "transfer"}

	env, err := f.guard.Signer().SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	forged := env
	forged.Signature = "00" + env.Signature[2:]
	if forged.Signature == env.Signature {
		forged.Signature = "ff" + env.Signature[2:]
	}

	const n = "0123456789abcdef"
	d := denialOf(t, f.guard.AdmitRequest(ctx, payload, forged, n))
	if d.Stage != StageSignature || d.Reason != reject.InvalidSignature {
		t.Fatalf("expected signature/INVALID_SIGNATURE, got %s/%s", d.Stage, d.Reason)
	}
	if f.store.Owners() != 0 {
		t.Fatalf("nonce must not be stored when the signature fails")
	}
	if err := f.guard.AdmitRequest(ctx, payload, env, n); err != nil {
		t.Fatalf("legitimate request with the same nonce should pass: %v", err)
	}
}

func TestExpiredSignatureStage(t *testing.T) {
	f := newFixture(t)
	payload := map[string]any{"k": "v"}
	env, err := f.guard.Signer().SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	f.clk.Advance(signature.DefaultMaxAge + time.Millisecond)

	d := denialOf(t, f.guard.AdmitRequest(context.Background(), payload, env, "abcdef0123456789"))
	if d.Stage != StageSignature || d.Reason != reject.ExpiredSignature {
		t.Fatalf("expected signature/EXPIRED_SIGNATURE, got %s/%s", d.Stage, d.Reason)
	}
	if ev := f.sink.last(); ev.Outcome != audit.OutcomeDenied || ev.Stage != string(StageSignature) {
		t.Fatalf("unexpected audit event: %+v", ev)
	}
}

func TestMalformedNonceFailsAtNonceStage(t *testing.T) {
	f := newFixture(t)
	payload := map[string]any{"k": "v"}
	env, err := f.guard.Signer().SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	d := denialOf(t, f.guard.AdmitRequest(context.Background(), payload, env, "bad nonce!"))
	if d.Stage != StageNonce || d.Reason != reject.InvalidFormat {
		t.Fatalf("expected nonce/INVALID_FORMAT, got %s/%s", d.Stage, d.Reason)
	}
}

func TestClientNoncesAreScopedToClient(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	if err := f.guard.Signer().RegisterClientKey("client-a", signature.Ed25519, pub); err != nil {
		t.Fatalf("register: %v", err)
	}

	payload := map[string]any{"op": "read"}
	clientEnv, err := f.guard.Signer().SignAsClient(payload, signature.Ed25519, priv, "client-a", time.Time{})
	if err != nil {
		t.Fatalf("client sign: %v", err)
	}
	serverEnv, err := f.guard.Signer().SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("server sign: %v", err)
	}

	const n = "shared-nonce-0001"
	if err := f.guard.AdmitRequest(ctx, payload, clientEnv, n); err != nil {
		t.Fatalf("client admit: %v", err)
	}
	if err := f.guard.AdmitRequest(ctx, payload, serverEnv, n); err != nil {
		t.Fatalf("server admit with same nonce value: %v", err)
	}
	if ev := f.sink.last(); ev.Subject != ServerOwner {
		t.Fatalf("expected server subject, got %+v", ev)
	}

	if err := f.guard.Signer().RevokeClient("client-a"); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	d := denialOf(t, f.guard.AdmitRequest(ctx, payload, clientEnv, "another-nonce-01"))
	if d.Reason != reject.UnknownClient {
		t.Fatalf("expected UNKNOWN_CLIENT after revoke, got %s", d.Reason)
	}
}

func TestRelabelledClientRequestIsDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatalf("keygen: %v", err)
	}
	for _, id := range []string{"alice", "bob"} {
		if err := f.guard.Signer().RegisterClientKey(id, signature.Ed25519, pub); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	payload := map[string]any{"op": "transfer"}
	env, err := f.guard.Signer().SignAsClient(payload, signature.Ed25519, priv, "alice", time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	const n = "nonce-abcdef-123"
	if err := f.guard.AdmitRequest(ctx, payload, env, n); err != nil {
		t.Fatalf("alice admit: %v", err)
	}
	d := denialOf(t, f.guard.AdmitRequest(ctx, payload, env, n))
	if d.Reason != reject.AlreadyUsed {
		t.Fatalf("expected ALREADY_USED on replay, got %s", d.Reason)
	}

	env.ClientID = "bob"
	d = denialOf(t, f.guard.AdmitRequest(ctx, payload, env, n))
	if d.Stage != StageSignature || d.Reason != reject.InvalidSignature {
		t.Fatalf("expected INVALID_SIGNATURE at signature stage, got %s/%s", d.Stage, d.Reason)
	}
}

func TestStatsSnapshotIsCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	payload := map[string]any{"k": 1}
	env, err := f.guard.Signer().SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if err := f.guard.AdmitRequest(ctx, payload, env, "stats-nonce-0001"); err != nil {
		t.Fatalf("admit: %v", err)
	}
	_ = f.guard.AdmitRequest(ctx, payload, env, "stats-nonce-0001")

	snap := f.guard.Stats()
	if snap.Admitted != 1 || snap.Denied != 1 {
		t.Fatalf("expected 1 admitted and 1 denied, got %+v", snap)
	}
	if snap.Verified != 2 || snap.Validated != 1 {
		t.Fatalf("unexpected verification counters: %+v", snap)
	}
	if snap.RejectedByReason[string(reject.AlreadyUsed)] != 1 {
		t.Fatalf("expected one ALREADY_USED rejection, got %+v", snap.RejectedByReason)
	}

	snap.Admitted = 99
	snap.RejectedByReason[string(reject.AlreadyUsed)] = 99
	again := f.guard.Stats()
	if again.Admitted != 1 || again.RejectedByReason[string(reject.AlreadyUsed)] != 1 {
		t.Fatalf("mutating a snapshot leaked into the registry: %+v", again)
	}

	f.guard.ResetStats()
	if got := f.guard.Stats(); got.Admitted != 0 || len(got.RejectedByReason) != 0 {
		t.Fatalf("expected zeroed stats after reset, got %+v", got)
	}
}

type failingStore struct{ *nonce.MemoryStore }

func (*failingStore) Get(context.Context, string, string) (nonce.Record, bool, error) {
	return nonce.Record{}, false, errors.New("connection refused")
}

func TestStoreFailureFailsClosed(t *testing.T) {
	clk := clock.NewFake(epoch)
	ledger, err := nonce.NewLedger(nonce.Config{}, nonce.WithClock(clk), nonce.WithStore(&failingStore{nonce.NewMemoryStore()}))
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	signer, err := signature.NewService(signature.Config{SecretKey: []byte("0123456789abcdef-test-secret")}, signature.WithClock(clk))
	if err != nil {
		t.Fatalf("new signer: %v", err)
	}
	g, err := New(ledger, signer, WithClock(clk))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}
	payload := map[string]any{"k": "v"}
	env, err := signer.SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	d := denialOf(t, g.AdmitRequest(context.Background(), payload, env, "nonce-unavail-01"))
	if d.Reason != reject.StoreUnavailable || !d.Reason.Kind().Retryable() {
		t.Fatalf("expected retryable STORE_UNAVAILABLE, got %s", d.Reason)
	}
}

func TestNewRequiresComponents(t *testing.T) {
	if _, err := New(nil, nil); !errors.Is(err, reject.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestConcurrentAdmitsAcceptOnce(t *testing.T) {
	f := newFixture(t)
	payload := map[string]any{"k": "v"}
	env, err := f.guard.Signer().SignAsServer(payload, time.Time{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f.guard.AdmitRequest(context.Background(), payload, env, "race-nonce-00001"); err == nil {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if admitted != 1 {
		t.Fatalf("expected exactly one admission, got %d", admitted)
	}
}
