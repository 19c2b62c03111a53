// Package guard admits a request only when its signature verifies and its
// nonce has not been seen. It is the one entry point request handlers use.
//
// Replay state lives in whatever nonce.Store the ledger was built with. The
// default in-memory store is process-local; behind a load balancer each
// instance must share a store (see state.RedisStore) or a nonce consumed on
// one instance can be replayed against another.
package guard

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/csai/reqguard/internal/audit"
	"github.com/csai/reqguard/internal/clock"
	"github.com/csai/reqguard/internal/metrics"
	"github.com/csai/reqguard/internal/nonce"
	"github.com/csai/reqguard/internal/reject"
	"github.com/csai/reqguard/internal/signature"
)

type Stage string

const (
	StageSignature Stage = "signature"
	StageNonce     Stage = "nonce"
)

// ServerOwner is the nonce owner for requests signed with the server secret.
const ServerOwner = "server"

// Denial is returned by AdmitRequest when a check fails. Callers should
// report a generic authentication failure; Reason and Stage are for audit.
type Denial struct {
	Stage  Stage
	Reason reject.Reason
	Err    error
}

func (d *Denial) Error() string {
	return fmt.Sprintf("request denied at %s: %v", d.Stage, d.Err)
}

func (d *Denial) Unwrap() error { return d.Err }

type Guard struct {
	ledger *nonce.Ledger
	signer *signature.Service
	reg    *metrics.Registry
	audit  audit.Sink
	clock  clock.Clock
	logger *slog.Logger
}

type Option func(*Guard)

func WithMetrics(reg *metrics.Registry) Option { return func(g *Guard) { g.reg = reg } }

func WithAudit(s audit.Sink) Option { return func(g *Guard) { g.audit = s } }

func WithClock(c clock.Clock) Option { return func(g *Guard) { g.clock = c } }

func WithLogger(l *slog.Logger) Option { return func(g *Guard) { g.logger = l } }

// New composes an existing ledger and signature service.
func New(ledger *nonce.Ledger, signer *signature.Service, opts ...Option) (*Guard, error) {
	if ledger == nil || signer == nil {
		return nil, reject.Configf("guard needs both a nonce ledger and a signature service")
	}
	g := &Guard{
		ledger: ledger,
		signer: signer,
		audit:  audit.Discard,
		clock:  clock.Real{},
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

func (g *Guard) Ledger() *nonce.Ledger { return g.ledger }

func (g *Guard) Signer() *signature.Service { return g.signer }

// AdmitRequest verifies the signature first and only then consumes the
// nonce, so a forged request never burns a legitimate caller's nonce. The
// first failure is returned as a *Denial.
func (g *Guard) AdmitRequest(ctx context.Context, payload map[string]any, env signature.Envelope, nonceValue string) error {
	subject := env.ClientID
	owner := env.ClientID
	if env.Algorithm.Symmetric() || owner == "" {
		owner = ServerOwner
		if subject == "" {
			subject = ServerOwner
		}
	}

	if err := g.signer.Verify(payload, env); err != nil {
		return g.deny(ctx, StageSignature, subject, err)
	}
	if err := g.ledger.ValidateAndConsume(ctx, owner, nonceValue, env.Time()); err != nil {
		return g.deny(ctx, StageNonce, subject, err)
	}

	g.reg.IncAdmitted()
	g.audit.Record(ctx, audit.Event{
		Operation:   audit.OpAdmit,
		Outcome:     audit.OutcomeAdmitted,
		Subject:     subject,
		TimestampMs: g.clock.Now().UnixMilli(),
	})
	return nil
}

func (g *Guard) deny(ctx context.Context, stage Stage, subject string, err error) error {
	reason, ok := reject.ReasonOf(err)
	if !ok {
		reason = reject.StoreUnavailable
	}
	g.reg.IncDenied()
	g.audit.Record(ctx, audit.Event{
		Operation:   audit.OpAdmit,
		Outcome:     audit.OutcomeDenied,
		Reason:      string(reason),
		Stage:       string(stage),
		Subject:     subject,
		TimestampMs: g.clock.Now().UnixMilli(),
	})
	if reason.Kind() == reject.KindUnavailable {
		g.logger.Error("admission_store_failure", slog.String("stage", string(stage)), slog.String("error", err.Error()))
	}
	return &Denial{Stage: stage, Reason: reason, Err: err}
}

// IssueNonce hands out a nonce for owner without consuming it.
func (g *Guard) IssueNonce(owner string) (string, error) {
	return g.ledger.Issue(owner)
}

func (g *Guard) RegisterClientKey(clientID string, alg signature.Algorithm, publicKey []byte) error {
	return g.signer.RegisterClientKey(clientID, alg, publicKey)
}

func (g *Guard) RevokeClient(clientID string) error {
	return g.signer.RevokeClient(clientID)
}

// ResetNonces drops every consumed nonce. Operator use only: previously
// seen requests become replayable until their signatures age out.
func (g *Guard) ResetNonces(ctx context.Context) error {
	return g.ledger.Reset(ctx)
}

// Health reports the number of stored nonces, or the store error.
func (g *Guard) Health(ctx context.Context) (int, error) {
	return g.ledger.Len(ctx)
}

// Stats returns a copy of the counters.
func (g *Guard) Stats() metrics.Snapshot {
	return g.reg.Snapshot()
}

func (g *Guard) ResetStats() {
	g.reg.Reset()
}

// Start launches the background eviction sweep.
func (g *Guard) Start() {
	g.ledger.StartJanitor()
}

// Close stops background work. It does not close the nonce store.
func (g *Guard) Close() error {
	return g.ledger.Close()
}
