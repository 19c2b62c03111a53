// Package nonce issues and consumes single-use request identifiers.
//
// A (owner, value) pair is accepted at most once while its record is within
// the TTL window. Once the record ages out and an eviction sweep removes it,
// the same pair becomes acceptable again; callers that need longer replay
// protection must pair nonces with signed timestamps, which the ledger checks
// against the same TTL.
package nonce

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/csai/reqguard/internal/audit"
	"github.com/csai/reqguard/internal/clock"
	"github.com/csai/reqguard/internal/metrics"
	"github.com/csai/reqguard/internal/reject"
)

const (
	bucketCount      = 64
	opportunisticGap = time.Second
)

type Ledger struct {
	cfg    Config
	store  Store
	clock  clock.Clock
	reg    *metrics.Registry
	audit  audit.Sink
	logger *slog.Logger
	rand   io.Reader

	// buckets serialise check-then-insert per owner; owners hashing to
	// different buckets never contend.
	buckets [bucketCount]sync.Mutex

	// capMu makes the size check and the insert one step when the store
	// is bounded. Lock order: bucket, then capMu.
	capMu sync.Mutex

	orderMu sync.Mutex
	highest map[string]orderMark

	sweepMu   sync.Mutex
	lastSweep time.Time

	janitorMu sync.Mutex
	stop      chan struct{}
	done      chan struct{}
}

// orderMark is an owner's highest accepted numeric nonce and when it was
// set. Marks idle for longer than the TTL are dropped by EvictExpired.
type orderMark struct {
	key int64
	at  time.Time
}

type Option func(*Ledger)

func WithStore(s Store) Option { return func(l *Ledger) { l.store = s } }

func WithClock(c clock.Clock) Option { return func(l *Ledger) { l.clock = c } }

func WithMetrics(reg *metrics.Registry) Option { return func(l *Ledger) { l.reg = reg } }

func WithAudit(s audit.Sink) Option { return func(l *Ledger) { l.audit = s } }

func WithLogger(logger *slog.Logger) Option { return func(l *Ledger) { l.logger = logger } }

// WithRand replaces the entropy source used by Issue.
func WithRand(r io.Reader) Option { return func(l *Ledger) { l.rand = r } }

func NewLedger(cfg Config, opts ...Option) (*Ledger, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	l := &Ledger{
		cfg:     cfg,
		store:   NewMemoryStore(),
		clock:   clock.Real{},
		audit:   audit.Discard,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		rand:    rand.Reader,
		highest: map[string]orderMark{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

func (l *Ledger) Config() Config { return l.cfg }

// Issue returns a fresh random nonce for owner. It does not consume it.
func (l *Ledger) Issue(owner string) (string, error) {
	if owner == "" {
		return "", reject.New(reject.InvalidFormat, "owner is required")
	}
	ev := audit.Event{Operation: audit.OpIssue, Outcome: audit.OutcomeOK, Subject: owner, TimestampMs: l.clock.Now().UnixMilli()}
	buf := make([]byte, l.cfg.NonceBytes)
	if _, err := io.ReadFull(l.rand, buf); err != nil {
		ev.Outcome = audit.OutcomeFailed
		l.audit.Record(context.Background(), ev)
		return "", fmt.Errorf("read nonce entropy: %w", err)
	}
	l.reg.IncGenerated()
	l.audit.Record(context.Background(), ev)
	return hex.EncodeToString(buf), nil
}

// ValidateAndConsume accepts value for owner exactly once. A zero ts skips
// the timestamp checks. Every non-nil error is a *reject.Error and no
// rejection is retried internally.
func (l *Ledger) ValidateAndConsume(ctx context.Context, owner, value string, ts time.Time) error {
	err := l.validateAndConsume(ctx, owner, value, ts)
	if err != nil {
		if r, ok := reject.ReasonOf(err); ok {
			l.reg.IncRejected(string(r))
		}
		return err
	}
	l.reg.IncValidated()
	return nil
}

func (l *Ledger) validateAndConsume(ctx context.Context, owner, value string, ts time.Time) error {
	if owner == "" {
		return reject.New(reject.InvalidFormat, "owner is required")
	}
	if !validFormat(value, l.cfg.MinLength, l.cfg.MaxLength) {
		return reject.New(reject.InvalidFormat, "nonce fails length or charset checks")
	}
	now := l.clock.Now()
	if !ts.IsZero() {
		if ts.After(now.Add(l.cfg.ClockSkew)) {
			return reject.New(reject.FutureTimestamp, "")
		}
		if ts.Before(now.Add(-l.cfg.TTL)) {
			return reject.New(reject.Expired, "")
		}
	}

	if l.cfg.MaxSize > 0 {
		if err := l.maybeSweep(ctx, now); err != nil {
			return reject.Wrap(reject.StoreUnavailable, err)
		}
	}

	mu := l.bucket(owner)
	mu.Lock()
	defer mu.Unlock()

	cutoff := now.Add(-l.cfg.TTL)
	rec, found, err := l.store.Get(ctx, owner, value)
	if err != nil {
		return reject.Wrap(reject.StoreUnavailable, fmt.Errorf("get nonce: %w", err))
	}
	if found && !rec.ExpiredAt(cutoff) {
		return reject.New(reject.AlreadyUsed, "")
	}

	key, numeric := orderingKey(value)
	if l.cfg.StrictOrdering && numeric {
		l.orderMu.Lock()
		hi, seen := l.highest[owner]
		l.orderMu.Unlock()
		if seen && key < hi.key {
			return reject.New(reject.OutOfOrder, "")
		}
	}

	if found {
		// Aged out but not yet swept.
		if err := l.store.Delete(ctx, owner, value); err != nil {
			return reject.Wrap(reject.StoreUnavailable, fmt.Errorf("delete stale nonce: %w", err))
		}
	}
	rec = Record{Owner: owner, Value: value, CreatedAt: now}
	if numeric {
		k := key
		rec.Ordering = &k
	}
	if err := l.insert(ctx, rec); err != nil {
		return err
	}

	if l.cfg.StrictOrdering && numeric {
		l.orderMu.Lock()
		if hi, seen := l.highest[owner]; !seen || key >= hi.key {
			l.highest[owner] = orderMark{key: key, at: now}
		}
		l.orderMu.Unlock()
	}
	return nil
}

// insert writes rec, enforcing MaxSize as a hard bound across owners.
func (l *Ledger) insert(ctx context.Context, rec Record) error {
	if l.cfg.MaxSize > 0 {
		l.capMu.Lock()
		defer l.capMu.Unlock()
		n, err := l.store.Len(ctx)
		if err != nil {
			return reject.Wrap(reject.StoreUnavailable, fmt.Errorf("store size: %w", err))
		}
		if n >= l.cfg.MaxSize {
			return reject.New(reject.StoreFull, "")
		}
	}
	inserted, err := l.store.Put(ctx, rec)
	if err != nil {
		return reject.Wrap(reject.StoreUnavailable, fmt.Errorf("put nonce: %w", err))
	}
	if !inserted {
		return reject.New(reject.AlreadyUsed, "")
	}
	return nil
}

// maybeSweep runs an eviction when the store crosses half its capacity, at
// most once per opportunisticGap. It must be called without a bucket lock.
func (l *Ledger) maybeSweep(ctx context.Context, now time.Time) error {
	n, err := l.store.Len(ctx)
	if err != nil {
		return fmt.Errorf("store size: %w", err)
	}
	if n <= l.cfg.MaxSize/2 {
		return nil
	}
	l.sweepMu.Lock()
	if !l.lastSweep.IsZero() && now.Sub(l.lastSweep) < opportunisticGap {
		l.sweepMu.Unlock()
		return nil
	}
	l.lastSweep = now
	l.sweepMu.Unlock()
	_, err = l.EvictExpired(ctx)
	return err
}

// EvictExpired removes every record older than the TTL and returns how many
// were removed. Each removal re-checks the record under its owner's lock so
// a concurrent validation never observes a half-removed record.
func (l *Ledger) EvictExpired(ctx context.Context) (int, error) {
	now := l.clock.Now()
	cutoff := now.Add(-l.cfg.TTL)
	expired, err := l.store.ScanExpired(ctx, cutoff)
	if err != nil {
		l.audit.Record(ctx, audit.Event{Operation: audit.OpEvict, Outcome: audit.OutcomeFailed, TimestampMs: now.UnixMilli()})
		return 0, fmt.Errorf("scan expired nonces: %w", err)
	}
	removed := 0
	for _, candidate := range expired {
		ok, err := l.evictOne(ctx, candidate, cutoff)
		if err != nil {
			l.reg.AddEvicted(removed)
			l.audit.Record(ctx, audit.Event{Operation: audit.OpEvict, Outcome: audit.OutcomeFailed, Count: removed, TimestampMs: now.UnixMilli()})
			return removed, err
		}
		if ok {
			removed++
		}
	}
	l.pruneMarks(cutoff)
	l.reg.AddEvicted(removed)
	l.audit.Record(ctx, audit.Event{Operation: audit.OpEvict, Outcome: audit.OutcomeOK, Count: removed, TimestampMs: now.UnixMilli()})
	return removed, nil
}

// pruneMarks forgets ordering marks not advanced since cutoff. Every record
// that set such a mark has aged out, so ordering restarts for that owner and
// the map stays bounded by owners active within the TTL.
func (l *Ledger) pruneMarks(cutoff time.Time) {
	l.orderMu.Lock()
	defer l.orderMu.Unlock()
	for owner, mark := range l.highest {
		if mark.at.Before(cutoff) {
			delete(l.highest, owner)
		}
	}
}

func (l *Ledger) evictOne(ctx context.Context, candidate Record, cutoff time.Time) (bool, error) {
	mu := l.bucket(candidate.Owner)
	mu.Lock()
	defer mu.Unlock()
	rec, found, err := l.store.Get(ctx, candidate.Owner, candidate.Value)
	if err != nil {
		return false, fmt.Errorf("get nonce: %w", err)
	}
	if !found || !rec.ExpiredAt(cutoff) {
		return false, nil
	}
	if err := l.store.Delete(ctx, candidate.Owner, candidate.Value); err != nil {
		return false, fmt.Errorf("delete nonce: %w", err)
	}
	return true, nil
}

// Reset drops every record and ordering mark.
func (l *Ledger) Reset(ctx context.Context) error {
	for i := range l.buckets {
		l.buckets[i].Lock()
	}
	defer func() {
		for i := range l.buckets {
			l.buckets[i].Unlock()
		}
	}()
	if err := l.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	l.orderMu.Lock()
	l.highest = map[string]orderMark{}
	l.orderMu.Unlock()
	return nil
}

// Len reports how many records the store currently holds.
func (l *Ledger) Len(ctx context.Context) (int, error) {
	return l.store.Len(ctx)
}

// StartJanitor runs EvictExpired every EvictInterval until Close.
func (l *Ledger) StartJanitor() {
	l.janitorMu.Lock()
	defer l.janitorMu.Unlock()
	if l.stop != nil {
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	l.stop, l.done = stop, done
	go func() {
		defer close(done)
		t := time.NewTicker(l.cfg.EvictInterval)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				n, err := l.EvictExpired(context.Background())
				if err != nil {
					l.logger.Warn("nonce_eviction_failed", slog.String("error", err.Error()))
					continue
				}
				l.logger.Debug("nonce_eviction", slog.Int("removed", n))
			}
		}
	}()
}

// Close stops the janitor and waits for an in-flight sweep to finish. It is
// safe to call more than once.
func (l *Ledger) Close() error {
	l.janitorMu.Lock()
	defer l.janitorMu.Unlock()
	if l.stop == nil {
		return nil
	}
	close(l.stop)
	<-l.done
	l.stop, l.done = nil, nil
	return nil
}

func (l *Ledger) bucket(owner string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(owner))
	return &l.buckets[h.Sum32()%bucketCount]
}
