// Package audit carries admission and eviction events to whatever records
// them. Events never contain nonce values, signatures or payload contents.
package audit

import (
	"context"
	"log/slog"
)

const (
	OpAdmit = "admit_request"
	OpEvict = "evict_expired"
	OpIssue = "issue_nonce"

	OutcomeAdmitted = "admitted"
	OutcomeDenied   = "denied"
	OutcomeOK       = "ok"
	OutcomeFailed   = "failed"
)

type Event struct {
	Operation   string `json:"operation"`
	Outcome     string `json:"outcome"`
	Reason      string `json:"reason,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Count       int    `json:"count,omitempty"`
	TimestampMs int64  `json:"timestamp_ms"`
}

type Sink interface {
	Record(ctx context.Context, ev Event)
}

type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Record(ctx context.Context, ev Event) {
	level := slog.LevelInfo
	if ev.Outcome == OutcomeDenied || ev.Outcome == OutcomeFailed {
		level = slog.LevelWarn
	}
	attrs := []slog.Attr{
		slog.String("operation", ev.Operation),
		slog.String("outcome", ev.Outcome),
		slog.Int64("timestamp_ms", ev.TimestampMs),
	}
	if ev.Reason != "" {
		attrs = append(attrs, slog.String("reason", ev.Reason))
	}
	if ev.Stage != "" {
		attrs = append(attrs, slog.String("stage", ev.Stage))
	}
	if ev.Subject != "" {
		attrs = append(attrs, slog.String("subject", ev.Subject))
	}
	if ev.Operation == OpEvict {
		attrs = append(attrs, slog.Int("count", ev.Count))
	}
	s.logger.LogAttrs(ctx, level, "audit", attrs...)
}

type discard struct{}

func (discard) Record(context.Context, Event) {}

// Discard drops every event.
var Discard Sink = discard{}

type multi []Sink

func (m multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// Multi fans an event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}
