package errnorm

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"docgate/pkg/audit"
	"docgate/pkg/auth"
	"docgate/pkg/govern"
	"docgate/pkg/sanitize"
	"docgate/pkg/stream"
	"docgate/pkg/vault"
)

type memSink struct {
	records []audit.Record
	err     error
}

func (s *memSink) Append(ctx context.Context, rec audit.Record) error {
	s.records = append(s.records, rec)
	return s.err
}

type memEvents struct {
	events []stream.Event
}

func (p *memEvents) Publish(ctx context.Context, ev stream.Event) error {
	p.events = append(p.events, ev)
	return nil
}

func quietLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, nil))
}

func TestNormalizeKinds(t *testing.T) {
	var buf bytes.Buffer
	n := &Normalizer{Log: quietLogger(&buf)}
	cases := []struct {
		err  error
		kind string
	}{
		{&auth.AuthError{Reason: auth.ReasonExpired}, KindAuthFailed},
		{&sanitize.ValidationError{Field: "comment", Reason: sanitize.ReasonUnknownField}, KindValidationFailed},
		{&vault.CryptoError{Reason: vault.ReasonTamperDetected}, KindCryptoFailed},
		{&govern.ResourceError{Reason: govern.ReasonTimeout}, KindResourceExceeded},
		{errors.New("pq: relation does not exist"), KindInternalError},
		{fmt.Errorf("wrap: %w", &auth.AuthError{Reason: auth.ReasonRevoked}), KindAuthFailed},
		{nil, KindInternalError},
	}
	for _, tc := range cases {
		ext := n.Normalize(context.Background(), tc.err, "stage", "user-1")
		if ext.Kind != tc.kind {
			t.Fatalf("error %v: expected kind %s, got %s", tc.err, tc.kind, ext.Kind)
		}
		if ext.ErrorID == "" {
			t.Fatalf("error %v: empty error id", tc.err)
		}
	}
}

func TestNormalizeFreshIDPerOccurrence(t *testing.T) {
	var buf bytes.Buffer
	n := &Normalizer{Log: quietLogger(&buf)}
	err := &auth.AuthError{Reason: auth.ReasonExpired}
	first := n.Normalize(context.Background(), err, "authenticated", "u")
	second := n.Normalize(context.Background(), err, "authenticated", "u")
	if first.ErrorID == second.ErrorID {
		t.Fatalf("same error id for two occurrences: %s", first.ErrorID)
	}
}

func TestNormalizeNoInternalLeakage(t *testing.T) {
	var buf bytes.Buffer
	n := &Normalizer{Log: quietLogger(&buf)}
	ext := n.Normalize(context.Background(), errors.New("stack: /srv/docgate/internal/db.go:42 password=hunter2"), "executing", "u")
	if ext.Kind != KindInternalError {
		t.Fatalf("unexpected kind: %s", ext.Kind)
	}
	// The external shape carries nothing but id and kind, by type; the
	// internal detail must still be in the log for correlation.
	if !strings.Contains(buf.String(), ext.ErrorID) || !strings.Contains(buf.String(), "db.go:42") {
		t.Fatalf("diagnostic log missing correlation: %s", buf.String())
	}
}

func TestNormalizeWritesSink(t *testing.T) {
	var buf bytes.Buffer
	sink := &memSink{}
	n := &Normalizer{Log: quietLogger(&buf), Sink: sink}
	ext := n.Normalize(context.Background(), &vault.CryptoError{Reason: vault.ReasonUnknownKey}, "executing", "user-7")
	if len(sink.records) != 1 {
		t.Fatalf("expected one record, got %d", len(sink.records))
	}
	rec := sink.records[0]
	if rec.ErrorID != ext.ErrorID || rec.Kind != KindCryptoFailed || rec.Subject != "user-7" || rec.CreatedAt.IsZero() {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestNormalizeSinkFailureDoesNotPropagate(t *testing.T) {
	var buf bytes.Buffer
	sink := &memSink{err: errors.New("db down")}
	n := &Normalizer{Log: quietLogger(&buf), Sink: sink}
	ext := n.Normalize(context.Background(), &auth.AuthError{Reason: auth.ReasonMissing}, "received", "")
	if ext.Kind != KindAuthFailed || ext.ErrorID == "" {
		t.Fatalf("sink failure altered external result: %+v", ext)
	}
}

func TestResourceBreachSecurityEventPolicy(t *testing.T) {
	var buf bytes.Buffer
	events := &memEvents{}
	n := &Normalizer{Log: quietLogger(&buf), Events: events}
	n.Normalize(context.Background(), &govern.ResourceError{Reason: govern.ReasonCPUExceeded}, "executing", "user-1")
	if len(events.events) != 0 {
		t.Fatalf("event published with policy disabled: %+v", events.events)
	}

	n.ResourceBreachIsSecurityEvent = true
	ext := n.Normalize(context.Background(), &govern.ResourceError{Reason: govern.ReasonCPUExceeded}, "executing", "user-1")
	if len(events.events) != 1 {
		t.Fatalf("expected one event, got %d", len(events.events))
	}
	ev := events.events[0]
	if ev.Type != stream.EventResourceBreach || ev.Reason != govern.ReasonCPUExceeded || ev.ErrorID != ext.ErrorID {
		t.Fatalf("unexpected event: %+v", ev)
	}
}

func TestAuthFailureSecurityEventPolicy(t *testing.T) {
	var buf bytes.Buffer
	events := &memEvents{}
	n := &Normalizer{Log: quietLogger(&buf), Events: events, AuthFailureIsSecurityEvent: true}
	n.Normalize(context.Background(), &auth.AuthError{Reason: auth.ReasonRevoked}, "authenticated", "user-2")
	if len(events.events) != 1 || events.events[0].Type != stream.EventAuthFailure || events.events[0].Reason != auth.ReasonRevoked {
		t.Fatalf("unexpected events: %+v", events.events)
	}
}
