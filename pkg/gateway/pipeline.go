// Package gateway composes the defensive layers into one request path
// with fixed ordering and fail-closed semantics: authenticate, then
// sanitize, then execute under resource limits, normalizing every
// failure before it crosses the trust boundary.
package gateway

import (
	"context"
	"sort"
	"strings"
	"time"

	"docgate/pkg/auth"
	"docgate/pkg/errnorm"
	"docgate/pkg/govern"
	"docgate/pkg/metrics"
	"docgate/pkg/ratelimit"
	"docgate/pkg/sanitize"
	"docgate/pkg/vault"
)

type State string

const (
	StateReceived      State = "received"
	StateAuthenticated State = "authenticated"
	StateSanitized     State = "sanitized"
	StateExecuting     State = "executing"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
)

// Handler is the document-processing backend call this layer protects.
// It receives only sanitized (and where configured, encrypted) fields.
type Handler func(ctx context.Context, fields map[string]string) (map[string]any, error)

// Request is the inbound descriptor. The gateway does not know how the
// handler works; it only bounds and guards the invocation.
type Request struct {
	Token      string
	Fields     map[string]string
	LimitClass string
	Handler    Handler
}

type Response struct {
	Status  string         `json:"status"`
	Data    map[string]any `json:"data,omitempty"`
	ErrorID string         `json:"error_id,omitempty"`
	Kind    string         `json:"kind,omitempty"`
}

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

type Pipeline struct {
	Auth       *auth.Authenticator
	Policies   *sanitize.PolicyTable
	Vault      *vault.Vault
	Governor   *govern.Governor
	Normalizer *errnorm.Normalizer
	Metrics    *metrics.Registry

	// Limits maps a request class to its immutable per-request limits.
	Limits        map[string]govern.Limits
	DefaultLimits govern.Limits

	// EncryptedFields are sanitized and then sealed by the vault before
	// the handler sees them.
	EncryptedFields map[string]bool

	// Limiter caps requests per subject per window when RatePerWindow
	// is positive. The guard runs after authentication so throttling is
	// keyed to a verified subject, never to attacker-chosen input.
	Limiter       ratelimit.Limiter
	RatePerWindow int
}

// Execute drives one request through the state machine. Exactly one
// outward response is produced; no stage downstream of a failure runs.
func (p *Pipeline) Execute(ctx context.Context, req Request) Response {
	started := time.Now()
	state := StateReceived
	p.incStage(state)

	ident, err := p.Auth.Authenticate(ctx, req.Token)
	if err != nil {
		return p.fail(ctx, err, state, "", started)
	}
	state = StateAuthenticated
	p.incStage(state)

	if p.Limiter != nil && p.RatePerWindow > 0 {
		if d := p.Limiter.Allow(ident.Subject, p.RatePerWindow); !d.Allowed {
			return p.fail(ctx, &govern.ResourceError{Reason: govern.ReasonRateLimited}, state, ident.Subject, started)
		}
	}

	clean, err := p.sanitizeFields(req.Fields)
	if err != nil {
		return p.fail(ctx, err, state, ident.Subject, started)
	}
	if err := p.sealFields(clean); err != nil {
		return p.fail(ctx, err, state, ident.Subject, started)
	}
	state = StateSanitized
	p.incStage(state)

	state = StateExecuting
	p.incStage(state)
	limits, ok := p.Limits[req.LimitClass]
	if !ok {
		limits = p.DefaultLimits
	}
	data, err := p.Governor.RunBounded(ctx, func(ctx context.Context) (map[string]any, error) {
		return req.Handler(ctx, clean)
	}, limits)
	if err != nil {
		return p.fail(ctx, err, state, ident.Subject, started)
	}

	p.incStage(StateCompleted)
	p.observe(StatusSuccess, started)
	return Response{Status: StatusSuccess, Data: data}
}

// sanitizeFields applies the policy table to every inbound field and
// rejects required fields that are absent. Fields are visited in a
// stable order so the first failure is deterministic.
func (p *Pipeline) sanitizeFields(fields map[string]string) (map[string]string, error) {
	// Field names are normalized once here so the required-field check,
	// policy lookup, and encrypted-field set all agree on the key.
	normalized := make(map[string]string, len(fields))
	for name, value := range fields {
		normalized[strings.ToLower(strings.TrimSpace(name))] = value
	}
	for _, required := range p.Policies.RequiredFields() {
		if _, ok := normalized[required]; !ok {
			return nil, &sanitize.ValidationError{Field: required, Reason: sanitize.ReasonDisallowedContent}
		}
	}
	names := make([]string, 0, len(normalized))
	for name := range normalized {
		names = append(names, name)
	}
	sort.Strings(names)
	clean := make(map[string]string, len(normalized))
	for _, name := range names {
		value, err := p.Policies.Sanitize(name, normalized[name])
		if err != nil {
			return nil, err
		}
		clean[name] = value
	}
	return clean, nil
}

func (p *Pipeline) sealFields(clean map[string]string) error {
	if p.Vault == nil || len(p.EncryptedFields) == 0 {
		return nil
	}
	for name := range p.EncryptedFields {
		value, ok := clean[name]
		if !ok {
			continue
		}
		sealed, err := p.Vault.EncryptString(value)
		if err != nil {
			return err
		}
		clean[name] = sealed
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, err error, state State, subject string, started time.Time) Response {
	p.incStage(StateFailed)
	ext := p.Normalizer.Normalize(ctx, err, string(state), subject)
	p.observe(ext.Kind, started)
	return Response{Status: StatusError, ErrorID: ext.ErrorID, Kind: ext.Kind}
}

func (p *Pipeline) incStage(state State) {
	if p.Metrics != nil {
		p.Metrics.IncStage(string(state))
	}
}

func (p *Pipeline) observe(outcome string, started time.Time) {
	if p.Metrics != nil {
		p.Metrics.ObserveRequest(outcome, time.Since(started))
	}
}
