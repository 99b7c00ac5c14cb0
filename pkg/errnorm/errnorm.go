// Package errnorm converts internal failures into the stable outward
// error envelope. Internal detail is logged and stored under a fresh
// error id; only the id and a closed kind set cross the trust boundary.
package errnorm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docgate/pkg/audit"
	"docgate/pkg/auth"
	"docgate/pkg/govern"
	"docgate/pkg/sanitize"
	"docgate/pkg/stream"
	"docgate/pkg/vault"
)

const (
	KindAuthFailed       = "auth_failed"
	KindValidationFailed = "validation_failed"
	KindCryptoFailed     = "crypto_failed"
	KindResourceExceeded = "resource_exceeded"
	KindInternalError    = "internal_error"
)

// External is the only failure shape permitted to leave the gateway.
type External struct {
	ErrorID string `json:"error_id"`
	Kind    string `json:"kind"`
}

type RecordSink interface {
	Append(ctx context.Context, rec audit.Record) error
}

type EventPublisher interface {
	Publish(ctx context.Context, ev stream.Event) error
}

type Normalizer struct {
	Log    *slog.Logger
	Sink   RecordSink
	Events EventPublisher
	// ResourceBreachIsSecurityEvent controls whether resource-limit
	// breaches are additionally published as potential DoS signals.
	ResourceBreachIsSecurityEvent bool
	// AuthFailureIsSecurityEvent does the same for auth failures.
	AuthFailureIsSecurityEvent bool
}

// Normalize maps err to an External envelope with a fresh, unguessable
// error id, and records the full diagnostic internally. stage and
// subject enrich the diagnostic only; they never leave the process.
func (n *Normalizer) Normalize(ctx context.Context, err error, stage, subject string) External {
	ext := External{ErrorID: uuid.NewString(), Kind: classify(err)}

	detail := "unknown failure"
	if err != nil {
		detail = err.Error()
	}
	logger := n.Log
	if logger == nil {
		logger = slog.Default()
	}
	logger.ErrorContext(ctx, "request failed",
		slog.String("error_id", ext.ErrorID),
		slog.String("kind", ext.Kind),
		slog.String("stage", stage),
		slog.String("detail", detail),
	)
	if n.Sink != nil {
		rec := audit.Record{
			ErrorID:        ext.ErrorID,
			Kind:           ext.Kind,
			Stage:          stage,
			Subject:        subject,
			InternalDetail: detail,
			CreatedAt:      time.Now().UTC(),
		}
		if sinkErr := n.Sink.Append(ctx, rec); sinkErr != nil {
			logger.ErrorContext(ctx, "diagnostic sink write failed",
				slog.String("error_id", ext.ErrorID),
				slog.String("sink_error", sinkErr.Error()),
			)
		}
	}
	n.publishSecurityEvent(ctx, err, ext, subject)
	return ext
}

func (n *Normalizer) publishSecurityEvent(ctx context.Context, err error, ext External, subject string) {
	if n.Events == nil {
		return
	}
	var ev stream.Event
	switch {
	case n.ResourceBreachIsSecurityEvent && ext.Kind == KindResourceExceeded:
		var rerr *govern.ResourceError
		ev = stream.Event{Type: stream.EventResourceBreach, ErrorID: ext.ErrorID, Subject: subject}
		if errors.As(err, &rerr) {
			ev.Reason = rerr.Reason
		}
	case n.AuthFailureIsSecurityEvent && ext.Kind == KindAuthFailed:
		var aerr *auth.AuthError
		ev = stream.Event{Type: stream.EventAuthFailure, ErrorID: ext.ErrorID, Subject: subject}
		if errors.As(err, &aerr) {
			ev.Reason = aerr.Reason
		}
	default:
		return
	}
	if pubErr := n.Events.Publish(ctx, ev); pubErr != nil {
		logger := n.Log
		if logger == nil {
			logger = slog.Default()
		}
		logger.ErrorContext(ctx, "security event publish failed",
			slog.String("error_id", ext.ErrorID),
			slog.String("publish_error", pubErr.Error()),
		)
	}
}

// classify maps the closed internal taxonomy onto external kinds.
// Anything unrecognized gets the least-informative safe kind.
func classify(err error) string {
	var authErr *auth.AuthError
	if errors.As(err, &authErr) {
		return KindAuthFailed
	}
	var valErr *sanitize.ValidationError
	if errors.As(err, &valErr) {
		return KindValidationFailed
	}
	var cryptoErr *vault.CryptoError
	if errors.As(err, &cryptoErr) {
		return KindCryptoFailed
	}
	var resErr *govern.ResourceError
	if errors.As(err, &resErr) {
		return KindResourceExceeded
	}
	return KindInternalError
}
