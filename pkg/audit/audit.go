// Package audit persists internal diagnostic records for failed
// requests. Records are write-only from the gateway's perspective and
// are correlated with outward responses through error_id alone.
package audit

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	// Redact replaces credential-bearing fragments of the internal
	// detail before it reaches storage.
	Redact bool
}

// Record is the full diagnostic for one failure. InternalDetail never
// crosses the trust boundary; it exists only in this store and the
// structured log.
type Record struct {
	ErrorID        string
	Kind           string
	Stage          string
	Subject        string
	InternalDetail string
	CreatedAt      time.Time
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO error_records
		(error_id, kind, stage, subject, internal_detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, rec.ErrorID, rec.Kind, rec.Stage, rec.Subject, rec.InternalDetail, rec.CreatedAt)
	return err
}

// Get retrieves a stored record by error id, for operator correlation.
func (w *Writer) Get(ctx context.Context, errorID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT error_id, kind, stage, subject, internal_detail, created_at
		FROM error_records WHERE error_id=$1
	`, errorID)
	if err := row.Scan(&rec.ErrorID, &rec.Kind, &rec.Stage, &rec.Subject, &rec.InternalDetail, &rec.CreatedAt); err != nil {
		return rec, err
	}
	return rec, nil
}
