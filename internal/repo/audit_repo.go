package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/keyfold/server/internal/model"
)

// AuditRepo appends security events to the append-only audit trail.
type AuditRepo interface {
	Append(ctx context.Context, entry model.AuditEntry) error
}

type auditRepo struct {
	db *sql.DB
}

// NewAuditRepo creates a new AuditRepo instance
func NewAuditRepo(db *sql.DB) AuditRepo {
	return &auditRepo{db: db}
}

// Append inserts one audit entry. Entries are never updated or deleted.
func (r *auditRepo) Append(ctx context.Context, entry model.AuditEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (user_id, email, action, ip, user_agent, detail)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, entry.UserID, entry.Email, entry.Action, entry.IP, entry.UserAgent, entry.Detail)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}
