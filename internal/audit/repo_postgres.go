package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends to audit_events. The table is INSERT-only.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, owner_id, actor_user_id, actor_role, ip_address,
  campaign_id, call_task_id, appointment_id, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.OwnerID,
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.CampaignID,
		e.CallTaskID,
		e.AppointmentID,
		e.Message,
		nullIfEmpty(e.Metadata),
		e.CreatedAt,
	)
	return err
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
