package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends events to audit_events.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, type, actor_user_id, actor_role, ip_address, target_user_id, reference, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,NULLIF($5, ''),$6,NULLIF($7, ''),$8,NULLIF($9, '')::jsonb,$10
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.TargetUserID,
		e.Reference,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}
