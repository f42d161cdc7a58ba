package campaign

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"swarm-scheduler/internal/apperr"
	"swarm-scheduler/internal/calltask"
	"swarm-scheduler/pkg/utils"
)

//go:embed schema.sql
var schemaSQL string

// schemaLockID serializes EnsureSchema across replicas.
const schemaLockID int64 = 0x5357524d

// EnsureSchema creates the tables used by PostgresRepo, calendar.Postgres and
// the audit log.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	return utils.ApplySchema(ctx, db, schemaLockID, schemaSQL)
}

// PostgresRepo implements Repository over database/sql with the pgx driver.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) SaveCampaign(ctx context.Context, c Campaign) error {
	intent, err := json.Marshal(c.Intent)
	if err != nil {
		return err
	}
	const q = `
INSERT INTO campaigns (
  id, owner_id, status, request, intent, weight_earliest, weight_rating, weight_proximity,
  winning_task_id, failure_reason, results_final, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13
)
ON CONFLICT (id) DO UPDATE SET
  status = EXCLUDED.status,
  intent = EXCLUDED.intent,
  winning_task_id = EXCLUDED.winning_task_id,
  failure_reason = EXCLUDED.failure_reason,
  results_final = EXCLUDED.results_final,
  updated_at = EXCLUDED.updated_at
`
	_, err = r.db.ExecContext(ctx, q,
		c.ID,
		c.OwnerID,
		string(c.Status),
		c.Request,
		string(intent),
		c.Weights.Earliest,
		c.Weights.Rating,
		c.Weights.Proximity,
		c.WinningTaskID,
		c.FailureReason,
		c.ResultsFinal,
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

const campaignColumns = `id, owner_id, status, request, intent, weight_earliest, weight_rating, weight_proximity,
  winning_task_id, failure_reason, results_final, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(s rowScanner) (Campaign, error) {
	var (
		c       Campaign
		status  string
		intent  []byte
		winning sql.NullString
	)
	if err := s.Scan(
		&c.ID,
		&c.OwnerID,
		&status,
		&c.Request,
		&intent,
		&c.Weights.Earliest,
		&c.Weights.Rating,
		&c.Weights.Proximity,
		&winning,
		&c.FailureReason,
		&c.ResultsFinal,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		return Campaign{}, err
	}
	c.Status = Status(status)
	if winning.Valid {
		id := winning.String
		c.WinningTaskID = &id
	}
	if err := json.Unmarshal(intent, &c.Intent); err != nil {
		return Campaign{}, fmt.Errorf("decode intent: %w", err)
	}
	return c, nil
}

func (r *PostgresRepo) GetCampaign(ctx context.Context, id string) (Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id = $1`
	c, err := scanCampaign(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Campaign{}, apperr.NotFound("campaign %s", id)
		}
		return Campaign{}, err
	}
	return c, nil
}

func (r *PostgresRepo) ListCampaigns(ctx context.Context, from, to time.Time) ([]Campaign, error) {
	q := `SELECT ` + campaignColumns + ` FROM campaigns
WHERE ($1::timestamptz IS NULL OR created_at >= $1)
  AND ($2::timestamptz IS NULL OR created_at < $2)
ORDER BY created_at`
	rows, err := r.db.QueryContext(ctx, q, nullTime(from), nullTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) SaveTask(ctx context.Context, t calltask.Task) error {
	provider, err := json.Marshal(t.Provider)
	if err != nil {
		return err
	}
	var offer any
	if t.Offer != nil {
		b, err := json.Marshal(t.Offer)
		if err != nil {
			return err
		}
		offer = string(b)
	}
	keys := t.HoldKeys
	if keys == nil {
		keys = []string{}
	}
	holdKeys, err := json.Marshal(keys)
	if err != nil {
		return err
	}

	const q = `
INSERT INTO call_tasks (
  id, campaign_id, seq, provider, status, end_reason, offer, score, hold_keys, call_handle,
  started_at, ended_at, updated_at
) VALUES (
  $1,$2,
  (SELECT COUNT(*) FROM call_tasks WHERE campaign_id = $2),
  $3,$4,$5,$6,$7,$8,$9,$10,$11,$12
)
ON CONFLICT (id) DO UPDATE SET
  provider = EXCLUDED.provider,
  status = EXCLUDED.status,
  end_reason = EXCLUDED.end_reason,
  offer = EXCLUDED.offer,
  score = EXCLUDED.score,
  hold_keys = EXCLUDED.hold_keys,
  call_handle = EXCLUDED.call_handle,
  started_at = EXCLUDED.started_at,
  ended_at = EXCLUDED.ended_at,
  updated_at = EXCLUDED.updated_at
`
	_, err = r.db.ExecContext(ctx, q,
		t.ID,
		t.CampaignID,
		string(provider),
		string(t.Status),
		t.EndReason,
		offer,
		t.Score,
		string(holdKeys),
		t.CallHandle,
		t.StartedAt,
		t.EndedAt,
		t.UpdatedAt,
	)
	return err
}

func (r *PostgresRepo) ListTasks(ctx context.Context, campaignID string) ([]calltask.Task, error) {
	const q = `
SELECT id, campaign_id, provider, status, end_reason, offer, score, hold_keys, call_handle,
  started_at, ended_at, updated_at
FROM call_tasks
WHERE campaign_id = $1
ORDER BY seq
`
	rows, err := r.db.QueryContext(ctx, q, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calltask.Task
	for rows.Next() {
		var (
			t        calltask.Task
			provider []byte
			status   string
			offer    []byte
			score    sql.NullFloat64
			holdKeys []byte
			started  sql.NullTime
			ended    sql.NullTime
		)
		if err := rows.Scan(
			&t.ID,
			&t.CampaignID,
			&provider,
			&status,
			&t.EndReason,
			&offer,
			&score,
			&holdKeys,
			&t.CallHandle,
			&started,
			&ended,
			&t.UpdatedAt,
		); err != nil {
			return nil, err
		}
		t.Status = calltask.Status(status)
		if err := json.Unmarshal(provider, &t.Provider); err != nil {
			return nil, fmt.Errorf("decode provider: %w", err)
		}
		if len(offer) > 0 {
			var o calltask.Offer
			if err := json.Unmarshal(offer, &o); err != nil {
				return nil, fmt.Errorf("decode offer: %w", err)
			}
			t.Offer = &o
		}
		if score.Valid {
			v := score.Float64
			t.Score = &v
		}
		if err := json.Unmarshal(holdKeys, &t.HoldKeys); err != nil {
			return nil, fmt.Errorf("decode hold keys: %w", err)
		}
		if started.Valid {
			v := started.Time
			t.StartedAt = &v
		}
		if ended.Valid {
			v := ended.Time
			t.EndedAt = &v
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) CreateAppointment(ctx context.Context, a Appointment) error {
	const q = `
INSERT INTO appointments (
  id, user_id, campaign_id, call_task_id, provider_id, provider_name, provider_phone, provider_address,
  date, time, duration_min, staff_name, status, calendar_synced, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15
)
`
	return utils.WithTx(ctx, r.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, q,
			a.ID,
			a.UserID,
			a.CampaignID,
			a.CallTaskID,
			a.ProviderID,
			a.ProviderName,
			a.ProviderPhone,
			a.ProviderAddress,
			a.Date,
			a.Time,
			a.DurationMin,
			a.StaffName,
			a.Status,
			a.CalendarSynced,
			a.CreatedAt,
		)
		if utils.IsUniqueViolation(err) {
			return apperr.Conflict("appointment already exists at %s %s", a.Date, a.Time)
		}
		return err
	})
}

const appointmentColumns = `id, user_id, campaign_id, call_task_id, provider_id, provider_name, provider_phone,
  provider_address, date, time, duration_min, staff_name, status, calendar_synced, created_at`

func scanAppointment(s rowScanner) (Appointment, error) {
	var a Appointment
	err := s.Scan(
		&a.ID,
		&a.UserID,
		&a.CampaignID,
		&a.CallTaskID,
		&a.ProviderID,
		&a.ProviderName,
		&a.ProviderPhone,
		&a.ProviderAddress,
		&a.Date,
		&a.Time,
		&a.DurationMin,
		&a.StaffName,
		&a.Status,
		&a.CalendarSynced,
		&a.CreatedAt,
	)
	return a, err
}

func (r *PostgresRepo) GetAppointment(ctx context.Context, id string) (Appointment, error) {
	q := `SELECT ` + appointmentColumns + ` FROM appointments WHERE id = $1`
	a, err := scanAppointment(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Appointment{}, apperr.NotFound("appointment %s", id)
		}
		return Appointment{}, err
	}
	return a, nil
}

func (r *PostgresRepo) MarkAppointmentSynced(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE appointments SET calendar_synced = TRUE WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return apperr.NotFound("appointment %s", id)
	}
	return nil
}

func (r *PostgresRepo) DeleteAppointment(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM appointments WHERE id = $1`, id)
	return err
}

func (r *PostgresRepo) ListAppointments(ctx context.Context, userID string) ([]Appointment, error) {
	q := `SELECT ` + appointmentColumns + ` FROM appointments WHERE user_id = $1 ORDER BY date, time`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
