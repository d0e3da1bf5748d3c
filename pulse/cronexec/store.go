package cronexec

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/pulse/schedule"
	"github.com/teranos/jobkeeper/pulse/txn"
)

// Record is a persisted trigger registration.
type Record struct {
	Job       schedule.Identifier
	Trigger   schedule.Trigger
	Exclusive bool
	CreatedAt time.Time
}

// OneShot reports whether the registration fires once.
func (r Record) OneShot() bool { return r.Trigger.OneShot() }

// TriggerStore persists registrations and paused tenants so a restarted
// daemon, or one sharing the database with the CLI, sees the same schedule.
type TriggerStore struct {
	tm *txn.Manager
}

// NewTriggerStore creates a trigger store.
func NewTriggerStore(tm *txn.Manager) *TriggerStore {
	return &TriggerStore{tm: tm}
}

const timeLayout = time.RFC3339Nano

// Save inserts or replaces the registration of rec's job.
func (s *TriggerStore) Save(ctx context.Context, rec Record) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	var startAt sql.NullString
	if !rec.Trigger.StartAt.IsZero() {
		startAt = sql.NullString{String: rec.Trigger.StartAt.UTC().Format(timeLayout), Valid: true}
	}

	_, err := s.tm.Conn(ctx).ExecContext(ctx, `
		INSERT INTO job_trigger (tenant_id, job_name, descriptor_id, cron_spec, every_ms, start_at, exclusive, one_shot, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (tenant_id, job_name) DO UPDATE SET
			descriptor_id = excluded.descriptor_id,
			cron_spec = excluded.cron_spec,
			every_ms = excluded.every_ms,
			start_at = excluded.start_at,
			exclusive = excluded.exclusive,
			one_shot = excluded.one_shot,
			created_at = excluded.created_at`,
		rec.Job.TenantID, rec.Job.JobName, rec.Job.ID,
		rec.Trigger.Cron, rec.Trigger.Every.Milliseconds(), startAt,
		rec.Exclusive, rec.OneShot(), rec.CreatedAt.UTC().Format(timeLayout),
	)
	return errors.Wrapf(err, "save trigger %s", rec.Job)
}

// Delete removes the registration of one job. Reports whether it existed.
func (s *TriggerStore) Delete(ctx context.Context, tenantID, jobName string) (bool, error) {
	res, err := s.tm.Conn(ctx).ExecContext(ctx,
		`DELETE FROM job_trigger WHERE tenant_id = ? AND job_name = ?`, tenantID, jobName)
	if err != nil {
		return false, errors.Wrapf(err, "delete trigger %s/%s", tenantID, jobName)
	}
	n, err := res.RowsAffected()
	return n > 0, errors.Wrap(err, "rows affected")
}

// DeleteTenant removes every registration of a tenant.
func (s *TriggerStore) DeleteTenant(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.tm.Conn(ctx).ExecContext(ctx, `DELETE FROM job_trigger WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, errors.Wrapf(err, "delete triggers of %s", tenantID)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}

// List returns every registration ordered by tenant and job name.
func (s *TriggerStore) List(ctx context.Context) ([]Record, error) {
	rows, err := s.tm.Conn(ctx).QueryContext(ctx, `
		SELECT tenant_id, job_name, descriptor_id, cron_spec, every_ms, start_at, exclusive, created_at
		FROM job_trigger ORDER BY tenant_id, job_name`)
	if err != nil {
		return nil, errors.Wrap(err, "list triggers")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var everyMS int64
		var startAt sql.NullString
		var createdAt string
		if err := rows.Scan(&rec.Job.TenantID, &rec.Job.JobName, &rec.Job.ID,
			&rec.Trigger.Cron, &everyMS, &startAt, &rec.Exclusive, &createdAt); err != nil {
			return nil, errors.Wrap(err, "scan trigger")
		}
		rec.Trigger.Every = time.Duration(everyMS) * time.Millisecond
		if startAt.Valid {
			rec.Trigger.StartAt, _ = time.Parse(timeLayout, startAt.String)
		}
		rec.CreatedAt, _ = time.Parse(timeLayout, createdAt)
		out = append(out, rec)
	}
	return out, errors.Wrap(rows.Err(), "iterate triggers")
}

// Pause marks a tenant paused. Pausing twice is a no-op.
func (s *TriggerStore) Pause(ctx context.Context, tenantID string) error {
	_, err := s.tm.Conn(ctx).ExecContext(ctx,
		`INSERT OR IGNORE INTO tenant_pause (tenant_id, paused_at) VALUES (?, ?)`,
		tenantID, time.Now().UTC().Format(timeLayout))
	return errors.Wrapf(err, "pause tenant %s", tenantID)
}

// Resume clears a tenant's pause.
func (s *TriggerStore) Resume(ctx context.Context, tenantID string) error {
	_, err := s.tm.Conn(ctx).ExecContext(ctx, `DELETE FROM tenant_pause WHERE tenant_id = ?`, tenantID)
	return errors.Wrapf(err, "resume tenant %s", tenantID)
}

// Paused returns the paused tenants.
func (s *TriggerStore) Paused(ctx context.Context) ([]string, error) {
	rows, err := s.tm.Conn(ctx).QueryContext(ctx, `SELECT tenant_id FROM tenant_pause ORDER BY tenant_id`)
	if err != nil {
		return nil, errors.Wrap(err, "list paused tenants")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan paused tenant")
		}
		out = append(out, id)
	}
	return out, errors.Wrap(rows.Err(), "iterate paused tenants")
}
