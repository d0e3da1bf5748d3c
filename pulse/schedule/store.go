package schedule

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/teranos/jobkeeper/db"
	"github.com/teranos/jobkeeper/errors"
	"github.com/teranos/jobkeeper/pulse/txn"
)

// Store persists descriptors, parameters and job logs. Every method runs on
// the transaction carried by ctx, or directly on the database when there is none.
type Store struct {
	tm *txn.Manager
}

// NewStore creates a store over the transaction manager.
func NewStore(tm *txn.Manager) *Store {
	return &Store{tm: tm}
}

const descriptorColumns = `id, tenant_id, job_name, handler_name, description, disallow_concurrent, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDescriptor(row rowScanner) (*Descriptor, error) {
	var d Descriptor
	var createdAt string
	err := row.Scan(&d.ID, &d.TenantID, &d.JobName, &d.HandlerName, &d.Description, &d.DisallowConcurrent, &createdAt)
	if err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return nil, errors.Wrapf(err, "descriptor %d", d.ID)
	}
	return &d, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(column, s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.Wrapf(err, "corrupt %s %q", column, s)
	}
	return t, nil
}

// CreateDescriptor inserts d and sets its ID and CreatedAt.
// A duplicate (tenant, job name) is reported as errors.ErrConflict.
func (s *Store) CreateDescriptor(ctx context.Context, d *Descriptor) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	res, err := s.tm.Conn(ctx).ExecContext(ctx, `
		INSERT INTO job_descriptor (tenant_id, job_name, handler_name, description, disallow_concurrent, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		d.TenantID, d.JobName, d.HandlerName, d.Description, d.DisallowConcurrent, formatTime(d.CreatedAt),
	)
	if err != nil {
		if db.IsUniqueViolation(err) {
			return errors.Mark(errors.Wrapf(err, "job %q already exists for tenant %s", d.JobName, d.TenantID), errors.ErrConflict)
		}
		return errors.Wrapf(err, "create descriptor %s", d.JobName)
	}
	d.ID, err = res.LastInsertId()
	if err != nil {
		return errors.Wrap(err, "read descriptor id")
	}
	return nil
}

// GetDescriptor loads a descriptor by id.
func (s *Store) GetDescriptor(ctx context.Context, id int64) (*Descriptor, error) {
	row := s.tm.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+descriptorColumns+` FROM job_descriptor WHERE id = ?`, id)
	d, err := scanDescriptor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job descriptor %d not found", id)
		}
		return nil, errors.Wrapf(err, "get descriptor %d", id)
	}
	return d, nil
}

// FindDescriptor loads a descriptor by its tenant-scoped job name.
func (s *Store) FindDescriptor(ctx context.Context, tenantID, jobName string) (*Descriptor, error) {
	row := s.tm.Conn(ctx).QueryRowContext(ctx,
		`SELECT `+descriptorColumns+` FROM job_descriptor WHERE tenant_id = ? AND job_name = ?`, tenantID, jobName)
	d, err := scanDescriptor(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("job %q not found for tenant %s", jobName, tenantID)
		}
		return nil, errors.Wrapf(err, "find descriptor %s", jobName)
	}
	return d, nil
}

// ListDescriptors returns the tenant's descriptors ordered by job name.
func (s *Store) ListDescriptors(ctx context.Context, tenantID string) ([]*Descriptor, error) {
	rows, err := s.tm.Conn(ctx).QueryContext(ctx,
		`SELECT `+descriptorColumns+` FROM job_descriptor WHERE tenant_id = ? ORDER BY job_name`, tenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "list descriptors for %s", tenantID)
	}
	defer rows.Close()

	var out []*Descriptor
	for rows.Next() {
		d, err := scanDescriptor(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan descriptor")
		}
		out = append(out, d)
	}
	return out, errors.Wrap(rows.Err(), "iterate descriptors")
}

// DeleteDescriptor removes a descriptor; parameters and logs cascade.
// Reports whether a row was deleted.
func (s *Store) DeleteDescriptor(ctx context.Context, id int64) (bool, error) {
	res, err := s.tm.Conn(ctx).ExecContext(ctx, `DELETE FROM job_descriptor WHERE id = ?`, id)
	if err != nil {
		return false, errors.Wrapf(err, "delete descriptor %d", id)
	}
	return affected(res)
}

// DeleteDescriptorByName removes the tenant's descriptor named jobName, if any.
func (s *Store) DeleteDescriptorByName(ctx context.Context, tenantID, jobName string) (bool, error) {
	res, err := s.tm.Conn(ctx).ExecContext(ctx,
		`DELETE FROM job_descriptor WHERE tenant_id = ? AND job_name = ?`, tenantID, jobName)
	if err != nil {
		return false, errors.Wrapf(err, "delete descriptor %s", jobName)
	}
	return affected(res)
}

// DeleteAllDescriptors removes every descriptor of the tenant and returns the count.
func (s *Store) DeleteAllDescriptors(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.tm.Conn(ctx).ExecContext(ctx, `DELETE FROM job_descriptor WHERE tenant_id = ?`, tenantID)
	if err != nil {
		return 0, errors.Wrapf(err, "delete descriptors for %s", tenantID)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// SetParameters replaces the full parameter set of a descriptor.
// Callers run it inside a transaction so the delete and inserts are atomic.
func (s *Store) SetParameters(ctx context.Context, descriptorID int64, params map[string]string) error {
	conn := s.tm.Conn(ctx)
	if _, err := conn.ExecContext(ctx, `DELETE FROM job_parameter WHERE job_descriptor_id = ?`, descriptorID); err != nil {
		return errors.Wrapf(err, "clear parameters of %d", descriptorID)
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if _, err := conn.ExecContext(ctx,
			`INSERT INTO job_parameter (job_descriptor_id, key, value) VALUES (?, ?, ?)`,
			descriptorID, k, params[k]); err != nil {
			return errors.Wrapf(err, "insert parameter %s of %d", k, descriptorID)
		}
	}
	return nil
}

// GetParameters returns the parameters of a descriptor as a map (never nil).
func (s *Store) GetParameters(ctx context.Context, descriptorID int64) (map[string]string, error) {
	rows, err := s.tm.Conn(ctx).QueryContext(ctx,
		`SELECT key, value FROM job_parameter WHERE job_descriptor_id = ?`, descriptorID)
	if err != nil {
		return nil, errors.Wrapf(err, "get parameters of %d", descriptorID)
	}
	defer rows.Close()

	params := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errors.Wrap(err, "scan parameter")
		}
		params[k] = v
	}
	return params, errors.Wrap(rows.Err(), "iterate parameters")
}

// GetLog returns the failure log of a descriptor, or an ErrNotFound error.
func (s *Store) GetLog(ctx context.Context, descriptorID int64) (*JobLog, error) {
	var l JobLog
	var updated string
	err := s.tm.Conn(ctx).QueryRowContext(ctx, `
		SELECT id, job_descriptor_id, last_message, last_update_date, retry_number
		FROM job_log WHERE job_descriptor_id = ?`, descriptorID,
	).Scan(&l.ID, &l.DescriptorID, &l.LastMessage, &updated, &l.RetryNumber)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("no job log for descriptor %d", descriptorID)
		}
		return nil, errors.Wrapf(err, "get job log of %d", descriptorID)
	}
	if l.LastUpdateDate, err = parseTime("last_update_date", updated); err != nil {
		return nil, errors.Wrapf(err, "job log of %d", descriptorID)
	}
	return &l, nil
}

// CreateLog inserts a failure log and sets its ID.
func (s *Store) CreateLog(ctx context.Context, l *JobLog) error {
	res, err := s.tm.Conn(ctx).ExecContext(ctx, `
		INSERT INTO job_log (job_descriptor_id, last_message, last_update_date, retry_number)
		VALUES (?, ?, ?, ?)`,
		l.DescriptorID, l.LastMessage, formatTime(l.LastUpdateDate), l.RetryNumber,
	)
	if err != nil {
		return errors.Wrapf(err, "create job log for %d", l.DescriptorID)
	}
	l.ID, err = res.LastInsertId()
	return errors.Wrap(err, "read job log id")
}

// UpdateLog stores the message, date and retry number of an existing log.
func (s *Store) UpdateLog(ctx context.Context, l *JobLog) error {
	res, err := s.tm.Conn(ctx).ExecContext(ctx, `
		UPDATE job_log SET last_message = ?, last_update_date = ?, retry_number = ?
		WHERE id = ?`,
		l.LastMessage, formatTime(l.LastUpdateDate), l.RetryNumber, l.ID,
	)
	if err != nil {
		return errors.Wrapf(err, "update job log %d", l.ID)
	}
	ok, err := affected(res)
	if err != nil {
		return err
	}
	if !ok {
		return errors.NewNotFoundError("job log %d not found", l.ID)
	}
	return nil
}

// DeleteLogs removes the failure log of a descriptor and returns the count.
func (s *Store) DeleteLogs(ctx context.Context, descriptorID int64) (int64, error) {
	res, err := s.tm.Conn(ctx).ExecContext(ctx, `DELETE FROM job_log WHERE job_descriptor_id = ?`, descriptorID)
	if err != nil {
		return 0, errors.Wrapf(err, "delete job logs of %d", descriptorID)
	}
	n, err := res.RowsAffected()
	return n, errors.Wrap(err, "rows affected")
}

// ListLogs returns the tenant's failure logs with job names, most recent first.
func (s *Store) ListLogs(ctx context.Context, tenantID string) ([]*JobLog, error) {
	rows, err := s.tm.Conn(ctx).QueryContext(ctx, `
		SELECT l.id, l.job_descriptor_id, l.last_message, l.last_update_date, l.retry_number, d.job_name
		FROM job_log l
		JOIN job_descriptor d ON d.id = l.job_descriptor_id
		WHERE d.tenant_id = ?
		ORDER BY l.last_update_date DESC`, tenantID)
	if err != nil {
		return nil, errors.Wrapf(err, "list job logs for %s", tenantID)
	}
	defer rows.Close()

	var out []*JobLog
	for rows.Next() {
		var l JobLog
		var updated string
		if err := rows.Scan(&l.ID, &l.DescriptorID, &l.LastMessage, &updated, &l.RetryNumber, &l.JobName); err != nil {
			return nil, errors.Wrap(err, "scan job log")
		}
		var err error
		if l.LastUpdateDate, err = parseTime("last_update_date", updated); err != nil {
			return nil, errors.Wrapf(err, "job log %d", l.ID)
		}
		out = append(out, &l)
	}
	return out, errors.Wrap(rows.Err(), "iterate job logs")
}
