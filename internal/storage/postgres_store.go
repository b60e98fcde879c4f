package storage

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	_ "github.com/lib/pq"

	"github.com/example/cleaner-tracking/internal/models"
)

// PostgresStore keeps each aggregate as a JSONB document next to the columns
// used for lookups.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "ping postgres")
	}
	return &PostgresStore{db: db}, nil
}

// Migrate executes a schema script such as migrations/001_create_jobs.sql.
func (p *PostgresStore) Migrate(ctx context.Context, script string) error {
	_, err := p.db.ExecContext(ctx, script)
	return errors.Wrap(err, "apply migration")
}

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) CreateJob(ctx context.Context, j *models.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO jobs(id, customer_id, cleaner_id, status, frequency, data, created_at, updated_at) VALUES($1,$2,$3,$4,$5,$6,$7,$8)`,
		j.ID, j.CustomerID, nullString(j.CleanerID), j.Status, j.Frequency, b, j.CreatedAt, j.UpdatedAt)
	return errors.Wrapf(err, "insert job %s", j.ID)
}

func (p *PostgresStore) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var b []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM jobs WHERE id=$1`, id).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select job %s", id)
	}
	var j models.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return nil, errors.Wrapf(err, "decode job %s", id)
	}
	return &j, nil
}

func (p *PostgresStore) UpdateJob(ctx context.Context, j *models.Job) error {
	b, err := json.Marshal(j)
	if err != nil {
		return errors.Wrap(err, "encode job")
	}
	res, err := p.db.ExecContext(ctx,
		`UPDATE jobs SET cleaner_id=$1, status=$2, data=$3, updated_at=$4 WHERE id=$5`,
		nullString(j.CleanerID), j.Status, b, j.UpdatedAt, j.ID)
	if err != nil {
		return errors.Wrapf(err, "update job %s", j.ID)
	}
	return requireRow(res, "job", j.ID)
}

func (p *PostgresStore) SaveOccurrences(ctx context.Context, jobID string, occs []models.Occurrence) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM occurrences WHERE job_id=$1`, jobID); err != nil {
		return errors.Wrapf(err, "clear occurrences of %s", jobID)
	}
	for i := range occs {
		b, err := json.Marshal(occs[i])
		if err != nil {
			return errors.Wrap(err, "encode occurrence")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO occurrences(id, job_id, seq, status, scheduled_date, data) VALUES($1,$2,$3,$4,$5,$6)`,
			occs[i].ID, jobID, i, occs[i].Status, occs[i].ScheduledDate, b); err != nil {
			return errors.Wrapf(err, "insert occurrence %s", occs[i].ID)
		}
	}
	return errors.Wrap(tx.Commit(), "commit occurrences")
}

func (p *PostgresStore) ListOccurrences(ctx context.Context, jobID string) ([]models.Occurrence, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM occurrences WHERE job_id=$1 ORDER BY seq`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "select occurrences of %s", jobID)
	}
	defer rows.Close()
	var out []models.Occurrence
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, errors.Wrap(err, "scan occurrence")
		}
		var o models.Occurrence
		if err := json.Unmarshal(b, &o); err != nil {
			return nil, errors.Wrap(err, "decode occurrence")
		}
		out = append(out, o)
	}
	return out, errors.Wrap(rows.Err(), "iterate occurrences")
}

func (p *PostgresStore) UpdateOccurrence(ctx context.Context, o *models.Occurrence) error {
	b, err := json.Marshal(o)
	if err != nil {
		return errors.Wrap(err, "encode occurrence")
	}
	res, err := p.db.ExecContext(ctx, `UPDATE occurrences SET status=$1, data=$2 WHERE id=$3`, o.Status, b, o.ID)
	if err != nil {
		return errors.Wrapf(err, "update occurrence %s", o.ID)
	}
	return requireRow(res, "occurrence", o.ID)
}

func (p *PostgresStore) SaveExtraTime(ctx context.Context, r *models.ExtraTimeRequest) error {
	b, err := json.Marshal(r)
	if err != nil {
		return errors.Wrap(err, "encode extra time request")
	}
	_, err = p.db.ExecContext(ctx,
		`INSERT INTO extra_time_requests(id, job_id, status, data, created_at) VALUES($1,$2,$3,$4,$5)
		 ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, data=EXCLUDED.data`,
		r.ID, r.JobID, r.Status, b, r.CreatedAt)
	return errors.Wrapf(err, "upsert extra time request %s", r.ID)
}

func (p *PostgresStore) GetExtraTime(ctx context.Context, id string) (*models.ExtraTimeRequest, error) {
	var b []byte
	err := p.db.QueryRowContext(ctx, `SELECT data FROM extra_time_requests WHERE id=$1`, id).Scan(&b)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "extra time request %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "select extra time request %s", id)
	}
	var r models.ExtraTimeRequest
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, errors.Wrap(err, "decode extra time request")
	}
	return &r, nil
}

func (p *PostgresStore) ListExtraTime(ctx context.Context, jobID string) ([]models.ExtraTimeRequest, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM extra_time_requests WHERE job_id=$1 ORDER BY created_at`, jobID)
	if err != nil {
		return nil, errors.Wrapf(err, "select extra time requests of %s", jobID)
	}
	defer rows.Close()
	var out []models.ExtraTimeRequest
	for rows.Next() {
		var b []byte
		if err := rows.Scan(&b); err != nil {
			return nil, errors.Wrap(err, "scan extra time request")
		}
		var r models.ExtraTimeRequest
		if err := json.Unmarshal(b, &r); err != nil {
			return nil, errors.Wrap(err, "decode extra time request")
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterate extra time requests")
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return errors.Wrapf(ErrNotFound, "%s %s", kind, id)
	}
	return nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
