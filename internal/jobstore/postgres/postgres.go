// Package postgres implements jobstore.Store on PostgreSQL via pgx.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"replaymill/internal/job"
	"replaymill/internal/jobstore"
	"replaymill/internal/pkg/errors"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate brings the schema up to date using the embedded goose migrations.
func Migrate(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("goose up: %w", err)
	}
	return nil
}

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

var _ jobstore.Store = (*Store)(nil)

const jobColumns = `id, filename, status, message, session_id, config, source_path, output_path, created_at, completed_at`

func (s *Store) Create(ctx context.Context, j *job.Job) error {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return errors.Wrap(err, "jobstore.create", "marshal config")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO jobs (`+jobColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		j.ID, j.Filename, j.Status, j.Message, j.SessionID, cfg,
		j.SourcePath, j.OutputPath, j.CreatedAt, j.CompletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.AlreadyExists("job", j.ID)
		}
		return errors.Wrap(err, "jobstore.create", "insert failed")
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errors.NotFound("job", id)
		}
		return nil, errors.Wrap(err, "jobstore.get", "query failed")
	}
	return j, nil
}

func (s *Store) List(ctx context.Context, f jobstore.ListFilter) ([]*job.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		q += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if f.SessionID != "" {
		args = append(args, f.SessionID)
		q += fmt.Sprintf(" AND session_id=$%d", len(args))
	}
	if !f.CompletedBefore.IsZero() {
		args = append(args, f.CompletedBefore)
		q += fmt.Sprintf(" AND completed_at IS NOT NULL AND completed_at < $%d", len(args))
	}
	q += ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "jobstore.list", "query failed")
	}
	defer rows.Close()

	var out []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "jobstore.list", "scan failed")
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "jobstore.list", "rows failed")
	}
	return out, nil
}

// Claim relies on the conditional UPDATE for exclusivity: only one caller
// sees status='queued' flip under it.
func (s *Store) Claim(ctx context.Context, id string) (*job.Job, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status=$1 WHERE id=$2 AND status=$3 RETURNING `+jobColumns,
		job.StatusProcessing, id, job.StatusQueued,
	)
	j, err := scanJob(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			// Either the id is unknown or someone else holds the claim.
			if _, getErr := s.Get(ctx, id); errors.IsNotFound(getErr) {
				return nil, getErr
			}
			return nil, errors.Conflict("job " + id + " is not queued")
		}
		return nil, errors.Wrap(err, "jobstore.claim", "update failed")
	}
	return j, nil
}

func (s *Store) SetMessage(ctx context.Context, id, msg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET message=$1 WHERE id=$2`,
		job.TruncateMessage(msg), id,
	)
	if err != nil {
		return errors.Wrap(err, "jobstore.message", "update failed")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

func (s *Store) MarkCompleted(ctx context.Context, id, outputPath string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status=$1, message='', output_path=$2, completed_at=$3
		 WHERE id=$4 AND status=$5`,
		job.StatusCompleted, outputPath, at.UTC(), id, job.StatusProcessing,
	)
	if err != nil {
		return errors.Wrap(err, "jobstore.complete", "update failed")
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id)
}

func (s *Store) MarkFailed(ctx context.Context, id, msg string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status=$1, message=$2, output_path='', completed_at=$3
		 WHERE id=$4 AND status=$5`,
		job.StatusFailed, job.TruncateMessage(msg), at.UTC(), id, job.StatusProcessing,
	)
	if err != nil {
		return errors.Wrap(err, "jobstore.fail", "update failed")
	}
	return s.checkTransition(ctx, tag.RowsAffected(), id)
}

func (s *Store) checkTransition(ctx context.Context, affected int64, id string) error {
	if affected > 0 {
		return nil
	}
	if _, err := s.Get(ctx, id); errors.IsNotFound(err) {
		return err
	}
	return errors.Conflict("job " + id + " is not processing")
}

func (s *Store) FailOrphaned(ctx context.Context, msg string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status=$1, message=$2, completed_at=$3 WHERE status=$4`,
		job.StatusFailed, job.TruncateMessage(msg), time.Now().UTC(), job.StatusProcessing,
	)
	if err != nil {
		return 0, errors.Wrap(err, "jobstore.orphans", "update failed")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id=$1`, id)
	if err != nil {
		return errors.Wrap(err, "jobstore.delete", "delete failed")
	}
	if tag.RowsAffected() == 0 {
		return errors.NotFound("job", id)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j           job.Job
		cfg         []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&j.ID, &j.Filename, &j.Status, &j.Message, &j.SessionID,
		&cfg, &j.SourcePath, &j.OutputPath, &j.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &j.Config); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if completedAt.Valid {
		t := completedAt.Time.UTC()
		j.CompletedAt = &t
	}
	return &j, nil
}
