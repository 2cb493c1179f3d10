package postgresql

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/SeriousBug/frame-shift-video-sub001/internal/entity"
)

var ErrNotFound = errors.New("not found")

const jobColumns = `id, name, status, input_file, output_file, command, progress,
queue_position, error_message, total_frames, start_time, end_time,
retried, cleared, COALESCE(worker_id, ''), last_heartbeat, created_at, updated_at`

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

func (r *JobRepository) Create(ctx context.Context, name, inputFile, outputFile string, command []string) (uuid.UUID, error) {
	const q = `
INSERT INTO jobs (name, status, input_file, output_file, command, progress, queue_position)
VALUES ($1, 'pending', $2, $3, $4, 0,
        COALESCE((SELECT MAX(queue_position) FROM jobs), 0) + 1)
RETURNING id;
`
	var id uuid.UUID
	if err := r.pool.QueryRow(ctx, q, name, inputFile, outputFile, command).Scan(&id); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	job, err := scanJob(r.pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// NextPending returns the next job to dispatch, FIFO by queue position with
// creation time breaking ties. (nil, nil) means the queue is empty.
func (r *JobRepository) NextPending(ctx context.Context) (*entity.Job, error) {
	q := `
SELECT ` + jobColumns + `
FROM jobs
WHERE status = 'pending'
ORDER BY queue_position ASC, created_at ASC
LIMIT 1;
`
	job, err := scanJob(r.pool.QueryRow(ctx, q))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return job, nil
}

func (r *JobRepository) ByStatus(ctx context.Context, status entity.JobStatus) ([]entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE status = $1 ORDER BY queue_position ASC, created_at ASC;`
	rows, err := r.pool.Query(ctx, q, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *JobRepository) List(ctx context.Context) ([]entity.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs ORDER BY queue_position ASC, created_at ASC;`
	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

// Update writes only the fields set on the partial update.
func (r *JobRepository) Update(ctx context.Context, id uuid.UUID, u entity.JobUpdate) error {
	set := []string{"updated_at = now()"}
	args := []any{id}

	add := func(col string, v any) {
		args = append(args, v)
		set = append(set, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if u.Status != nil {
		add("status", string(*u.Status))
	}
	if u.Progress != nil {
		add("progress", *u.Progress)
	}
	if u.ErrorMessage != nil {
		add("error_message", *u.ErrorMessage)
	}
	if u.TotalFrames != nil {
		add("total_frames", *u.TotalFrames)
	}
	if u.StartTime != nil {
		add("start_time", *u.StartTime)
	}
	if u.EndTime != nil {
		add("end_time", *u.EndTime)
	}
	if u.Retried != nil {
		add("retried", *u.Retried)
	}
	if u.Cleared != nil {
		add("cleared", *u.Cleared)
	}
	if u.WorkerID != nil {
		add("worker_id", *u.WorkerID)
	}

	q := `UPDATE jobs SET ` + strings.Join(set, ", ") + ` WHERE id = $1;`
	tag, err := r.pool.Exec(ctx, q, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateProgress stamps progress plus the reporting worker's heartbeat.
func (r *JobRepository) UpdateProgress(ctx context.Context, id uuid.UUID, percent float64, workerID string) error {
	const q = `
UPDATE jobs
SET progress = $2, worker_id = NULLIF($3, ''), last_heartbeat = now(), updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id, percent, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, outputPath string) error {
	const q = `
UPDATE jobs
SET status = 'completed', output_file = $2, progress = 100, error_message = '',
    end_time = now(), updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id, outputPath)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *JobRepository) SetError(ctx context.Context, id uuid.UUID, msg string) error {
	const q = `
UPDATE jobs
SET status = 'failed', error_message = $2, end_time = now(), updated_at = now()
WHERE id = $1;
`
	tag, err := r.pool.Exec(ctx, q, id, msg)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResetProcessingJobs flips every processing row back to pending. Runs once
// at boot: after a restart no in-memory execution record survives, so the
// durable state must not claim one is in flight.
func (r *JobRepository) ResetProcessingJobs(ctx context.Context) (int64, error) {
	const q = `
UPDATE jobs
SET status = 'pending', progress = 0, worker_id = NULL, start_time = NULL, updated_at = now()
WHERE status = 'processing';
`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ClearSuccessfulJobs acknowledges completed jobs so they stop counting
// toward completion notifications.
func (r *JobRepository) ClearSuccessfulJobs(ctx context.Context) (int64, error) {
	const q = `
UPDATE jobs
SET cleared = TRUE, updated_at = now()
WHERE status = 'completed' AND cleared = FALSE;
`
	tag, err := r.pool.Exec(ctx, q)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanJob(row pgx.Row) (*entity.Job, error) {
	var job entity.Job
	var status string
	if err := row.Scan(
		&job.ID,
		&job.Name,
		&status,
		&job.InputFile,
		&job.OutputFile,
		&job.Command,
		&job.Progress,
		&job.QueuePosition,
		&job.ErrorMessage,
		&job.TotalFrames,
		&job.StartTime,
		&job.EndTime,
		&job.Retried,
		&job.Cleared,
		&job.WorkerID,
		&job.LastHeartbeat,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = entity.JobStatus(status)
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]entity.Job, error) {
	var jobs []entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}
