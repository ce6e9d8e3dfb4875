package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"audiobookd/pkg/types"
)

// ErrConflict is returned when a job is not in a state that admits the
// requested transition.
var ErrConflict = errors.New("job state conflict")

// CreateJob inserts a new pending job.
func (s *Store) CreateJob(job types.Job) error {
	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	params, err := json.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	_, err = s.db.Exec(`
		INSERT INTO jobs (id, kind, status, variant_id, model, params, items, total, processed, failed, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, string(job.Kind), string(job.Status), job.VariantID, job.Model,
		string(params), string(items), job.Total, job.Processed, job.Failed, job.Error, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns one job.
func (s *Store) GetJob(id string) (types.Job, error) {
	row := s.db.QueryRow(jobSelect+` WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs() ([]types.Job, error) {
	rows, err := s.db.Query(jobSelect + ` ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()
	var out []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// ClaimNextPending atomically moves the oldest pending job to running and
// returns it. Returns (nil, nil) when nothing is pending. The conditional
// UPDATE guarantees a single winner even with concurrent claimants.
func (s *Store) ClaimNextPending() (*types.Job, error) {
	for {
		var id string
		err := s.db.QueryRow(`SELECT id FROM jobs WHERE status = ? ORDER BY created_at, id LIMIT 1`,
			string(types.JobPending)).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("find pending job: %w", err)
		}
		res, err := s.db.Exec(`UPDATE jobs SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(types.JobRunning), time.Now().UTC(), id, string(types.JobPending))
		if err != nil {
			return nil, fmt.Errorf("claim job %s: %w", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		if n != 1 {
			// lost the race, try the next candidate
			continue
		}
		job, err := s.GetJob(id)
		if err != nil {
			return nil, err
		}
		return &job, nil
	}
}

// UpdateJobProgress persists item states and counters mid-run. Called after
// every item so a crash loses at most the in-flight item.
func (s *Store) UpdateJobProgress(job types.Job) error {
	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	res, err := s.db.Exec(`UPDATE jobs SET items = ?, processed = ?, failed = ? WHERE id = ?`,
		string(items), job.Processed, job.Failed, job.ID)
	if err != nil {
		return fmt.Errorf("update progress %s: %w", job.ID, err)
	}
	return requireRow(res, job.ID)
}

// FinishJob records a terminal status together with the final item states.
func (s *Store) FinishJob(job types.Job, status types.JobStatus, errMsg string) error {
	items, err := json.Marshal(job.Items)
	if err != nil {
		return fmt.Errorf("marshal items: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, items = ?, processed = ?, failed = ?, error = ?, completed_at = ?
		WHERE id = ?`,
		string(status), string(items), job.Processed, job.Failed, errMsg, time.Now().UTC(), job.ID)
	if err != nil {
		return fmt.Errorf("finish job %s: %w", job.ID, err)
	}
	return requireRow(res, job.ID)
}

// JobStatus reads just the status column. The worker polls this between
// items to honor cancellation.
func (s *Store) JobStatus(id string) (types.JobStatus, error) {
	var st string
	if err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&st); err != nil {
		return "", fmt.Errorf("job status %s: %w", id, err)
	}
	return types.JobStatus(st), nil
}

// RequestCancel cancels a job. A pending job goes straight to cancelled; a
// running job is flagged cancelling and the worker completes the transition
// after the current item. Any other state is a conflict.
func (s *Store) RequestCancel(id string) (types.JobStatus, error) {
	res, err := s.db.Exec(`UPDATE jobs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		string(types.JobCancelled), time.Now().UTC(), id, string(types.JobPending))
	if err != nil {
		return "", fmt.Errorf("cancel job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return types.JobCancelled, nil
	}
	res, err = s.db.Exec(`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		string(types.JobCancelling), id, string(types.JobRunning))
	if err != nil {
		return "", fmt.Errorf("cancel job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return types.JobCancelling, nil
	}
	if _, err := s.GetJob(id); err != nil {
		return "", err
	}
	return "", fmt.Errorf("job %s: %w", id, ErrConflict)
}

// ResumeJob re-queues a cancelled job with its work list narrowed to the
// items that never completed. Counters reset so progress reflects only the
// resumed run.
func (s *Store) ResumeJob(id string) (types.Job, error) {
	job, err := s.GetJob(id)
	if err != nil {
		return types.Job{}, err
	}
	if job.Status != types.JobCancelled {
		return types.Job{}, fmt.Errorf("job %s is %s, only cancelled jobs resume: %w", id, job.Status, ErrConflict)
	}
	pending := job.PendingItems()
	if len(pending) == 0 {
		return types.Job{}, fmt.Errorf("job %s has no pending items: %w", id, ErrConflict)
	}
	items, err := json.Marshal(pending)
	if err != nil {
		return types.Job{}, fmt.Errorf("marshal items: %w", err)
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET status = ?, items = ?, total = ?, processed = 0, failed = 0, error = '',
			started_at = NULL, completed_at = NULL
		WHERE id = ? AND status = ?`,
		string(types.JobPending), string(items), len(pending), id, string(types.JobCancelled))
	if err != nil {
		return types.Job{}, fmt.Errorf("resume job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return types.Job{}, fmt.Errorf("job %s: %w", id, ErrConflict)
	}
	return s.GetJob(id)
}

// DeleteJob removes a job in a terminal state.
func (s *Store) DeleteJob(id string) error {
	res, err := s.db.Exec(`DELETE FROM jobs WHERE id = ? AND status IN (?, ?, ?)`,
		id, string(types.JobCompleted), string(types.JobFailed), string(types.JobCancelled))
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		if _, err := s.GetJob(id); err != nil {
			return err
		}
		return fmt.Errorf("job %s is not terminal: %w", id, ErrConflict)
	}
	return nil
}

// PruneTerminalJobs deletes all but the keep most recent terminal jobs.
func (s *Store) PruneTerminalJobs(keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.Exec(`
		DELETE FROM jobs WHERE status IN (?, ?, ?) AND id NOT IN (
			SELECT id FROM jobs WHERE status IN (?, ?, ?)
			ORDER BY created_at DESC, id DESC LIMIT ?
		)`,
		string(types.JobCompleted), string(types.JobFailed), string(types.JobCancelled),
		string(types.JobCompleted), string(types.JobFailed), string(types.JobCancelled),
		keep)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

const jobSelect = `
	SELECT id, kind, status, variant_id, model, params, items, total, processed, failed, error,
		created_at, started_at, completed_at
	FROM jobs`

func scanJob(row rowScanner) (types.Job, error) {
	var job types.Job
	var kind, status, params, items string
	var startedAt, completedAt *time.Time
	err := row.Scan(&job.ID, &kind, &status, &job.VariantID, &job.Model, &params, &items,
		&job.Total, &job.Processed, &job.Failed, &job.Error, &job.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return job, fmt.Errorf("scan job: %w", err)
	}
	job.Kind = types.JobKind(kind)
	job.Status = types.JobStatus(status)
	job.StartedAt = startedAt
	job.CompletedAt = completedAt
	if err := json.Unmarshal([]byte(params), &job.Params); err != nil {
		return job, fmt.Errorf("unmarshal params for %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(items), &job.Items); err != nil {
		return job, fmt.Errorf("unmarshal items for %s: %w", job.ID, err)
	}
	return job, nil
}
