package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Shaydu/mondrian/internal/logging"
	"github.com/Shaydu/mondrian/internal/types"
)

// jobColumns is the canonical column order for job SELECTs; scanJob must
// match it.
const jobColumns = `id, image_path, advisor_ids, requested_mode, mode_used,
	status, phase, percentage, current_step, llm_thinking,
	current_advisor, total_advisors, error_kind, error_message,
	rendered_output, results, status_history,
	created_at, started_at, completed_at, last_activity`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(r rowScanner) (*types.Job, error) {
	var (
		job                              types.Job
		advisorIDs, results, history     string
		createdAt, lastActivity          string
		startedAt, completedAt           sql.NullString
		status, phase, reqMode, usedMode string
		errorKind                        string
	)

	err := r.Scan(
		&job.ID, &job.ImagePath, &advisorIDs, &reqMode, &usedMode,
		&status, &phase, &job.Percentage, &job.CurrentStep, &job.LastThinking,
		&job.CurrentAdvisor, &job.TotalAdvisors, &errorKind, &job.ErrorMessage,
		&job.RenderedOutput, &results, &history,
		&createdAt, &startedAt, &completedAt, &lastActivity,
	)
	if err != nil {
		return nil, err
	}

	job.RequestedMode = types.Mode(reqMode)
	job.ModeUsed = types.Mode(usedMode)
	job.Status = types.Status(status)
	job.Phase = types.Phase(phase)
	job.ErrorKind = types.ErrorKind(errorKind)
	job.CreatedAt = parseTime(createdAt)
	job.LastActivity = parseTime(lastActivity)
	if startedAt.Valid && startedAt.String != "" {
		t := parseTime(startedAt.String)
		job.StartedAt = &t
	}
	if completedAt.Valid && completedAt.String != "" {
		t := parseTime(completedAt.String)
		job.CompletedAt = &t
	}

	if err := json.Unmarshal([]byte(advisorIDs), &job.AdvisorIDs); err != nil {
		return nil, fmt.Errorf("failed to decode advisor_ids for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(results), &job.Results); err != nil {
		return nil, fmt.Errorf("failed to decode results for job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(history), &job.StatusHistory); err != nil {
		return nil, fmt.Errorf("failed to decode status_history for job %s: %w", job.ID, err)
	}
	return &job, nil
}

// CreateJob inserts a new job in status queued with zero progress and returns
// the generated job id. Only ImagePath, AdvisorIDs, RequestedMode and
// TotalAdvisors are read from the argument; everything else is seeded here.
func (s *Store) CreateJob(ctx context.Context, job *types.Job) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "CreateJob")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	id := "j-" + uuid.NewString()
	now := s.now()
	nowStr := formatTime(now)

	history := []types.StatusChange{{
		Status:         types.StatusQueued,
		Phase:          "",
		CurrentAdvisor: 0,
		Percentage:     0,
		At:             now.UTC(),
	}}

	advisorIDs, err := json.Marshal(job.AdvisorIDs)
	if err != nil {
		return "", fmt.Errorf("failed to encode advisor_ids: %w", err)
	}
	historyJSON, err := json.Marshal(history)
	if err != nil {
		return "", fmt.Errorf("failed to encode status_history: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, image_path, advisor_ids, requested_mode, status,
			percentage, total_advisors, status_history, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, job.ImagePath, string(advisorIDs), string(job.RequestedMode),
		string(types.StatusQueued), job.TotalAdvisors, string(historyJSON),
		nowStr, nowStr,
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}

	logging.Store("Created job %s (mode=%s, advisors=%d)", id, job.RequestedMode, job.TotalAdvisors)
	return id, nil
}

// GetJob returns the full job record or ErrJobNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return job, nil
}

// MutateJob applies a patch to a job inside a single transaction and returns
// the post-commit snapshot. Rules:
//   - terminal jobs reject every patch with ErrTerminalJob;
//   - percentage is clamped to max(new, current), never decreased;
//   - mode_used is write-once: later values are ignored;
//   - a history entry is appended when status, phase or current_advisor
//     change;
//   - last_activity is refreshed on every successful mutation.
func (s *Store) MutateJob(ctx context.Context, id string, patch types.JobPatch) (*types.Job, error) {
	timer := logging.StartTimer(logging.CategoryStore, "MutateJob")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	if job.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrTerminalJob, id, job.Status)
	}

	historyDirty := false

	if patch.Status != nil && *patch.Status != job.Status {
		if !job.Status.CanTransition(*patch.Status) {
			return nil, fmt.Errorf("invalid status transition for job %s: %s -> %s", id, job.Status, *patch.Status)
		}
		job.Status = *patch.Status
		historyDirty = true
	}
	if patch.Phase != nil && *patch.Phase != job.Phase {
		job.Phase = *patch.Phase
		historyDirty = true
	}
	if patch.CurrentAdvisor != nil && *patch.CurrentAdvisor != job.CurrentAdvisor {
		job.CurrentAdvisor = *patch.CurrentAdvisor
		historyDirty = true
	}

	if patch.Percentage != nil {
		if *patch.Percentage > job.Percentage {
			job.Percentage = *patch.Percentage
		} else if *patch.Percentage < job.Percentage {
			logging.StoreDebug("Job %s: clamped percentage %d -> keeping %d", id, *patch.Percentage, job.Percentage)
		}
	}

	if patch.CurrentStep != nil {
		job.CurrentStep = *patch.CurrentStep
	}
	if patch.LastThinking != nil {
		job.LastThinking = *patch.LastThinking
	}
	if patch.TotalAdvisors != nil {
		job.TotalAdvisors = *patch.TotalAdvisors
	}
	if patch.ModeUsed != nil {
		if job.ModeUsed == "" {
			job.ModeUsed = *patch.ModeUsed
		} else if *patch.ModeUsed != job.ModeUsed {
			logging.StoreDebug("Job %s: mode_used already %s, ignoring %s", id, job.ModeUsed, *patch.ModeUsed)
		}
	}
	if patch.ErrorKind != nil {
		job.ErrorKind = *patch.ErrorKind
	}
	if patch.ErrorMessage != nil {
		job.ErrorMessage = *patch.ErrorMessage
	}
	if patch.RenderedOutput != nil {
		job.RenderedOutput = *patch.RenderedOutput
	}
	if patch.Result != nil {
		if job.Results == nil {
			job.Results = make(map[string]*types.Result, 1)
		}
		job.Results[patch.Result.AdvisorID] = patch.Result.Result
	}
	if patch.StartedAt != nil {
		t := patch.StartedAt.UTC()
		job.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := patch.CompletedAt.UTC()
		job.CompletedAt = &t
	}

	now := s.now()
	job.LastActivity = now.UTC()

	if historyDirty {
		job.StatusHistory = append(job.StatusHistory, types.StatusChange{
			Status:         job.Status,
			Phase:          job.Phase,
			CurrentAdvisor: job.CurrentAdvisor,
			Percentage:     job.Percentage,
			At:             now.UTC(),
		})
	}

	resultsJSON, err := json.Marshal(job.Results)
	if err != nil {
		return nil, fmt.Errorf("failed to encode results: %w", err)
	}
	historyJSON, err := json.Marshal(job.StatusHistory)
	if err != nil {
		return nil, fmt.Errorf("failed to encode status_history: %w", err)
	}

	var startedAt, completedAt any
	if job.StartedAt != nil {
		startedAt = formatTime(*job.StartedAt)
	}
	if job.CompletedAt != nil {
		completedAt = formatTime(*job.CompletedAt)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE jobs SET
			mode_used = ?, status = ?, phase = ?, percentage = ?,
			current_step = ?, llm_thinking = ?, current_advisor = ?,
			total_advisors = ?, error_kind = ?, error_message = ?,
			rendered_output = ?, results = ?, status_history = ?,
			started_at = ?, completed_at = ?, last_activity = ?
		WHERE id = ?`,
		string(job.ModeUsed), string(job.Status), string(job.Phase), job.Percentage,
		job.CurrentStep, job.LastThinking, job.CurrentAdvisor,
		job.TotalAdvisors, string(job.ErrorKind), job.ErrorMessage,
		job.RenderedOutput, string(resultsJSON), string(historyJSON),
		startedAt, completedAt, formatTime(now),
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update job %s: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit job mutation: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs with the most recently created first, optionally
// restricted to a set of statuses. A limit of 0 means no limit.
func (s *Store) ListJobs(ctx context.Context, limit int, statuses ...types.Status) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := "SELECT " + jobColumns + " FROM jobs"
	args := []any{}
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += " WHERE status IN (" + strings.Join(placeholders, ", ") + ")"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListJobsByStatus returns jobs in the given status, oldest first, so the
// engine can requeue queued work in FIFO order after a restart.
func (s *Store) ListJobsByStatus(ctx context.Context, status types.Status) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT "+jobColumns+" FROM jobs WHERE status = ? ORDER BY created_at ASC, id ASC",
		string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs by status: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListStaleJobs returns non-terminal jobs whose last_activity is strictly
// older than cutoff, oldest first. The reaper uses this to find abandoned
// work.
func (s *Store) ListStaleJobs(ctx context.Context, cutoff time.Time) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status NOT IN (?, ?) AND last_activity < ?
		ORDER BY last_activity ASC`,
		string(types.StatusDone), string(types.StatusError), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job row: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}
