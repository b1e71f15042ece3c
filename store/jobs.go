package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/meetscribe/dbopen"
)

// CreateJob inserts a queued job bound to a meeting. Returns ErrDuplicateJob
// when the job id already exists.
func (s *Store) CreateJob(ctx context.Context, jobID string, meetingID int64) error {
	now := time.Now().Unix()
	_, err := dbopen.Exec(ctx, s.db, `
		INSERT INTO jobs (job_id, meeting_id, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		jobID, meetingID, JobQueued, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint") {
			return ErrDuplicateJob
		}
		return fmt.Errorf("store: create job: %w", err)
	}
	return nil
}

// UpdateJobStatus moves a job through its lifecycle, optionally attaching a
// result payload or an error message. Unknown job ids are a no-op.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID, status string, result json.RawMessage, errMsg *string) error {
	var resultStr any
	if result != nil {
		resultStr = string(result)
	}
	_, err := dbopen.Exec(ctx, s.db, `
		UPDATE jobs SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE job_id = ?`,
		status, resultStr, errMsg, time.Now().Unix(), jobID)
	if err != nil {
		return fmt.Errorf("store: update job status: %w", err)
	}
	return nil
}

// GetJob returns a job by id or nil when absent.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, meeting_id, status, result, error, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID)

	var j Job
	var result, errMsg sql.NullString
	var createdAt, updatedAt int64
	err := row.Scan(&j.JobID, &j.MeetingID, &j.Status, &result, &errMsg, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: get job: %w", err)
	}
	if result.Valid && result.String != "" {
		j.Result = json.RawMessage(result.String)
	}
	if errMsg.Valid {
		j.Error = &errMsg.String
	}
	j.CreatedAt = time.Unix(createdAt, 0).UTC()
	j.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &j, nil
}

// CleanupOldJobs deletes terminal jobs older than maxAge and returns how many
// were removed. Queued and processing jobs are never touched.
func (s *Store) CleanupOldJobs(ctx context.Context, maxAge time.Duration) (int64, error) {
	cutoff := time.Now().Add(-maxAge).Unix()
	res, err := dbopen.Exec(ctx, s.db, `
		DELETE FROM jobs WHERE status IN (?, ?) AND created_at < ?`,
		JobCompleted, JobFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: cleanup jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Info(fmt.Sprintf("Cleaned up %d old jobs", n))
	}
	return n, nil
}
