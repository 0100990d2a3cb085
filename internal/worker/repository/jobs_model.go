package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// ErrNotFound is returned when a job row does not exist.
var ErrNotFound = errors.New("job not found")

// JobRecord is one row of the build_jobs table.
type JobRecord struct {
	JobID       string
	FinalStatus string
	FinishedAt  time.Time
}

// JobsModel is the persistence surface for terminal job state.
type JobsModel interface {
	// UpsertFinalStatus writes the terminal status payload for a job,
	// inserting the row on first sight.
	UpsertFinalStatus(ctx context.Context, jobID, payload string, finishedAt time.Time) error

	// FindFinalStatus returns the stored terminal status payload.
	FindFinalStatus(ctx context.Context, jobID string) (string, error)
}

type jobsModel struct {
	db *sql.DB
}

// NewJobsModel returns a JobsModel backed by MySQL.
func NewJobsModel(db *sql.DB) JobsModel {
	return &jobsModel{db: db}
}

func (m *jobsModel) UpsertFinalStatus(ctx context.Context, jobID, payload string, finishedAt time.Time) error {
	query := "INSERT INTO `build_jobs` (`job_id`, `final_status`, `finished_at`) VALUES (?, ?, ?) " +
		"ON DUPLICATE KEY UPDATE `final_status` = VALUES(`final_status`), `finished_at` = VALUES(`finished_at`)"
	_, err := m.db.ExecContext(ctx, query, jobID, payload, finishedAt)
	return err
}

func (m *jobsModel) FindFinalStatus(ctx context.Context, jobID string) (string, error) {
	query := "SELECT `final_status` FROM `build_jobs` WHERE `job_id` = ? LIMIT 1"
	var payload string
	err := m.db.QueryRowContext(ctx, query, jobID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return payload, nil
}
