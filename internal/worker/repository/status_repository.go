// Package repository persists job status: Redis while a job is live, MySQL
// once it reaches a terminal state, with a queue event bridging the two.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	cachex "isoforge/internal/common/cache"
	"isoforge/internal/worker/model"
	appErr "isoforge/pkg/errors"
	"isoforge/pkg/utils/logger"
)

const statusKeyPrefix = "build:status:"

const defaultStatusCacheTTL = 24 * time.Hour

// StatusRepository handles job status persistence.
type StatusRepository struct {
	cache     cachex.Cache
	jobsModel JobsModel
	publisher StatusEventPublisher
	ttl       time.Duration
}

// NewStatusRepository creates a new repository. jobsModel and publisher
// may be nil when the deployment runs without a database or event topic.
func NewStatusRepository(cacheClient cachex.Cache, jobsModel JobsModel, ttl time.Duration, publisher StatusEventPublisher) *StatusRepository {
	if ttl <= 0 {
		ttl = defaultStatusCacheTTL
	}
	return &StatusRepository{
		cache:     cacheClient,
		jobsModel: jobsModel,
		publisher: publisher,
		ttl:       ttl,
	}
}

// Get returns the status of a job, preferring the live cache entry and
// falling back to the terminal record in the database.
func (r *StatusRepository) Get(ctx context.Context, jobID string) (model.JobStatusResponse, error) {
	if jobID == "" {
		return model.JobStatusResponse{}, appErr.ValidationError("job_id", "required")
	}

	if r.cache != nil {
		raw, err := r.cache.Get(ctx, statusKeyPrefix+jobID)
		if err != nil {
			logger.Errorf(ctx, "get status from cache failed: %v", err)
			return model.JobStatusResponse{}, appErr.Wrapf(err, appErr.CacheError, "get status failed")
		}
		if raw != "" {
			var resp model.JobStatusResponse
			if err := json.Unmarshal([]byte(raw), &resp); err != nil {
				logger.Errorf(ctx, "decode cached status failed: %v", err)
				return model.JobStatusResponse{}, appErr.Wrapf(err, appErr.CacheError, "decode status failed")
			}
			return resp, nil
		}
	}

	return r.getFinalStatusFromDB(ctx, jobID)
}

// Save persists the current status. Terminal statuses are additionally
// published for asynchronous archival before the cache write, so a crash
// between the two leaves the authoritative event in the queue.
func (r *StatusRepository) Save(ctx context.Context, status model.JobStatusResponse) error {
	if status.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	logger.Infof(ctx, "save status job_id=%s status=%s", status.JobID, status.Status)

	if status.Status.Terminal() && r.publisher != nil {
		if err := r.publisher.PublishFinalStatus(ctx, status); err != nil {
			logger.Errorf(ctx, "publish final status failed: %v", err)
			return err
		}
	}

	if r.cache != nil {
		data, err := json.Marshal(status)
		if err != nil {
			return fmt.Errorf("marshal status failed: %w", err)
		}
		if err := r.cache.Set(ctx, statusKeyPrefix+status.JobID, string(data), r.ttl); err != nil {
			logger.Errorf(ctx, "store status failed: %v", err)
			return appErr.Wrapf(err, appErr.CacheError, "store status failed")
		}
	}
	return nil
}

// PersistFinalStatus stores a terminal status into the database. Called by
// the status event consumer, not the build path.
func (r *StatusRepository) PersistFinalStatus(ctx context.Context, status model.JobStatusResponse) error {
	if status.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	if !status.Status.Terminal() {
		return appErr.ValidationError("status", "terminal_required")
	}
	if r.jobsModel == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("jobs model is not configured")
	}

	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("marshal final status failed: %w", err)
	}
	finishedAt := time.Now()
	if status.Timestamps.FinishedAt > 0 {
		finishedAt = time.Unix(status.Timestamps.FinishedAt, 0)
	}
	if err := r.jobsModel.UpsertFinalStatus(ctx, status.JobID, string(payload), finishedAt); err != nil {
		logger.Errorf(ctx, "store final status failed: %v", err)
		return appErr.Wrapf(err, appErr.DatabaseError, "store final status failed")
	}
	return nil
}

func (r *StatusRepository) getFinalStatusFromDB(ctx context.Context, jobID string) (model.JobStatusResponse, error) {
	if r.jobsModel == nil {
		return model.JobStatusResponse{}, appErr.New(appErr.JobNotFound).WithMessage("job status not found")
	}
	payload, err := r.jobsModel.FindFinalStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return model.JobStatusResponse{}, appErr.New(appErr.JobNotFound).WithMessage("job status not found")
		}
		return model.JobStatusResponse{}, appErr.Wrapf(err, appErr.DatabaseError, "get final status failed")
	}
	var resp model.JobStatusResponse
	if err := json.Unmarshal([]byte(payload), &resp); err != nil {
		return model.JobStatusResponse{}, appErr.Wrapf(err, appErr.DatabaseError, "decode final status failed")
	}
	return resp, nil
}
