package service

import (
	"context"
	"encoding/json"

	"isoforge/internal/common/mq"
	"isoforge/internal/worker/model"
	"isoforge/internal/worker/repository"
	"isoforge/pkg/utils/logger"
)

// StatusArchiver consumes terminal status events and writes them to the
// database, decoupling build latency from MySQL availability.
type StatusArchiver struct {
	repo *repository.StatusRepository
}

// NewStatusArchiver creates a status archiver.
func NewStatusArchiver(repo *repository.StatusRepository) *StatusArchiver {
	return &StatusArchiver{repo: repo}
}

// HandleMessage persists one terminal status event. Returned errors make
// the queue layer retry the event.
func (a *StatusArchiver) HandleMessage(ctx context.Context, message *mq.Message) error {
	var event model.StatusEvent
	if err := json.Unmarshal(message.Body, &event); err != nil {
		logger.Errorf(ctx, "decode status event failed: %v", err)
		return nil
	}
	if event.Type != model.StatusEventFinal || event.Status.JobID == "" {
		return nil
	}
	if err := a.repo.PersistFinalStatus(ctx, event.Status); err != nil {
		logger.Errorf(ctx, "persist final status failed job_id=%s: %v", event.Status.JobID, err)
		return err
	}
	return nil
}
