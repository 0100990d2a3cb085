package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"isoforge/internal/common/mq"
	"isoforge/internal/worker/model"
	appErr "isoforge/pkg/errors"
)

// StatusEventPublisher publishes terminal status events for async
// processing.
type StatusEventPublisher interface {
	PublishFinalStatus(ctx context.Context, status model.JobStatusResponse) error
}

// MQStatusEventPublisher publishes status events to a message queue.
type MQStatusEventPublisher struct {
	queue mq.MessageQueue
	topic string
}

// NewMQStatusEventPublisher creates a new MQ status event publisher.
func NewMQStatusEventPublisher(queue mq.MessageQueue, topic string) *MQStatusEventPublisher {
	return &MQStatusEventPublisher{queue: queue, topic: topic}
}

// PublishFinalStatus publishes a terminal status event keyed by job id.
func (p *MQStatusEventPublisher) PublishFinalStatus(ctx context.Context, status model.JobStatusResponse) error {
	if p == nil || p.queue == nil {
		return appErr.New(appErr.ServiceUnavailable).WithMessage("status publisher is not configured")
	}
	if p.topic == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("status topic is required")
	}
	if status.JobID == "" {
		return appErr.ValidationError("job_id", "required")
	}
	event := model.StatusEvent{
		Type:      model.StatusEventFinal,
		Status:    status,
		CreatedAt: time.Now().Unix(),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal status event failed: %w", err)
	}
	message := mq.NewMessage(payload)
	message.ID = status.JobID
	if err := p.queue.Publish(ctx, p.topic, message); err != nil {
		return appErr.Wrapf(err, appErr.PublishFailed, "publish status event failed")
	}
	return nil
}
