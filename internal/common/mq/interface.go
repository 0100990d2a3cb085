package mq

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageQueue is the queue surface the worker uses: job intake on one
// topic, status events out on another.
type MessageQueue interface {
	// Publish publishes a message to the specified topic
	Publish(ctx context.Context, topic string, message *Message) error

	// Subscribe registers a handler for a topic. Consumption starts when
	// Start is called.
	Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error

	// Start starts consuming messages for all subscriptions
	Start() error

	// Stop gracefully stops consuming messages
	Stop() error

	// Ping verifies the queue connection is alive
	Ping(ctx context.Context) error

	// Close closes the queue connection
	Close() error
}

// Message represents a message in the queue
type Message struct {
	// ID is the unique identifier for the message
	ID string `json:"id"`

	// Body is the message payload
	Body []byte `json:"body"`

	// Headers contains metadata about the message
	Headers map[string]string `json:"headers"`

	// Timestamp is when the message was created
	Timestamp time.Time `json:"timestamp"`

	// Retry information
	RetryCount int `json:"retry_count"`
	MaxRetries int `json:"max_retries"`
}

// NewMessage creates a new message with the given body
func NewMessage(body []byte) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Body:      body,
		Headers:   make(map[string]string),
		Timestamp: time.Now(),
	}
}

// HandlerFunc is the function signature for message handlers.
// It returns an error if processing failed and the message should be retried.
type HandlerFunc func(ctx context.Context, message *Message) error

// SubscribeOptions defines options for subscribing to a topic
type SubscribeOptions struct {
	// ConsumerGroup is the Kafka consumer group name
	ConsumerGroup string

	// Concurrency sets the number of concurrent workers. Default: 1.
	Concurrency int

	// MaxRetries sets the maximum number of retries for failed messages.
	// Default: 3.
	MaxRetries int

	// RetryDelay sets the delay between retries. Default: 1 second.
	RetryDelay time.Duration

	// DeadLetterTopic is where messages go after max retries
	DeadLetterTopic string
}

// SetDefaults sets default values for subscribe options
func (o *SubscribeOptions) SetDefaults() {
	if o.Concurrency == 0 {
		o.Concurrency = 1
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay == 0 {
		o.RetryDelay = time.Second
	}
}
