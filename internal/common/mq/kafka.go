package mq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	headerID         = "x-message-id"
	headerTimestamp  = "x-message-ts"
	headerRetryCount = "x-message-retry"
	headerMaxRetries = "x-message-max-retries"
)

// KafkaConfig defines configuration for the Kafka implementation.
type KafkaConfig struct {
	Brokers  []string
	ClientID string

	// Producer settings
	RequiredAcks kafka.RequiredAcks
	BatchSize    int
	BatchTimeout time.Duration

	// Consumer settings
	MinBytes int
	MaxBytes int
	MaxWait  time.Duration

	// Dialer settings
	DialTimeout time.Duration
}

// KafkaQueue implements MessageQueue using Kafka.
type KafkaQueue struct {
	config KafkaConfig
	writer *kafka.Writer
	dialer *kafka.Dialer

	mu            sync.Mutex
	subscriptions []*kafkaSubscription
	started       bool
	closed        bool
}

type kafkaSubscription struct {
	topic   string
	handler HandlerFunc
	opts    SubscribeOptions
	baseCtx context.Context

	reader *kafka.Reader
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewKafkaQueue creates a Kafka-backed message queue.
func NewKafkaQueue(cfg KafkaConfig) (*KafkaQueue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("brokers are required")
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchTimeout == 0 {
		cfg.BatchTimeout = 50 * time.Millisecond
	}
	if cfg.MinBytes == 0 {
		cfg.MinBytes = 1 << 10
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = 10 << 20
	}
	if cfg.MaxWait == 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequiredAcks == 0 {
		cfg.RequiredAcks = kafka.RequireOne
	}

	dialer := &kafka.Dialer{
		ClientID:  cfg.ClientID,
		Timeout:   cfg.DialTimeout,
		DualStack: true,
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.LeastBytes{},
		RequiredAcks: cfg.RequiredAcks,
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		Transport: &kafka.Transport{
			Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
				return dialer.DialContext(ctx, network, address)
			},
			ClientID: cfg.ClientID,
		},
	}

	return &KafkaQueue{
		config: cfg,
		writer: writer,
		dialer: dialer,
	}, nil
}

// Publish publishes a message to a topic.
func (k *KafkaQueue) Publish(ctx context.Context, topic string, message *Message) error {
	if message == nil {
		return errors.New("message is nil")
	}
	if topic == "" {
		return errors.New("topic is required")
	}
	return k.writer.WriteMessages(ctx, toKafkaMessage(topic, message))
}

// Subscribe registers a handler for a topic.
func (k *KafkaQueue) Subscribe(ctx context.Context, topic string, handler HandlerFunc, opts *SubscribeOptions) error {
	if topic == "" {
		return errors.New("topic is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	var options SubscribeOptions
	if opts != nil {
		options = *opts
	}
	options.SetDefaults()
	if options.ConsumerGroup == "" {
		options.ConsumerGroup = fmt.Sprintf("isoforge-%s", topic)
	}

	sub := &kafkaSubscription{
		topic:   topic,
		handler: handler,
		opts:    options,
		baseCtx: ctx,
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	k.subscriptions = append(k.subscriptions, sub)
	if k.started {
		k.startSubscription(sub)
	}
	return nil
}

// Start starts consuming messages for all subscriptions.
func (k *KafkaQueue) Start() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.closed {
		return errors.New("message queue is closed")
	}
	if k.started {
		return nil
	}
	for _, sub := range k.subscriptions {
		k.startSubscription(sub)
	}
	k.started = true
	return nil
}

func (k *KafkaQueue) startSubscription(sub *kafkaSubscription) {
	sub.reader = kafka.NewReader(kafka.ReaderConfig{
		Brokers:     k.config.Brokers,
		Topic:       sub.topic,
		GroupID:     sub.opts.ConsumerGroup,
		MinBytes:    k.config.MinBytes,
		MaxBytes:    k.config.MaxBytes,
		MaxWait:     k.config.MaxWait,
		StartOffset: kafka.LastOffset,
	})
	if sub.baseCtx == nil {
		sub.baseCtx = context.Background()
	}
	sub.ctx, sub.cancel = context.WithCancel(sub.baseCtx)

	for i := 0; i < sub.opts.Concurrency; i++ {
		sub.wg.Add(1)
		go func() {
			defer sub.wg.Done()
			k.consumeLoop(sub)
		}()
	}
}

func (k *KafkaQueue) consumeLoop(sub *kafkaSubscription) {
	for {
		kmsg, err := sub.reader.ReadMessage(sub.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			select {
			case <-sub.ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		msg := fromKafkaMessage(kmsg)
		k.handleWithRetry(sub, msg)
	}
}

func (k *KafkaQueue) handleWithRetry(sub *kafkaSubscription, msg *Message) {
	maxRetries := msg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = sub.opts.MaxRetries
	}

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-sub.ctx.Done():
				return
			case <-time.After(sub.opts.RetryDelay):
			}
			msg.RetryCount = attempt
		}
		if err = sub.handler(sub.ctx, msg); err == nil {
			return
		}
	}

	if sub.opts.DeadLetterTopic != "" {
		dead := *msg
		dead.Headers = cloneHeaders(msg.Headers)
		dead.Headers["x-dead-letter-reason"] = err.Error()
		dead.Headers["x-dead-letter-source"] = sub.topic
		_ = k.Publish(sub.ctx, sub.opts.DeadLetterTopic, &dead)
	}
}

// Stop gracefully stops consuming messages.
func (k *KafkaQueue) Stop() error {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, sub := range k.subscriptions {
		if sub.cancel != nil {
			sub.cancel()
		}
	}
	for _, sub := range k.subscriptions {
		sub.wg.Wait()
		if sub.reader != nil {
			_ = sub.reader.Close()
		}
	}
	k.started = false
	return nil
}

// Ping verifies at least one broker is reachable.
func (k *KafkaQueue) Ping(ctx context.Context) error {
	for _, broker := range k.config.Brokers {
		conn, err := k.dialer.DialContext(ctx, "tcp", broker)
		if err == nil {
			_ = conn.Close()
			return nil
		}
	}
	return errors.New("no kafka broker reachable")
}

// Close closes the queue connection.
func (k *KafkaQueue) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	_ = k.Stop()
	return k.writer.Close()
}

func toKafkaMessage(topic string, msg *Message) kafka.Message {
	headers := make([]kafka.Header, 0, len(msg.Headers)+4)
	for key, value := range msg.Headers {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	headers = append(headers,
		kafka.Header{Key: headerID, Value: []byte(msg.ID)},
		kafka.Header{Key: headerTimestamp, Value: []byte(strconv.FormatInt(msg.Timestamp.UnixMilli(), 10))},
		kafka.Header{Key: headerRetryCount, Value: []byte(strconv.Itoa(msg.RetryCount))},
		kafka.Header{Key: headerMaxRetries, Value: []byte(strconv.Itoa(msg.MaxRetries))},
	)
	return kafka.Message{
		Topic:   topic,
		Key:     []byte(msg.ID),
		Value:   msg.Body,
		Headers: headers,
	}
}

func fromKafkaMessage(kmsg kafka.Message) *Message {
	msg := &Message{
		Body:      kmsg.Value,
		Headers:   make(map[string]string),
		Timestamp: kmsg.Time,
	}
	for _, h := range kmsg.Headers {
		value := string(h.Value)
		switch h.Key {
		case headerID:
			msg.ID = value
		case headerTimestamp:
			if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
				msg.Timestamp = time.UnixMilli(millis)
			}
		case headerRetryCount:
			if n, err := strconv.Atoi(value); err == nil {
				msg.RetryCount = n
			}
		case headerMaxRetries:
			if n, err := strconv.Atoi(value); err == nil {
				msg.MaxRetries = n
			}
		default:
			msg.Headers[h.Key] = value
		}
	}
	if msg.ID == "" {
		msg.ID = string(kmsg.Key)
	}
	return msg
}

func cloneHeaders(headers map[string]string) map[string]string {
	out := make(map[string]string, len(headers))
	for k, v := range headers {
		out[k] = v
	}
	return out
}
