// Package events provides Redis pub/sub fan-out of slot execution events.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/vizlab/slotbox/internal/config"
)

// ExecutionEventChannel carries one message per slot execution outcome.
const ExecutionEventChannel = "slot_executions"

// Event types
const (
	EventSlotStarted   = "slot_started"
	EventSlotCompleted = "slot_completed"
	EventSlotFailed    = "slot_failed"
)

// ExecutionEvent describes one slot execution as seen by the service.
// Timestamps here are host-side operational metadata; slot code itself never
// observes them.
type ExecutionEvent struct {
	Type       string  `json:"type"`
	SlotID     string  `json:"slot_id,omitempty"`
	RequestID  string  `json:"request_id"`
	Phase      string  `json:"phase,omitempty"`
	ErrorCode  string  `json:"error_code,omitempty"`
	ExecTimeMs float64 `json:"exec_time_ms,omitempty"`
	Timestamp  int64   `json:"time"`
}

// EventHandler handles incoming execution events.
type EventHandler interface {
	HandleExecutionEvent(ctx context.Context, event ExecutionEvent) error
}

// Subscriber subscribes to the Redis execution channel and dispatches
// messages to registered handlers.
type Subscriber struct {
	redis    *redis.Client
	logger   zerolog.Logger
	handlers []EventHandler
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewSubscriber creates a new event subscriber.
func NewSubscriber(redisClient *redis.Client, logger zerolog.Logger) *Subscriber {
	return &Subscriber{
		redis:    redisClient,
		logger:   logger,
		handlers: make([]EventHandler, 0),
	}
}

// AddHandler adds an event handler.
func (s *Subscriber) AddHandler(handler EventHandler) {
	s.handlers = append(s.handlers, handler)
}

// Start begins listening for events. It blocks until the context is
// canceled or the subscription fails.
func (s *Subscriber) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	pubsub := s.redis.Subscribe(s.ctx, ExecutionEventChannel)
	defer pubsub.Close()

	// Wait for subscription confirmation
	if _, err := pubsub.Receive(s.ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}

	s.logger.Info().Str("channel", ExecutionEventChannel).Msg("subscribed to execution events")

	ch := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return s.ctx.Err()
		case msg := <-ch:
			if msg == nil {
				continue
			}
			if err := s.processMessage(msg); err != nil {
				s.logger.Error().Err(err).Msg("processing execution event")
			}
		}
	}
}

// Stop stops the subscriber.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Subscriber) processMessage(msg *redis.Message) error {
	var event ExecutionEvent
	if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
		return fmt.Errorf("failed to unmarshal event: %w", err)
	}

	for _, handler := range s.handlers {
		if err := handler.HandleExecutionEvent(s.ctx, event); err != nil {
			s.logger.Error().Err(err).Str("type", event.Type).Msg("event handler error")
		}
	}

	return nil
}

// Publisher publishes execution events to Redis.
type Publisher struct {
	redis *redis.Client
}

// NewPublisher creates a new event publisher.
func NewPublisher(redisClient *redis.Client) *Publisher {
	return &Publisher{
		redis: redisClient,
	}
}

// PublishExecution publishes one execution event.
func (p *Publisher) PublishExecution(ctx context.Context, event ExecutionEvent) error {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.redis.Publish(ctx, ExecutionEventChannel, string(data)).Err()
}

// ConnectRedis creates a Redis client from config.
func ConnectRedis(cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return client, nil
}
