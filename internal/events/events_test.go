package events

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/vizlab/slotbox/internal/config"
)

type handlerFunc func(context.Context, ExecutionEvent) error

func (f handlerFunc) HandleExecutionEvent(ctx context.Context, event ExecutionEvent) error {
	return f(ctx, event)
}

func TestConnectRedis(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Starting miniredis failed: %v", err)
	}
	defer mr.Close()

	client, err := ConnectRedis(&config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("ConnectRedis failed: %v", err)
	}
	defer client.Close()
}

func TestConnectRedis_Unreachable(t *testing.T) {
	if _, err := ConnectRedis(&config.RedisConfig{Addr: "127.0.0.1:1"}); err == nil {
		t.Error("Expected error for unreachable redis")
	}
}

func TestPublishSubscribe_RoundTrip(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Starting miniredis failed: %v", err)
	}
	defer mr.Close()

	client, err := ConnectRedis(&config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("ConnectRedis failed: %v", err)
	}
	defer client.Close()

	received := make(chan ExecutionEvent, 4)
	sub := NewSubscriber(client, zerolog.Nop())
	sub.AddHandler(handlerFunc(func(_ context.Context, event ExecutionEvent) error {
		received <- event
		return nil
	}))

	go sub.Start(context.Background())
	defer sub.Stop()

	// The subscription is established asynchronously; keep publishing
	// until a message makes it through.
	pub := NewPublisher(client)
	event := ExecutionEvent{
		Type:       EventSlotCompleted,
		SlotID:     "stats",
		RequestID:  "req-1",
		ExecTimeMs: 2.5,
	}

	deadline := time.After(3 * time.Second)
	retry := time.NewTicker(25 * time.Millisecond)
	defer retry.Stop()

	for {
		select {
		case got := <-received:
			if got.Type != EventSlotCompleted {
				t.Errorf("Expected type %s, got %s", EventSlotCompleted, got.Type)
			}
			if got.SlotID != "stats" || got.RequestID != "req-1" {
				t.Errorf("Unexpected identifiers: %+v", got)
			}
			if got.ExecTimeMs != 2.5 {
				t.Errorf("Expected exec time 2.5, got %v", got.ExecTimeMs)
			}
			if got.Timestamp == 0 {
				t.Error("Expected publisher to stamp the event")
			}
			return
		case <-retry.C:
			if err := pub.PublishExecution(context.Background(), event); err != nil {
				t.Fatalf("Publish failed: %v", err)
			}
		case <-deadline:
			t.Fatal("Timed out waiting for event")
		}
	}
}

func TestPublishExecution_KeepsExplicitTimestamp(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Starting miniredis failed: %v", err)
	}
	defer mr.Close()

	client, err := ConnectRedis(&config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("ConnectRedis failed: %v", err)
	}
	defer client.Close()

	// Publishing without subscribers succeeds; pub/sub has no backlog.
	pub := NewPublisher(client)
	err = pub.PublishExecution(context.Background(), ExecutionEvent{
		Type:      EventSlotFailed,
		RequestID: "req-2",
		Timestamp: 1234,
	})
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
}
