package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	roomID := "room-1"

	// Subscribe manually to check if message arrives
	sub := svc.Client().Subscribe(ctx, "chat:room:"+roomID)
	defer func() { _ = sub.Close() }()

	// Wait for subscription to be active
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"foo": "bar"}
	err := svc.Publish(ctx, roomID, "test-event", payload, "sender-1", []string{"host"})
	assert.NoError(t, err)

	// Receive
	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope PubSubPayload
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, roomID, envelope.RoomID)
	assert.Equal(t, "test-event", envelope.Event)
	assert.Equal(t, "sender-1", envelope.SenderID)
	assert.Contains(t, envelope.Roles, "host")
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	roomID := "room-sub"
	wg := &sync.WaitGroup{}

	received := make(chan PubSubPayload, 1)
	handler := func(p PubSubPayload) {
		received <- p
	}

	svc.Subscribe(ctx, roomID, wg, handler)

	// Wait for subscription
	time.Sleep(50 * time.Millisecond)

	// Publish from "another pod" (directly via redis client)
	payload := PubSubPayload{
		RoomID:   roomID,
		Event:    "hello",
		SenderID: "sender-2",
	}
	bytes, _ := json.Marshal(payload)
	svc.Client().Publish(ctx, "chat:room:"+roomID, bytes)

	select {
	case p := <-received:
		assert.Equal(t, "hello", p.Event)
		assert.Equal(t, "sender-2", p.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	// Cancel context to stop subscription
	cancel()
	wg.Wait()
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	// Kill redis
	mr.Close()

	ctx := context.Background()

	// These should fail but handle it gracefully (likely returning error, but checks circuit breaker logic)
	// First call might return error
	// Repeated calls should trip CB

	// Note: gobreaker might not trip immediately on one error depending on config (MaxRequests: 5)

	err := svc.Ping(ctx)
	assert.Error(t, err)
}

func TestPublish_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	// Close Redis to trigger circuit breaker
	mr.Close()

	// Multiple failed calls
	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, "room-1", "event", map[string]string{}, "sender", []string{})
	}

	// Circuit breaker should be open now (graceful degradation)
	err := svc.Publish(ctx, "room-1", "event", map[string]string{}, "sender", []string{})
	// Should not panic, may return nil (graceful degradation) or error
	_ = err
}
