package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/chatkit/chatkit/internal/store"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMessageRate(t *testing.T, messageCap int64) (*MessageRate, func()) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	st, err := store.New(store.Config{Addr: mr.Addr()})
	require.NoError(t, err)

	rate := NewMessageRate(st, messageCap, time.Minute, 5, time.Minute)
	return rate, func() {
		_ = st.Close()
		mr.Close()
	}
}

func TestCheckMessageRate_AllowsWithinCap(t *testing.T) {
	rate, cleanup := newTestMessageRate(t, 10)
	defer cleanup()

	user := uuid.New()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		d, err := rate.CheckMessageRate(ctx, user)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
}

func TestCheckMessageRate_RejectsOverCap(t *testing.T) {
	rate, cleanup := newTestMessageRate(t, 3)
	defer cleanup()

	user := uuid.New()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d, err := rate.CheckMessageRate(ctx, user)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}

	d, err := rate.CheckMessageRate(ctx, user)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Minute, d.RetryAfter)
}

func TestCheckConnectionRate_IndependentFromMessageRate(t *testing.T) {
	rate, cleanup := newTestMessageRate(t, 1)
	defer cleanup()

	user := uuid.New()
	ctx := context.Background()

	d, err := rate.CheckMessageRate(ctx, user)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = rate.CheckMessageRate(ctx, user)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "message cap already exhausted")

	d, err = rate.CheckConnectionRate(ctx, user)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "connection counter is keyed separately from message counter")
}

func TestCheckMessageRate_PerUserIsolation(t *testing.T) {
	rate, cleanup := newTestMessageRate(t, 1)
	defer cleanup()

	ctx := context.Background()
	u1, u2 := uuid.New(), uuid.New()

	d1, err := rate.CheckMessageRate(ctx, u1)
	require.NoError(t, err)
	assert.True(t, d1.Allowed)

	d2, err := rate.CheckMessageRate(ctx, u2)
	require.NoError(t, err)
	assert.True(t, d2.Allowed, "a different user must have its own counter")
}
