package aggregation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePruner struct {
	calls map[Granularity]time.Time
	err   error
	n     int64
}

func (f *fakePruner) DeleteOlderThan(ctx context.Context, granularity Granularity, cutoff time.Time) (int64, error) {
	if f.calls == nil {
		f.calls = make(map[Granularity]time.Time)
	}
	f.calls[granularity] = cutoff
	return f.n, f.err
}

func TestPrune_SkipsNonPositiveWindows(t *testing.T) {
	pruner := &fakePruner{}
	Prune(context.Background(), pruner, Retention{
		Hourly: 0,
		Daily:  -time.Hour,
		Weekly: 24 * time.Hour,
	})

	require.Len(t, pruner.calls, 1)
	_, ok := pruner.calls[Weekly]
	assert.True(t, ok)
}

func TestPrune_ContinuesAfterError(t *testing.T) {
	pruner := &fakePruner{err: errors.New("db down")}
	assert.NotPanics(t, func() {
		Prune(context.Background(), pruner, Retention{Hourly: time.Hour, Daily: time.Hour})
	})
	assert.Len(t, pruner.calls, 2)
}
