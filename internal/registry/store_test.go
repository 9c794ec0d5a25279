package registry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"minerwatt/internal/pricing"
	"minerwatt/internal/stats"
)

func TestRecordPollThenFailureKeepsTelemetry(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()

	snap := &stats.Snapshot{Address: "10.0.0.5", HashrateTHS: 98.5}
	s.RecordPoll("10.0.0.5", "garage", snap, &pricing.Result{DailyProfit: 12.0}, now)

	d, ok := s.Get("10.0.0.5")
	require.True(t, ok)
	assert.True(t, d.Online)
	assert.Equal(t, "garage", d.Name)
	assert.Equal(t, 98.5, d.Telemetry.HashrateTHS)
	assert.Empty(t, d.LastError)

	s.RecordFailure("10.0.0.5", "garage", errors.New("dial tcp: connection refused"), now.Add(30*time.Second))

	d, ok = s.Get("10.0.0.5")
	require.True(t, ok)
	assert.False(t, d.Online)
	assert.Contains(t, d.LastError, "refused")
	// last good sample survives the failure
	require.NotNil(t, d.Telemetry)
	assert.Equal(t, 98.5, d.Telemetry.HashrateTHS)
	assert.Equal(t, now, d.FirstSeen)
}

func TestListSortedCopies(t *testing.T) {
	s := NewStore()
	now := time.Now().UTC()
	s.RecordFailure("10.0.0.9", "", errors.New("x"), now)
	s.RecordFailure("10.0.0.2", "", errors.New("x"), now)

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "10.0.0.2", list[0].Address)
	assert.Equal(t, "10.0.0.9", list[1].Address)

	// mutating the copy must not touch the store
	list[0].Name = "mutated"
	d, _ := s.Get("10.0.0.2")
	assert.Empty(t, d.Name)
}

func TestSetProfileIgnoresUnknownDevice(t *testing.T) {
	s := NewStore()
	s.SetProfile("10.0.0.1", "eco")
	_, ok := s.Get("10.0.0.1")
	assert.False(t, ok)

	s.RecordPoll("10.0.0.1", "", &stats.Snapshot{}, nil, time.Now())
	s.SetProfile("10.0.0.1", "eco")
	d, _ := s.Get("10.0.0.1")
	assert.Equal(t, "eco", d.Profile)
}

func TestSubscribeCoalesces(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := s.Subscribe(ctx)

	now := time.Now()
	for i := 0; i < 5; i++ {
		s.RecordFailure("10.0.0.1", "", errors.New("x"), now)
	}

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	// five writes coalesce to at most one pending signal
	select {
	case <-ch:
	default:
	}
	select {
	case <-ch:
		t.Fatal("notifications not coalesced")
	default:
	}
}

func TestSubscribeClosesOnCancel(t *testing.T) {
	s := NewStore()
	ctx, cancel := context.WithCancel(context.Background())
	ch := s.Subscribe(ctx)
	cancel()

	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
