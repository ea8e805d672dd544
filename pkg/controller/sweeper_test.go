package controller

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strand-protocol/devgate/pkg/breaker"
	"github.com/strand-protocol/devgate/pkg/ratelimit"
)

func TestSweeper_RunOnce(t *testing.T) {
	mock := clock.NewMock()
	br := breaker.New(30*time.Second, breaker.WithClock(mock))
	lim := ratelimit.New("user", 5, time.Minute, ratelimit.WithClock(mock))

	br.MarkUnreachable("r1", breaker.Failure{Code: "DEVICE_OFFLINE"})
	br.MarkUnreachable("r2", breaker.Failure{Code: "DEVICE_OFFLINE"})
	lim.Admit("alice")

	s := NewSweeper([]Task{
		{Name: "breaker", Interval: 30 * time.Second, Target: br},
		{Name: "limiter", Interval: 2 * time.Minute, Target: lim},
	}, WithClock(mock))

	s.RunOnce()
	assert.Empty(t, s.Events(), "nothing has expired yet")

	mock.Add(2 * time.Minute)
	s.RunOnce()

	assert.Equal(t, 2, s.Removed("breaker"))
	assert.Equal(t, 1, s.Removed("limiter"))
	assert.Equal(t, 0, br.Len())
	assert.Equal(t, 0, lim.Len())

	events := s.Events()
	require.Len(t, events, 2)
	assert.Equal(t, "breaker", events[0].Task)
	assert.Equal(t, 2, events[0].Removed)
	assert.Equal(t, mock.Now(), events[0].Time)
}

func TestSweeper_StartTicks(t *testing.T) {
	mock := clock.NewMock()
	br := breaker.New(30*time.Second, breaker.WithClock(mock))
	br.MarkUnreachable("r1", breaker.Failure{})

	s := NewSweeper([]Task{{Name: "breaker", Interval: 30 * time.Second, Target: br}}, WithClock(mock))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		mock.Add(30 * time.Second)
		return s.Removed("breaker") == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}

func TestSweeper_IgnoresUnusableTasks(t *testing.T) {
	calls := 0
	s := NewSweeper([]Task{
		{Name: "nil", Interval: time.Second},
		{Name: "zero", Interval: 0, Target: SweepFunc(func() int { calls++; return 1 })},
		{Name: "ok", Interval: time.Second, Target: SweepFunc(func() int { calls++; return 0 })},
	})
	s.RunOnce()
	assert.Equal(t, 1, calls)
	assert.Empty(t, s.Events())
}

func TestSweeper_RecoversPanics(t *testing.T) {
	s := NewSweeper([]Task{
		{Name: "bad", Interval: time.Second, Target: SweepFunc(func() int { panic("boom") })},
		{Name: "good", Interval: time.Second, Target: SweepFunc(func() int { return 3 })},
	})
	assert.NotPanics(t, s.RunOnce)
	assert.Equal(t, 3, s.Removed("good"))
}

func TestSweeper_EventsAreCapped(t *testing.T) {
	s := NewSweeper([]Task{{Name: "n", Interval: time.Second, Target: SweepFunc(func() int { return 1 })}})
	for i := 0; i < maxEvents+10; i++ {
		s.RunOnce()
	}
	assert.Len(t, s.Events(), maxEvents)
	assert.Equal(t, maxEvents+10, s.Removed("n"))
}
