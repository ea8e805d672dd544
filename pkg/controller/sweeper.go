// Package controller runs the background loops of the gateway. The Sweeper
// evicts expired state from the resolver caches, the rate limiters, the
// unreachable-device cache and the metrics aggregator.
package controller

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Sweepable is anything holding state that expires. Sweep returns the number
// of entries it removed.
type Sweepable interface {
	Sweep() int
}

// SweepFunc adapts a function to Sweepable.
type SweepFunc func() int

// Sweep calls f.
func (f SweepFunc) Sweep() int { return f() }

// Task is one periodic sweep.
type Task struct {
	Name     string
	Interval time.Duration
	Target   Sweepable
}

// Event describes one sweep that removed entries.
type Event struct {
	Task    string    `json:"task"`
	Removed int       `json:"removed"`
	Time    time.Time `json:"time"`
}

// maxEvents caps the retained event history.
const maxEvents = 100

// Sweeper runs each Task on its own ticker until the context passed to Start
// is cancelled.
type Sweeper struct {
	tasks  []Task
	clock  clock.Clock
	logger *zap.Logger

	mu     sync.Mutex
	events []Event
	totals map[string]int
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithClock sets the time source driving the tickers.
func WithClock(c clock.Clock) Option {
	return func(s *Sweeper) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Sweeper) { s.logger = l }
}

// NewSweeper creates a Sweeper for tasks. Tasks with a nil target or a
// non-positive interval are ignored.
func NewSweeper(tasks []Task, opts ...Option) *Sweeper {
	s := &Sweeper{
		clock:  clock.New(),
		logger: zap.NewNop(),
		totals: make(map[string]int),
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.Named("sweeper")
	for _, t := range tasks {
		if t.Target == nil || t.Interval <= 0 {
			continue
		}
		s.tasks = append(s.tasks, t)
	}
	return s
}

// Start runs the sweep loops and blocks until ctx is cancelled and every loop
// has returned.
func (s *Sweeper) Start(ctx context.Context) {
	s.logger.Info("sweeper started", zap.Int("tasks", len(s.tasks)))
	var wg sync.WaitGroup
	for _, t := range s.tasks {
		wg.Add(1)
		go func(t Task) {
			defer wg.Done()
			s.loop(ctx, t)
		}(t)
	}
	wg.Wait()
	s.logger.Info("sweeper stopped")
}

func (s *Sweeper) loop(ctx context.Context, t Task) {
	ticker := s.clock.Ticker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.run(t)
		}
	}
}

// RunOnce sweeps every task immediately.
func (s *Sweeper) RunOnce() {
	for _, t := range s.tasks {
		s.run(t)
	}
}

func (s *Sweeper) run(t Task) {
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("sweep panicked", zap.String("task", t.Name), zap.Any("panic", rec))
		}
	}()
	n := t.Target.Sweep()
	if n == 0 {
		return
	}
	s.logger.Debug("swept expired entries", zap.String("task", t.Name), zap.Int("removed", n))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.totals[t.Name] += n
	s.events = append(s.events, Event{Task: t.Name, Removed: n, Time: s.clock.Now()})
	if len(s.events) > maxEvents {
		s.events = s.events[len(s.events)-maxEvents:]
	}
}

// Events returns a copy of the most recent sweep events, oldest first.
func (s *Sweeper) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Removed returns the total number of entries removed by the named task.
func (s *Sweeper) Removed(task string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totals[task]
}
