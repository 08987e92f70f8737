// Package scheduler runs one independent, cancellable polling loop per
// monitored instance.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marcus-qen/connwatch/internal/controlplane/metrics"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is used when Start is given a zero interval.
	DefaultInterval = 30 * time.Second
	// MinInterval is the shortest accepted polling interval.
	MinInterval = 100 * time.Millisecond
)

var (
	// ErrInvalidInterval is returned by Start for intervals below MinInterval.
	ErrInvalidInterval = errors.New("invalid monitoring interval")
	// ErrInactive is returned by a Runner that abandoned a tick because its
	// instance was stopped mid-flight.
	ErrInactive = errors.New("instance no longer monitored")
	// ErrClosed is returned by Start after Close.
	ErrClosed = errors.New("scheduler closed")
)

// Runner executes one tick for an instance. active reports whether the
// instance is still monitored; a tick must check it before committing state.
type Runner interface {
	RunTick(ctx context.Context, instanceID string, active func() bool) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, instanceID string, active func() bool) error

// RunTick calls f.
func (f RunnerFunc) RunTick(ctx context.Context, instanceID string, active func() bool) error {
	return f(ctx, instanceID, active)
}

type task struct {
	id       string
	interval time.Duration
	active   atomic.Bool
	stop     chan struct{}
	started  time.Time
}

func (t *task) halt() {
	if t.active.CompareAndSwap(true, false) {
		close(t.stop)
	}
}

// Info describes one running loop.
type Info struct {
	InstanceID string        `json:"instance_id"`
	Interval   time.Duration `json:"interval"`
	StartedAt  time.Time     `json:"started_at"`
}

// Scheduler owns the per-instance loops.
type Scheduler struct {
	runner  Runner
	logger  *zap.Logger
	metrics *metrics.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[string]*task
	closed bool
	loops  atomic.Int32
	wg     sync.WaitGroup
}

// New creates a scheduler driving runner.
func New(runner Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		runner: runner,
		logger: logger.Named("scheduler"),
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*task),
	}
}

// SetRecorder attaches Prometheus instrumentation.
func (s *Scheduler) SetRecorder(m *metrics.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = m
}

// Start begins polling an instance, replacing any existing loop for it.
// The first tick runs immediately.
func (s *Scheduler) Start(instanceID string, interval time.Duration) error {
	if interval == 0 {
		interval = DefaultInterval
	}
	if interval < MinInterval {
		return fmt.Errorf("%w: %s is below the %s minimum", ErrInvalidInterval, interval, MinInterval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if old, ok := s.tasks[instanceID]; ok {
		old.halt()
	}

	t := &task{
		id:       instanceID,
		interval: interval,
		stop:     make(chan struct{}),
		started:  time.Now().UTC(),
	}
	t.active.Store(true)
	s.tasks[instanceID] = t
	s.metrics.SetMonitored(len(s.tasks))

	s.wg.Add(1)
	s.loops.Add(1)
	go s.loop(t)

	s.logger.Info("monitoring started", zap.String("instance_id", instanceID), zap.Duration("interval", interval))
	return nil
}

// Stop halts an instance's loop. A tick already in flight finishes but will
// observe the instance as inactive.
func (s *Scheduler) Stop(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[instanceID]
	if !ok {
		return false
	}
	t.halt()
	delete(s.tasks, instanceID)
	s.metrics.SetMonitored(len(s.tasks))
	s.logger.Info("monitoring stopped", zap.String("instance_id", instanceID))
	return true
}

// StopAll halts every loop and returns how many were running.
func (s *Scheduler) StopAll() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.tasks)
	for id, t := range s.tasks {
		t.halt()
		delete(s.tasks, id)
	}
	s.metrics.SetMonitored(0)
	return n
}

// Close stops every loop, cancels in-flight ticks and waits for the loops to
// exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.StopAll()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Running reports whether an instance has a live loop.
func (s *Scheduler) Running(instanceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[instanceID]
	return ok
}

// Instances lists monitored instances sorted by id.
func (s *Scheduler) Instances() []Info {
	s.mu.Lock()
	out := make([]Info, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, Info{InstanceID: t.id, Interval: t.interval, StartedAt: t.started})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].InstanceID < out[j].InstanceID })
	return out
}

// Loops returns the number of loop goroutines that have not yet exited.
// It can briefly exceed len(Instances()) while a halted loop finishes its
// in-flight tick.
func (s *Scheduler) Loops() int {
	return int(s.loops.Load())
}

func (s *Scheduler) loop(t *task) {
	defer s.wg.Done()
	defer s.loops.Add(-1)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	s.tick(t)
	for {
		select {
		case <-t.stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if !t.active.Load() {
				return
			}
			s.tick(t)
		}
	}
}

// tick runs one RunTick call inside an error boundary. Nothing escapes to
// the loop.
func (s *Scheduler) tick(t *task) {
	result := metrics.TickOK
	defer func() {
		if r := recover(); r != nil {
			result = metrics.TickPanic
			s.logger.Error("monitoring tick panicked", zap.String("instance_id", t.id), zap.Any("panic", r), zap.Stack("stack"))
		}
		s.recorder().ObserveTick(t.id, result)
	}()

	err := s.runner.RunTick(s.ctx, t.id, t.active.Load)
	switch {
	case err == nil:
	case errors.Is(err, ErrInactive):
		result = metrics.TickSkipped
	default:
		result = metrics.TickFailed
		s.logger.Warn("monitoring tick failed", zap.String("instance_id", t.id), zap.Error(err))
	}
}

func (s *Scheduler) recorder() *metrics.Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metrics
}
