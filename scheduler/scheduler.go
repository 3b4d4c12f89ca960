// Package scheduler runs the periodic background tasks: quote refresh,
// grid processing, alert checks and portfolio snapshots.
package scheduler

import (
	"context"
	"sync"
	"time"

	"gridtrader/logger"
	"gridtrader/metrics"
)

// TaskFunc one run of a periodic task
type TaskFunc func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
}

// Scheduler runs each registered task once at start and then on its own
// interval. A slow run delays that task's next tick; runs of one task never
// overlap.
type Scheduler struct {
	tasks  []task
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates an empty scheduler
func New() *Scheduler {
	return &Scheduler{}
}

// Add registers a task. Tasks added after Start are ignored.
func (s *Scheduler) Add(name string, interval time.Duration, fn TaskFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		logger.Warnf("⚠️  scheduler already running, task %s not added", name)
		return
	}
	if interval <= 0 {
		interval = time.Minute
	}
	s.tasks = append(s.tasks, task{name: name, interval: interval, fn: fn})
}

// Start launches one goroutine per task
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.ctx, s.cancel = context.WithCancel(context.Background())

	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.run(s.ctx, s.stopCh, t)
	}
	logger.Infof("⏰ Scheduler started with %d tasks", len(s.tasks))
}

// Stop cancels in-flight runs and waits for every task loop to exit
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("⏰ Scheduler stopped")
}

func (s *Scheduler) run(ctx context.Context, stopCh <-chan struct{}, t task) {
	defer s.wg.Done()

	s.execute(ctx, t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			s.execute(ctx, t)
		}
	}
}

// execute runs one tick; a panic is logged and counted as an error
func (s *Scheduler) execute(ctx context.Context, t task) {
	started := time.Now()
	log := logger.Component("scheduler").WithField("task", t.name)
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("❌ task panicked: %v", r)
			metrics.SchedulerTaskErrors.WithLabelValues(t.name).Inc()
		}
	}()

	err := t.fn(ctx)
	metrics.ObserveTask(t.name, started, err)
	if err != nil {
		log.Warnf("⚠️  task failed: %v", err)
		return
	}
	log.Debugf("done in %s", time.Since(started).Round(time.Millisecond))
}
