// Package scheduler provides the repeated-callback timer service the
// publish engine and the sampling simulator run on. All callbacks are
// dispatched on a single loop so operations on a session never overlap.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Callback is a unit of work executed on the dispatch loop.
type Callback func()

// Config holds scheduler settings.
type Config struct {
	// QueueSize bounds the dispatch backlog
	QueueSize int
}

// Service owns the timer goroutines and the serial dispatch loop.
type Service struct {
	config Config
	logger zerolog.Logger

	mu     sync.Mutex
	nextID uint64
	tasks  map[uint64]chan struct{}

	runCh   chan Callback
	started atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	dispatched atomic.Uint64
	dropped    atomic.Uint64
}

// New creates a scheduler service.
func New(config Config, logger zerolog.Logger) *Service {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	return &Service{
		config: config,
		logger: logger.With().Str("component", "scheduler").Logger(),
		tasks:  make(map[uint64]chan struct{}),
		runCh:  make(chan Callback, config.QueueSize),
	}
}

// Start launches the dispatch loop.
func (s *Service) Start(ctx context.Context) {
	if s.started.Load() {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started.Store(true)

	s.wg.Add(1)
	go s.dispatchLoop()

	s.logger.Info().Int("queue_size", s.config.QueueSize).Msg("Scheduler started")
}

// Stop cancels all timers and drains the dispatch loop.
func (s *Service) Stop(ctx context.Context) error {
	if !s.started.Load() {
		return nil
	}

	s.mu.Lock()
	for id, stop := range s.tasks {
		close(stop)
		delete(s.tasks, id)
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("Scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn().Msg("Timeout waiting for scheduler to stop")
		return ctx.Err()
	}

	s.started.Store(false)
	return nil
}

// AddRepeatedCallback schedules a callback at the given period and
// returns an opaque handle for removal.
func (s *Service) AddRepeatedCallback(callback func(), period time.Duration) (uint64, error) {
	if callback == nil {
		return 0, fmt.Errorf("callback is required")
	}
	if !s.started.Load() {
		return 0, fmt.Errorf("scheduler not started")
	}
	if period <= 0 {
		return 0, fmt.Errorf("period must be positive, got %s", period)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.tasks[id] = stop
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-s.ctx.Done():
				return
			case <-ticker.C:
				s.post(callback)
			}
		}
	}()

	return id, nil
}

// RemoveRepeatedCallback cancels a scheduled callback. Unknown handles
// are ignored.
func (s *Service) RemoveRepeatedCallback(callbackID uint64) {
	s.mu.Lock()
	stop, ok := s.tasks[callbackID]
	if ok {
		close(stop)
		delete(s.tasks, callbackID)
	}
	s.mu.Unlock()
}

// Dispatch runs out-of-band work on the serial loop, in order with timer
// callbacks. Service handlers and sample producers use this to uphold
// the per-session serialization discipline.
func (s *Service) Dispatch(callback Callback) {
	if callback == nil || !s.started.Load() {
		return
	}
	s.post(callback)
}

func (s *Service) post(callback Callback) {
	select {
	case s.runCh <- callback:
	case <-s.ctx.Done():
		s.dropped.Add(1)
	}
}

func (s *Service) dispatchLoop() {
	defer s.wg.Done()

	for {
		select {
		case callback := <-s.runCh:
			callback()
			s.dispatched.Add(1)
		case <-s.ctx.Done():
			// Drain what was already queued
			for {
				select {
				case callback := <-s.runCh:
					callback()
					s.dispatched.Add(1)
				default:
					return
				}
			}
		}
	}
}

// Stats returns scheduler statistics.
func (s *Service) Stats() map[string]interface{} {
	s.mu.Lock()
	active := len(s.tasks)
	s.mu.Unlock()

	return map[string]interface{}{
		"active_callbacks": active,
		"dispatched":       s.dispatched.Load(),
		"dropped":          s.dropped.Load(),
		"backlog":          len(s.runCh),
	}
}
