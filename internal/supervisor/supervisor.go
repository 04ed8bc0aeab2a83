// Package supervisor owns the per-request timers and the periodic sweeps.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Kind int

const (
	Expansion Kind = iota
	Response
)

func (k Kind) String() string {
	if k == Expansion {
		return "expansion"
	}
	return "response"
}

// Sweeper is implemented by the matching engine.
type Sweeper interface {
	SweepStaleDrivers(ctx context.Context) int
	PurgeFinishedRequests(ctx context.Context) int
	ExpireOverdueRequests(ctx context.Context) int
}

type slot struct {
	timer *time.Timer
	gen   uint64
}

// Supervisor keeps at most one timer of each kind per request. Scheduling a
// kind replaces the previous timer of that kind; Stop drops both. A timer
// callback only runs if its slot was not replaced or stopped meanwhile.
type Supervisor struct {
	mu     sync.Mutex
	slots  map[string]*[2]slot
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

func New(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{slots: make(map[string]*[2]slot), ctx: ctx, cancel: cancel, logger: logger}
}

// Schedule arms a timer of kind for requestID that calls fn after d.
func (s *Supervisor) Schedule(requestID string, kind Kind, d time.Duration, fn func(ctx context.Context)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	pair, ok := s.slots[requestID]
	if !ok {
		pair = &[2]slot{}
		s.slots[requestID] = pair
	}
	if pair[kind].timer != nil {
		pair[kind].timer.Stop()
	}
	s.gen++
	gen := s.gen
	pair[kind] = slot{gen: gen, timer: time.AfterFunc(d, func() { s.fire(requestID, kind, gen, fn) })}
}

func (s *Supervisor) fire(requestID string, kind Kind, gen uint64, fn func(ctx context.Context)) {
	s.mu.Lock()
	pair, ok := s.slots[requestID]
	if !ok || pair[kind].gen != gen {
		s.mu.Unlock()
		return
	}
	pair[kind] = slot{}
	s.dropIfEmpty(requestID, pair)
	ctx := s.ctx
	s.mu.Unlock()
	if ctx.Err() != nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			s.logger.Error("timer callback panic", "request_id", requestID, "kind", kind.String(), "panic", rec)
		}
	}()
	fn(ctx)
}

func (s *Supervisor) dropIfEmpty(requestID string, pair *[2]slot) {
	if pair[Expansion].timer == nil && pair[Response].timer == nil {
		delete(s.slots, requestID)
	}
}

// Cancel stops the timer of kind for requestID.
func (s *Supervisor) Cancel(requestID string, kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.slots[requestID]
	if !ok {
		return
	}
	if pair[kind].timer != nil {
		pair[kind].timer.Stop()
	}
	pair[kind] = slot{}
	s.dropIfEmpty(requestID, pair)
}

// Stop drops every timer of requestID.
func (s *Supervisor) Stop(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.slots[requestID]
	if !ok {
		return
	}
	for i := range pair {
		if pair[i].timer != nil {
			pair[i].timer.Stop()
		}
	}
	delete(s.slots, requestID)
}

func (s *Supervisor) Pending(requestID string, kind Kind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	pair, ok := s.slots[requestID]
	return ok && pair[kind].timer != nil
}

// Active returns the number of requests with at least one live timer.
func (s *Supervisor) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.slots)
}

// Run drives the periodic sweeps until ctx is done.
func (s *Supervisor) Run(ctx context.Context, sw Sweeper, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx, sw)
		}
	}
}

func (s *Supervisor) sweep(ctx context.Context, sw Sweeper) {
	stale := sw.SweepStaleDrivers(ctx)
	expired := sw.ExpireOverdueRequests(ctx)
	purged := sw.PurgeFinishedRequests(ctx)
	if stale+expired+purged > 0 {
		s.logger.Info("sweep", "stale_drivers", stale, "expired_requests", expired, "purged_requests", purged)
	}
}

// Close stops every timer. Callbacks already running see a cancelled context.
func (s *Supervisor) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	for id, pair := range s.slots {
		for i := range pair {
			if pair[i].timer != nil {
				pair[i].timer.Stop()
			}
		}
		delete(s.slots, id)
	}
}
