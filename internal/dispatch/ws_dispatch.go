package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// WSSession represents a connected driver or rider session
type WSSession struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (s *WSSession) Send(env Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteJSON(env)
}

func (s *WSSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// Pusher is the out-of-band channel used when a ref has no live session.
type Pusher interface {
	Push(ctx context.Context, ref string, env Envelope) error
}

// WSRegistry holds sessions by connection ref and implements Gateway.
type WSRegistry struct {
	mu       sync.RWMutex
	sessions map[string]*WSSession
	fallback Pusher
	logger   *slog.Logger
}

func NewWSRegistry(fallback Pusher, logger *slog.Logger) *WSRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &WSRegistry{sessions: make(map[string]*WSSession), fallback: fallback, logger: logger}
}

// Add binds conn to ref, closing any session it replaces.
func (r *WSRegistry) Add(ref string, conn *websocket.Conn) *WSSession {
	s := &WSSession{conn: conn}
	r.mu.Lock()
	old := r.sessions[ref]
	r.sessions[ref] = s
	r.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return s
}

// Remove drops ref only if it still points at s. It reports whether it did.
func (r *WSRegistry) Remove(ref string, s *WSSession) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[ref]; ok && cur == s {
		delete(r.sessions, ref)
		return true
	}
	return false
}

func (r *WSRegistry) IsConnected(ref string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[ref]
	return ok
}

func (r *WSRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *WSRegistry) Notify(ctx context.Context, ref, event string, payload any) error {
	env := Envelope{Event: event, Data: payload}
	r.mu.RLock()
	s, ok := r.sessions[ref]
	r.mu.RUnlock()
	if ok {
		err := s.Send(env)
		if err == nil {
			return nil
		}
		r.logger.Warn("ws send error", "ref", ref, "event", event, "err", err)
		// the connection's reader removes the session once it sees the close
		_ = s.Close()
	}
	if r.fallback != nil && ref != "" {
		return r.fallback.Push(ctx, ref, env)
	}
	return ErrNoSession
}

// Broadcast notifies every ref concurrently. Missing sessions are skipped;
// the joined send errors are returned.
func (r *WSRegistry) Broadcast(ctx context.Context, refs []string, event string, payload any) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, ref := range refs {
		wg.Add(1)
		go func(ref string) {
			defer wg.Done()
			err := r.Notify(ctx, ref, event, payload)
			if err == nil || errors.Is(err, ErrNoSession) {
				return
			}
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
		}(ref)
	}
	wg.Wait()
	return errors.Join(errs...)
}
