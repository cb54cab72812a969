package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

// Phase is the requester-facing UI state.
type Phase string

const (
	PhaseIdle            Phase = "IDLE"
	PhaseSearching       Phase = "SEARCHING"
	PhaseProviderEnRoute Phase = "PROVIDER_EN_ROUTE"
	PhaseInProgress      Phase = "IN_PROGRESS"
	PhaseCompleted       Phase = "COMPLETED"
)

// PhaseFor maps a request status onto the requester's UI phase. A
// cancelled request collapses back to idle.
func PhaseFor(s models.Status) Phase {
	switch s {
	case models.StatusSearching:
		return PhaseSearching
	case models.StatusAssigned:
		return PhaseProviderEnRoute
	case models.StatusInProgress:
		return PhaseInProgress
	case models.StatusCompleted:
		return PhaseCompleted
	default:
		return PhaseIdle
	}
}

// State is one observation of the watched request.
type State struct {
	Phase        Phase
	Request      models.Request
	Cancelled    bool
	Reconnecting bool
	// DurationMinutes is the estimate, or eta.DefaultDurationMinutes while
	// none is known.
	DurationMinutes int
	Estimated       bool
}

// Canceller is the part of the lifecycle a session needs.
type Canceller interface {
	Cancel(ctx context.Context, id, callerID string) (models.Request, error)
}

// Session watches exactly one request and ends itself once the request
// reaches a terminal state.
type Session struct {
	store  storage.RequestStore
	id     string
	logger *slog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration

	states chan State
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	last State
}

// Watch subscribes to request id. It fails with storage.ErrNotFound when the
// request does not exist.
func Watch(ctx context.Context, store storage.RequestStore, id string, logger *slog.Logger) (*Session, error) {
	if logger == nil {
		logger = slog.Default()
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := store.Subscribe(runCtx, storage.Query{ID: id})
	if err != nil {
		cancel()
		return nil, err
	}
	s := &Session{
		store:      store,
		id:         id,
		logger:     logger.With("request_id", id),
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		states:     make(chan State, 16),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	first, ok := <-sub.Updates()
	if !ok || first.Err != nil || len(first.Requests) == 0 {
		sub.Close()
		cancel()
		if ok && first.Err != nil {
			return nil, first.Err
		}
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, id)
	}
	s.observe(runCtx, first.Requests[0], false)
	if first.Requests[0].Status.Terminal() {
		sub.Close()
		s.finish()
		return s, nil
	}
	go s.run(runCtx, sub)
	return s, nil
}

// States delivers every phase change in order and is closed once the
// session ends.
func (s *Session) States() <-chan State { return s.states }

// Done is closed when the session has torn down its subscription.
func (s *Session) Done() <-chan struct{} { return s.done }

// Last returns the most recently emitted state.
func (s *Session) Last() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Close stops watching without changing the request.
func (s *Session) Close() {
	s.cancel()
	<-s.done
}

// Cancel cancels the request on behalf of requesterID and ends the session
// once the cancellation has been observed.
func (s *Session) Cancel(ctx context.Context, c Canceller, requesterID string) (models.Request, error) {
	r, err := c.Cancel(ctx, s.id, requesterID)
	if err != nil {
		return r, err
	}
	select {
	case <-s.done:
	case <-ctx.Done():
	case <-time.After(teardownWait):
	}
	s.Close()
	return r, nil
}

const teardownWait = 2 * time.Second

func (s *Session) run(ctx context.Context, sub *storage.Subscription) {
	defer s.finish()
	backoff := s.MinBackoff
	for {
		terminal, dropped := s.consume(ctx, sub)
		sub.Close()
		if terminal || !dropped || ctx.Err() != nil {
			return
		}
		s.setReconnecting(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			sub, err = s.store.Subscribe(ctx, storage.Query{ID: s.id})
			if err == nil {
				backoff = s.MinBackoff
				break
			}
			s.logger.Warn("session resubscribe failed", "error", err, "backoff", backoff)
			backoff *= 2
			if backoff > s.MaxBackoff {
				backoff = s.MaxBackoff
			}
		}
	}
}

func (s *Session) consume(ctx context.Context, sub *storage.Subscription) (terminal, dropped bool) {
	for {
		select {
		case <-ctx.Done():
			return false, false
		case u, ok := <-sub.Updates():
			if !ok {
				return false, false
			}
			if u.Err != nil {
				s.logger.Warn("session subscription dropped", "error", u.Err)
				return false, errors.Is(u.Err, storage.ErrSubscriptionDropped)
			}
			if len(u.Requests) == 0 {
				s.logger.Warn("watched request disappeared")
				return true, false
			}
			r := u.Requests[0]
			s.observe(ctx, r, false)
			if r.Status.Terminal() {
				return true, false
			}
		}
	}
}

func (s *Session) setReconnecting(ctx context.Context) {
	s.mu.Lock()
	st := s.last
	s.mu.Unlock()
	st.Reconnecting = true
	s.emit(ctx, st)
}

// observe emits a state when anything the requester sees has changed.
func (s *Session) observe(ctx context.Context, r models.Request, reconnecting bool) {
	st := State{
		Phase:           PhaseFor(r.Status),
		Request:         r,
		Cancelled:       r.Status == models.StatusCancelled,
		Reconnecting:    reconnecting,
		DurationMinutes: eta.DefaultDurationMinutes,
	}
	if r.EstimatedDurationMinutes != nil {
		st.DurationMinutes = *r.EstimatedDurationMinutes
		st.Estimated = true
	}
	s.mu.Lock()
	prev := s.last
	s.mu.Unlock()
	if prev.Request.ID != "" && prev.Phase == st.Phase && prev.Request.AgentID == r.AgentID &&
		prev.Estimated == st.Estimated && prev.DurationMinutes == st.DurationMinutes && prev.Reconnecting == reconnecting {
		return
	}
	s.emit(ctx, st)
}

// emit blocks while the reader is behind so no transition is skipped.
func (s *Session) emit(ctx context.Context, st State) {
	s.mu.Lock()
	s.last = st
	s.mu.Unlock()
	select {
	case s.states <- st:
	case <-ctx.Done():
	}
}

func (s *Session) finish() {
	s.cancel()
	close(s.states)
	close(s.done)
}
