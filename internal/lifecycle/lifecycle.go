package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/events"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

const (
	DefaultRideOrigin = "VIT Vellore Main Gate"
	DefaultETATimeout = 8 * time.Second

	// maxCancelAttempts bounds the re-read loop when a cancel races with
	// another transition.
	maxCancelAttempts = 3
)

// Service owns every status transition. All writes go through
// RequestStore.CompareAndUpdate; the per-id lock only serializes this
// client's own calls for one request.
type Service struct {
	Store     storage.RequestStore
	Estimator eta.Estimator
	Events    events.Publisher
	Logger    *slog.Logger

	ETATimeout time.Duration
	Now        func() time.Time
	NewID      func() string

	defaultRideOrigin string
	defaultTraffic    models.TrafficLevel
	validate          *validator.Validate
	locks             *keyedMutex
	inflight          sync.WaitGroup
	outbox            *events.Outbox
}

type Option func(*Service)

func WithEstimator(e eta.Estimator) Option   { return func(s *Service) { s.Estimator = e } }
func WithEvents(p events.Publisher) Option   { return func(s *Service) { s.Events = p } }
func WithLogger(l *slog.Logger) Option       { return func(s *Service) { s.Logger = l } }
func WithETATimeout(d time.Duration) Option  { return func(s *Service) { s.ETATimeout = d } }
func WithClock(now func() time.Time) Option  { return func(s *Service) { s.Now = now } }
func WithIDGenerator(f func() string) Option { return func(s *Service) { s.NewID = f } }
func WithDefaultRideOrigin(o string) Option  { return func(s *Service) { s.defaultRideOrigin = o } }
func WithDefaultTraffic(t models.TrafficLevel) Option {
	return func(s *Service) { s.defaultTraffic = t }
}

func NewService(store storage.RequestStore, opts ...Option) *Service {
	s := &Service{
		Store:             store,
		Events:            events.Nop{},
		Logger:            slog.Default(),
		ETATimeout:        DefaultETATimeout,
		Now:               time.Now,
		NewID:             func() string { return uuid.NewString() },
		defaultRideOrigin: DefaultRideOrigin,
		defaultTraffic:    models.TrafficModerate,
		validate:          validator.New(),
		locks:             newKeyedMutex(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.Events == nil {
		s.Events = events.Nop{}
	}
	s.outbox = events.NewOutbox(s.Events, events.DefaultOutboxSize, s.Logger)
	return s
}

func (s *Service) Get(ctx context.Context, id string) (models.Request, error) {
	return s.Store.Get(ctx, id)
}

// List returns the requests matching q, newest first.
func (s *Service) List(ctx context.Context, q storage.Query) ([]models.Request, error) {
	fields := map[string]string{}
	if q.Status != "" && !q.Status.Valid() {
		fields["status"] = "unknown status"
	}
	if q.Kind != "" && !q.Kind.Valid() {
		fields["kind"] = "must be RIDE or DELIVERY"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return s.Store.List(ctx, q)
}

// Create validates and stores a new SEARCHING request. The ETA estimate is
// requested in the background; Create never waits for it.
func (s *Service) Create(ctx context.Context, in CreateInput) (models.Request, error) {
	in, err := s.normalize(in)
	if err != nil {
		observability.Transitions.WithLabelValues("create", "invalid").Inc()
		return models.Request{}, err
	}
	now := s.Now().UTC()
	r := models.Request{
		ID:           s.NewID(),
		Kind:         in.Kind,
		RequesterID:  in.RequesterID,
		Origin:       in.Origin,
		Destination:  in.Destination,
		Attributes:   in.Attributes,
		TrafficLevel: in.TrafficLevel,
		Status:       models.StatusSearching,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if _, err := s.Store.Put(ctx, r); err != nil {
		observability.Transitions.WithLabelValues("create", "error").Inc()
		return models.Request{}, fmt.Errorf("store request: %w", err)
	}
	observability.Transitions.WithLabelValues("create", "ok").Inc()
	s.Logger.Info("request created", "request_id", r.ID, "kind", r.Kind, "requester_id", r.RequesterID)
	s.publish(ctx, events.RequestCreated, r, r.RequesterID)

	if s.Estimator != nil {
		s.inflight.Add(1)
		go func() {
			defer s.inflight.Done()
			s.estimate(r)
		}()
	}
	return r, nil
}

// Claim moves a SEARCHING request to ASSIGNED for agentID. Exactly one of
// several racing agents succeeds; the others get ErrAlreadyClaimed. A
// repeated claim by the owning agent returns the current record unchanged.
func (s *Service) Claim(ctx context.Context, id, agentID string) (models.Request, error) {
	if agentID == "" {
		return models.Request{}, ErrNotParticipant
	}
	unlock := s.locks.lock(id)
	defer unlock()

	r, err := s.Store.CompareAndUpdate(ctx, id, models.StatusSearching, func(r *models.Request) error {
		r.AgentID = agentID
		r.Status = models.StatusAssigned
		return nil
	})
	switch {
	case err == nil:
		s.transitioned(ctx, "claim", events.RequestClaimed, r, agentID)
		return r, nil
	case errors.Is(err, storage.ErrConflict):
		cur, gerr := s.Store.Get(ctx, id)
		if gerr != nil {
			return models.Request{}, gerr
		}
		if cur.AgentID == agentID && cur.Status.HasAgent() {
			observability.Transitions.WithLabelValues("claim", "noop").Inc()
			return cur, nil
		}
		observability.Transitions.WithLabelValues("claim", "conflict").Inc()
		observability.ClaimConflicts.Inc()
		s.Logger.Debug("claim lost", "request_id", id, "agent_id", agentID, "status", cur.Status)
		return cur, ErrAlreadyClaimed
	default:
		observability.Transitions.WithLabelValues("claim", "error").Inc()
		return models.Request{}, err
	}
}

// Begin moves ASSIGNED to IN_PROGRESS. Only the assigned agent may call it.
func (s *Service) Begin(ctx context.Context, id, agentID string) (models.Request, error) {
	return s.agentStep(ctx, "begin", events.RequestStarted, id, agentID, models.StatusAssigned, models.StatusInProgress)
}

// Complete moves IN_PROGRESS to COMPLETED. Only the assigned agent may
// call it.
func (s *Service) Complete(ctx context.Context, id, agentID string) (models.Request, error) {
	return s.agentStep(ctx, "complete", events.RequestCompleted, id, agentID, models.StatusInProgress, models.StatusCompleted)
}

func (s *Service) agentStep(ctx context.Context, name string, et events.Type, id, agentID string, from, to models.Status) (models.Request, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	r, err := s.Store.CompareAndUpdate(ctx, id, from, func(r *models.Request) error {
		if r.AgentID != agentID {
			return ErrNotParticipant
		}
		r.Status = to
		return nil
	})
	switch {
	case err == nil:
		s.transitioned(ctx, name, et, r, agentID)
		return r, nil
	case errors.Is(err, storage.ErrConflict):
		cur, gerr := s.Store.Get(ctx, id)
		if gerr != nil {
			return models.Request{}, gerr
		}
		if cur.Status == to && cur.AgentID == agentID {
			observability.Transitions.WithLabelValues(name, "noop").Inc()
			return cur, nil
		}
		observability.Transitions.WithLabelValues(name, "conflict").Inc()
		return cur, err
	case errors.Is(err, ErrNotParticipant):
		observability.Transitions.WithLabelValues(name, "forbidden").Inc()
		return r, err
	default:
		observability.Transitions.WithLabelValues(name, "error").Inc()
		return r, err
	}
}

// Cancel ends a request before completion. While SEARCHING only the
// requester may cancel; once assigned either party may. Cancelling a
// cancelled request is a no-op for the requester or whoever cancelled it;
// cancelling a completed one is a conflict.
func (s *Service) Cancel(ctx context.Context, id, callerID string) (models.Request, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	var lastErr error
	for attempt := 0; attempt < maxCancelAttempts; attempt++ {
		cur, err := s.Store.Get(ctx, id)
		if err != nil {
			return models.Request{}, err
		}
		switch cur.Status {
		case models.StatusCancelled:
			if callerID == "" || (callerID != cur.RequesterID && callerID != cur.CancelledBy) {
				observability.Transitions.WithLabelValues("cancel", "forbidden").Inc()
				return cur, ErrNotParticipant
			}
			observability.Transitions.WithLabelValues("cancel", "noop").Inc()
			return cur, nil
		case models.StatusCompleted:
			observability.Transitions.WithLabelValues("cancel", "conflict").Inc()
			return cur, fmt.Errorf("%w: %s already completed", ErrConflict, id)
		}
		if !mayCancel(cur, callerID) {
			observability.Transitions.WithLabelValues("cancel", "forbidden").Inc()
			return cur, ErrNotParticipant
		}
		r, err := s.Store.CompareAndUpdate(ctx, id, cur.Status, func(r *models.Request) error {
			r.Status = models.StatusCancelled
			r.AgentID = ""
			r.CancelledBy = callerID
			return nil
		})
		if err == nil {
			s.transitioned(ctx, "cancel", events.RequestCancelled, r, callerID)
			return r, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			observability.Transitions.WithLabelValues("cancel", "error").Inc()
			return models.Request{}, err
		}
		lastErr = err
	}
	observability.Transitions.WithLabelValues("cancel", "conflict").Inc()
	return models.Request{}, lastErr
}

func mayCancel(r models.Request, callerID string) bool {
	if callerID == "" {
		return false
	}
	if callerID == r.RequesterID {
		return true
	}
	return r.Status != models.StatusSearching && callerID == r.AgentID
}

func (s *Service) transitioned(ctx context.Context, name string, et events.Type, r models.Request, actor string) {
	observability.Transitions.WithLabelValues(name, "ok").Inc()
	s.Logger.Info("request transitioned", "request_id", r.ID, "transition", name, "status", r.Status, "actor_id", actor)
	s.publish(ctx, et, r, actor)
}

// publish queues the event on the outbox and never waits for the broker.
// Delivery is best effort; the store is the source of truth.
func (s *Service) publish(ctx context.Context, t events.Type, r models.Request, actor string) {
	if err := s.outbox.Publish(ctx, events.FromRequest(t, r, actor, s.Now())); err != nil {
		s.Logger.Warn("queue lifecycle event", "type", t, "request_id", r.ID, "error", err)
	}
}

// Wait blocks until background estimations started by Create finish and
// every queued event has reached the publisher.
func (s *Service) Wait() {
	s.inflight.Wait()
	s.outbox.Flush()
}

// Close waits like Wait and then stops the event worker.
func (s *Service) Close() {
	s.inflight.Wait()
	s.outbox.Close()
}
