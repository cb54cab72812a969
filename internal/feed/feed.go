package feed

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-transit/internal/lifecycle"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrOffline = errors.New("agent is offline")
	// ErrWrongKind is returned when an agent accepts a request this feed
	// would never show.
	ErrWrongKind = errors.New("request kind does not match feed")
)

// Claimer is the part of the lifecycle an agent feed needs.
type Claimer interface {
	Claim(ctx context.Context, id, agentID string) (models.Request, error)
}

// View is what an agent client renders: claimable requests newest first.
type View struct {
	Online       bool
	Reconnecting bool
	Requests     []models.Request
}

// Feed is one agent's live view of SEARCHING requests of a single kind.
type Feed struct {
	store   storage.RequestStore
	claimer Claimer
	agentID string
	kind    models.Kind
	logger  *slog.Logger

	// MinBackoff and MaxBackoff bound resubscription retries.
	MinBackoff time.Duration
	MaxBackoff time.Duration

	mu           sync.Mutex
	online       bool
	reconnecting bool
	entries      []models.Request
	cancel       context.CancelFunc
	done         chan struct{}
	views        chan View
}

func New(store storage.RequestStore, claimer Claimer, agentID string, kind models.Kind, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{
		store:      store,
		claimer:    claimer,
		agentID:    agentID,
		kind:       kind,
		logger:     logger.With("agent_id", agentID, "kind", kind),
		MinBackoff: 100 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		views:      make(chan View, 1),
	}
}

func (f *Feed) query() storage.Query {
	return storage.Query{Status: models.StatusSearching, Kind: f.kind}
}

// Views delivers the latest view after every change. Intermediate views
// are replaced when the reader falls behind.
func (f *Feed) Views() <-chan View { return f.views }

func (f *Feed) Snapshot() View {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.viewLocked()
}

// GoOnline subscribes and starts streaming. Calling it while online is a
// no-op. The first subscription error is returned to the caller.
func (f *Feed) GoOnline(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.online {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	sub, err := f.store.Subscribe(runCtx, f.query())
	if err != nil {
		cancel()
		return err
	}
	f.online = true
	f.reconnecting = false
	f.entries = nil
	f.cancel = cancel
	f.done = make(chan struct{})
	observability.AgentsOnline.Inc()
	f.logger.Info("agent online")
	go f.run(runCtx, sub, f.done)
	return nil
}

// GoOffline tears the subscription down. Once it returns no further
// entries are delivered.
func (f *Feed) GoOffline() {
	f.mu.Lock()
	if !f.online {
		f.mu.Unlock()
		return
	}
	// cancel under the lock so the old run can never publish entries after
	// a concurrent GoOnline.
	f.cancel()
	done := f.done
	f.online = false
	f.reconnecting = false
	f.entries = nil
	f.cancel = nil
	f.emitLocked()
	f.mu.Unlock()

	<-done
	observability.AgentsOnline.Dec()
	f.logger.Info("agent offline")
}

// Accept claims id for this agent. Losing the race is not an error: the
// stale entry is dropped and claimed is false. Requests of another kind are
// refused with ErrWrongKind.
func (f *Feed) Accept(ctx context.Context, id string) (req models.Request, claimed bool, err error) {
	f.mu.Lock()
	online := f.online
	f.mu.Unlock()
	if !online {
		return models.Request{}, false, ErrOffline
	}
	cur, err := f.store.Get(ctx, id)
	if err != nil {
		return models.Request{}, false, err
	}
	if cur.Kind != f.kind {
		f.logger.Warn("accept of foreign kind refused", "request_id", id, "request_kind", cur.Kind)
		return models.Request{}, false, ErrWrongKind
	}
	r, err := f.claimer.Claim(ctx, id, f.agentID)
	switch {
	case err == nil:
		f.drop(id)
		return r, true, nil
	case errors.Is(err, lifecycle.ErrConflict):
		f.logger.Debug("job no longer available", "request_id", id)
		f.drop(id)
		return models.Request{}, false, nil
	default:
		return models.Request{}, false, err
	}
}

func (f *Feed) drop(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.entries {
		if r.ID == id {
			f.entries = append(f.entries[:i:i], f.entries[i+1:]...)
			f.emitLocked()
			return
		}
	}
}

func (f *Feed) run(ctx context.Context, sub *storage.Subscription, done chan struct{}) {
	defer close(done)
	backoff := f.MinBackoff
	for {
		dropped := f.consume(ctx, sub)
		sub.Close()
		if !dropped || ctx.Err() != nil {
			return
		}
		f.setReconnecting(ctx, true)
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			var err error
			sub, err = f.store.Subscribe(ctx, f.query())
			if err == nil {
				backoff = f.MinBackoff
				break
			}
			f.logger.Warn("resubscribe failed", "error", err, "backoff", backoff)
			backoff *= 2
			if backoff > f.MaxBackoff {
				backoff = f.MaxBackoff
			}
		}
	}
}

// consume applies updates until the subscription ends. It reports whether
// the transport dropped it.
func (f *Feed) consume(ctx context.Context, sub *storage.Subscription) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case u, ok := <-sub.Updates():
			if !ok {
				return false
			}
			if u.Err != nil {
				f.logger.Warn("feed subscription dropped", "error", u.Err)
				return errors.Is(u.Err, storage.ErrSubscriptionDropped)
			}
			f.mu.Lock()
			if ctx.Err() == nil && f.online {
				f.entries = u.Requests
				f.reconnecting = false
				f.emitLocked()
			}
			f.mu.Unlock()
		}
	}
}

func (f *Feed) setReconnecting(ctx context.Context, v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() == nil && f.online {
		f.reconnecting = v
		f.emitLocked()
	}
}

func (f *Feed) viewLocked() View {
	out := make([]models.Request, len(f.entries))
	copy(out, f.entries)
	return View{Online: f.online, Reconnecting: f.reconnecting, Requests: out}
}

// emitLocked replaces any undelivered view with the current one.
func (f *Feed) emitLocked() {
	v := f.viewLocked()
	select {
	case <-f.views:
	default:
	}
	f.views <- v
}
