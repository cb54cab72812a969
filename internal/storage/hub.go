package storage

import (
	"context"
	"sync"

	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
)

// Subscription is a live ordered view over the records matching a Query.
// Updates are delivered in write order; the channel is closed after Close,
// after context cancellation, or after a final update carrying Err.
type Subscription struct {
	sub  *subscriber
	hub  *hub
	once sync.Once
}

func (s *Subscription) Updates() <-chan Update { return s.sub.out }

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.sub.id)
		s.sub.stop()
	})
}

// hub fans record changes out to subscribers. Callers serialize apply calls
// so every subscriber sees the same global order of writes.
type hub struct {
	mu     sync.Mutex
	seq    uint64
	nextID uint64
	subs   map[uint64]*subscriber
}

func newHub() *hub { return &hub{subs: make(map[uint64]*subscriber)} }

type subscriber struct {
	id    uint64
	query Query
	view  map[string]models.Request

	mu       sync.Mutex
	queue    []Update
	final    bool
	wake     chan struct{}
	done     chan struct{}
	exited   chan struct{}
	out      chan Update
	stopOnce sync.Once
}

// add registers a subscriber seeded with snapshot. The snapshot must have
// been read while the caller held whatever lock orders writes against apply.
func (h *hub) add(ctx context.Context, q Query, snapshot []models.Request) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	s := &subscriber{
		id:     h.nextID,
		query:  q,
		view:   make(map[string]models.Request, len(snapshot)),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
		out:    make(chan Update),
	}
	for _, r := range snapshot {
		if q.Match(r) {
			s.view[r.ID] = r.Clone()
		}
	}
	h.subs[s.id] = s
	s.push(Update{Seq: h.seq, Initial: true, Requests: s.ordered()})
	go s.run()
	observability.ActiveSubscriptions.WithLabelValues(queryLabel(q)).Inc()

	sub := &Subscription{sub: s, hub: h}
	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				sub.Close()
			case <-s.exited:
			}
		}()
	}
	return sub
}

func (h *hub) remove(id uint64) {
	h.mu.Lock()
	s, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()
	if ok {
		observability.ActiveSubscriptions.WithLabelValues(queryLabel(s.query)).Dec()
		s.stop()
	}
}

// apply publishes the new state of one record to every subscriber whose
// view it enters, changes or leaves. A nil record means the record is gone.
func (h *hub) apply(id string, r *models.Request) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	for _, s := range h.subs {
		prev, had := s.view[id]
		in := r != nil && s.query.Match(*r)
		var ch Change
		switch {
		case had && in:
			if prev.Version >= r.Version {
				continue
			}
			s.view[id] = r.Clone()
			ch = Change{Type: ChangeModified, Request: r.Clone()}
		case had && !in:
			delete(s.view, id)
			removed := prev
			if r != nil {
				removed = r.Clone()
			}
			ch = Change{Type: ChangeRemoved, Request: removed}
		case !had && in:
			s.view[id] = r.Clone()
			ch = Change{Type: ChangeAdded, Request: r.Clone()}
		default:
			continue
		}
		s.push(Update{Seq: h.seq, Changes: []Change{ch}, Requests: s.ordered()})
	}
}

// dropAll ends every subscription with ErrSubscriptionDropped.
func (h *hub) dropAll(err error) {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[uint64]*subscriber)
	seq := h.seq
	h.mu.Unlock()
	for _, s := range subs {
		observability.ActiveSubscriptions.WithLabelValues(queryLabel(s.query)).Dec()
		s.pushFinal(Update{Seq: seq, Err: err})
	}
}

func (s *subscriber) stop() { s.stopOnce.Do(func() { close(s.done) }) }

func (s *subscriber) ordered() []models.Request {
	out := make([]models.Request, 0, len(s.view))
	for _, r := range s.view {
		out = append(out, r.Clone())
	}
	models.SortNewestFirst(out)
	return out
}

func (s *subscriber) push(u Update) {
	s.mu.Lock()
	if s.final {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, u)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscriber) pushFinal(u Update) {
	s.mu.Lock()
	s.queue = append(s.queue, u)
	s.final = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// run drains the queue into out so a slow reader never blocks writers.
func (s *subscriber) run() {
	defer close(s.exited)
	defer close(s.out)
	for {
		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		final := s.final
		s.mu.Unlock()
		for _, u := range batch {
			select {
			case s.out <- u:
			case <-s.done:
				return
			}
		}
		if final {
			s.mu.Lock()
			empty := len(s.queue) == 0
			s.mu.Unlock()
			if empty {
				return
			}
			continue
		}
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

func queryLabel(q Query) string {
	switch {
	case q.ID != "":
		return "request"
	case q.Kind != "":
		return string(q.Kind)
	default:
		return "all"
	}
}
