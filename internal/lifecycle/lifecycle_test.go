package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/events"
	"github.com/example/campus-transit/internal/logging"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/storage"
)

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e events.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *recordingPublisher) types() []events.Type {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]events.Type, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func fixedEstimator(text string) eta.Estimator {
	return eta.EstimatorFunc(func(context.Context, string, string, models.TrafficLevel) (eta.Estimate, error) {
		return eta.Estimate{DurationText: text}, nil
	})
}

func newTestService(t *testing.T, opts ...Option) (*Service, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	opts = append([]Option{WithLogger(logging.Discard())}, opts...)
	svc := NewService(store, opts...)
	t.Cleanup(svc.Close)
	return svc, store
}

func deliveryInput(requester string) CreateInput {
	return CreateInput{
		Kind:        models.KindDelivery,
		RequesterID: requester,
		Origin:      "Foodys",
		Destination: "MH-Q",
		Attributes:  map[string]string{models.AttrOfferFee: "20"},
	}
}

func TestCreateDeliveryIsSearchingAndEstimated(t *testing.T) {
	svc, _ := newTestService(t, WithEstimator(fixedEstimator("12 minutes")))
	ctx := context.Background()

	r, err := svc.Create(ctx, deliveryInput("req-1"))
	require.NoError(t, err)
	require.Equal(t, models.StatusSearching, r.Status)
	require.Empty(t, r.AgentID)
	require.Equal(t, "cod", r.Attributes[models.AttrPaymentMethod])
	require.Equal(t, models.TrafficModerate, r.TrafficLevel)

	svc.Wait()
	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EstimatedDurationMinutes)
	require.Equal(t, 12, *got.EstimatedDurationMinutes)
	require.Equal(t, models.StatusSearching, got.Status)
}

func TestCreateSurvivesEstimatorFailure(t *testing.T) {
	pub := &recordingPublisher{}
	failing := eta.EstimatorFunc(func(context.Context, string, string, models.TrafficLevel) (eta.Estimate, error) {
		return eta.Estimate{}, errors.New("model overloaded")
	})
	svc, _ := newTestService(t, WithEstimator(failing), WithEvents(pub))
	ctx := context.Background()

	r, err := svc.Create(ctx, deliveryInput("req-1"))
	require.NoError(t, err)
	svc.Wait()

	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Nil(t, got.EstimatedDurationMinutes)
	require.Equal(t, []events.Type{events.RequestCreated, events.RequestEstimateMissing}, pub.types())
}

func TestCreateDoesNotWaitForSlowEstimator(t *testing.T) {
	release := make(chan struct{})
	slow := eta.EstimatorFunc(func(ctx context.Context, _, _ string, _ models.TrafficLevel) (eta.Estimate, error) {
		select {
		case <-release:
			return eta.Estimate{DurationText: "5"}, nil
		case <-ctx.Done():
			return eta.Estimate{}, ctx.Err()
		}
	})
	svc, _ := newTestService(t, WithEstimator(slow), WithETATimeout(50*time.Millisecond))

	done := make(chan error, 1)
	go func() {
		_, err := svc.Create(context.Background(), deliveryInput("req-1"))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("create blocked on the estimator")
	}
	svc.Wait()
	close(release)
}

func TestCreateValidation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Create(ctx, CreateInput{Kind: "BIKE", RequesterID: "r"})
	require.True(t, IsValidation(err))

	_, err = svc.Create(ctx, CreateInput{Kind: models.KindRide, RequesterID: "r", Destination: "SJ"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "destination")

	in := deliveryInput("r")
	in.Attributes = map[string]string{models.AttrOfferFee: "twenty", models.AttrPaymentMethod: "upi"}
	_, err = svc.Create(ctx, in)
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "must be a number", verr.Fields[models.AttrOfferFee])
	require.Equal(t, "is required", verr.Fields[models.AttrUpiID])

	in = deliveryInput("")
	in.TrafficLevel = "gridlock"
	_, err = svc.Create(ctx, in)
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "requesterId")
	require.Contains(t, verr.Fields, "trafficLevel")
}

func TestCreateRideDefaultsOrigin(t *testing.T) {
	svc, _ := newTestService(t, WithDefaultRideOrigin("North Gate"))
	r, err := svc.Create(context.Background(), CreateInput{Kind: models.KindRide, RequesterID: "r", Destination: "SJT Block", TrafficLevel: models.TrafficHeavy})
	require.NoError(t, err)
	require.Equal(t, "North Gate", r.Origin)
	require.Equal(t, models.TrafficHeavy, r.TrafficLevel)
}

func TestClaimRaceHasExactlyOneWinner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, err := svc.Create(ctx, deliveryInput("req-1"))
	require.NoError(t, err)

	const agents = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
		losers  int
	)
	start := make(chan struct{})
	for i := 0; i < agents; i++ {
		wg.Add(1)
		go func(agent string) {
			defer wg.Done()
			<-start
			_, err := svc.Claim(ctx, r.ID, agent)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, agent)
			case errors.Is(err, ErrConflict):
				losers++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(fmt.Sprintf("agent-%d", i))
	}
	close(start)
	wg.Wait()

	require.Len(t, winners, 1)
	require.Equal(t, agents-1, losers)
	got, err := svc.Get(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusAssigned, got.Status)
	require.Equal(t, winners[0], got.AgentID)
}

func TestClaimRaceAcrossClients(t *testing.T) {
	// two services sharing a store behave like two independent clients
	store := storage.NewMemoryStore()
	a := NewService(store, WithLogger(logging.Discard()))
	b := NewService(store, WithLogger(logging.Discard()))
	ctx := context.Background()
	r, err := a.Create(ctx, deliveryInput("req-1"))
	require.NoError(t, err)

	errs := make(chan error, 2)
	go func() { _, err := a.Claim(ctx, r.ID, "A"); errs <- err }()
	go func() { _, err := b.Claim(ctx, r.ID, "B"); errs <- err }()
	e1, e2 := <-errs, <-errs
	require.True(t, (e1 == nil) != (e2 == nil), "exactly one claim succeeds: %v / %v", e1, e2)
	if e1 != nil {
		require.ErrorIs(t, e1, ErrAlreadyClaimed)
	} else {
		require.ErrorIs(t, e2, ErrAlreadyClaimed)
	}
}

func TestClaimIsIdempotentForOwner(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, _ := svc.Create(ctx, deliveryInput("req-1"))

	first, err := svc.Claim(ctx, r.ID, "A")
	require.NoError(t, err)
	second, err := svc.Claim(ctx, r.ID, "A")
	require.NoError(t, err)
	require.Equal(t, first, second)

	_, err = svc.Claim(ctx, r.ID, "B")
	require.ErrorIs(t, err, ErrAlreadyClaimed)
}

func TestCancelThenClaimConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, _ := svc.Create(ctx, deliveryInput("req-1"))

	c, err := svc.Cancel(ctx, r.ID, "req-1")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, c.Status)
	require.Equal(t, "req-1", c.CancelledBy)

	_, err = svc.Claim(ctx, r.ID, "A")
	require.ErrorIs(t, err, ErrConflict)

	again, err := svc.Cancel(ctx, r.ID, "req-1")
	require.NoError(t, err)
	require.Equal(t, c.Version, again.Version)

	_, err = svc.Cancel(ctx, r.ID, "stranger")
	require.ErrorIs(t, err, ErrNotParticipant, "a cancelled request stays private")
}

func TestRepeatCancelByCancellingAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, _ := svc.Create(ctx, deliveryInput("req-1"))
	_, err := svc.Claim(ctx, r.ID, "A")
	require.NoError(t, err)
	c, err := svc.Cancel(ctx, r.ID, "A")
	require.NoError(t, err)

	again, err := svc.Cancel(ctx, r.ID, "A")
	require.NoError(t, err)
	require.Equal(t, c.Version, again.Version)
	_, err = svc.Cancel(ctx, r.ID, "B")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestOnlyRequesterCancelsWhileSearching(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, _ := svc.Create(ctx, deliveryInput("req-1"))

	_, err := svc.Cancel(ctx, r.ID, "stranger")
	require.ErrorIs(t, err, ErrNotParticipant)
}

func TestFullLifecycle(t *testing.T) {
	pub := &recordingPublisher{}
	svc, _ := newTestService(t, WithEvents(pub))
	ctx := context.Background()
	r, _ := svc.Create(ctx, deliveryInput("req-1"))

	_, err := svc.Begin(ctx, r.ID, "A")
	require.ErrorIs(t, err, ErrConflict)

	_, err = svc.Claim(ctx, r.ID, "A")
	require.NoError(t, err)

	_, err = svc.Begin(ctx, r.ID, "B")
	require.ErrorIs(t, err, ErrNotParticipant)

	got, err := svc.Begin(ctx, r.ID, "A")
	require.NoError(t, err)
	require.Equal(t, models.StatusInProgress, got.Status)

	got, err = svc.Begin(ctx, r.ID, "A")
	require.NoError(t, err, "retried begin is a no-op")
	require.Equal(t, models.StatusInProgress, got.Status)

	got, err = svc.Complete(ctx, r.ID, "A")
	require.NoError(t, err)
	require.Equal(t, models.StatusCompleted, got.Status)
	require.Equal(t, "A", got.AgentID)

	_, err = svc.Cancel(ctx, r.ID, "req-1")
	require.ErrorIs(t, err, ErrConflict)

	svc.Wait()
	require.Equal(t, []events.Type{
		events.RequestCreated, events.RequestClaimed, events.RequestStarted, events.RequestCompleted,
	}, pub.types())
}

// blockingPublisher never returns until release is closed, like a broker
// that stopped acknowledging writes.
type blockingPublisher struct{ release chan struct{} }

func (b blockingPublisher) Publish(context.Context, events.Event) error {
	<-b.release
	return nil
}

func TestCommandsDoNotWaitForPublisher(t *testing.T) {
	pub := blockingPublisher{release: make(chan struct{})}
	store := storage.NewMemoryStore()
	svc := NewService(store, WithLogger(logging.Discard()), WithEvents(pub))
	defer svc.Close()
	defer close(pub.release)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		r, err := svc.Create(ctx, deliveryInput("req-1"))
		if err == nil {
			_, err = svc.Claim(ctx, r.ID, "A")
		}
		if err == nil {
			_, err = svc.Begin(ctx, r.ID, "A")
		}
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(500 * time.Millisecond):
		t.Fatal("commands blocked on the event publisher")
	}
}

func TestAgentCancelClearsAgent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	r, _ := svc.Create(ctx, deliveryInput("req-1"))
	_, err := svc.Claim(ctx, r.ID, "A")
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, r.ID, "A")
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, got.Status)
	require.Empty(t, got.AgentID)
	require.Equal(t, "A", got.CancelledBy)
}

func TestUnknownIDIsNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Claim(ctx, "missing", "A")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Cancel(ctx, "missing", "A")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Complete(ctx, "missing", "A")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestBackfillEstimateSetsOnce(t *testing.T) {
	answers := []string{"not sure", "15 minutes", "30 minutes"}
	var calls int
	est := eta.EstimatorFunc(func(context.Context, string, string, models.TrafficLevel) (eta.Estimate, error) {
		text := answers[calls]
		calls++
		return eta.Estimate{DurationText: text}, nil
	})
	svc, _ := newTestService(t, WithEstimator(est))
	ctx := context.Background()
	r, _ := svc.Create(ctx, deliveryInput("req-1"))
	svc.Wait()

	got, _ := svc.Get(ctx, r.ID)
	require.Nil(t, got.EstimatedDurationMinutes)

	m, err := svc.BackfillEstimate(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 15, m)

	m, err = svc.BackfillEstimate(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, 15, m)
	require.Equal(t, 2, calls)
}

// Random operation sequences never break the agent/status invariant and
// never leave a terminal state.
func TestRandomTransitionsKeepInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	actors := []string{"req-1", "A", "B", "stranger"}
	for round := 0; round < 200; round++ {
		svc, _ := newTestService(t)
		ctx := context.Background()
		r, err := svc.Create(ctx, deliveryInput("req-1"))
		require.NoError(t, err)

		var terminal models.Status
		for step := 0; step < 12; step++ {
			actor := actors[rng.Intn(len(actors))]
			switch rng.Intn(4) {
			case 0:
				_, _ = svc.Claim(ctx, r.ID, actor)
			case 1:
				_, _ = svc.Begin(ctx, r.ID, actor)
			case 2:
				_, _ = svc.Complete(ctx, r.ID, actor)
			case 3:
				_, _ = svc.Cancel(ctx, r.ID, actor)
			}
			got, err := svc.Get(ctx, r.ID)
			require.NoError(t, err)
			require.Equal(t, got.Status.HasAgent(), got.AgentID != "", "round %d step %d: %+v", round, step, got)
			if terminal != "" {
				require.Equal(t, terminal, got.Status)
			}
			if got.Status.Terminal() {
				terminal = got.Status
			}
		}
	}
}

func TestListFiltersByStatusAndKind(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	clock := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	svc.Now = func() time.Time { clock = clock.Add(time.Second); return clock }

	older, _ := svc.Create(ctx, deliveryInput("req-1"))
	newer, _ := svc.Create(ctx, deliveryInput("req-2"))
	ride, err := svc.Create(ctx, CreateInput{Kind: models.KindRide, RequesterID: "req-3", Destination: "SJT"})
	require.NoError(t, err)
	_, err = svc.Claim(ctx, ride.ID, "A")
	require.NoError(t, err)

	got, err := svc.List(ctx, storage.Query{Status: models.StatusSearching, Kind: models.KindDelivery})
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, newer.ID, got[0].ID)
	require.Equal(t, older.ID, got[1].ID)

	got, err = svc.List(ctx, storage.Query{Status: models.StatusAssigned})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, ride.ID, got[0].ID)

	_, err = svc.List(ctx, storage.Query{Status: "WAITING", Kind: "BOAT"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Contains(t, verr.Fields, "status")
	require.Contains(t, verr.Fields, "kind")
}
