package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/campus-transit/internal/eta"
	"github.com/example/campus-transit/internal/events"
	"github.com/example/campus-transit/internal/models"
	"github.com/example/campus-transit/internal/observability"
	"github.com/example/campus-transit/internal/storage"
)

// maxEstimateWrites bounds retries when the estimate write races with a
// status transition.
const maxEstimateWrites = 5

// estimate makes one bounded attempt for a freshly created request. A
// failure is logged and announced as estimate_missing so a worker can retry.
func (s *Service) estimate(r models.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), s.ETATimeout)
	defer cancel()
	if _, err := s.BackfillEstimate(ctx, r.ID); err != nil {
		s.Logger.Warn("eta unavailable", "request_id", r.ID, "error", err)
		s.publish(context.Background(), events.RequestEstimateMissing, r, "")
	}
}

// BackfillEstimate asks the estimator for the request's route and stores the
// parsed minutes if no estimate is set yet. It returns the stored minutes.
// Failures of the collaborator wrap eta.ErrUnavailable.
func (s *Service) BackfillEstimate(ctx context.Context, id string) (int, error) {
	if s.Estimator == nil {
		return 0, fmt.Errorf("%w: no estimator configured", eta.ErrUnavailable)
	}
	cur, err := s.Store.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if cur.EstimatedDurationMinutes != nil {
		return *cur.EstimatedDurationMinutes, nil
	}

	start := time.Now()
	est, err := s.Estimator.Estimate(ctx, cur.Origin, cur.Destination, cur.TrafficLevel)
	observability.ETALatency.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.ETARequests.WithLabelValues("error").Inc()
		if !errors.Is(err, eta.ErrUnavailable) {
			err = fmt.Errorf("%w: %v", eta.ErrUnavailable, err)
		}
		return 0, err
	}
	minutes, ok := eta.ParseMinutes(est.DurationText)
	if !ok {
		observability.ETARequests.WithLabelValues("unparseable").Inc()
		return 0, fmt.Errorf("%w: unparseable duration %q", eta.ErrUnavailable, est.DurationText)
	}
	observability.ETARequests.WithLabelValues("ok").Inc()
	return s.setEstimate(ctx, id, minutes)
}

// setEstimate writes minutes once, re-reading the status on conflict since
// the request may move through the lifecycle meanwhile.
func (s *Service) setEstimate(ctx context.Context, id string, minutes int) (int, error) {
	var lastErr error
	for attempt := 0; attempt < maxEstimateWrites; attempt++ {
		r, err := s.writeEstimate(ctx, id, minutes)
		if errors.Is(err, errEstimateSet) {
			return *r.EstimatedDurationMinutes, nil
		}
		if err == nil {
			s.Logger.Info("request estimated", "request_id", id, "minutes", minutes)
			s.publish(ctx, events.RequestEstimated, r, "")
			return minutes, nil
		}
		if !errors.Is(err, storage.ErrConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, lastErr
}

var errEstimateSet = errors.New("estimate already set")

func (s *Service) writeEstimate(ctx context.Context, id string, minutes int) (models.Request, error) {
	unlock := s.locks.lock(id)
	defer unlock()
	cur, err := s.Store.Get(ctx, id)
	if err != nil {
		return models.Request{}, err
	}
	if cur.EstimatedDurationMinutes != nil {
		return cur, errEstimateSet
	}
	return s.Store.CompareAndUpdate(ctx, id, cur.Status, func(r *models.Request) error {
		v := minutes
		r.EstimatedDurationMinutes = &v
		return nil
	})
}
