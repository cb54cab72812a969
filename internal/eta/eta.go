package eta

import (
	"context"
	"errors"
	"regexp"
	"strconv"

	"github.com/example/campus-transit/internal/models"
)

// ErrUnavailable marks a failed or timed-out estimation. It is never fatal
// to request creation.
var ErrUnavailable = errors.New("eta collaborator unavailable")

// DefaultDurationMinutes is shown while no estimate exists.
const DefaultDurationMinutes = 10

type Estimate struct {
	DurationText string `json:"durationText"`
}

// Estimator is the external estimation boundary. Implementations may block
// for an unbounded time; callers apply their own timeout through ctx.
type Estimator interface {
	Estimate(ctx context.Context, origin, destination string, traffic models.TrafficLevel) (Estimate, error)
}

type EstimatorFunc func(ctx context.Context, origin, destination string, traffic models.TrafficLevel) (Estimate, error)

func (f EstimatorFunc) Estimate(ctx context.Context, origin, destination string, traffic models.TrafficLevel) (Estimate, error) {
	return f(ctx, origin, destination, traffic)
}

var minutesRe = regexp.MustCompile(`\d+`)

// ParseMinutes extracts the first whole number from free text such as
// "12 minutes" or "about 10-15 min".
func ParseMinutes(text string) (int, bool) {
	m := minutesRe.FindString(text)
	if m == "" {
		return 0, false
	}
	n, err := strconv.Atoi(m)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
