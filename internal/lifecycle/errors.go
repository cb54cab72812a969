package lifecycle

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/example/campus-transit/internal/storage"
)

var (
	ErrNotFound = storage.ErrNotFound
	ErrConflict = storage.ErrConflict
	// ErrAlreadyClaimed is returned to agents that lost a claim race. It
	// matches ErrConflict under errors.Is.
	ErrAlreadyClaimed = fmt.Errorf("%w: already claimed", storage.ErrConflict)
	// ErrNotParticipant means the caller is not the party the transition
	// requires.
	ErrNotParticipant = errors.New("caller is not a participant of this request")
)

// ValidationError lists malformed create fields, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid request: " + strings.Join(parts, "; ")
}

func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
