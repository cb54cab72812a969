package storage

import (
	"context"
	"errors"
	"maps"

	"github.com/example/campus-transit/internal/models"
)

var (
	ErrNotFound    = errors.New("request not found")
	ErrDuplicateID = errors.New("duplicate request id")
	ErrConflict    = errors.New("status conflict")
	// ErrSubscriptionDropped is delivered as the last update of a
	// subscription whose transport went away. Callers resubscribe.
	ErrSubscriptionDropped = errors.New("subscription dropped")
)

// Mutation edits a copy of the stored record. Returning an error aborts the
// write and the error is passed back to the caller unchanged.
type Mutation func(r *models.Request) error

// RequestStore persists request records. CompareAndUpdate is the only write
// path for existing records.
type RequestStore interface {
	Put(ctx context.Context, r models.Request) (string, error)
	Get(ctx context.Context, id string) (models.Request, error)
	CompareAndUpdate(ctx context.Context, id string, expected models.Status, m Mutation) (models.Request, error)
	// List returns a one-shot snapshot of matching records, newest first.
	List(ctx context.Context, q Query) ([]models.Request, error)
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

// Query is an exact-match predicate. Empty fields match anything.
type Query struct {
	ID     string
	Status models.Status
	Kind   models.Kind
}

func (q Query) Match(r models.Request) bool {
	if q.ID != "" && r.ID != q.ID {
		return false
	}
	if q.Status != "" && r.Status != q.Status {
		return false
	}
	if q.Kind != "" && r.Kind != q.Kind {
		return false
	}
	return true
}

type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeRemoved  ChangeType = "removed"
)

type Change struct {
	Type    ChangeType
	Request models.Request
}

// Update is one delivery on a subscription: the first one carries the
// initial snapshot (Initial=true, no Changes); later ones carry the diff and
// the full ordered view after applying it.
type Update struct {
	Seq      uint64
	Initial  bool
	Changes  []Change
	Requests []models.Request
	Err      error
}

// validateMutation rejects mutations that touch immutable fields.
func validateMutation(before, after models.Request) error {
	switch {
	case after.ID != before.ID,
		after.Kind != before.Kind,
		after.RequesterID != before.RequesterID,
		after.Origin != before.Origin,
		after.Destination != before.Destination,
		!after.CreatedAt.Equal(before.CreatedAt),
		!maps.Equal(after.Attributes, before.Attributes):
		return errImmutable
	case before.AgentID != "" && after.AgentID != "" && after.AgentID != before.AgentID:
		return errImmutable
	case before.EstimatedDurationMinutes != nil && (after.EstimatedDurationMinutes == nil ||
		*after.EstimatedDurationMinutes != *before.EstimatedDurationMinutes):
		return errImmutable
	}
	return nil
}

var errImmutable = errors.New("mutation changed an immutable field")
