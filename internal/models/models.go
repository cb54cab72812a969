package models

import (
	"sort"
	"time"
)

type Kind string

const (
	KindRide     Kind = "RIDE"
	KindDelivery Kind = "DELIVERY"
)

func (k Kind) Valid() bool { return k == KindRide || k == KindDelivery }

type Status string

const (
	StatusSearching  Status = "SEARCHING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusSearching, StatusAssigned, StatusInProgress, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition may leave s.
func (s Status) Terminal() bool { return s == StatusCompleted || s == StatusCancelled }

// HasAgent reports whether a request in status s must carry an agent id.
func (s Status) HasAgent() bool {
	return s == StatusAssigned || s == StatusInProgress || s == StatusCompleted
}

type TrafficLevel string

const (
	TrafficLight    TrafficLevel = "light"
	TrafficModerate TrafficLevel = "moderate"
	TrafficHeavy    TrafficLevel = "heavy"
)

func (t TrafficLevel) Valid() bool {
	return t == TrafficLight || t == TrafficModerate || t == TrafficHeavy
}

// Attribute keys used by delivery requests.
const (
	AttrItem          = "item"
	AttrOfferFee      = "offerFee"
	AttrMaxExtra      = "maxExtra"
	AttrPaymentMethod = "paymentMethod"
	AttrUpiID         = "upiId"
)

// Request is the persisted record shared by requesters and agents. For
// deliveries Origin holds the pickup point and Destination the drop-off.
type Request struct {
	ID                       string            `json:"id"`
	Kind                     Kind              `json:"kind"`
	RequesterID              string            `json:"requesterId"`
	AgentID                  string            `json:"agentId,omitempty"`
	Origin                   string            `json:"origin"`
	Destination              string            `json:"destination"`
	Attributes               map[string]string `json:"attributes,omitempty"`
	TrafficLevel             TrafficLevel      `json:"trafficLevel,omitempty"`
	Status                   Status            `json:"status"`
	EstimatedDurationMinutes *int              `json:"estimatedDurationMinutes,omitempty"`
	CancelledBy              string            `json:"cancelledBy,omitempty"`
	Version                  int64             `json:"version"`
	CreatedAt                time.Time         `json:"createdAt"`
	UpdatedAt                time.Time         `json:"updatedAt"`
}

// Clone returns a deep copy so callers never share the attribute map or
// estimate pointer with a store.
func (r Request) Clone() Request {
	out := r
	if r.Attributes != nil {
		out.Attributes = make(map[string]string, len(r.Attributes))
		for k, v := range r.Attributes {
			out.Attributes[k] = v
		}
	}
	if r.EstimatedDurationMinutes != nil {
		v := *r.EstimatedDurationMinutes
		out.EstimatedDurationMinutes = &v
	}
	return out
}

// NewerFirst orders by createdAt descending, ties broken by id descending.
func NewerFirst(a, b Request) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func SortNewestFirst(rs []Request) {
	sort.Slice(rs, func(i, j int) bool { return NewerFirst(rs[i], rs[j]) })
}
