package models

import (
	"encoding/json"
	"time"
)

// WireTimeLayout is fixed width and always UTC so that string order and
// chronological order agree for every serialized timestamp.
const WireTimeLayout = "2006-01-02T15:04:05.000000Z"

func FormatTime(t time.Time) string { return t.UTC().Format(WireTimeLayout) }

// ParseTime accepts the wire layout and any other RFC 3339 timestamp.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

// requestFields has Request's fields without its JSON methods.
type requestFields Request

type wireRequest struct {
	requestFields
	CreatedAt string `json:"createdAt"`
	UpdatedAt string `json:"updatedAt"`
}

func (r Request) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireRequest{
		requestFields: requestFields(r),
		CreatedAt:     FormatTime(r.CreatedAt),
		UpdatedAt:     FormatTime(r.UpdatedAt),
	})
}

func (r *Request) UnmarshalJSON(b []byte) error {
	var w wireRequest
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := Request(w.requestFields)
	var err error
	if w.CreatedAt != "" {
		if out.CreatedAt, err = ParseTime(w.CreatedAt); err != nil {
			return err
		}
	}
	if w.UpdatedAt != "" {
		if out.UpdatedAt, err = ParseTime(w.UpdatedAt); err != nil {
			return err
		}
	}
	*r = out
	return nil
}
