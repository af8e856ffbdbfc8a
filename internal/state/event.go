package state

import (
	"encoding/json"
	"fmt"
	"time"
)

// Event is the record published on the sync channel for every transition.
type Event struct {
	UID        string          `json:"uid"`
	Kind       Kind            `json:"kind"`
	From       State           `json:"from"`
	To         State           `json:"to"`
	PipelineID string          `json:"pipeline_id,omitempty"`
	StageID    string          `json:"stage_id,omitempty"`
	Source     string          `json:"source"`
	Rollback   bool            `json:"rollback,omitempty"`
	Time       time.Time       `json:"time"`
	Snapshot   json.RawMessage `json:"snapshot,omitempty"`
}

// Encode serializes the event for the wire.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses and validates a sync channel message body.
func DecodeEvent(body []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(body, &e); err != nil {
		return Event{}, fmt.Errorf("decode sync event: %w", err)
	}
	if e.UID == "" {
		return Event{}, fmt.Errorf("decode sync event: missing uid")
	}
	if !Valid(e.Kind, e.To) {
		return Event{}, fmt.Errorf("decode sync event %s: %s state %q: %w", e.UID, e.Kind, e.To, ErrUnknownState)
	}
	return e, nil
}
