package streaming

import "context"

// StreamEvent is a real-time event emitted during a run. Seq is the
// event's position in the run's event log, so a client that reconnects
// can resume reading the log from where its stream broke off.
type StreamEvent struct {
	RunID   string `json:"run_id"`
	Seq     int64  `json:"seq,omitempty"`
	State   string `json:"state,omitempty"`
	Kind    string `json:"kind"`
	Payload any    `json:"payload,omitempty"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Kinds must name known event kinds; an empty filter matches everything.
type EventFilter struct {
	RunID string   `json:"run_id,omitempty"`
	Kinds []string `json:"kinds,omitempty"`
}

// EventHub provides pub/sub for real-time run events. The cancel
// function returned by Subscribe closes the event channel, so range
// loops over a subscription terminate on their own.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
