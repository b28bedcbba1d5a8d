// Package dispatcher delivers execution lifecycle callbacks asynchronously
// with buffering, retry and per-destination circuit breaking.
package dispatcher

import (
	"context"
	"errors"

	"executor/pkg/cloudevent"
)

// ErrBufferFull is returned when the dispatcher's buffer is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("dispatcher is closed")

// ErrInvalidEvent is returned by Dispatch for an event no destination
// could accept.
var ErrInvalidEvent = errors.New("invalid callback event")

// Dispatcher handles async delivery of callbacks.
type Dispatcher interface {
	// Dispatch queues an event for async delivery. Non-blocking.
	// Returns ErrBufferFull if the event cannot be queued.
	Dispatch(event *Event) error

	Stats() Stats

	// Close stops accepting events and drains the queue until ctx is done.
	Close(ctx context.Context) error
}

// Event is a lifecycle callback bound for one destination.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key; empty sends unsigned
	Requeues    int    // times requeued while the destination's circuit was open
}

// ExecutionID returns the execution the event announces.
func (e *Event) ExecutionID() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.Subject
}

// Stats holds dispatcher statistics.
type Stats struct {
	QueueDepth    int   `json:"queueDepth"`
	Queued        int64 `json:"queued"`
	Delivered     int64 `json:"delivered"`
	Failed        int64 `json:"failed"`   // failed after retries
	Dropped       int64 `json:"dropped"`  // full buffer or max requeues
	Requeued      int64 `json:"requeued"` // circuit open
	RetriesTotal  int64 `json:"retriesTotal"`
	BreakersTotal int   `json:"breakersTotal"`
	BreakersOpen  int   `json:"breakersOpen"`

	OpenDestinations []string `json:"openDestinations,omitempty"` // hosts with an open circuit
}
