package execution

import (
	"fmt"
	"slices"
	"time"

	"executor/pkg/cloudevent"
)

// Event types for execution lifecycle callbacks
const (
	EventTypeStarted   = "executor.execution.started"
	EventTypeFinished  = "executor.execution.finished"
	EventTypeFailed    = "executor.execution.failed"
	EventTypeCancelled = "executor.execution.cancelled"
)

// EventTypes lists every lifecycle event a callback may subscribe to.
var EventTypes = []string{EventTypeStarted, EventTypeFinished, EventTypeFailed, EventTypeCancelled}

// FilteredEvents returns true if the event type should be sent based on the filter.
// If the filter is empty, all events are allowed.
func FilteredEvents(eventType string, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return slices.Contains(filter, eventType)
}

// EventTypeFor returns the lifecycle event announcing a state.
func EventTypeFor(state State) (string, bool) {
	switch state {
	case StateRunning:
		return EventTypeStarted, true
	case StateFinished:
		return EventTypeFinished, true
	case StateFailed:
		return EventTypeFailed, true
	case StateCancelled:
		return EventTypeCancelled, true
	default:
		return "", false
	}
}

// EventBuilder builds CloudEvents for execution lifecycle events.
type EventBuilder struct {
	source string
}

// NewEventBuilder creates a new EventBuilder.
func NewEventBuilder(source string) *EventBuilder {
	return &EventBuilder{source: source}
}

// Build creates the lifecycle event announcing the execution's current state.
func (b *EventBuilder) Build(exec *Execution) (*cloudevent.CloudEvent, bool) {
	eventType, ok := EventTypeFor(exec.State)
	if !ok {
		return nil, false
	}

	data := map[string]any{
		"executionId": exec.ID,
		"ownerRef":    exec.OwnerRef,
		"state":       string(exec.State),
		"meta":        exec.Spec.Meta,
	}
	if exec.ExitCode != nil {
		data["exitCode"] = *exec.ExitCode
	}
	if exec.FailureReason != "" {
		data["failureReason"] = exec.FailureReason
	}
	if exec.StartedAt != nil {
		data["startedAt"] = exec.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if exec.FinishedAt != nil {
		data["finishedAt"] = exec.FinishedAt.UTC().Format(time.RFC3339Nano)
	}

	occurred := exec.UpdatedAt
	switch {
	case exec.FinishedAt != nil:
		occurred = *exec.FinishedAt
	case exec.StartedAt != nil:
		occurred = *exec.StartedAt
	}

	eventID := fmt.Sprintf("%s-%s", exec.ID, exec.State)
	return cloudevent.New(eventType, b.source, exec.ID, eventID, occurred, data), true
}
