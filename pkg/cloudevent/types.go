// Package cloudevent provides the CloudEvents 1.0 envelope, an HTTP sender
// and signature verification for execution lifecycle callbacks.
package cloudevent

import (
	"errors"
	"fmt"
	"time"
)

// Version is the CloudEvents specversion this package emits.
const Version = "1.0"

// CloudEvent is a structured-mode CloudEvents envelope.
type CloudEvent struct {
	SpecVersion     string         `json:"specversion"`
	Type            string         `json:"type"`
	Source          string         `json:"source"`
	Subject         string         `json:"subject"`
	ID              string         `json:"id"`
	Time            time.Time      `json:"time"`
	DataContentType string         `json:"datacontenttype"`
	Data            map[string]any `json:"data"`
}

// New builds an event stamped with the time the announced change
// occurred. A zero occurred stamps the current time.
func New(eventType, source, subject, id string, occurred time.Time, data map[string]any) *CloudEvent {
	if occurred.IsZero() {
		occurred = time.Now()
	}
	return &CloudEvent{
		SpecVersion:     Version,
		Type:            eventType,
		Source:          source,
		Subject:         subject,
		ID:              id,
		Time:            occurred.UTC(),
		DataContentType: "application/json",
		Data:            data,
	}
}

// Validate checks the required context attributes.
func (e *CloudEvent) Validate() error {
	switch {
	case e.SpecVersion != Version:
		return fmt.Errorf("unsupported specversion %q", e.SpecVersion)
	case e.ID == "":
		return errors.New("id is required")
	case e.Source == "":
		return errors.New("source is required")
	case e.Type == "":
		return errors.New("type is required")
	}
	return nil
}
