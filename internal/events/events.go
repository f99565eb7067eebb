// Package events publishes indicator and alert lifecycle events for
// downstream consumers such as alerting.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lvonguyen/threatlens/internal/indicator"
)

// Subjects published by threatlens.
const (
	SubjectIndicatorCreated = "threatlens.indicators.created"
	SubjectIndicatorUpdated = "threatlens.indicators.updated"
	SubjectAlertCreated     = "threatlens.alerts.created"
)

// Event is the JSON envelope published on every subject.
type Event struct {
	ID         string               `json:"id"`
	Subject    string               `json:"subject"`
	Source     string               `json:"source,omitempty"`
	OccurredAt time.Time            `json:"occurred_at"`
	Indicator  *indicator.Indicator `json:"indicator,omitempty"`
	Alert      *indicator.Alert     `json:"alert,omitempty"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
	Close() error
}

// IndicatorEvent builds the event for an upserted indicator.
func IndicatorEvent(ind indicator.Indicator, created bool, source string) Event {
	subject := SubjectIndicatorUpdated
	if created {
		subject = SubjectIndicatorCreated
	}
	return Event{
		ID:         uuid.NewString(),
		Subject:    subject,
		Source:     source,
		OccurredAt: time.Now().UTC(),
		Indicator:  &ind,
	}
}

// AlertEvent builds the event for a new alert.
func AlertEvent(a indicator.Alert) Event {
	return Event{
		ID:         uuid.NewString(),
		Subject:    SubjectAlertCreated,
		Source:     a.Source,
		OccurredAt: time.Now().UTC(),
		Alert:      &a,
	}
}

// Nop discards every event.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(context.Context, Event) error { return nil }

// Close does nothing.
func (Nop) Close() error { return nil }

// Multi fans every event out to each publisher in order. Publish and Close
// visit all publishers and join their errors.
type Multi []Publisher

// Publish sends e to every publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
