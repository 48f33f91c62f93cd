// Package metering provides per-actor usage tracking for the gate.
// It counts admitted requests alongside every class of rejection, so
// billing and abuse review see the same stream the gate decided on.
package metering

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrEmptyActor is returned when a metering event has no actor.
	ErrEmptyActor = errors.New("metering: actor must not be empty")
	// ErrNegativeQuantity is returned when a metering event has a negative quantity.
	ErrNegativeQuantity = errors.New("metering: quantity must not be negative")
	// ErrInvalidEventType is returned when the event type is empty.
	ErrInvalidEventType = errors.New("metering: event_type must not be empty")
)

// EventType defines the type of metered event.
type EventType string

const (
	EventRequest         EventType = "request"
	EventAuthFailure     EventType = "auth_failure"
	EventSessionLogoff   EventType = "session_logoff"
	EventRateLimited     EventType = "rate_limited"
	EventAuthzDenied     EventType = "authz_denied"
	EventFallbackVerdict EventType = "fallback_verdict"
)

// Event represents a single metered usage event.
type Event struct {
	Actor     string         `json:"actor"`
	EventType EventType      `json:"event_type"`
	Quantity  int64          `json:"quantity"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Validate checks that the event has valid fields.
func (e Event) Validate() error {
	if e.Actor == "" {
		return ErrEmptyActor
	}
	if e.Quantity < 0 {
		return ErrNegativeQuantity
	}
	if e.EventType == "" {
		return ErrInvalidEventType
	}
	return nil
}

// Period defines a time range for usage aggregation.
type Period struct {
	Start time.Time
	End   time.Time
}

// DailyPeriod returns a Period for the current day.
func DailyPeriod() Period {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return Period{Start: start, End: start.Add(24 * time.Hour)}
}

// MonthlyPeriod returns a Period for the current month.
func MonthlyPeriod() Period {
	now := time.Now().UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)
	return Period{Start: start, End: end}
}

// Usage contains aggregated usage for an actor.
type Usage struct {
	Actor      string
	Period     Period
	Totals     map[EventType]int64
	LastUpdate time.Time
}

// Meter is the interface for recording and querying usage.
type Meter interface {
	// Record stores a usage event.
	Record(ctx context.Context, event Event) error

	// RecordBatch stores multiple events atomically.
	RecordBatch(ctx context.Context, events []Event) error

	// GetUsage retrieves aggregated usage for an actor in a period.
	GetUsage(ctx context.Context, actor string, period Period) (*Usage, error)

	// GetUsageByType retrieves usage for a specific event type.
	GetUsageByType(ctx context.Context, actor string, eventType EventType, period Period) (int64, error)
}

// MemoryMeter implements Meter with in-process storage. It is the default
// backend for single-node deployments and tests.
type MemoryMeter struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryMeter creates an empty in-memory meter.
func NewMemoryMeter() *MemoryMeter {
	return &MemoryMeter{}
}

// Record stores a single usage event.
func (m *MemoryMeter) Record(ctx context.Context, event Event) error {
	return m.RecordBatch(ctx, []Event{event})
}

// RecordBatch stores multiple events. Either all events are stored or,
// when any fails validation, none are.
func (m *MemoryMeter) RecordBatch(_ context.Context, events []Event) error {
	now := time.Now().UTC()
	batch := make([]Event, 0, len(events))
	for _, event := range events {
		if err := event.Validate(); err != nil {
			return err
		}
		if event.Timestamp.IsZero() {
			event.Timestamp = now
		}
		batch = append(batch, event)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, batch...)
	return nil
}

// GetUsage retrieves aggregated usage for all event types.
func (m *MemoryMeter) GetUsage(_ context.Context, actor string, period Period) (*Usage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	usage := &Usage{
		Actor:      actor,
		Period:     period,
		Totals:     make(map[EventType]int64),
		LastUpdate: time.Now().UTC(),
	}
	for _, e := range m.events {
		if e.Actor != actor {
			continue
		}
		if e.Timestamp.Before(period.Start) || !e.Timestamp.Before(period.End) {
			continue
		}
		usage.Totals[e.EventType] += e.Quantity
	}
	return usage, nil
}

// GetUsageByType retrieves usage for a specific event type.
func (m *MemoryMeter) GetUsageByType(ctx context.Context, actor string, eventType EventType, period Period) (int64, error) {
	usage, err := m.GetUsage(ctx, actor, period)
	if err != nil {
		return 0, err
	}
	return usage.Totals[eventType], nil
}
