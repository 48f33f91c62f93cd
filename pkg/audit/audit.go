// Package audit records gate decisions as structured events. Events flow to
// one or more Recorders: a JSON-lines logger for live tailing, a hash-chained
// store for tamper evidence, and a SQLite archive for retention.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/Mindburn-Labs/aegis/pkg/auth"
	"github.com/google/uuid"
)

// EventType defines the category of the audit event.
type EventType string

const (
	EventAccess   EventType = "ACCESS"
	EventMutation EventType = "MUTATION"
	EventSystem   EventType = "SYSTEM"
	EventPolicy   EventType = "POLICY"
	EventSecurity EventType = "SECURITY"
)

// Decision values recorded on gate outcomes.
const (
	DecisionAllow    = "allow"
	DecisionDeny     = "deny"
	DecisionFallback = "fallback"
)

// Event represents a structured audit record.
type Event struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	Type      EventType      `json:"type"`
	Action    string         `json:"action"`
	Resource  string         `json:"resource"`
	Decision  string         `json:"decision,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// withDefaults fills identity and provenance fields the caller left zero.
// The actor comes from the request principal when one is attached.
func (e Event) withDefaults(ctx context.Context) Event {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Actor == "" {
		if p, err := auth.GetPrincipal(ctx); err == nil && p != nil {
			e.Actor = p.GetID()
		} else {
			e.Actor = "anonymous"
		}
	}
	return e
}

// Recorder is the interface for recording audit events.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Logger implements Recorder, writing structured JSON lines to a
// configurable Writer.
type Logger struct {
	mu     sync.Mutex
	writer io.Writer
}

// NewLogger creates a Logger writing to os.Stdout.
func NewLogger() *Logger {
	return NewLoggerWithWriter(os.Stdout)
}

// NewLoggerWithWriter creates a Logger writing to the given writer. This
// allows injection for testing and custom sinks.
func NewLoggerWithWriter(w io.Writer) *Logger {
	if w == nil {
		w = os.Stdout
	}
	return &Logger{writer: w}
}

func (l *Logger) Record(ctx context.Context, event Event) error {
	event = event.withDefaults(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	// Prefix with AUDIT: for easy filtering
	_, err = l.writer.Write(append([]byte("AUDIT: "), append(data, '\n')...))
	return err
}

type multi []Recorder

// Multi fans events out to every recorder, returning the joined errors.
func Multi(recorders ...Recorder) Recorder {
	return multi(recorders)
}

func (m multi) Record(ctx context.Context, event Event) error {
	event = event.withDefaults(ctx)
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
