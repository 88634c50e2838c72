// Package history persists supervisor events to analytics stores. Sinks are
// passive observers: a failing sink never affects supervision.
package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
)

// Row is the flattened form of an event that every sink stores.
type Row struct {
	ID         string    `json:"id"`
	OccurredAt time.Time `json:"occurred_at"`
	Type       string    `json:"type"`
	ProjectID  string    `json:"project_id"`
	State      string    `json:"state"`
	Port       int       `json:"port"`
	Message    string    `json:"message"`
	Fatal      bool      `json:"fatal"`
	ExitCode   int       `json:"exit_code"`
	Signal     string    `json:"signal"`
	CrashCount int       `json:"crash_count"`
	Healthy    *bool     `json:"healthy,omitempty"`
}

// RowFrom flattens e. Output events keep the ANSI-stripped line as Message.
func RowFrom(e events.Event) Row {
	r := Row{
		ID:         e.ID,
		OccurredAt: e.Time.UTC(),
		Type:       string(e.Type),
		ProjectID:  e.ProjectID,
		State:      e.State,
		Port:       e.Port,
		Message:    e.Message,
		Fatal:      e.Fatal,
		ExitCode:   e.ExitCode,
		Signal:     e.Signal,
		CrashCount: e.CrashCount,
	}
	if e.Type == events.Output {
		r.Message = e.Line
	}
	if e.Health != nil {
		h := e.Health.Healthy
		r.Healthy = &h
	}
	return r
}

// Sink is a destination for history rows. Implementations must be safe for
// concurrent use.
type Sink interface {
	Send(ctx context.Context, r Row) error
	Close() error
}

// Table is the table every SQL sink writes to unless told otherwise.
const Table = "devserver_history"

const defaultSendTimeout = 5 * time.Second

// Recorder forwards bus events to sinks.
type Recorder struct {
	sinks         []Sink
	log           *slog.Logger
	includeOutput bool
	timeout       time.Duration
}

type RecorderOption func(*Recorder)

func WithLogger(l *slog.Logger) RecorderOption { return func(r *Recorder) { r.log = l } }

// WithOutput also records every output line. Off by default.
func WithOutput(on bool) RecorderOption { return func(r *Recorder) { r.includeOutput = on } }

func WithSendTimeout(d time.Duration) RecorderOption {
	return func(r *Recorder) { r.timeout = d }
}

func NewRecorder(sinks []Sink, opts ...RecorderOption) *Recorder {
	r := &Recorder{sinks: sinks, log: slog.Default(), timeout: defaultSendTimeout}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run records events from sub until the subscription ends or ctx is done.
func (r *Recorder) Run(ctx context.Context, sub *events.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C():
			if !ok {
				return
			}
			r.Record(ctx, e)
		}
	}
}

// Record sends one event to every sink. Failures are logged.
func (r *Recorder) Record(ctx context.Context, e events.Event) {
	if e.Type == events.Output && !r.includeOutput {
		return
	}
	row := RowFrom(e)
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		err := s.Send(sctx, row)
		cancel()
		if err != nil {
			r.log.Warn("history sink failed", "type", row.Type, "project", row.ProjectID, "error", err)
		}
	}
}

// Close closes every sink.
func (r *Recorder) Close() error {
	var errs []error
	for _, s := range r.sinks {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}

// Columns is the column order used by SQL sinks; Args matches it.
const Columns = "id, occurred_at, type, project_id, state, port, message, fatal, exit_code, signal, crash_count, healthy"

// Args returns r's values in Columns order. Healthy is nil unless set.
func (r Row) Args() []any {
	var healthy any
	if r.Healthy != nil {
		healthy = *r.Healthy
	}
	return []any{r.ID, r.OccurredAt, r.Type, r.ProjectID, r.State, r.Port, r.Message,
		r.Fatal, r.ExitCode, r.Signal, r.CrashCount, healthy}
}
