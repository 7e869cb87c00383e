// Package notify is the fire-and-forget event boundary. Pipeline code
// publishes events and moves on; delivery failures are the dispatcher's
// problem, never the caller's.
package notify

import (
	"context"
	"log/slog"
	"time"
)

// Event is one pipeline occurrence worth telling the outside world about.
type Event struct {
	Kind      string         `json:"kind"`
	FileID    string         `json:"file_id,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event kinds emitted by the pipeline.
const (
	KindInspectionProcessed = "inspection.processed"
	KindInspectionSkipped   = "inspection.skipped"
	KindInspectionFailed    = "inspection.failed"
	KindFileMisrouted       = "file.misrouted"
)

// Sender delivers one event. Implementations own their retries and must
// never panic into the worker.
type Sender interface {
	Send(ctx context.Context, ev Event) error
}

// Publisher is the producer-facing half of the dispatcher.
type Publisher interface {
	Publish(ev Event)
}

// LogSender writes events to the structured log. The default sender until a
// real channel (mail, chat webhook) is configured.
type LogSender struct {
	Log *slog.Logger
}

func (s *LogSender) Send(_ context.Context, ev Event) error {
	s.Log.Info("notification",
		"kind", ev.Kind,
		"file_id", ev.FileID,
		"message", ev.Message,
		"fields", ev.Fields)
	return nil
}

// Dispatcher fans events from a buffered channel to a Sender on its own
// goroutine. Publish never blocks: when the buffer is full the event is
// dropped and counted, because the pipeline must not stall on notifications.
type Dispatcher struct {
	sender Sender
	events chan Event
	log    *slog.Logger
	done   chan struct{}
}

// NewDispatcher creates a dispatcher with the given buffer size.
func NewDispatcher(sender Sender, buffer int, log *slog.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 64
	}
	return &Dispatcher{
		sender: sender,
		events: make(chan Event, buffer),
		log:    log,
		done:   make(chan struct{}),
	}
}

// Publish enqueues an event without blocking.
func (d *Dispatcher) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case d.events <- ev:
	default:
		d.log.Warn("notification buffer full, dropping event", "kind", ev.Kind, "file_id", ev.FileID)
	}
}

// Run drains the event channel until ctx is canceled. Call in its own
// goroutine.
func (d *Dispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case ev := <-d.events:
			if err := d.sender.Send(ctx, ev); err != nil {
				d.log.Error("notification send failed", "kind", ev.Kind, "error", err)
			}
		case <-ctx.Done():
			// Drain what is already buffered, then stop.
			for {
				select {
				case ev := <-d.events:
					if err := d.sender.Send(context.Background(), ev); err != nil {
						d.log.Error("notification send failed", "kind", ev.Kind, "error", err)
					}
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until Run has returned.
func (d *Dispatcher) Wait() {
	<-d.done
}
