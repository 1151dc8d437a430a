// Package notify delivers outbound lifecycle events to the notification
// collaborator. Delivery failures are logged and dropped; they never reach
// the transition path.
package notify

import (
	"context"
	"log/slog"

	"github.com/trelab/airlockd/internal/events"
	"github.com/trelab/airlockd/internal/log"
)

// Notifier is the outbound notification contract. Implementations may send
// email, post to a message bus, or just log.
type Notifier interface {
	Notify(ctx context.Context, ev events.Event) error
}

// LogNotifier writes every lifecycle event to the structured log.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier() *LogNotifier {
	return &LogNotifier{logger: log.WithComponent("notify")}
}

func (n *LogNotifier) Notify(_ context.Context, ev events.Event) error {
	n.logger.Info("lifecycle event",
		"event_id", ev.ID,
		"type", ev.Type,
		"request_id", ev.RequestID,
		"data", string(ev.Data),
	)
	return nil
}

// Relay subscribes to the hub and forwards each event to a notifier until
// ctx is cancelled.
type Relay struct {
	hub      *events.Hub
	notifier Notifier
	logger   *slog.Logger
}

func NewRelay(hub *events.Hub, notifier Notifier) *Relay {
	return &Relay{
		hub:      hub,
		notifier: notifier,
		logger:   log.WithComponent("notify"),
	}
}

// Run blocks until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	ch, cancel := r.hub.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if err := r.notifier.Notify(ctx, ev); err != nil {
				r.logger.Warn("notification delivery failed",
					"type", ev.Type,
					"request_id", ev.RequestID,
					"error", err,
				)
			}
		}
	}
}
