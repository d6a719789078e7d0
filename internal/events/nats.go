package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"chatnerd/internal/logging"
)

// NATSForwarder republishes bus events to NATS on <subject>.<account>.<worker>.<type>.
type NATSForwarder struct {
	nc      *nats.Conn
	subject string
}

// NewNATSForwarder connects to url.
func NewNATSForwarder(url, subject string) (*NATSForwarder, error) {
	nc, err := nats.Connect(url,
		nats.Name("chatnerd"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	if subject == "" {
		subject = "chatnerd.events"
	}
	logging.Events("forwarding events to NATS %s on %s.>", url, subject)
	return &NATSForwarder{nc: nc, subject: subject}, nil
}

// Subject returns the NATS subject for ev.
func (f *NATSForwarder) Subject(ev Event) string {
	return fmt.Sprintf("%s.%s.%s.%s", f.subject, ev.Identity.AccountID, ev.Identity.WorkerID, ev.Type)
}

// Run forwards events from the bus until ctx ends.
func (f *NATSForwarder) Run(ctx context.Context, bus *Bus) error {
	evs, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-evs:
			if !ok {
				return nil
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := f.nc.Publish(f.Subject(ev), data); err != nil {
				logging.EventsWarn("failed to forward %s to NATS: %v", ev, err)
			}
		}
	}
}

// Close flushes and closes the connection.
func (f *NATSForwarder) Close() {
	if f.nc != nil {
		_ = f.nc.Drain()
	}
}
