// Package events defines worker events, the synchronous in-worker emitter and
// the process-wide bus that carries them to the UI and external forwarders.
package events

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"chatnerd/internal/logging"
	"chatnerd/internal/types"
)

// Type names an event.
type Type string

const (
	QR              Type = "qr"
	Authenticated   Type = "authenticated"
	AuthFailed      Type = "auth_failed"
	Ready           Type = "ready"
	Disconnected    Type = "disconnected"
	IncomingMessage Type = "incomingMessage"
	MessageReceived Type = "message_received"
)

// Event is one notification from a worker.
type Event struct {
	ID       string                  `json:"id"`
	Type     Type                    `json:"type"`
	Identity types.Identity          `json:"identity"`
	At       time.Time               `json:"at"`
	QR       string                  `json:"qr,omitempty"`
	Message  *types.CandidateMessage `json:"message,omitempty"`
	Reason   string                  `json:"reason,omitempty"`
	Err      string                  `json:"error,omitempty"`
}

// New stamps an event with an id and the current time.
func New(t Type, id types.Identity) Event {
	return Event{ID: uuid.NewString(), Type: t, Identity: id, At: time.Now()}
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(Event)

// Emitter fans events out to listeners in registration order.
type Emitter struct {
	mu        sync.RWMutex
	listeners []Listener
}

// On registers a listener.
func (e *Emitter) On(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// Emit calls every listener before returning. A panicking listener is logged and skipped.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	ls := append([]Listener(nil), e.listeners...)
	e.mu.RUnlock()

	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					logging.EventsWarn("listener panicked on %s for %s: %v", ev.Type, ev.Identity, r)
				}
			}()
			l(ev)
		}()
	}
}

func (ev Event) String() string {
	return fmt.Sprintf("%s[%s]", ev.Type, ev.Identity)
}
