package events

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatnerd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var worker0 = types.Identity{AccountID: "acme", WorkerID: "worker0"}

func TestEmitterOrderAndPanics(t *testing.T) {
	var e Emitter
	var got []string
	e.On(func(ev Event) { got = append(got, "first:"+string(ev.Type)) })
	e.On(func(Event) { panic("boom") })
	e.On(func(ev Event) { got = append(got, "third:"+string(ev.Type)) })

	e.Emit(New(Ready, worker0))
	assert.Equal(t, []string{"first:ready", "third:ready"}, got)
}

func TestNewStampsEvent(t *testing.T) {
	ev := New(QR, worker0)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, worker0, ev.Identity)
	assert.WithinDuration(t, time.Now(), ev.At, time.Second)
	assert.Equal(t, "qr[acme/worker0]", ev.String())
}

func TestBusRoundTrip(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	evs, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	sent := New(IncomingMessage, worker0)
	sent.Message = &types.CandidateMessage{DataID: "false_1@c.us_X", SenderHint: "1", Text: "oi"}
	bus.Listener()(sent)

	select {
	case got := <-evs:
		assert.Equal(t, sent.ID, got.ID)
		assert.Equal(t, IncomingMessage, got.Type)
		require.NotNil(t, got.Message)
		assert.Equal(t, "oi", got.Message.Text)
	case <-time.After(2 * time.Second):
		t.Fatal("event not delivered")
	}
}

func TestWatermillLoggerFormat(t *testing.T) {
	l := &watermillLogger{}
	child := l.With(watermill.LogFields{"topic": Topic}).(*watermillLogger)
	assert.Equal(t, "published subscriber=1 topic=chatnerd.events",
		child.format("published", watermill.LogFields{"subscriber": 1}))
	assert.Equal(t, "plain", l.format("plain", nil))
}

func TestNATSSubject(t *testing.T) {
	f := &NATSForwarder{subject: "chatnerd.events"}
	assert.Equal(t, "chatnerd.events.acme.worker0.auth_failed", f.Subject(New(AuthFailed, worker0)))
}
