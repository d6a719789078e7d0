package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatnerd/internal/conduit"
	"chatnerd/internal/conduit/conduittest"
	"chatnerd/internal/config"
	"chatnerd/internal/credstore"
	"chatnerd/internal/events"
	"chatnerd/internal/lifecycle"
	"chatnerd/internal/responder"
	"chatnerd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var sel = conduit.DefaultSelectors()

const mariaID = "false_5511999999999@c.us_3EB0AAAA"

func testConfig(t *testing.T, workers int) *config.Config {
	cfg := config.DefaultConfig()
	cfg.AccountID = "acme"
	cfg.Workers = workers
	cfg.CheckIntervalMs = 5
	cfg.MaxAttempts = 2
	cfg.MessageDelayMs = 0
	cfg.SendIntervalMs = 1
	cfg.SearchWaitMs = 1
	cfg.ReleaseGraceMs = 0
	cfg.SynonymsFile = ""
	cfg.RulesFile = ""
	cfg.DataDir = t.TempDir()
	return cfg
}

// sessionFake is a logged-in page with one chat that has an unread "ola".
func sessionFake() *conduittest.Fake {
	f := conduittest.New()
	f.Present(sel.Ready, sel.ChatList)
	f.SetCredential(&types.Credential{Cookies: []types.Cookie{{Name: "wa", Value: "1"}}})
	f.SetAttr(sel.ContactTitle, "title", "5511988887777")
	f.OnClick = func(locator string) {
		if locator == conduit.ByAriaLabel("Maria") {
			f.SetText(sel.IncomingText, "ola")
			f.SetAttr(sel.IncomingRow, "data-id", mariaID)
		}
	}
	return f
}

type busLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (b *busLog) collect(ch <-chan events.Event) {
	for ev := range ch {
		b.mu.Lock()
		b.evs = append(b.evs, ev)
		b.mu.Unlock()
	}
}

func (b *busLog) count(t events.Type, worker string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, ev := range b.evs {
		if ev.Type == t && ev.Identity.WorkerID == worker {
			n++
		}
	}
	return n
}

type harness struct {
	m       *Manager
	factory *conduittest.Factory
	log     *busLog
	cancel  context.CancelFunc
	done    chan error
}

func start(t *testing.T, cfg *config.Config, factory *conduittest.Factory, handlers ...responder.HandlerBuilder) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	m, err := New(ctx, Options{
		Config:   cfg,
		Factory:  factory,
		Store:    credstore.NewMemoryStore(),
		Rules:    responder.StaticRules{{Question: "ola", Answer: "Hi!"}},
		Handlers: handlers,
	})
	require.NoError(t, err)

	h := &harness{m: m, factory: factory, log: &busLog{}, cancel: cancel, done: make(chan error, 1)}
	evs, err := m.Bus().Subscribe(ctx)
	require.NoError(t, err)
	collected := make(chan struct{})
	go func() {
		h.log.collect(evs)
		close(collected)
	}()
	go func() { h.done <- m.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		<-h.done
		require.NoError(t, m.Close())
		<-collected
	})
	return h
}

func waitState(t *testing.T, w *Worker, want types.ConnectionState) {
	t.Helper()
	require.Eventually(t, func() bool { return w.Status().State == want }, 2*time.Second, time.Millisecond)
}

func TestWorkerAnswersIncomingMessage(t *testing.T) {
	factory := conduittest.NewFactory()
	factory.NewFake = sessionFake
	h := start(t, testConfig(t, 1), factory)

	w, ok := h.m.Worker("worker0")
	require.True(t, ok)
	waitState(t, w, types.StateReady)
	f := factory.Last()
	require.Eventually(t, func() bool { return f.Subscribers(sel.ChatList) == 1 }, time.Second, time.Millisecond)

	f.Emit(sel.ChatList, conduit.RawChangeEvent{Kind: conduit.KindSubtree, LocatorHint: `<div aria-label="Maria">ola</div>`})

	require.Eventually(t, func() bool {
		return h.log.count(events.MessageReceived, "worker0") == 1
	}, 2*time.Second, time.Millisecond)
	assert.Contains(t, f.Typed(), conduittest.Typed{Locator: sel.Composer, Text: "Hi!"})
	assert.Equal(t, []string{"enter"}, f.Pressed())
	assert.Equal(t, 1, h.log.count(events.IncomingMessage, "worker0"))
	assert.Equal(t, 1, h.log.count(events.Ready, "worker0"))
	assert.Equal(t, 1, w.Status().Processed)
}

func TestExtraHandlerRepliesThroughSessionSender(t *testing.T) {
	factory := conduittest.NewFactory()
	factory.NewFake = sessionFake
	echo := func(s *responder.Sender) responder.Handler {
		return responder.HandlerFunc(func(ctx context.Context, msg types.CandidateMessage) error {
			return s.Reply(ctx, "echo: "+msg.Text)
		})
	}
	h := start(t, testConfig(t, 1), factory, echo)

	w, _ := h.m.Worker("worker0")
	waitState(t, w, types.StateReady)
	f := factory.Last()
	require.Eventually(t, func() bool { return f.Subscribers(sel.ChatList) == 1 }, time.Second, time.Millisecond)

	f.Emit(sel.ChatList, conduit.RawChangeEvent{Kind: conduit.KindSubtree, LocatorHint: `<div aria-label="Maria">ola</div>`})
	require.Eventually(t, func() bool { return w.Status().Processed == 1 }, 2*time.Second, time.Millisecond)
	assert.Contains(t, f.Typed(), conduittest.Typed{Locator: sel.Composer, Text: "Hi!"})
	assert.Contains(t, f.Typed(), conduittest.Typed{Locator: sel.Composer, Text: "echo: ola"})

	// the turn is free again once the chain returns
	require.NoError(t, w.Send(context.Background(), "5511988887777", "follow-up"))
}

func TestRecoveryStartsWithEmptyProcessedSet(t *testing.T) {
	factory := conduittest.NewFactory()
	factory.NewFake = sessionFake
	h := start(t, testConfig(t, 1), factory)

	w, _ := h.m.Worker("worker0")
	waitState(t, w, types.StateReady)
	first := factory.Last()
	require.Eventually(t, func() bool { return first.Subscribers(sel.ChatList) == 1 && first.Subscribers("") == 1 }, time.Second, time.Millisecond)

	first.Emit(sel.ChatList, conduit.RawChangeEvent{Kind: conduit.KindSubtree, LocatorHint: `<div aria-label="Maria">ola</div>`})
	require.Eventually(t, func() bool { return w.Status().Processed == 1 }, 2*time.Second, time.Millisecond)

	first.Emit("", conduit.RawChangeEvent{Kind: conduit.KindText, PayloadText: "Desconectando"})
	require.Eventually(t, func() bool {
		return len(factory.Opened()) == 2 && w.Status().State == types.StateReady
	}, 2*time.Second, time.Millisecond)

	st := w.Status()
	assert.Equal(t, 1, st.Recoveries)
	assert.Zero(t, st.Processed)
	assert.True(t, first.Closed())
	require.Eventually(t, func() bool { return h.log.count(events.Disconnected, "worker0") == 1 }, time.Second, time.Millisecond)

	// the same message in the new session is handled again
	second := factory.Last()
	require.Eventually(t, func() bool { return second.Subscribers(sel.ChatList) == 1 }, time.Second, time.Millisecond)
	second.Emit(sel.ChatList, conduit.RawChangeEvent{Kind: conduit.KindSubtree, LocatorHint: `<div aria-label="Maria">ola</div>`})
	require.Eventually(t, func() bool { return w.Status().Processed == 1 }, 2*time.Second, time.Millisecond)
}

func TestSequentialStartContinuesAfterFailure(t *testing.T) {
	stuck := conduittest.New() // never shows the ready marker
	var openedAfterFailure atomic.Bool
	factory := conduittest.NewFactory(stuck)
	factory.NewFake = func() *conduittest.Fake {
		openedAfterFailure.Store(stuck.Closed())
		return sessionFake()
	}
	h := start(t, testConfig(t, 2), factory)

	w0, _ := h.m.Worker("worker0")
	w1, _ := h.m.Worker("worker1")
	waitState(t, w1, types.StateReady)
	assert.Equal(t, types.StateFailed, w0.Status().State)
	assert.True(t, openedAfterFailure.Load(), "second worker opened before the first settled")
	require.Eventually(t, func() bool { return h.log.count(events.AuthFailed, "worker0") == 1 }, time.Second, time.Millisecond)
}

func TestUnavailableConduitFailsOnlyItsWorker(t *testing.T) {
	factory := conduittest.NewFactory()
	factory.NewFake = sessionFake
	factory.FailNext(2, errors.New("browser not reachable"))
	h := start(t, testConfig(t, 2), factory)

	w0, _ := h.m.Worker("worker0")
	w1, _ := h.m.Worker("worker1")
	waitState(t, w1, types.StateReady)
	assert.Equal(t, types.StateFailed, w0.Status().State)
	assert.Equal(t, 3, factory.Attempts())
	select {
	case err := <-h.done:
		t.Fatalf("manager stopped early: %v", err)
	default:
	}
}

func TestIsFailed(t *testing.T) {
	assert.True(t, IsFailed(lifecycle.ErrAuthTimeout))
	assert.True(t, IsFailed(fmt.Errorf("worker0: %w", lifecycle.ErrConduitUnavailable)))
	assert.False(t, IsFailed(context.Canceled))
	assert.False(t, IsFailed(nil))
}

func TestSendRequiresReadySession(t *testing.T) {
	factory := conduittest.NewFactory(conduittest.New())
	factory.NewFake = sessionFake
	cfg := testConfig(t, 1)
	cfg.MaxAttempts = 1000
	h := start(t, cfg, factory)

	w, _ := h.m.Worker("worker0")
	waitState(t, w, types.StateAwaitingCredential)
	assert.ErrorIs(t, w.Send(context.Background(), "5511988887777", "hello"), lifecycle.ErrNotReady)
}

func TestSendThroughReadySession(t *testing.T) {
	factory := conduittest.NewFactory()
	factory.NewFake = sessionFake
	h := start(t, testConfig(t, 1), factory)

	w, _ := h.m.Worker("worker0")
	waitState(t, w, types.StateReady)
	require.Eventually(t, func() bool { _, err := w.current(); return err == nil }, time.Second, time.Millisecond)

	require.NoError(t, w.SendMessages(context.Background(), "5511988887777", []string{"one", "two"}))
	f := factory.Last()
	assert.Equal(t, []conduittest.Typed{
		{Locator: sel.SearchBox, Text: "5511988887777"},
		{Locator: sel.Composer, Text: "one"},
		{Locator: sel.Composer, Text: "two"},
	}, f.Typed())
	assert.Contains(t, f.Clicks(), conduit.ByTitle(sel.ContactTitle, "5511988887777"))
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Workers = 0
	_, err := New(context.Background(), Options{Config: cfg, Store: credstore.NewMemoryStore()})
	assert.ErrorContains(t, err, "invalid config")
}

func TestWorkerConfigFor(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.Selectors.Ready = "#side"
	id := types.Identity{AccountID: "acme", WorkerID: "worker3"}

	wc := WorkerConfigFor(cfg, id)
	assert.Equal(t, id, wc.Lifecycle.Identity)
	assert.Equal(t, "#side", wc.Lifecycle.Selectors.Ready)
	assert.Equal(t, sel.ChatList, wc.Lifecycle.Selectors.ChatList)
	assert.Equal(t, 5*time.Millisecond, wc.Lifecycle.CheckInterval)
	assert.Equal(t, cfg.UserDataDir("worker3"), wc.Lifecycle.UserDataDir)
	assert.Equal(t, 70.0, wc.Threshold)
}

func TestOpenStoreBackends(t *testing.T) {
	cfg := testConfig(t, 1)

	store, err := OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &credstore.FileStore{}, store)
	require.NoError(t, store.Close())

	cfg.Store.Backend = "sqlite"
	store, err = OpenStore(context.Background(), cfg)
	require.NoError(t, err)
	assert.IsType(t, &credstore.SQLiteStore{}, store)
	require.NoError(t, store.Close())

	cfg.Store.Backend = "etcd"
	_, err = OpenStore(context.Background(), cfg)
	assert.Error(t, err)
}
