package lifecycle

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"chatnerd/internal/conduit"
	"chatnerd/internal/conduit/conduittest"
	"chatnerd/internal/credstore"
	"chatnerd/internal/events"
	"chatnerd/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	sel     = conduit.DefaultSelectors()
	worker0 = types.Identity{AccountID: "acme", WorkerID: "worker0"}
	saved   = &types.Credential{
		Cookies:      []types.Cookie{{Name: "wa_session", Value: "s3cret", Domain: ".whatsapp.com", Path: "/"}},
		LocalStorage: map[string]string{"WABrowserId": "abc"},
	}
)

type recorder struct {
	mu  sync.Mutex
	evs []events.Event
}

func (r *recorder) listen(ev events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evs = append(r.evs, ev)
}

func (r *recorder) types() []events.Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Type, 0, len(r.evs))
	for _, ev := range r.evs {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) of(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, ev := range r.evs {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

func newLifecycle(t *testing.T, factory conduit.Factory, store credstore.Store, attempts int) (*Lifecycle, *recorder) {
	t.Helper()
	cfg := Config{
		Identity:      worker0,
		Selectors:     sel,
		CheckInterval: 10 * time.Millisecond,
		MaxAttempts:   attempts,
		UserDataDir:   filepath.Join(t.TempDir(), "user_data", "acme", "worker0"),
	}
	require.NoError(t, os.MkdirAll(cfg.UserDataDir, 0755))
	l := New(cfg, factory, store, nil)
	rec := &recorder{}
	l.On(rec.listen)
	return l, rec
}

// readyFactory opens fakes whose ready marker is already present.
func readyFactory() *conduittest.Factory {
	fa := conduittest.NewFactory()
	fa.NewFake = func() *conduittest.Fake {
		f := conduittest.New()
		f.Present(sel.Ready)
		f.SetCredential(saved)
		return f
	}
	return fa
}

func run(t *testing.T, l *Lifecycle) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	stopped := make(chan struct{})
	go func() {
		errCh <- l.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
	return cancel, errCh
}

func awaitWatching(t *testing.T, l *Lifecycle, fa *conduittest.Factory, opened int) *conduittest.Fake {
	t.Helper()
	require.Eventually(t, func() bool {
		last := fa.Last()
		return len(fa.Opened()) == opened && l.State() == types.StateReady && last.Subscribers("") == 1
	}, 2*time.Second, time.Millisecond)
	return fa.Last()
}

func TestStartFailsAfterMaxAttempts(t *testing.T) {
	fa := conduittest.NewFactory()
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)

	err := l.Start(context.Background())
	require.ErrorIs(t, err, ErrAuthTimeout)

	f := fa.Last()
	assert.Equal(t, 3, f.WaitCalls(sel.Ready))
	assert.True(t, f.Closed())
	assert.Nil(t, l.Conduit())
	assert.Equal(t, types.StateFailed, l.State())
	assert.Equal(t, []string{sel.AppURL}, f.Navigations())

	failed := rec.of(events.AuthFailed)
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0].Err, "timed out")
	assert.Empty(t, rec.of(events.Ready))
}

func TestStartDeadConduitStillCountsAttempts(t *testing.T) {
	f := conduittest.New()
	f.SetAlive(false)
	fa := conduittest.NewFactory(f)
	l, _ := newLifecycle(t, fa, credstore.NewMemoryStore(), 2)

	require.ErrorIs(t, l.Start(context.Background()), ErrAuthTimeout)
	assert.Zero(t, f.WaitCalls(sel.Ready))
}

func TestStartDeadConduitSpacesAttempts(t *testing.T) {
	f := conduittest.New()
	f.SetAlive(false)
	l, rec := newLifecycle(t, conduittest.NewFactory(f), credstore.NewMemoryStore(), 3)

	start := time.Now()
	require.ErrorIs(t, l.Start(context.Background()), ErrAuthTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 3*l.cfg.CheckInterval)
	assert.True(t, f.Closed())
	assert.Len(t, rec.of(events.AuthFailed), 1)
}

func TestCancelDuringCredentialPolling(t *testing.T) {
	f := conduittest.New()
	f.SetAlive(false)
	l, rec := newLifecycle(t, conduittest.NewFactory(f), credstore.NewMemoryStore(), 1000)
	l.cfg.CheckInterval = 500 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	require.Eventually(t, func() bool { return l.State() == types.StateAwaitingCredential }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	canceled := time.Now()
	cancel()
	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("credential polling did not stop on cancel")
	}
	assert.Less(t, time.Since(canceled), l.cfg.CheckInterval/2)
	assert.True(t, f.Closed())
	assert.Nil(t, l.Conduit())
	assert.Empty(t, rec.of(events.AuthFailed))
}

func TestStartOpenFailureUsesAttemptBudget(t *testing.T) {
	fa := conduittest.NewFactory()
	fa.FailWith(errors.New("no browser binary"))
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)

	err := l.Start(context.Background())
	require.ErrorIs(t, err, ErrConduitUnavailable)
	assert.Contains(t, err.Error(), "no browser binary")
	assert.Equal(t, 3, fa.Attempts())
	assert.Equal(t, types.StateFailed, l.State())
	assert.Len(t, rec.of(events.AuthFailed), 1)
}

func TestStartRetriesTransientOpenFailure(t *testing.T) {
	fa := readyFactory()
	fa.FailNext(1, errors.New("browser not reachable"))
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)

	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.release)

	assert.Equal(t, 2, fa.Attempts())
	assert.Len(t, fa.Opened(), 1)
	assert.Equal(t, types.StateReady, l.State())
	assert.Equal(t, []events.Type{events.Authenticated, events.Ready}, rec.types())
}

func TestStartRetriesFailedNavigation(t *testing.T) {
	broken := conduittest.New()
	broken.NavigateErr = errors.New("net::ERR_CONNECTION_RESET")
	fa := conduittest.NewFactory(broken)
	fa.NewFake = readyFactory().NewFake
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)

	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.release)

	require.Len(t, fa.Opened(), 2)
	assert.True(t, broken.Closed())
	assert.Equal(t, []string{sel.AppURL}, fa.Last().Navigations())
	assert.Empty(t, rec.of(events.AuthFailed))
}

func TestChallengeWatchBacksOffOnWaitErrors(t *testing.T) {
	f := conduittest.New()
	f.WaitErr[sel.QRCode] = errors.New("evaluate: execution context was destroyed")
	l, _ := newLifecycle(t, conduittest.NewFactory(f), credstore.NewMemoryStore(), 5)

	require.ErrorIs(t, l.Start(context.Background()), ErrAuthTimeout)
	// about one wait per check interval over the five attempts
	assert.LessOrEqual(t, f.WaitCalls(sel.QRCode), 12)
}

func TestChallengeEmittedAndRotated(t *testing.T) {
	f := conduittest.New()
	f.SetAttr(sel.QRCode, sel.QRAttribute, "ref-1")
	fa := conduittest.NewFactory(f)
	store := credstore.NewMemoryStore()
	l, rec := newLifecycle(t, fa, store, 1000)

	done := make(chan error, 1)
	go func() { done <- l.Start(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(rec.of(events.QR)) == 1 && f.Subscribers(sel.QRCode) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Equal(t, types.StateAwaitingCredential, l.State())

	f.SetAttr(sel.QRCode, sel.QRAttribute, "ref-2")
	f.Emit(sel.QRCode, conduit.RawChangeEvent{Kind: conduit.KindAttribute, Attribute: sel.QRAttribute, PayloadText: "ref-2"})
	// an unchanged value is not re-emitted
	f.Emit(sel.QRCode, conduit.RawChangeEvent{Kind: conduit.KindAttribute, Attribute: sel.QRAttribute, PayloadText: "ref-2"})
	require.Eventually(t, func() bool { return len(rec.of(events.QR)) == 2 }, 2*time.Second, time.Millisecond)

	f.SetCredential(saved)
	f.Present(sel.Ready)
	require.NoError(t, <-done)
	t.Cleanup(l.release)

	qrs := rec.of(events.QR)
	require.Len(t, qrs, 2)
	assert.Equal(t, "ref-1", qrs[0].QR)
	assert.Equal(t, "ref-2", qrs[1].QR)
	assert.Equal(t, []events.Type{events.QR, events.QR, events.Authenticated, events.Ready}, rec.types())
	assert.Equal(t, types.StateReady, l.State())

	stored, err := store.Load(context.Background(), worker0)
	require.NoError(t, err)
	assert.Equal(t, saved.Cookies, stored.Cookies)
}

func TestStartRestoresStoredCredential(t *testing.T) {
	f := conduittest.New()
	f.OnReload = func() { f.Present(sel.Ready) }
	fa := conduittest.NewFactory(f)
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), worker0, saved))
	l, rec := newLifecycle(t, fa, store, 3)

	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(l.release)

	applied := f.Applied()
	require.Len(t, applied, 1)
	assert.Equal(t, saved.Cookies, applied[0].Cookies)
	assert.Equal(t, 1, f.Reloads())
	assert.Equal(t, 1, f.WaitCalls(sel.Ready))
	assert.Empty(t, rec.of(events.QR))
	assert.Equal(t, []events.Type{events.Authenticated, events.Ready}, rec.types())
}

func TestStartFallsBackWhenRestoreFails(t *testing.T) {
	fa := conduittest.NewFactory()
	store := credstore.NewMemoryStore()
	require.NoError(t, store.Save(context.Background(), worker0, saved))
	l, _ := newLifecycle(t, fa, store, 2)

	require.ErrorIs(t, l.Start(context.Background()), ErrAuthTimeout)
	f := fa.Last()
	assert.Len(t, f.Applied(), 1)
	// one confirmation after restoring plus the full attempt budget
	assert.Equal(t, 3, f.WaitCalls(sel.Ready))
}

func TestStartCanceled(t *testing.T) {
	fa := conduittest.NewFactory()
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 1000)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Start(ctx) }()
	require.Eventually(t, func() bool { return l.State() == types.StateAwaitingCredential }, time.Second, time.Millisecond)
	cancel()

	require.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, fa.Last().Closed())
	assert.Empty(t, rec.of(events.AuthFailed))
}

func TestRunRecoversFromRemoteLogout(t *testing.T) {
	fa := readyFactory()
	store := credstore.NewMemoryStore()
	l, rec := newLifecycle(t, fa, store, 3)
	cancel, errCh := run(t, l)

	first := awaitWatching(t, l, fa, 1)
	n := first.Emit("", conduit.RawChangeEvent{Kind: conduit.KindText, PayloadText: "Desconectando..."})
	require.Equal(t, 1, n)

	second := awaitWatching(t, l, fa, 2)
	assert.True(t, first.Closed())
	assert.Equal(t, 1, l.Recoveries())
	// the dropped credential is not restored into the new session
	assert.Empty(t, second.Applied())
	assert.NoDirExists(t, l.cfg.UserDataDir)

	disc := rec.of(events.Disconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, string(ReasonRemote), disc[0].Reason)

	cancel()
	require.ErrorIs(t, <-errCh, context.Canceled)
	assert.True(t, second.Closed())
	disc = rec.of(events.Disconnected)
	require.Len(t, disc, 2)
	assert.Equal(t, string(ReasonShutdown), disc[1].Reason)
}

func TestRunIgnoresUnrelatedMutations(t *testing.T) {
	fa := readyFactory()
	l, _ := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)
	run(t, l)

	first := awaitWatching(t, l, fa, 1)
	// filtered out by the scope's marker
	assert.Zero(t, first.Emit("", conduit.RawChangeEvent{Kind: conduit.KindText, PayloadText: "hello"}))
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, fa.Opened(), 1)
	assert.Zero(t, l.Recoveries())
}

func TestRunRecoversFromLostConduit(t *testing.T) {
	fa := readyFactory()
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)
	run(t, l)

	first := awaitWatching(t, l, fa, 1)
	first.SetAlive(false)

	second := awaitWatching(t, l, fa, 2)
	disc := rec.of(events.Disconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, string(ReasonConduitLost), disc[0].Reason)
	// the credential survives and is restored
	require.Len(t, second.Applied(), 1)
	assert.Equal(t, saved.Cookies, second.Applied()[0].Cookies)
	assert.DirExists(t, l.cfg.UserDataDir)
}

func TestDisconnectRequested(t *testing.T) {
	fa := readyFactory()
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)
	assert.False(t, l.Disconnect(), "no session yet")
	run(t, l)

	awaitWatching(t, l, fa, 1)
	require.True(t, l.Disconnect())
	awaitWatching(t, l, fa, 2)

	disc := rec.of(events.Disconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, string(ReasonRequested), disc[0].Reason)
}

func TestLogoutWhileReady(t *testing.T) {
	fa := readyFactory()
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)
	run(t, l)

	awaitWatching(t, l, fa, 1)
	require.NoError(t, l.Logout(context.Background()))
	second := awaitWatching(t, l, fa, 2)

	disc := rec.of(events.Disconnected)
	require.Len(t, disc, 1)
	assert.Equal(t, string(ReasonLogout), disc[0].Reason)
	assert.Empty(t, second.Applied())
	assert.NoDirExists(t, l.cfg.UserDataDir)
}

func TestLogoutWhileStopped(t *testing.T) {
	store := credstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Save(ctx, worker0, saved))
	l, _ := newLifecycle(t, conduittest.NewFactory(), store, 3)

	require.NoError(t, l.Logout(ctx))
	cred, err := store.Load(ctx, worker0)
	require.NoError(t, err)
	assert.Nil(t, cred)
	assert.NoDirExists(t, l.cfg.UserDataDir)
}

func TestWatchRequiresReady(t *testing.T) {
	l, _ := newLifecycle(t, conduittest.NewFactory(), credstore.NewMemoryStore(), 1)
	_, err := l.WatchForDisconnection(context.Background())
	require.ErrorIs(t, err, ErrNotReady)
}

func TestRunSurvivesTransientOpenFailureAfterRecovery(t *testing.T) {
	fa := readyFactory()
	l, rec := newLifecycle(t, fa, credstore.NewMemoryStore(), 3)
	run(t, l)

	first := awaitWatching(t, l, fa, 1)
	fa.FailNext(1, errors.New("browser not reachable"))
	first.SetAlive(false)

	awaitWatching(t, l, fa, 2)
	assert.Equal(t, 3, fa.Attempts())
	assert.Equal(t, 1, l.Recoveries())
	assert.Empty(t, rec.of(events.AuthFailed))
}

func TestShutdownCutsReleaseGraceShort(t *testing.T) {
	fa := readyFactory()
	store := credstore.NewMemoryStore()
	l, _ := newLifecycle(t, fa, store, 3)
	l.cfg.ReleaseGrace = time.Hour
	cancel, errCh := run(t, l)

	first := awaitWatching(t, l, fa, 1)
	first.Emit("", conduit.RawChangeEvent{Kind: conduit.KindText, PayloadText: "Desconectando..."})
	require.Eventually(t, func() bool { return l.State() == types.StateDisconnected }, time.Second, time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("shutdown waited for the release grace")
	}
	// the dropped session is still purged
	assert.NoDirExists(t, l.cfg.UserDataDir)
	cred, err := store.Load(context.Background(), worker0)
	require.NoError(t, err)
	assert.Nil(t, cred)
}
