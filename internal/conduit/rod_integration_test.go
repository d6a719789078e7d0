//go:build integration

package conduit_test

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatnerd/internal/conduit"
	"chatnerd/internal/types"
)

const page = `<html><body>
<div id="pane-side">
  <div aria-label="Lista de conversas" id="list"></div>
</div>
<div data-id="false_5511999999999@c.us_AAA"><div class="focusable-list-item"><div class="message-in"><span class="copyable-text">oi</span></div></div></div>
<div data-id="false_5511888888888@c.us_BBB"><div class="focusable-list-item"><div class="message-in"><span class="copyable-text">tudo bem?</span></div></div></div>
<input id="box" />
<button id="add" onclick="addChat('Maria')">add</button>
<script>
  localStorage.setItem("WABrowserId", "abc");
  function addChat(name) {
    const el = document.createElement("div");
    el.setAttribute("aria-label", name);
    el.textContent = name;
    document.getElementById("list").appendChild(el);
  }
</script>
</body></html>`

func TestRodConduit_Integration(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, page)
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	c, err := conduit.OpenRod(ctx, types.Identity{AccountID: "it", WorkerID: "worker0"}, conduit.Options{
		Headless:         true,
		UserDataDir:      t.TempDir(),
		OperationTimeout: 5 * time.Second,
		PollInterval:     50 * time.Millisecond,
	})
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Navigate(ctx, ts.URL))
	require.True(t, c.IsAlive(ctx))
	require.NoError(t, c.WaitFor(ctx, "#pane-side", 5*time.Second))

	err = c.WaitFor(ctx, "#never", 200*time.Millisecond)
	require.ErrorIs(t, err, conduit.ErrTimeout)

	sel := conduit.DefaultSelectors()
	text, err := c.ReadText(ctx, sel.IncomingText)
	require.NoError(t, err)
	assert.Equal(t, "tudo bem?", text)

	id, err := c.ReadAttribute(ctx, sel.IncomingRow, "data-id")
	require.NoError(t, err)
	assert.Equal(t, "false_5511888888888@c.us_BBB", id)

	events, err := c.Subscribe(ctx, conduit.Scope{Locator: sel.ChatList, Subtree: true, Text: true})
	require.NoError(t, err)

	require.NoError(t, c.Type(ctx, "#box", "hello"))

	_, err = c.ReadText(ctx, "#missing")
	require.ErrorIs(t, err, conduit.ErrNotFound)

	require.NoError(t, c.Click(ctx, "#add"))
	select {
	case ev := <-events:
		assert.Equal(t, conduit.KindSubtree, ev.Kind)
		assert.Contains(t, ev.LocatorHint, `aria-label="Maria"`)
	case <-time.After(5 * time.Second):
		t.Fatal("no change event after click")
	}

	require.NoError(t, c.ApplyCredential(ctx, &types.Credential{LocalStorage: map[string]string{"k": "v"}}))
	cred, err := c.Credential(ctx)
	require.NoError(t, err)
	assert.Equal(t, "abc", cred.LocalStorage["WABrowserId"])
	assert.Equal(t, "v", cred.LocalStorage["k"])

	require.NoError(t, c.Close())
	assert.False(t, c.IsAlive(ctx))
	for range events {
		// drained; the channel closes with the conduit
	}
}
