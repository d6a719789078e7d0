package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"chatnerd/internal/config"
	"chatnerd/internal/credstore"
	"chatnerd/internal/types"
)

// setup writes a config rooted in a temp dir and points the global flag at it.
func setup(t *testing.T, rules string) (*config.Config, string) {
	t.Helper()
	logger = zap.NewNop()
	for _, k := range []string{"CHATNERD_ACCOUNT", "CHATNERD_WORKERS", "CHATNERD_REDIS_ADDR", "CHATNERD_NATS_URL", "CHATNERD_LOG_LEVEL"} {
		t.Setenv(k, "")
	}

	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.AccountID = "acme"
	cfg.Workers = 2
	cfg.DataDir = filepath.Join(dir, "data")
	cfg.RulesFile = filepath.Join(dir, "rules.yaml")
	cfg.SynonymsFile = filepath.Join(dir, "synonyms.json")
	cfg.Logging.File = filepath.Join(dir, "logs", "chatnerd.log")
	cfg.Logging.Console = false

	if rules != "" {
		require.NoError(t, os.WriteFile(cfg.RulesFile, []byte(rules), 0644))
	}
	require.NoError(t, os.WriteFile(cfg.SynonymsFile, []byte(`{"oi": ["ola"]}`), 0644))

	configPath = filepath.Join(dir, "chatnerd.yaml")
	require.NoError(t, cfg.Save(configPath))
	t.Cleanup(func() { configPath = "chatnerd.yaml" })
	return cfg, dir
}

func newCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetContext(context.Background())
	return cmd, &buf
}

const testRules = `
- question: oi
  answer: Hi!
- question: qual o preco
  answer: R$ 10
- question: horario de funcionamento
  answer: 9h-18h
`

func TestRulesMatch(t *testing.T) {
	setup(t, testRules)

	cmd, out := newCmd()
	require.NoError(t, matchRule(cmd, []string{"Olá"}))
	assert.Contains(t, out.String(), `"oi"`)
	assert.Contains(t, out.String(), "answer:    Hi!")

	cmd, out = newCmd()
	require.NoError(t, matchRule(cmd, []string{"zzzzzzzzzzzz"}))
	assert.Contains(t, out.String(), "below threshold")
}

func TestRulesMatchWithoutRules(t *testing.T) {
	setup(t, "")

	cmd, out := newCmd()
	require.NoError(t, matchRule(cmd, []string{"oi"}))
	assert.Contains(t, out.String(), "No rules loaded.")
}

func TestRulesSearch(t *testing.T) {
	setup(t, testRules)

	cmd, out := newCmd()
	require.NoError(t, searchRules(cmd, []string{"prc"}))
	assert.Contains(t, out.String(), "qual o preco")
	assert.Contains(t, out.String(), "R$ 10")
	assert.NotContains(t, out.String(), "horario")

	cmd, out = newCmd()
	require.NoError(t, searchRules(cmd, []string{"xyzzy"}))
	assert.Contains(t, out.String(), "No matching questions.")
}

func TestSessionsListAndLogout(t *testing.T) {
	cfg, _ := setup(t, "")

	cmd, out := newCmd()
	require.NoError(t, listSessions(cmd, nil))
	assert.Contains(t, out.String(), "No stored sessions.")

	store := credstore.NewFileStore(cfg.SessionsDir())
	cred := &types.Credential{LocalStorage: map[string]string{"WABrowserId": "x"}}
	for _, w := range []string{"worker0", "worker1"} {
		require.NoError(t, store.Save(context.Background(), types.Identity{AccountID: "acme", WorkerID: w}, cred))
	}
	profile := cfg.UserDataDir("worker1")
	require.NoError(t, os.MkdirAll(profile, 0755))

	cmd, out = newCmd()
	require.NoError(t, listSessions(cmd, nil))
	assert.Contains(t, out.String(), "worker0")
	assert.Contains(t, out.String(), profile)

	cmd, out = newCmd()
	require.NoError(t, logoutWorkers(cmd, []string{"worker1"}))
	assert.Contains(t, out.String(), "Logged out acme/worker1")
	assert.NoDirExists(t, profile)

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []types.Identity{{AccountID: "acme", WorkerID: "worker0"}}, ids)
}

func TestLogoutAll(t *testing.T) {
	cfg, _ := setup(t, "")
	store := credstore.NewFileStore(cfg.SessionsDir())
	cred := &types.Credential{LocalStorage: map[string]string{"k": "v"}}
	for _, w := range []string{"worker0", "worker1"} {
		require.NoError(t, store.Save(context.Background(), types.Identity{AccountID: "acme", WorkerID: w}, cred))
	}

	logoutAll = true
	t.Cleanup(func() { logoutAll = false })
	cmd, _ := newCmd()
	require.NoError(t, logoutWorkers(cmd, nil))

	ids, err := store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConfigInit(t *testing.T) {
	logger = zap.NewNop()
	configPath = filepath.Join(t.TempDir(), "conf", "chatnerd.toml")
	t.Cleanup(func() { configPath = "chatnerd.yaml"; configForce = false })

	cmd, out := newCmd()
	require.NoError(t, configInitCmd.RunE(cmd, nil))
	assert.Contains(t, out.String(), "Wrote")
	assert.FileExists(t, configPath)

	err := configInitCmd.RunE(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	configForce = true
	require.NoError(t, configInitCmd.RunE(cmd, nil))

	loaded, err := config.Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().MaxAttempts, loaded.MaxAttempts)
}

func TestSendArgumentErrors(t *testing.T) {
	cmd, _ := newCmd()
	err := sendMessages(cmd, []string{"5511999999999"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nothing to send")

	err = sendMessages(cmd, []string{" , "})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no recipient")
}

func TestSplitPhones(t *testing.T) {
	assert.Equal(t, []string{"1", "2"}, splitPhones(" 1, ,2 "))
	assert.Nil(t, splitPhones(""))
}

func TestRootCommandTree(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "send", "logout", "sessions", "rules", "config"} {
		assert.True(t, names[want], "missing command %s", want)
	}
}
