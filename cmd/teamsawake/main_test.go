package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/99designs/keyring"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"teamsawake/internal/api"
	"teamsawake/internal/automation"
	"teamsawake/internal/llm"
	"teamsawake/internal/notify"
	"teamsawake/internal/secrets"
	"teamsawake/internal/status"
	"teamsawake/internal/store"
)

// setupWorkspace points the global flags at a fresh workspace and loads its
// config.
func setupWorkspace(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"OPENAI_API_KEY", "GEMINI_API_KEY", "TEAMSAWAKE_WORKSPACE", "TEAMSAWAKE_DB", "TEAMSAWAKE_BROWSER"} {
		t.Setenv(k, "")
	}
	logger = zap.NewNop()
	ws := t.TempDir()
	workspace = ws
	configPath = ""
	t.Cleanup(func() {
		workspace = ""
		cfg = nil
	})

	var err error
	cfg, err = loadConfig()
	require.NoError(t, err)
	return ws
}

func testCmd() (*cobra.Command, *bytes.Buffer) {
	var buf bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&buf)
	cmd.SetErr(&buf)
	return cmd, &buf
}

func useArrayKeyring(t *testing.T) {
	t.Helper()
	ring := keyring.NewArrayKeyring(nil)
	prev := openKeys
	openKeys = func(string) (*secrets.Keys, error) { return secrets.New(ring), nil }
	t.Cleanup(func() { openKeys = prev })
}

func seed(t *testing.T, contents ...string) string {
	t.Helper()
	st, err := openStore()
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	id, err := st.CreateSession(ctx)
	require.NoError(t, err)
	base := time.Date(2025, 5, 6, 10, 0, 0, 0, time.UTC)
	for i, c := range contents {
		require.NoError(t, st.AppendNotification(ctx, id, notify.Record{
			ID:               id + "-" + string(rune('a'+i)),
			Timestamp:        base.Add(time.Duration(i) * time.Minute),
			From:             "Bob",
			Content:          c,
			ConversationName: "Release",
		}))
	}
	return id
}

func TestLoadConfig_WorkspaceFlag(t *testing.T) {
	ws := setupWorkspace(t)
	assert.Equal(t, ws, cfg.Workspace)
	assert.Equal(t, filepath.Join(ws, "config.yaml"), resolvedConfigPath())
	assert.Equal(t, filepath.Join(ws, "teamsawake.db"), cfg.StorePath())
}

func TestConfigInitAndShow(t *testing.T) {
	ws := setupWorkspace(t)
	cmd, out := testCmd()

	require.NoError(t, runConfigInit(cmd, nil))
	assert.FileExists(t, filepath.Join(ws, "config.yaml"))
	assert.Contains(t, out.String(), "Wrote")

	err := runConfigInit(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")

	configForce = true
	t.Cleanup(func() { configForce = false })
	require.NoError(t, runConfigInit(cmd, nil))

	cfg.LLM.APIKey = "sk-should-not-print"
	out.Reset()
	require.NoError(t, runConfigShow(cmd, nil))
	assert.Contains(t, out.String(), "target_url: https://teams.microsoft.com/v2/")
	assert.Contains(t, out.String(), "[redacted]")
	assert.NotContains(t, out.String(), "sk-should-not-print")
}

func TestSessions(t *testing.T) {
	setupWorkspace(t)
	cmd, out := testCmd()

	require.NoError(t, runSessions(cmd, nil))
	assert.Contains(t, out.String(), "No sessions recorded yet.")

	id := seed(t, "build is green", "deploying now")

	out.Reset()
	require.NoError(t, runSessions(cmd, nil))
	assert.Contains(t, out.String(), id)
	assert.Contains(t, out.String(), "NOTIFICATIONS")

	sessionsJSON = true
	t.Cleanup(func() { sessionsJSON = false })
	out.Reset()
	require.NoError(t, runSessions(cmd, nil))
	var rows []store.SessionRow
	require.NoError(t, json.Unmarshal(out.Bytes(), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, 2, rows[0].NotificationCount)
}

func TestNotifications_LatestSessionAndMarkRead(t *testing.T) {
	setupWorkspace(t)
	cmd, out := testCmd()

	err := runNotifications(cmd, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sessions")

	seed(t, "older")
	latest := seed(t, "build is green", "deploying now")

	markRead = true
	t.Cleanup(func() { markRead = false })
	require.NoError(t, runNotifications(cmd, nil))
	assert.Contains(t, out.String(), "build is green")
	assert.NotContains(t, out.String(), "older")

	st, err := openStore()
	require.NoError(t, err)
	defer st.Close()
	sess, err := st.GetSession(context.Background(), latest)
	require.NoError(t, err)
	assert.Equal(t, 0, sess.UnreadCount)

	err = runNotifications(cmd, []string{"missing"})
	require.Error(t, err)
}

func TestBrowserSetAndShow(t *testing.T) {
	ws := setupWorkspace(t)
	cmd, out := testCmd()

	exe := filepath.Join(ws, "chrome")
	require.NoError(t, os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o755))

	require.NoError(t, runBrowserSet(cmd, []string{exe}))
	assert.Contains(t, out.String(), "Browser set to "+exe)

	stored, err := storedBrowser()
	require.NoError(t, err)
	assert.Equal(t, exe, stored)

	out.Reset()
	require.NoError(t, runBrowserShow(cmd, nil))
	assert.Contains(t, out.String(), "stored      "+exe)
	assert.Contains(t, out.String(), "launches    "+exe)

	out.Reset()
	require.NoError(t, runBrowserDetect(cmd, nil))
	assert.Equal(t, exe, strings.TrimSpace(out.String()))

	require.Error(t, runBrowserSet(cmd, []string{filepath.Join(ws, "missing")}))
	require.Error(t, runBrowserSet(cmd, []string{ws}))
}

func TestKeySetAndClear(t *testing.T) {
	setupWorkspace(t)
	useArrayKeyring(t)
	cmd, out := testCmd()

	_, err := newCompleter(context.Background(), cfg)
	require.ErrorIs(t, err, llm.ErrNoAPIKey)

	require.NoError(t, runKeySet(cmd, []string{"openai", "sk-test"}))
	assert.Contains(t, out.String(), "Stored openai API key.")
	assert.NotContains(t, out.String(), "sk-test")

	c, err := newCompleter(context.Background(), cfg)
	require.NoError(t, err)
	assert.NotNil(t, c)

	require.NoError(t, runKeyClear(cmd, []string{"openai"}))
	_, err = newCompleter(context.Background(), cfg)
	require.ErrorIs(t, err, llm.ErrNoAPIKey)

	require.Error(t, runKeySet(cmd, []string{"anthropic", "x"}))
	require.Error(t, runKeySet(cmd, []string{"openai", "   "}))
}

func TestKeySet_FromStdin(t *testing.T) {
	setupWorkspace(t)
	useArrayKeyring(t)
	cmd, _ := testCmd()
	cmd.SetIn(strings.NewReader("gm-key\n"))

	keyFromStdin = true
	t.Cleanup(func() { keyFromStdin = false })
	require.NoError(t, runKeySet(cmd, []string{"gemini"}))

	keys, err := openKeys(cfg.Workspace)
	require.NoError(t, err)
	got, err := keys.Get("gemini")
	require.NoError(t, err)
	assert.Equal(t, "gm-key", got)
}

func TestRenderTable(t *testing.T) {
	out := renderTable([]string{"ID", "COUNT"}, [][]string{{"abc", "3"}})
	assert.Contains(t, out, "ID")
	assert.Contains(t, out, "abc")
	assert.Contains(t, out, "3")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "a b c", truncate("a\n b\tc", 10))
	assert.Equal(t, "abcd…", truncate("abcdefgh", 5))
}

func event(t *testing.T, typ string, data any) api.StreamEvent {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return api.StreamEvent{Type: typ, Data: raw}
}

func TestDescribeEvent(t *testing.T) {
	rec := notify.Record{
		Timestamp:        time.Date(2025, 5, 6, 10, 0, 0, 0, time.Local),
		From:             "Bob",
		Content:          "build is green",
		ConversationName: "Release",
	}
	tests := []struct {
		ev   api.StreamEvent
		want string
	}{
		{event(t, status.EventAuth, status.AuthPayload{Authenticated: true, User: "a@b.c"}), "auth: signed in as a@b.c"},
		{event(t, status.EventAuth, status.AuthPayload{}), "auth: signed out"},
		{event(t, status.EventActive, map[string]bool{"active": true}), "keep-alive: active"},
		{event(t, status.EventSession, map[string]string{"session_id": "s1"}), "session: s1"},
		{event(t, status.EventNotification, rec), "[10:00] Release / Bob: build is green"},
		{api.StreamEvent{Type: status.EventConnected}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, describeEvent(tt.ev), tt.ev.Type)
	}
}

func TestWatchModel(t *testing.T) {
	setupWorkspace(t)
	m := newWatchModel(context.Background(), nil)
	assert.Contains(t, m.View(), "connecting")

	events := make(chan api.StreamEvent)
	next, cmd := m.Update(watchConnectedMsg{events: events, status: automation.Status{Running: true}})
	m = next.(watchModel)
	require.NotNil(t, cmd)
	assert.True(t, m.connected)
	assert.Contains(t, m.View(), "no notifications yet")

	updates := []api.StreamEvent{
		event(t, status.EventAuth, status.AuthPayload{Authenticated: true, User: "a@b.c"}),
		event(t, status.EventActive, map[string]bool{"active": true}),
		event(t, status.EventSession, map[string]string{"session_id": "s1"}),
	}
	for i := 0; i < watchHistory+3; i++ {
		updates = append(updates, event(t, status.EventNotification, notify.Record{From: "Bob", Content: "msg"}))
	}
	for _, ev := range updates {
		next, _ = m.Update(watchEventMsg(ev))
		m = next.(watchModel)
	}

	assert.True(t, m.status.Authenticated)
	assert.True(t, m.status.Active)
	assert.True(t, m.status.Monitoring)
	assert.Equal(t, "s1", m.status.SessionID)
	assert.Equal(t, "a@b.c", m.user)
	assert.Len(t, m.lines, watchHistory)
	assert.Contains(t, m.View(), "a@b.c")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	_, cmd = m.Update(watchClosedMsg{})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestPrintEvents(t *testing.T) {
	ch := make(chan api.StreamEvent, 3)
	ch <- api.StreamEvent{Type: status.EventConnected}
	ch <- event(t, status.EventSession, map[string]string{"session_id": "s9"})
	close(ch)

	var buf bytes.Buffer
	require.NoError(t, printEvents(&buf, ch))
	assert.Equal(t, "session: s9\n", buf.String())
}
