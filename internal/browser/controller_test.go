package browser

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"teamsawake/internal/config"
)

// launcherFlag returns the first value of a launcher flag and whether it is set.
func launcherFlag(l *launcher.Launcher, name flags.Flag) (string, bool) {
	list, ok := l.GetFlags(name)
	if !ok || len(list) == 0 {
		return "", ok
	}
	return list[0], true
}

func TestNewLauncher_AntiAutomationFlags(t *testing.T) {
	l := newLauncher("", "/tmp/profile", true, []string{
		"--enable-features=WebAuthenticationConditionalUI",
		"disable-background-timer-throttling",
		"  --start-maximized  ",
		"--",
		"",
	})

	assert.False(t, l.Has(flags.Flag("enable-automation")))
	v, ok := launcherFlag(l, flags.Flag("disable-blink-features"))
	require.True(t, ok)
	assert.Equal(t, "AutomationControlled", v)

	v, ok = launcherFlag(l, flags.Flag("enable-features"))
	require.True(t, ok)
	assert.Equal(t, "WebAuthenticationConditionalUI", v)
	assert.True(t, l.Has(flags.Flag("disable-background-timer-throttling")))
	assert.True(t, l.Has(flags.Flag("start-maximized")))

	dir, ok := launcherFlag(l, flags.UserDataDir)
	require.True(t, ok)
	assert.Equal(t, "/tmp/profile", dir)
}

func TestStart_MissingExecutable(t *testing.T) {
	c := NewController(Options{})
	exe := filepath.Join(t.TempDir(), "no-such-chrome")

	h, err := c.Start(context.Background(), exe, t.TempDir(), nil)
	assert.Nil(t, h)

	var le *LaunchError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, exe, le.Executable)
	assert.True(t, errors.Is(err, os.ErrNotExist))
	assert.Contains(t, err.Error(), "no-such-chrome")
}

func TestStop_NilAndTwice(t *testing.T) {
	c := NewController(Options{})
	assert.NotPanics(t, func() {
		c.Stop(nil)
		h := &Handle{}
		c.Stop(h)
		c.Stop(h)
	})
}

func TestOpenPage_NotRunning(t *testing.T) {
	c := NewController(Options{})
	_, err := c.OpenPage(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotRunning)

	_, err = c.OpenPage(context.Background(), &Handle{})
	assert.ErrorIs(t, err, ErrNotRunning)
}

func TestHandle_NilSafeAccessors(t *testing.T) {
	var h *Handle
	assert.False(t, h.Running())
	assert.Nil(t, h.Page())
	assert.Empty(t, h.ControlURL())
}

func TestPage_NilSafe(t *testing.T) {
	var p *Page
	assert.Empty(t, p.TargetID())
	assert.Empty(t, p.CurrentURL())
	_, err := p.LocalStorage(context.Background())
	assert.ErrorIs(t, err, ErrNotRunning)
	assert.ErrorIs(t, p.DispatchActivity(context.Background()), ErrNotRunning)
	assert.NotPanics(t, p.Close)

	c := NewController(Options{})
	assert.NotPanics(t, func() { c.WaitInteractive(context.Background(), nil) })
}

func TestNewController_Defaults(t *testing.T) {
	c := NewController(Options{})
	assert.Equal(t, "https://teams.microsoft.com/v2/", c.opts.TargetURL)
	assert.Equal(t, "teams.microsoft.com", c.opts.TargetDomain)
	assert.Equal(t, 30*time.Second, c.opts.NavigationTimeout)
	assert.Equal(t, 3*time.Second, c.opts.RetryDelay)
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := config.DefaultBrowserConfig()
	cfg.Headless = true
	cfg.NavigationTimeout = "5s"
	opts := OptionsFromConfig(cfg)
	assert.True(t, opts.Headless)
	assert.Equal(t, 5*time.Second, opts.NavigationTimeout)
}

func TestOnDomain(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"https://teams.microsoft.com/v2/", true},
		{"https://TEAMS.microsoft.com/_#/conversations", true},
		{"https://eu.teams.microsoft.com/", true},
		{"https://login.microsoftonline.com/common/oauth2", false},
		{"https://teams.microsoft.com.evil.example/", false},
		{"about:blank", false},
		{"", false},
		{"::not a url", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, onDomain(tt.url, "teams.microsoft.com"), tt.url)
	}
}

func TestDetectExecutable(t *testing.T) {
	dir := t.TempDir()
	configured := filepath.Join(dir, "configured")
	stored := filepath.Join(dir, "stored")
	require.NoError(t, os.WriteFile(configured, []byte{}, 0755))
	require.NoError(t, os.WriteFile(stored, []byte{}, 0755))

	orig := lookPath
	t.Cleanup(func() { lookPath = orig })
	lookPath = func() (string, bool) { return "/usr/bin/chromium", true }

	got, err := DetectExecutable(configured, stored)
	require.NoError(t, err)
	assert.Equal(t, configured, got)

	got, err = DetectExecutable(filepath.Join(dir, "missing"), stored)
	require.NoError(t, err)
	assert.Equal(t, stored, got)

	got, err = DetectExecutable("", dir)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/chromium", got, "directories are not executables")

	lookPath = func() (string, bool) { return "", false }
	_, err = DetectExecutable("", "")
	assert.ErrorIs(t, err, ErrNoExecutable)
}

func TestErrorsUnwrap(t *testing.T) {
	cause := errors.New("net::ERR_NAME_NOT_RESOLVED")
	nav := &NavigationError{URL: "https://teams.microsoft.com/v2/", Err: cause}
	assert.ErrorIs(t, nav, cause)
	assert.Contains(t, nav.Error(), "teams.microsoft.com")

	le := &LaunchError{Err: cause}
	assert.Contains(t, le.Error(), "auto-detected")
}
