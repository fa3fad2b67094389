// Package browser launches and drives the Chromium instance hosting the
// Teams web client.
package browser

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/go-rod/rod/lib/proto"

	"teamsawake/internal/config"
	"teamsawake/internal/logging"
)

// Selectors raced by WaitInteractive: sign-in form, app shell, then any
// focusable control.
var interactiveSelectors = []struct {
	name     string
	selector string
}{
	{"sign-in", `input[type="email"], input[name="loginfmt"], #i0116`},
	{"app-shell", `[data-tid="app-layout-area--main"], [data-tid="titlebar-end-slot"], #app`},
	{"interactive", `button, a[href], input, [role="button"]`},
}

// Options configures the controller.
type Options struct {
	Headless           bool
	TargetURL          string
	TargetDomain       string
	NavigationTimeout  time.Duration
	RetryDelay         time.Duration
	InteractiveTimeout time.Duration
}

// OptionsFromConfig maps the browser config section.
func OptionsFromConfig(cfg config.BrowserConfig) Options {
	return Options{
		Headless:           cfg.Headless,
		TargetURL:          cfg.TargetURL,
		TargetDomain:       cfg.TargetDomain,
		NavigationTimeout:  cfg.GetNavigationTimeout(),
		RetryDelay:         cfg.GetNavigationRetryDelay(),
		InteractiveTimeout: cfg.GetInteractiveTimeout(),
	}
}

// Controller starts browsers and opens the Teams page in them.
type Controller struct {
	opts Options
}

// NewController creates a controller.
func NewController(opts Options) *Controller {
	def := OptionsFromConfig(config.DefaultBrowserConfig())
	if opts.TargetURL == "" {
		opts.TargetURL = def.TargetURL
	}
	if opts.TargetDomain == "" {
		opts.TargetDomain = def.TargetDomain
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = def.NavigationTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.InteractiveTimeout <= 0 {
		opts.InteractiveTimeout = def.InteractiveTimeout
	}
	return &Controller{opts: opts}
}

// Handle owns one browser process and at most one page.
type Handle struct {
	mu         sync.Mutex
	launcher   *launcher.Launcher
	browser    *rod.Browser
	page       *Page
	controlURL string
	stopped    bool
}

// ControlURL returns the DevTools WebSocket URL.
func (h *Handle) ControlURL() string {
	if h == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.controlURL
}

// Running reports whether the browser has been started and not stopped.
func (h *Handle) Running() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.browser != nil && !h.stopped
}

// Page returns the active page, or nil.
func (h *Handle) Page() *Page {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.page
}

// newLauncher builds the launcher with anti-automation switches removed and
// extra args applied. Args may carry leading dashes and a =value.
func newLauncher(exe, profileDir string, headless bool, args []string) *launcher.Launcher {
	l := launcher.New().
		Headless(headless).
		Delete(flags.Flag("enable-automation")).
		Set(flags.Flag("disable-blink-features"), "AutomationControlled")
	if exe != "" {
		l = l.Bin(exe)
	}
	if profileDir != "" {
		l = l.UserDataDir(profileDir)
	}
	for _, rawFlag := range args {
		flagStr := strings.TrimLeft(strings.TrimSpace(rawFlag), "-")
		if flagStr == "" {
			continue
		}
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// Start launches the browser and connects to it. An empty exe lets the
// launcher find or download one.
func (c *Controller) Start(ctx context.Context, exe, profileDir string, args []string) (*Handle, error) {
	timer := logging.StartTimer(logging.CategoryBrowser, "browser start")
	defer timer.Stop()

	if exe != "" {
		if _, err := os.Stat(exe); err != nil {
			return nil, &LaunchError{Executable: exe, Err: err}
		}
	}
	if profileDir != "" {
		if err := os.MkdirAll(profileDir, 0700); err != nil {
			return nil, &LaunchError{Executable: exe, Err: fmt.Errorf("profile dir: %w", err)}
		}
	}

	l := newLauncher(exe, profileDir, c.opts.Headless, args)

	type launched struct {
		url string
		err error
	}
	ch := make(chan launched, 1)
	go func() {
		u, err := l.Launch()
		ch <- launched{u, err}
	}()

	var controlURL string
	select {
	case <-ctx.Done():
		l.Kill()
		return nil, &LaunchError{Executable: exe, Err: ctx.Err()}
	case res := <-ch:
		if res.err != nil {
			l.Kill()
			logging.BrowserError("browser exited before DevTools was ready: %v", res.err)
			return nil, &LaunchError{Executable: exe, Err: res.err}
		}
		controlURL = res.url
	}

	b := rod.New().ControlURL(controlURL)
	if err := b.Connect(); err != nil {
		l.Kill()
		logging.BrowserError("connecting to %s failed: %v", controlURL, err)
		return nil, &LaunchError{Executable: exe, Err: fmt.Errorf("connect: %w", err)}
	}

	logging.Browser("browser started pid=%d profile=%s", l.PID(), profileDir)
	return &Handle{launcher: l, browser: b, controlURL: controlURL}, nil
}

// OpenPage replaces any existing page with a new one navigated to the
// target URL. A failed navigation is retried once by waiting and checking
// whether the page reached the target domain anyway.
func (c *Controller) OpenPage(ctx context.Context, h *Handle) (*Page, error) {
	if !h.Running() {
		return nil, ErrNotRunning
	}

	h.mu.Lock()
	prev := h.page
	h.page = nil
	b := h.browser
	h.mu.Unlock()
	if prev != nil {
		prev.Close()
	}

	rp, err := b.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("create page: %w", err)
	}
	page := &Page{page: rp, browser: b}

	c.grantNotifications(b)

	navCtx, cancel := context.WithTimeout(ctx, c.opts.NavigationTimeout)
	navErr := rp.Context(navCtx).Navigate(c.opts.TargetURL)
	cancel()

	if navErr != nil {
		logging.BrowserWarn("navigation to %s failed, retrying in %v: %v", c.opts.TargetURL, c.opts.RetryDelay, navErr)
		select {
		case <-ctx.Done():
			page.Close()
			return nil, &NavigationError{URL: c.opts.TargetURL, Err: ctx.Err()}
		case <-time.After(c.opts.RetryDelay):
		}
		current := page.CurrentURL()
		if !onDomain(current, c.opts.TargetDomain) {
			page.Close()
			return nil, &NavigationError{URL: c.opts.TargetURL, Err: navErr}
		}
		logging.Browser("page reached %s despite navigation error", current)
	}

	h.mu.Lock()
	h.page = page
	h.mu.Unlock()

	logging.Browser("opened %s", c.opts.TargetURL)
	return page, nil
}

func (c *Controller) grantNotifications(b *rod.Browser) {
	u, err := url.Parse(c.opts.TargetURL)
	if err != nil || u.Host == "" {
		return
	}
	err = proto.BrowserGrantPermissions{
		Origin:      u.Scheme + "://" + u.Host,
		Permissions: []proto.BrowserPermissionType{proto.BrowserPermissionTypeNotifications},
	}.Call(b)
	if err != nil {
		logging.BrowserDebug("grant notifications permission: %v", err)
	}
}

// WaitInteractive waits for the first of the sign-in form, the app shell or
// any interactive element. A timeout is logged, never returned, because the
// user may still be completing sign-in by hand.
func (c *Controller) WaitInteractive(ctx context.Context, p *Page) {
	if p == nil || p.page == nil {
		return
	}
	waitCtx, cancel := context.WithTimeout(ctx, c.opts.InteractiveTimeout)
	defer cancel()

	var matched string
	race := p.page.Context(waitCtx).Race()
	for _, s := range interactiveSelectors {
		name := s.name
		race = race.Element(s.selector).Handle(func(*rod.Element) error {
			matched = name
			return nil
		})
	}
	if _, err := race.Do(); err != nil {
		logging.BrowserWarn("page not interactive after %v: %v", c.opts.InteractiveTimeout, err)
		return
	}
	logging.Browser("page interactive (%s)", matched)
}

// ClosePage closes the active page and leaves the browser running.
func (c *Controller) ClosePage(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	page := h.page
	h.page = nil
	h.mu.Unlock()
	page.Close()
}

// Stop closes the page, then the browser, then reaps the process. The
// profile directory is kept. Safe on nil, twice, or on a half-started handle.
func (c *Controller) Stop(h *Handle) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return
	}
	h.stopped = true
	page := h.page
	b := h.browser
	l := h.launcher
	h.page = nil
	h.mu.Unlock()

	if page != nil {
		page.Close()
	}
	if b != nil {
		if err := b.Close(); err != nil {
			logging.BrowserWarn("browser close: %v", err)
		}
	}
	if l != nil {
		l.Kill()
	}
	logging.Browser("browser stopped")
}

func onDomain(raw, domain string) bool {
	if raw == "" || domain == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	domain = strings.ToLower(domain)
	return host == domain || strings.HasSuffix(host, "."+domain)
}
