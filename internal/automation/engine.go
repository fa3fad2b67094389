package automation

import (
	"context"
	"sync"

	"teamsawake/internal/auth"
	"teamsawake/internal/browser"
	"teamsawake/internal/cdp"
)

// Page is the active Teams page as the coordinator uses it.
type Page interface {
	auth.StorageReader
	DispatchActivity(ctx context.Context) error
	TargetID() string
	Transport() cdp.Transport
}

// Engine owns the browser process and its single page.
type Engine interface {
	Start(ctx context.Context, executable string) error
	OpenPage(ctx context.Context) (Page, error)
	WaitInteractive(ctx context.Context, p Page)
	ClosePage()
	Stop()
	Running() bool
}

// ChromeEngine is the Engine backed by a real Chromium process.
type ChromeEngine struct {
	ctrl       *browser.Controller
	profileDir string
	args       []string

	mu     sync.Mutex
	handle *browser.Handle
}

// NewChromeEngine creates an engine that launches with profileDir and args.
func NewChromeEngine(ctrl *browser.Controller, profileDir string, args []string) *ChromeEngine {
	return &ChromeEngine{ctrl: ctrl, profileDir: profileDir, args: args}
}

func (e *ChromeEngine) current() *browser.Handle {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handle
}

func (e *ChromeEngine) Start(ctx context.Context, executable string) error {
	h, err := e.ctrl.Start(ctx, executable, e.profileDir, e.args)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.handle = h
	e.mu.Unlock()
	return nil
}

func (e *ChromeEngine) OpenPage(ctx context.Context) (Page, error) {
	p, err := e.ctrl.OpenPage(ctx, e.current())
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (e *ChromeEngine) WaitInteractive(ctx context.Context, p Page) {
	if bp, ok := p.(*browser.Page); ok {
		e.ctrl.WaitInteractive(ctx, bp)
	}
}

func (e *ChromeEngine) ClosePage() {
	e.ctrl.ClosePage(e.current())
}

func (e *ChromeEngine) Stop() {
	e.mu.Lock()
	h := e.handle
	e.handle = nil
	e.mu.Unlock()
	e.ctrl.Stop(h)
}

func (e *ChromeEngine) Running() bool {
	return e.current().Running()
}

// ControlURL returns the DevTools URL of the running browser, or "".
func (e *ChromeEngine) ControlURL() string {
	return e.current().ControlURL()
}
