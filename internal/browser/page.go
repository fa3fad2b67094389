package browser

import (
	"context"
	"fmt"
	"math/rand"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/goccy/go-json"

	"teamsawake/internal/cdp"
	"teamsawake/internal/logging"
)

const localStorageJS = `() => {
	try {
		const out = {};
		for (let i = 0; i < localStorage.length; i++) {
			const key = localStorage.key(i);
			out[key] = localStorage.getItem(key);
		}
		return JSON.stringify(out);
	} catch (e) {
		return "{}";
	}
}`

// Page is the one logical Teams page.
type Page struct {
	page    *rod.Page
	browser *rod.Browser
}

// TargetID returns the page's DevTools target ID.
func (p *Page) TargetID() string {
	if p == nil || p.page == nil {
		return ""
	}
	return string(p.page.TargetID)
}

// Transport returns a protocol transport over the page's browser connection.
func (p *Page) Transport() cdp.Transport {
	return cdp.NewRodTransport(p.browser)
}

// CurrentURL returns the page URL, or "" if it cannot be read.
func (p *Page) CurrentURL() string {
	if p == nil || p.page == nil {
		return ""
	}
	info, err := p.page.Info()
	if err != nil {
		return ""
	}
	return info.URL
}

// LocalStorage snapshots window.localStorage. Read-only.
func (p *Page) LocalStorage(ctx context.Context) (map[string]string, error) {
	if p == nil || p.page == nil {
		return nil, ErrNotRunning
	}
	res, err := p.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:      localStorageJS,
		ByValue: true,
	})
	if err != nil {
		return nil, fmt.Errorf("read local storage: %w", err)
	}
	items := map[string]string{}
	if res == nil || res.Value.Nil() {
		return items, nil
	}
	if err := json.Unmarshal([]byte(res.Value.String()), &items); err != nil {
		return nil, fmt.Errorf("decode local storage: %w", err)
	}
	return items, nil
}

// DispatchActivity sends a pointer move and a one-pixel scroll that is
// immediately reverted, enough to reset the web client's idle timers.
func (p *Page) DispatchActivity(ctx context.Context) error {
	if p == nil || p.page == nil {
		return ErrNotRunning
	}
	pc := p.page.Context(ctx)
	x := 200 + rand.Float64()*100
	y := 200 + rand.Float64()*100

	steps := []proto.InputDispatchMouseEvent{
		{Type: proto.InputDispatchMouseEventTypeMouseMoved, X: x, Y: y},
		{Type: proto.InputDispatchMouseEventTypeMouseWheel, X: x, Y: y, DeltaY: 1},
		{Type: proto.InputDispatchMouseEventTypeMouseWheel, X: x, Y: y, DeltaY: -1},
	}
	for _, ev := range steps {
		if err := ev.Call(pc); err != nil {
			return fmt.Errorf("dispatch %s: %w", ev.Type, err)
		}
	}
	logging.BrowserDebug("dispatched activity at (%.0f, %.0f)", x, y)
	return nil
}

// Close closes the page. Errors are logged.
func (p *Page) Close() {
	if p == nil || p.page == nil {
		return
	}
	if err := p.page.Close(); err != nil {
		logging.BrowserWarn("page close: %v", err)
	}
}
