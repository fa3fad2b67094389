//go:build linux

package keepalive

import (
	"fmt"
	"sync"

	"github.com/godbus/dbus"
)

const (
	screenSaverDest = "org.freedesktop.ScreenSaver"
	screenSaverPath = dbus.ObjectPath("/org/freedesktop/ScreenSaver")
)

// screenSaverInhibitor holds an org.freedesktop.ScreenSaver inhibit cookie.
type screenSaverInhibitor struct {
	mu     sync.Mutex
	cookie uint32
	held   bool
}

// NewSystemInhibitor returns the platform sleep inhibitor.
func NewSystemInhibitor() Inhibitor {
	return &screenSaverInhibitor{}
}

func (i *screenSaverInhibitor) Acquire(reason string) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.held {
		return nil
	}
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("session bus: %w", err)
	}
	var cookie uint32
	err = conn.Object(screenSaverDest, screenSaverPath).
		Call(screenSaverDest+".Inhibit", 0, "teamsawake", reason).
		Store(&cookie)
	if err != nil {
		return fmt.Errorf("ScreenSaver.Inhibit: %w", err)
	}
	i.cookie = cookie
	i.held = true
	return nil
}

func (i *screenSaverInhibitor) Release() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if !i.held {
		return nil
	}
	i.held = false
	conn, err := dbus.SessionBus()
	if err != nil {
		return fmt.Errorf("session bus: %w", err)
	}
	if call := conn.Object(screenSaverDest, screenSaverPath).Call(screenSaverDest+".UnInhibit", 0, i.cookie); call.Err != nil {
		return fmt.Errorf("ScreenSaver.UnInhibit: %w", call.Err)
	}
	return nil
}
