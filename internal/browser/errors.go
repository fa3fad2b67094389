package browser

import (
	"errors"
	"fmt"
)

// ErrNotRunning is returned when an operation needs a live browser or page.
var ErrNotRunning = errors.New("browser: not running")

// LaunchError means the browser process could not be started or connected to.
type LaunchError struct {
	Executable string
	Err        error
}

func (e *LaunchError) Error() string {
	exe := e.Executable
	if exe == "" {
		exe = "(auto-detected)"
	}
	return fmt.Sprintf("launch browser %s: %v", exe, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// NavigationError means the target site was not reached after one retry.
type NavigationError struct {
	URL string
	Err error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigate to %s: %v", e.URL, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }
