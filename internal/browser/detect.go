package browser

import (
	"errors"
	"os"

	"github.com/go-rod/rod/lib/launcher"

	"teamsawake/internal/logging"
)

// ErrNoExecutable is returned when no browser binary can be found.
var ErrNoExecutable = errors.New("browser: no Chromium-family executable found")

// lookPath is swapped in tests.
var lookPath = launcher.LookPath

// DetectExecutable picks the browser binary: the configured path, then the
// stored selection, then a system-installed Chrome/Chromium/Edge.
func DetectExecutable(configured, stored string) (string, error) {
	for _, candidate := range []string{configured, stored} {
		if candidate == "" {
			continue
		}
		if fi, err := os.Stat(candidate); err == nil && !fi.IsDir() {
			return candidate, nil
		}
		logging.BrowserWarn("browser executable %s not usable, falling back", candidate)
	}
	if found, ok := lookPath(); ok {
		return found, nil
	}
	return "", ErrNoExecutable
}
