package config

import "time"

// BrowserConfig configures the automated Chromium instance.
type BrowserConfig struct {
	// Executable is an explicit browser binary. Empty means the stored
	// selection, then auto-detection.
	Executable string `yaml:"executable"`

	// ProfileDir keeps cookies and local storage between runs so sign-in survives.
	ProfileDir string `yaml:"profile_dir"`

	Headless bool `yaml:"headless"`

	// LaunchArgs are extra switches, with or without leading dashes,
	// optionally in name=value form.
	LaunchArgs []string `yaml:"launch_args"`

	TargetURL    string `yaml:"target_url"`
	TargetDomain string `yaml:"target_domain"`

	NavigationTimeout    string `yaml:"navigation_timeout"`
	NavigationRetryDelay string `yaml:"navigation_retry_delay"`
	InteractiveTimeout   string `yaml:"interactive_timeout"`
}

// DefaultBrowserConfig returns the browser defaults.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		ProfileDir: "profile",
		LaunchArgs: []string{
			"--enable-features=WebAuthenticationConditionalUI",
			"--disable-features=CalculateNativeWinOcclusion",
			"--disable-background-timer-throttling",
			"--disable-renderer-backgrounding",
			"--start-maximized",
		},
		TargetURL:            "https://teams.microsoft.com/v2/",
		TargetDomain:         "teams.microsoft.com",
		NavigationTimeout:    "30s",
		NavigationRetryDelay: "3s",
		InteractiveTimeout:   "30s",
	}
}

// GetNavigationTimeout returns the navigation timeout.
func (b BrowserConfig) GetNavigationTimeout() time.Duration {
	return parseDuration(b.NavigationTimeout, 30*time.Second)
}

// GetNavigationRetryDelay returns the wait before the single navigation retry.
func (b BrowserConfig) GetNavigationRetryDelay() time.Duration {
	return parseDuration(b.NavigationRetryDelay, 3*time.Second)
}

// GetInteractiveTimeout returns the shared timeout for the interactive-selector race.
func (b BrowserConfig) GetInteractiveTimeout() time.Duration {
	return parseDuration(b.InteractiveTimeout, 30*time.Second)
}
