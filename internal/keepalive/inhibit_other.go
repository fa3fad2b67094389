//go:build !linux && !windows && !darwin

package keepalive

// NewSystemInhibitor returns a no-op inhibitor on unsupported platforms.
func NewSystemInhibitor() Inhibitor {
	return NopInhibitor{}
}
