//go:build !linux

package eventsource

// New reports that no readiness mechanism is available on this platform.
func New() (Source, error) {
	return nil, ErrUnsupported
}
