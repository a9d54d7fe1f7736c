//go:build !linux

package transport

// New reports that non-blocking sockets are not implemented here.
func New() (Transport, error) {
	return nil, ErrUnsupported
}

// NewBound reports that non-blocking sockets are not implemented here.
func NewBound(localPort int) (Transport, error) {
	return nil, ErrUnsupported
}
