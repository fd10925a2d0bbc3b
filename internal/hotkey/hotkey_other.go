//go:build !cgo || (!darwin && !linux)

package hotkey

// New reports ErrUnsupported; the tray and CLI still toggle capture.
func New() (Manager, error) {
	return nil, ErrUnsupported
}
