//go:build !darwin

package permissions

import "github.com/rs/zerolog"

// EnsurePermissions is a no-op on non-macOS platforms.
func EnsurePermissions(need Needs, log zerolog.Logger) error {
	return nil
}
