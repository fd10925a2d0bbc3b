package hotkey

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupported is returned by New on platforms without a global hotkey
// backend.
var ErrUnsupported = errors.New("global hotkeys not supported on this platform")

// Manager defines the interface for global hotkey management
type Manager interface {
	Register(accel string, callback func(pressed bool)) error
	Unregister(accel string) error
	Close() error
}

// Modifier is a bit set of held modifier keys.
type Modifier uint8

const (
	ModCtrl Modifier = 1 << iota
	ModShift
	ModAlt
	ModSuper // Cmd on macOS
)

// Accelerator is a parsed shortcut such as "Ctrl+Shift+B".
type Accelerator struct {
	Mods Modifier
	// Key is upper case: a letter, a digit or "SPACE".
	Key string
}

func (a Accelerator) String() string {
	var parts []string
	if a.Mods&ModCtrl != 0 {
		parts = append(parts, "Ctrl")
	}
	if a.Mods&ModSuper != 0 {
		parts = append(parts, "Cmd")
	}
	if a.Mods&ModAlt != 0 {
		parts = append(parts, "Alt")
	}
	if a.Mods&ModShift != 0 {
		parts = append(parts, "Shift")
	}
	key := a.Key
	if key == "SPACE" {
		key = "Space"
	}
	return strings.Join(append(parts, key), "+")
}

var modifierNames = map[string]Modifier{
	"CTRL":    ModCtrl,
	"CONTROL": ModCtrl,
	"SHIFT":   ModShift,
	"ALT":     ModAlt,
	"OPTION":  ModAlt,
	"CMD":     ModSuper,
	"COMMAND": ModSuper,
	"SUPER":   ModSuper,
	"META":    ModSuper,
}

// ParseAccelerator parses "Mod+Mod+Key". Modifiers are case-insensitive and
// the key must be a single letter, a digit or Space. At least one modifier
// is required.
func ParseAccelerator(s string) (Accelerator, error) {
	var a Accelerator
	parts := strings.Split(s, "+")
	if len(parts) < 2 {
		return a, fmt.Errorf("accelerator %q: need at least one modifier and a key", s)
	}
	for _, p := range parts[:len(parts)-1] {
		mod, ok := modifierNames[strings.ToUpper(strings.TrimSpace(p))]
		if !ok {
			return a, fmt.Errorf("accelerator %q: unknown modifier %q", s, p)
		}
		a.Mods |= mod
	}

	key := strings.ToUpper(strings.TrimSpace(parts[len(parts)-1]))
	switch {
	case key == "SPACE":
	case len(key) == 1 && (key[0] >= 'A' && key[0] <= 'Z' || key[0] >= '0' && key[0] <= '9'):
	default:
		return a, fmt.Errorf("accelerator %q: unsupported key %q", s, parts[len(parts)-1])
	}
	a.Key = key
	return a, nil
}

// OnPress adapts fn to a Register callback that fires on key down only.
func OnPress(fn func()) func(pressed bool) {
	return func(pressed bool) {
		if pressed {
			fn()
		}
	}
}
