//go:build darwin && cgo

package hotkey

/*
#cgo LDFLAGS: -framework Carbon
#include <Carbon/Carbon.h>

// Forward declaration for Go callback
extern void goHotkeyCallback(int pressed);

static EventHotKeyRef hotKeyRef = NULL;
static int handlerInstalled = 0;

// Event handler for hotkeys
static OSStatus hotkeyHandler(EventHandlerCallRef nextHandler, EventRef theEvent, void* userData) {
    UInt32 eventKind = GetEventKind(theEvent);
    int pressed = (eventKind == kEventHotKeyPressed) ? 1 : 0;

    goHotkeyCallback(pressed);

    return noErr;
}

// Register hotkey with Carbon
static int registerHotkey(UInt32 keyCode, UInt32 modifiers) {
    if (!handlerInstalled) {
        EventTypeSpec eventTypes[2];
        eventTypes[0].eventClass = kEventClassKeyboard;
        eventTypes[0].eventKind = kEventHotKeyPressed;
        eventTypes[1].eventClass = kEventClassKeyboard;
        eventTypes[1].eventKind = kEventHotKeyReleased;

        EventHandlerUPP handlerUPP = NewEventHandlerUPP(hotkeyHandler);
        InstallApplicationEventHandler(handlerUPP, 2, eventTypes, NULL, NULL);
        handlerInstalled = 1;
    }

    EventHotKeyID hotKeyID;
    hotKeyID.signature = 'beme';
    hotKeyID.id = 1;

    OSStatus status = RegisterEventHotKey(keyCode, modifiers, hotKeyID, GetApplicationEventTarget(), 0, &hotKeyRef);

    return (status == noErr) ? 1 : 0;
}

static void unregisterHotkey() {
    if (hotKeyRef != NULL) {
        UnregisterEventHotKey(hotKeyRef);
        hotKeyRef = NULL;
    }
}
*/
import "C"

import (
	"fmt"
	"sync"
)

type darwinManager struct {
	callback func(bool)
	accel    string
}

var (
	globalMu      sync.Mutex
	globalManager *darwinManager
)

// Carbon virtual key codes (ANSI layout).
var darwinKeyCodes = map[string]uint32{
	"A": 0, "S": 1, "D": 2, "F": 3, "H": 4, "G": 5, "Z": 6, "X": 7, "C": 8, "V": 9,
	"B": 11, "Q": 12, "W": 13, "E": 14, "R": 15, "Y": 16, "T": 17,
	"1": 18, "2": 19, "3": 20, "4": 21, "6": 22, "5": 23, "9": 25, "7": 26, "8": 28, "0": 29,
	"O": 31, "U": 32, "I": 34, "P": 35, "L": 37, "J": 38, "K": 40, "N": 45, "M": 46,
	"SPACE": 49,
}

func carbonModifiers(m Modifier) uint32 {
	var mask uint32
	if m&ModSuper != 0 {
		mask |= 0x100 // cmdKey
	}
	if m&ModShift != 0 {
		mask |= 0x200 // shiftKey
	}
	if m&ModAlt != 0 {
		mask |= 0x800 // optionKey
	}
	if m&ModCtrl != 0 {
		mask |= 0x1000 // controlKey
	}
	return mask
}

// New creates a new macOS hotkey manager using Carbon. Only one hotkey is
// held at a time.
func New() (Manager, error) {
	return &darwinManager{}, nil
}

//export goHotkeyCallback
func goHotkeyCallback(pressed C.int) {
	globalMu.Lock()
	mgr := globalManager
	globalMu.Unlock()
	if mgr != nil && mgr.callback != nil {
		mgr.callback(pressed == 1)
	}
}

func (m *darwinManager) Register(accel string, callback func(pressed bool)) error {
	a, err := ParseAccelerator(accel)
	if err != nil {
		return err
	}
	keyCode, ok := darwinKeyCodes[a.Key]
	if !ok {
		return fmt.Errorf("no key code for %s", a)
	}

	globalMu.Lock()
	C.unregisterHotkey()
	m.callback = callback
	m.accel = accel
	globalManager = m
	globalMu.Unlock()

	if C.registerHotkey(C.UInt32(keyCode), C.UInt32(carbonModifiers(a.Mods))) == 0 {
		return fmt.Errorf("failed to register hotkey %s", a)
	}
	return nil
}

func (m *darwinManager) Unregister(accel string) error {
	globalMu.Lock()
	defer globalMu.Unlock()
	if m.accel != accel {
		return nil
	}
	C.unregisterHotkey()
	m.callback = nil
	m.accel = ""
	return nil
}

func (m *darwinManager) Close() error {
	globalMu.Lock()
	defer globalMu.Unlock()
	C.unregisterHotkey()
	globalManager = nil
	return nil
}
