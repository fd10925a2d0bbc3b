//go:build linux && cgo

package hotkey

/*
#cgo pkg-config: x11
#include <X11/Xlib.h>
#include <stdlib.h>

Display* displayPtr = NULL;

int openDisplay() {
    if (displayPtr == NULL) {
        displayPtr = XOpenDisplay(NULL);
    }
    return displayPtr != NULL;
}

int keycodeFor(const char* name) {
    KeySym sym = XStringToKeysym(name);
    if (sym == NoSymbol) return 0;
    return XKeysymToKeycode(displayPtr, sym);
}

void grabKey(int keycode, unsigned int modifiers) {
    Window root = DefaultRootWindow(displayPtr);
    // Grab with and without NumLock (Mod2) and CapsLock (Lock).
    unsigned int extra[] = {0, Mod2Mask, LockMask, Mod2Mask | LockMask};
    for (int i = 0; i < 4; i++) {
        XGrabKey(displayPtr, keycode, modifiers | extra[i], root, False, GrabModeAsync, GrabModeAsync);
    }
    XSelectInput(displayPtr, root, KeyPressMask | KeyReleaseMask);
    XSync(displayPtr, False);
}

void ungrabKey(int keycode, unsigned int modifiers) {
    Window root = DefaultRootWindow(displayPtr);
    unsigned int extra[] = {0, Mod2Mask, LockMask, Mod2Mask | LockMask};
    for (int i = 0; i < 4; i++) {
        XUngrabKey(displayPtr, keycode, modifiers | extra[i], root);
    }
    XSync(displayPtr, False);
}

int checkEvent(int* keycode, int* pressed) {
    if (displayPtr == NULL) return 0;

    XEvent event;
    if (XPending(displayPtr) > 0) {
        XNextEvent(displayPtr, &event);
        if (event.type == KeyPress || event.type == KeyRelease) {
            *keycode = event.xkey.keycode;
            *pressed = (event.type == KeyPress) ? 1 : 0;
            return 1;
        }
    }
    return 0;
}
*/
import "C"

import (
	"fmt"
	"sync"
	"time"
	"unsafe"
)

type grab struct {
	keycode   int
	modifiers uint
}

type linuxManager struct {
	mu        sync.Mutex
	callbacks map[int]func(bool)
	grabs     map[string]grab
	stop      chan struct{}
	done      chan struct{}
}

// New creates a new Linux hotkey manager using X11
func New() (Manager, error) {
	if C.openDisplay() == 0 {
		return nil, fmt.Errorf("open X display: %w", ErrUnsupported)
	}
	mgr := &linuxManager{
		callbacks: make(map[int]func(bool)),
		grabs:     make(map[string]grab),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}

	go mgr.eventLoop()

	return mgr, nil
}

func x11Modifiers(m Modifier) uint {
	var mask uint
	if m&ModShift != 0 {
		mask |= 1 // ShiftMask
	}
	if m&ModCtrl != 0 {
		mask |= 4 // ControlMask
	}
	if m&ModAlt != 0 {
		mask |= 8 // Mod1Mask
	}
	if m&ModSuper != 0 {
		mask |= 64 // Mod4Mask
	}
	return mask
}

func x11KeyName(key string) string {
	if key == "SPACE" {
		return "space"
	}
	if key[0] >= 'A' && key[0] <= 'Z' {
		return string(key[0] + ('a' - 'A'))
	}
	return key
}

func (m *linuxManager) Register(accel string, callback func(pressed bool)) error {
	a, err := ParseAccelerator(accel)
	if err != nil {
		return err
	}

	name := C.CString(x11KeyName(a.Key))
	defer C.free(unsafe.Pointer(name))
	keycode := int(C.keycodeFor(name))
	if keycode == 0 {
		return fmt.Errorf("no keycode for %s", a)
	}
	modifiers := x11Modifiers(a.Mods)

	m.mu.Lock()
	defer m.mu.Unlock()
	C.grabKey(C.int(keycode), C.uint(modifiers))
	m.callbacks[keycode] = callback
	m.grabs[accel] = grab{keycode: keycode, modifiers: modifiers}
	return nil
}

func (m *linuxManager) eventLoop() {
	defer close(m.done)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			var keycode, pressed C.int
			if C.checkEvent(&keycode, &pressed) != 0 {
				m.mu.Lock()
				cb, ok := m.callbacks[int(keycode)]
				m.mu.Unlock()
				if ok {
					cb(pressed == 1)
				}
			}
		}
	}
}

func (m *linuxManager) Unregister(accel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.grabs[accel]
	if !ok {
		return nil
	}
	C.ungrabKey(C.int(g.keycode), C.uint(g.modifiers))
	delete(m.grabs, accel)
	delete(m.callbacks, g.keycode)
	return nil
}

func (m *linuxManager) Close() error {
	close(m.stop)
	<-m.done
	return nil
}
