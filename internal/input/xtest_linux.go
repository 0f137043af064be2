//go:build linux

// Package input replays decoded wire.InputEvent values as synthetic X11
// input via XTest, injecting raw evdev keycodes directly rather than
// round-tripping through keysym lookup tables, and follows viewport
// resizes so normalized pointer coordinates stay accurate.
package input

/*
#cgo pkg-config: x11 xtst
#include <X11/Xlib.h>
#include <X11/extensions/XTest.h>
#include <stdlib.h>

static Display* input_display = NULL;

static int input_init(const char *display_name) {
	input_display = XOpenDisplay(display_name);
	if (!input_display) return -1;
	return 0;
}

static void input_mouse_move_abs(int x, int y) {
	if (!input_display) return;
	XTestFakeMotionEvent(input_display, DefaultScreen(input_display), x, y, 0);
	XFlush(input_display);
}

static void input_mouse_move_rel(int dx, int dy) {
	if (!input_display) return;
	XWarpPointer(input_display, None, None, 0, 0, 0, 0, dx, dy);
	XFlush(input_display);
}

static void input_mouse_button(int button, int press) {
	if (!input_display) return;
	XTestFakeButtonEvent(input_display, button, press, 0);
	XFlush(input_display);
}

static double scroll_accum_x = 0, scroll_accum_y = 0;

static void input_mouse_scroll(double dx, double dy) {
	if (!input_display) return;

	scroll_accum_y += dy;
	scroll_accum_x += dx;

	while (scroll_accum_y <= -40) {
		XTestFakeButtonEvent(input_display, 4, True, 0);
		XTestFakeButtonEvent(input_display, 4, False, 0);
		scroll_accum_y += 40;
	}
	while (scroll_accum_y >= 40) {
		XTestFakeButtonEvent(input_display, 5, True, 0);
		XTestFakeButtonEvent(input_display, 5, False, 0);
		scroll_accum_y -= 40;
	}
	while (scroll_accum_x <= -40) {
		XTestFakeButtonEvent(input_display, 6, True, 0);
		XTestFakeButtonEvent(input_display, 6, False, 0);
		scroll_accum_x += 40;
	}
	while (scroll_accum_x >= 40) {
		XTestFakeButtonEvent(input_display, 7, True, 0);
		XTestFakeButtonEvent(input_display, 7, False, 0);
		scroll_accum_x -= 40;
	}
	XFlush(input_display);
}

// input_key_evdev injects a raw evdev keycode directly as an X11 keycode
// (X11 keycode = evdev code + 8), bypassing XKeysymToKeycode entirely so
// layout-dependent keysym mapping never has to live on the agent side —
// the browser already knows the physical key, the agent just replays it.
static void input_key_evdev(unsigned int evdev_code, int press) {
	if (!input_display) return;
	XTestFakeKeyEvent(input_display, evdev_code + 8, press, 0);
	XFlush(input_display);
}

static void input_destroy() {
	if (input_display) {
		XCloseDisplay(input_display);
		input_display = NULL;
	}
}
*/
import "C"
import (
	"fmt"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/wire"
)

// x11ButtonOf maps the browser's 0-indexed mouse button id to the X11
// button numbering XTestFakeButtonEvent expects.
var x11ButtonOf = map[int]int{
	0: 1, // left
	1: 2, // middle
	2: 3, // right
	3: 8, // back
	4: 9, // forward
}

// InputHandler replays input events on the virtual display via XTest.
type InputHandler struct {
	log *zap.Logger

	mu            sync.Mutex
	width, height int
}

// NewInputHandler opens the virtual display for synthetic input.
func NewInputHandler(log *zap.Logger, displayName string, width, height int) (*InputHandler, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	if C.input_init(cDisplay) != 0 {
		return nil, fmt.Errorf("input: open display %s", displayName)
	}
	return &InputHandler{log: log, width: width, height: height}, nil
}

// Inject replays one decoded input event. Unknown/irrelevant tags
// (clipboard, resolution hints consumed elsewhere, quality, visibility)
// are ignored here — only the tags wire.ParseInputEvent documents as
// pointer/keyboard events reach this switch.
func (ih *InputHandler) Inject(ev wire.InputEvent) {
	switch ev.Tag {
	case wire.TagKey:
		C.input_key_evdev(C.uint(ev.EvdevCode), boolToC(ev.Down))
	case wire.TagMouseAbs:
		ih.mu.Lock()
		w, h := ih.width, ih.height
		ih.mu.Unlock()
		x := int(ev.X * float64(w))
		y := int(ev.Y * float64(h))
		C.input_mouse_move_abs(C.int(x), C.int(y))
	case wire.TagMouseRel:
		C.input_mouse_move_rel(C.int(ev.DX), C.int(ev.DY))
	case wire.TagButton:
		btn, ok := x11ButtonOf[ev.ButtonID]
		if !ok {
			ih.log.Warn("input: unmapped mouse button", zap.Int("id", ev.ButtonID))
			return
		}
		C.input_mouse_button(C.int(btn), boolToC(ev.Down))
	case wire.TagScroll:
		C.input_mouse_scroll(C.double(ev.DX), C.double(ev.DY))
	}
}

// Resize updates the viewport dimensions used to convert normalized
// absolute-mouse coordinates into device pixels, keeping pointer
// placement correct across a browser-driven resolution change.
func (ih *InputHandler) Resize(width, height int) error {
	ih.mu.Lock()
	defer ih.mu.Unlock()
	ih.width, ih.height = width, height
	return nil
}

func (ih *InputHandler) Close() {
	C.input_destroy()
}

func boolToC(b bool) C.int {
	if b {
		return 1
	}
	return 0
}
