//go:build linux

// Package clipboard bridges the browser's clipboard text with both X11
// selections (CLIPBOARD and PRIMARY) using the ICCCM selection-ownership
// protocol: the agent claims ownership when the browser sets clipboard
// text, serves it to other X clients on request, and polls for
// ownership changes to detect a local copy that needs forwarding back
// to the browser.
package clipboard

/*
#cgo pkg-config: x11
#include <X11/Xlib.h>
#include <X11/Xatom.h>
#include <stdlib.h>
#include <string.h>

#define NUM_SELECTIONS 2 // 0 = CLIPBOARD, 1 = PRIMARY

static Display *clip_display = NULL;
static Window clip_window;
static Atom sel_atoms[NUM_SELECTIONS];
static Atom UTF8_STRING;
static Atom TARGETS;
static Atom BUNGHOLE_SEL;
static char *owned_text[NUM_SELECTIONS];
static int owned_len[NUM_SELECTIONS];

static int clip_init(const char *display_name) {
	clip_display = XOpenDisplay(display_name);
	if (!clip_display) return -1;

	sel_atoms[0] = XInternAtom(clip_display, "CLIPBOARD", False);
	sel_atoms[1] = XA_PRIMARY;
	UTF8_STRING = XInternAtom(clip_display, "UTF8_STRING", False);
	TARGETS = XInternAtom(clip_display, "TARGETS", False);
	BUNGHOLE_SEL = XInternAtom(clip_display, "BUNGHOLE_SEL", False);

	clip_window = XCreateSimpleWindow(clip_display,
		DefaultRootWindow(clip_display), 0, 0, 1, 1, 0, 0, 0);
	return 0;
}

static void clip_set(int sel, const char *text, int len) {
	if (!clip_display || sel < 0 || sel >= NUM_SELECTIONS) return;

	if (owned_text[sel]) free(owned_text[sel]);
	owned_text[sel] = (char*)malloc(len + 1);
	memcpy(owned_text[sel], text, len);
	owned_text[sel][len] = 0;
	owned_len[sel] = len;

	XSetSelectionOwner(clip_display, sel_atoms[sel], clip_window, CurrentTime);
	XFlush(clip_display);
}

static void clip_request(int sel) {
	if (!clip_display || sel < 0 || sel >= NUM_SELECTIONS) return;
	XConvertSelection(clip_display, sel_atoms[sel], UTF8_STRING, BUNGHOLE_SEL,
		clip_window, CurrentTime);
	XFlush(clip_display);
}

static int sel_index_of(Atom a) {
	for (int i = 0; i < NUM_SELECTIONS; i++) {
		if (sel_atoms[i] == a) return i;
	}
	return -1;
}

// clip_process_event handles one pending X event. Returns:
//   1 = got clipboard text for *out_sel (stored in out_text/out_len)
//   2 = selection request served to another app
//   0 = other event / nothing pending
static int clip_process_event(int *out_sel, char **out_text, int *out_len) {
	XEvent ev;
	if (!XPending(clip_display)) return 0;
	XNextEvent(clip_display, &ev);

	if (ev.type == SelectionNotify) {
		if (ev.xselection.property == None) return 0;

		Atom type;
		int format;
		unsigned long nitems, bytes_after;
		unsigned char *data = NULL;

		XGetWindowProperty(clip_display, clip_window, BUNGHOLE_SEL,
			0, 1024*1024, True, AnyPropertyType,
			&type, &format, &nitems, &bytes_after, &data);

		int sel = sel_index_of(ev.xselection.selection);
		if (data && nitems > 0 && sel >= 0) {
			*out_sel = sel;
			*out_text = (char*)malloc(nitems + 1);
			memcpy(*out_text, data, nitems);
			(*out_text)[nitems] = 0;
			*out_len = (int)nitems;
			XFree(data);
			return 1;
		}
		if (data) XFree(data);
		return 0;
	}

	if (ev.type == SelectionRequest) {
		XSelectionRequestEvent *req = &ev.xselectionrequest;
		XSelectionEvent resp;
		memset(&resp, 0, sizeof(resp));
		resp.type = SelectionNotify;
		resp.requestor = req->requestor;
		resp.selection = req->selection;
		resp.target = req->target;
		resp.time = req->time;
		resp.property = None;

		int sel = sel_index_of(req->selection);

		if (req->target == TARGETS) {
			Atom targets[] = { TARGETS, UTF8_STRING, XA_STRING };
			XChangeProperty(clip_display, req->requestor, req->property,
				XA_ATOM, 32, PropModeReplace, (unsigned char*)targets, 3);
			resp.property = req->property;
		} else if ((req->target == UTF8_STRING || req->target == XA_STRING) &&
		           sel >= 0 && owned_text[sel]) {
			XChangeProperty(clip_display, req->requestor, req->property,
				req->target, 8, PropModeReplace,
				(unsigned char*)owned_text[sel], owned_len[sel]);
			resp.property = req->property;
		}

		XSendEvent(clip_display, req->requestor, False, 0, (XEvent*)&resp);
		XFlush(clip_display);
		return 2;
	}

	if (ev.type == SelectionClear) {
		int sel = sel_index_of(ev.xselectionclear.selection);
		if (sel >= 0 && owned_text[sel]) {
			free(owned_text[sel]);
			owned_text[sel] = NULL;
			owned_len[sel] = 0;
		}
	}

	return 0;
}

static int clip_we_own(int sel) {
	if (!clip_display || sel < 0 || sel >= NUM_SELECTIONS) return 0;
	return XGetSelectionOwner(clip_display, sel_atoms[sel]) == clip_window ? 1 : 0;
}

static void clip_destroy() {
	if (!clip_display) return;
	for (int i = 0; i < NUM_SELECTIONS; i++) {
		if (owned_text[i]) free(owned_text[i]);
	}
	XDestroyWindow(clip_display, clip_window);
	XCloseDisplay(clip_display);
	clip_display = NULL;
}
*/
import "C"
import (
	"fmt"
	"time"
	"unicode"
	"unsafe"

	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/wire"
)

// MaxClipboardBytes caps both directions of clipboard sync; ICCCM has
// no inherent limit, but an unbounded paste would block the selection
// exchange and bloat the data channel.
const MaxClipboardBytes = 1 << 20 // 1 MiB

const pollInterval = 250 * time.Millisecond

// ClipboardSync mirrors the browser's clipboard with the X11 CLIPBOARD
// and PRIMARY selections.
type ClipboardSync struct {
	log  *zap.Logger
	last [2]string
}

// New opens the virtual display for clipboard ownership and requests.
func New(log *zap.Logger, displayName string) (*ClipboardSync, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	if C.clip_init(cDisplay) != 0 {
		return nil, fmt.Errorf("clipboard: open display %s", displayName)
	}
	return &ClipboardSync{log: log}, nil
}

func selIndex(sel wire.Selection) int {
	if sel == wire.SelectionPrimary {
		return 1
	}
	return 0
}

// SetFromClient claims ownership of the given X11 selection with text
// received from the browser.
func (cs *ClipboardSync) SetFromClient(selection wire.Selection, text string) {
	text = sanitize(text)
	idx := selIndex(selection)
	cs.last[idx] = text

	cText := C.CString(text)
	defer C.free(unsafe.Pointer(cText))
	C.clip_set(C.int(idx), cText, C.int(len(text)))
}

// Run polls X events for selection-ownership changes and reports any
// locally-copied text that differs from what the browser last sent.
func (cs *ClipboardSync) Run(changes chan<- wire.ClipboardChange, stop <-chan struct{}) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			for {
				var outSel C.int
				var outText *C.char
				var outLen C.int
				result := C.clip_process_event(&outSel, &outText, &outLen)
				if result == 0 {
					break
				}
				if result == 1 && outText != nil {
					idx := int(outSel)
					text := sanitize(C.GoStringN(outText, outLen))
					C.free(unsafe.Pointer(outText))
					if text != cs.last[idx] {
						cs.last[idx] = text
						sel := wire.SelectionClipboard
						if idx == 1 {
							sel = wire.SelectionPrimary
						}
						select {
						case changes <- wire.ClipboardChange{Selection: sel, Text: text}:
						case <-stop:
							return
						}
					}
				}
			}

			for idx := 0; idx < 2; idx++ {
				if C.clip_we_own(C.int(idx)) == 0 {
					C.clip_request(C.int(idx))
				}
			}
		}
	}
}

func (cs *ClipboardSync) Close() {
	C.clip_destroy()
}

// sanitize strips control bytes (other than whitespace) and caps length
// before text ever reaches an X11 property or the data channel.
func sanitize(s string) string {
	if len(s) > MaxClipboardBytes {
		s = s[:MaxClipboardBytes]
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\t' || r == '\n' || r == '\r' || !unicode.IsControl(r) {
			out = append(out, r)
		}
	}
	return string(out)
}
