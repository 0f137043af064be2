//go:build linux

// Package capture grabs frames from the virtual display via X11 shared
// memory, compositing the system cursor into every frame, and follows
// RandR resolution changes in place.
package capture

/*
#cgo pkg-config: x11 xext xfixes xrandr
#include <X11/Xlib.h>
#include <X11/Xutil.h>
#include <X11/extensions/XShm.h>
#include <X11/extensions/Xfixes.h>
#include <X11/extensions/Xrandr.h>
#include <sys/ipc.h>
#include <sys/shm.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	Display *display;
	Window root;
	XShmSegmentInfo shminfo;
	XImage *image;
	int width;
	int height;
} XShmCapturer;

static int xshm_attach_image(XShmCapturer *c, int width, int height) {
	int screen = DefaultScreen(c->display);
	c->image = XShmCreateImage(c->display,
		DefaultVisual(c->display, screen),
		DefaultDepth(c->display, screen),
		ZPixmap, NULL, &c->shminfo,
		width, height);
	if (!c->image) return -1;

	c->shminfo.shmid = shmget(IPC_PRIVATE,
		c->image->bytes_per_line * c->image->height,
		IPC_CREAT | 0600);
	if (c->shminfo.shmid < 0) {
		XDestroyImage(c->image);
		c->image = NULL;
		return -1;
	}

	c->shminfo.shmaddr = c->image->data = (char*)shmat(c->shminfo.shmid, NULL, 0);
	c->shminfo.readOnly = False;

	if (!XShmAttach(c->display, &c->shminfo)) {
		shmdt(c->shminfo.shmaddr);
		shmctl(c->shminfo.shmid, IPC_RMID, NULL);
		XDestroyImage(c->image);
		c->image = NULL;
		return -1;
	}
	// Mark for removal so it's cleaned up when we detach.
	shmctl(c->shminfo.shmid, IPC_RMID, NULL);

	c->width = width;
	c->height = height;
	return 0;
}

static void xshm_detach_image(XShmCapturer *c) {
	if (!c->image) return;
	XShmDetach(c->display, &c->shminfo);
	shmdt(c->shminfo.shmaddr);
	XDestroyImage(c->image);
	c->image = NULL;
}

static XShmCapturer* xshm_init(const char *display_name) {
	XShmCapturer *c = (XShmCapturer*)calloc(1, sizeof(XShmCapturer));
	if (!c) return NULL;

	c->display = XOpenDisplay(display_name);
	if (!c->display) { free(c); return NULL; }

	int screen = DefaultScreen(c->display);
	c->root = RootWindow(c->display, screen);
	int width = DisplayWidth(c->display, screen);
	int height = DisplayHeight(c->display, screen);

	if (xshm_attach_image(c, width, height) != 0) {
		XCloseDisplay(c->display);
		free(c);
		return NULL;
	}
	return c;
}

// xshm_resize applies a new RandR mode on the virtual display's default
// output and re-attaches the shared-memory image at the new dimensions.
// The capturer attaches the fresh segment before detaching the old one
// is not possible (X11 only allows one ZPixmap image per shminfo), so
// the caller must not be mid-Grab when this runs.
static int xshm_resize(XShmCapturer *c, int width, int height) {
	XRRScreenResources *res = XRRGetScreenResources(c->display, c->root);
	if (!res || res->noutput == 0) {
		if (res) XRRFreeScreenResources(res);
		return -1;
	}
	RROutput output = res->outputs[0];
	XRRModeInfo *match = NULL;
	for (int i = 0; i < res->nmode; i++) {
		if ((int)res->modes[i].width == width && (int)res->modes[i].height == height) {
			match = &res->modes[i];
			break;
		}
	}
	if (!match) {
		XRRFreeScreenResources(res);
		return -1;
	}
	XRRCrtcInfo *crtc = XRRGetCrtcInfo(c->display, res, res->crtcs[0]);
	XRRSetCrtcConfig(c->display, res, res->crtcs[0], CurrentTime,
		crtc ? crtc->x : 0, crtc ? crtc->y : 0,
		match->id, crtc ? crtc->rotation : RR_Rotate_0,
		&output, 1);
	if (crtc) XRRFreeCrtcInfo(crtc);
	XRRFreeScreenResources(res);
	XSync(c->display, False);

	xshm_detach_image(c);
	return xshm_attach_image(c, width, height);
}

static int xshm_grab(XShmCapturer *c) {
	if (!XShmGetImage(c->display, c->root, c->image, 0, 0, AllPlanes)) {
		return -1;
	}
	XSync(c->display, False);
	return 0;
}

static void xshm_composite_cursor(XShmCapturer *c) {
	XFixesCursorImage *cursor = XFixesGetCursorImage(c->display);
	if (!cursor) return;

	int cx = cursor->x - cursor->xhot;
	int cy = cursor->y - cursor->yhot;

	for (int y = 0; y < (int)cursor->height; y++) {
		int dy = cy + y;
		if (dy < 0 || dy >= c->height) continue;
		for (int x = 0; x < (int)cursor->width; x++) {
			int dx = cx + x;
			if (dx < 0 || dx >= c->width) continue;

			unsigned long pixel = cursor->pixels[y * cursor->width + x];
			unsigned char a = (pixel >> 24) & 0xFF;
			if (a == 0) continue;

			unsigned char cr = (pixel >> 0) & 0xFF;
			unsigned char cg = (pixel >> 8) & 0xFF;
			unsigned char cb = (pixel >> 16) & 0xFF;

			int offset = dy * c->image->bytes_per_line + dx * 4;
			unsigned char *dst = (unsigned char*)c->image->data + offset;

			if (a == 255) {
				dst[0] = cb;
				dst[1] = cg;
				dst[2] = cr;
			} else {
				dst[0] = (cb * a + dst[0] * (255 - a)) / 255;
				dst[1] = (cg * a + dst[1] * (255 - a)) / 255;
				dst[2] = (cr * a + dst[2] * (255 - a)) / 255;
			}
		}
	}
	XFree(cursor);
}

static void xshm_destroy(XShmCapturer *c) {
	if (!c) return;
	xshm_detach_image(c);
	XCloseDisplay(c->display);
	free(c);
}
*/
import "C"
import (
	"fmt"
	"image"
	"image/color"
	"sync"
	"unsafe"

	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/types"
)

// XshmCapturer captures frames via X11 shared memory and follows RandR
// resolution changes requested by the browser (wire.TagResize).
type XshmCapturer struct {
	log *zap.Logger
	c   *C.XShmCapturer
	mu  sync.Mutex
}

// NewCapturer opens the virtual display and attaches the initial
// shared-memory image at its current resolution.
func NewCapturer(log *zap.Logger, displayName string) (*XshmCapturer, error) {
	cDisplay := C.CString(displayName)
	defer C.free(unsafe.Pointer(cDisplay))

	xshm := C.xshm_init(cDisplay)
	if xshm == nil {
		return nil, fmt.Errorf("capture: XShm init failed on %s", displayName)
	}
	log.Info("capture: XShm attached", zap.Int("width", int(xshm.width)), zap.Int("height", int(xshm.height)))
	return &XshmCapturer{log: log, c: xshm}, nil
}

func (c *XshmCapturer) Width() int  { return int(c.c.width) }
func (c *XshmCapturer) Height() int { return int(c.c.height) }

func (c *XshmCapturer) Grab() (*types.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if C.xshm_grab(c.c) != 0 {
		return nil, fmt.Errorf("capture: XShmGetImage failed")
	}
	C.xshm_composite_cursor(c.c)

	return &types.Frame{
		Ptr:    unsafe.Pointer(c.c.image.data),
		Width:  int(c.c.width),
		Height: int(c.c.height),
		Stride: int(c.c.image.bytes_per_line),
	}, nil
}

// Resize applies a new RandR mode and re-attaches the shared-memory
// image at the new dimensions. Must not run concurrently with Grab.
func (c *XshmCapturer) Resize(width, height int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if C.xshm_resize(c.c, C.int(width), C.int(height)) != 0 {
		return fmt.Errorf("capture: resize to %dx%d failed (no matching RandR mode)", width, height)
	}
	c.log.Info("capture: resized", zap.Int("width", width), zap.Int("height", height))
	return nil
}

// GrabImage grabs a frame and returns it as a Go image (debug endpoint).
func (c *XshmCapturer) GrabImage() (image.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if C.xshm_grab(c.c) != 0 {
		return nil, fmt.Errorf("capture: XShmGetImage failed")
	}
	C.xshm_composite_cursor(c.c)
	w := int(c.c.width)
	h := int(c.c.height)
	stride := int(c.c.image.bytes_per_line)
	size := stride * h
	bgra := C.GoBytes(unsafe.Pointer(c.c.image.data), C.int(size))
	return bgraToImage(bgra, w, h, stride), nil
}

func (c *XshmCapturer) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	C.xshm_destroy(c.c)
}

func bgraToImage(bgra []byte, w, h, stride int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*stride + x*4
			img.SetRGBA(x, y, color.RGBA{bgra[off+2], bgra[off+1], bgra[off], 255})
		}
	}
	return img
}
