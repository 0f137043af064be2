//go:build linux

// Package encode wraps libavcodec encoder backends behind the
// types.VideoEncoder interface: hardware NVENC, VAAPI, and a software
// libx264/libx265 fallback, auto-detected once per session and reused
// across resizes and reconnects.
package encode

/*
#cgo pkg-config: libavcodec libavutil libswscale
#include <libavcodec/avcodec.h>
#include <libavutil/imgutils.h>
#include <libavutil/opt.h>
#include <libavutil/hwcontext.h>
#include <libswscale/swscale.h>
#include <stdlib.h>
#include <string.h>

typedef struct {
	AVCodecContext *ctx;
	AVBufferRef *hw_device_ctx;
	AVBufferRef *hw_frames_ctx;
	AVFrame *frame;
	AVFrame *hw_frame;
	AVPacket *pkt;
	struct SwsContext *sws;
	int width;
	int height;
	int64_t pts;
	int is_hw;
} Encoder;

// apply_low_latency_opts tunes ctx for one of two regimes: NVENC gets a
// fixed constant-bit-rate low-delay profile, everything else gets
// variable-bit-rate with rc_min_rate/rc_max_rate/qmin/qmax/bufsize clamps
// around bitrate_kbps — VA-API and software are the only backends that
// honor the adaptive hints SetBitrate sends later.
static void apply_low_latency_opts(AVCodecContext *ctx, const char *codec_name,
                                    int bitrate_kbps, int min_bitrate_kbps, int max_bitrate_kbps) {
	ctx->bit_rate = (int64_t)bitrate_kbps * 1000;
	ctx->flags |= AV_CODEC_FLAG_LOW_DELAY;
	ctx->max_b_frames = 0;

	if (strcmp(codec_name, "h264_nvenc") == 0) {
		av_opt_set(ctx->priv_data, "preset", "p1", 0);
		av_opt_set(ctx->priv_data, "tune", "ull", 0);
		av_opt_set(ctx->priv_data, "profile", "baseline", 0);
		av_opt_set(ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(ctx->priv_data, "zerolatency", "1", 0);
	} else if (strcmp(codec_name, "hevc_nvenc") == 0) {
		av_opt_set(ctx->priv_data, "preset", "p1", 0);
		av_opt_set(ctx->priv_data, "tune", "ull", 0);
		av_opt_set(ctx->priv_data, "profile", "main", 0);
		av_opt_set(ctx->priv_data, "rc", "cbr", 0);
		av_opt_set(ctx->priv_data, "zerolatency", "1", 0);
	} else {
		ctx->rc_min_rate = (int64_t)min_bitrate_kbps * 1000;
		ctx->rc_max_rate = (int64_t)max_bitrate_kbps * 1000;
		ctx->rc_buffer_size = (int64_t)max_bitrate_kbps * 1000;
		ctx->qmin = 0;
		ctx->qmax = 51;

		if (strcmp(codec_name, "h264_vaapi") == 0 || strcmp(codec_name, "hevc_vaapi") == 0) {
			av_opt_set(ctx->priv_data, "rc_mode", "VBR", 0);
		} else if (strcmp(codec_name, "libx264") == 0) {
			av_opt_set(ctx->priv_data, "preset", "ultrafast", 0);
			av_opt_set(ctx->priv_data, "tune", "zerolatency", 0);
			av_opt_set(ctx->priv_data, "profile", "baseline", 0);
		} else if (strcmp(codec_name, "libx265") == 0) {
			av_opt_set(ctx->priv_data, "preset", "ultrafast", 0);
			av_opt_set(ctx->priv_data, "tune", "zerolatency", 0);
		}
	}
}

// nvenc_init and x264_init share the sws_scale BGRA->NV12/YUV420P CPU
// feed path; they differ only in which codec name is probed.
static Encoder* sw_fed_init(const char *codec_name, int width, int height,
                             int fps, int bitrate_kbps, int min_bitrate_kbps,
                             int max_bitrate_kbps, int keyint) {
	const AVCodec *codec = avcodec_find_encoder_by_name(codec_name);
	if (!codec) return NULL;

	Encoder *e = (Encoder*)calloc(1, sizeof(Encoder));
	if (!e) return NULL;
	e->width = width;
	e->height = height;

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) { free(e); return NULL; }

	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = (strncmp(codec_name, "lib", 3) == 0) ? AV_PIX_FMT_YUV420P : AV_PIX_FMT_NV12;
	e->ctx->gop_size = keyint;
	apply_low_latency_opts(e->ctx, codec_name, bitrate_kbps, min_bitrate_kbps, max_bitrate_kbps);

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	e->frame->format = e->ctx->pix_fmt;
	e->frame->width = width;
	e->frame->height = height;
	av_frame_get_buffer(e->frame, 0);

	e->pkt = av_packet_alloc();
	e->sws = sws_getContext(width, height, AV_PIX_FMT_BGRA,
		width, height, e->ctx->pix_fmt, SWS_FAST_BILINEAR, NULL, NULL, NULL);
	if (!e->sws) {
		av_packet_free(&e->pkt);
		av_frame_free(&e->frame);
		avcodec_free_context(&e->ctx);
		free(e);
		return NULL;
	}
	return e;
}

static Encoder* nvenc_init(int width, int height, int fps, int bitrate_kbps,
                            int min_bitrate_kbps, int max_bitrate_kbps,
                            int keyint, const char *codec_name) {
	const char *name = (strcmp(codec_name, "h265") == 0) ? "hevc_nvenc" : "h264_nvenc";
	return sw_fed_init(name, width, height, fps, bitrate_kbps, min_bitrate_kbps, max_bitrate_kbps, keyint);
}

static Encoder* x264_init(int width, int height, int fps, int bitrate_kbps,
                           int min_bitrate_kbps, int max_bitrate_kbps,
                           int keyint, const char *codec_name) {
	const char *name = (strcmp(codec_name, "h265") == 0) ? "libx265" : "libx264";
	return sw_fed_init(name, width, height, fps, bitrate_kbps, min_bitrate_kbps, max_bitrate_kbps, keyint);
}

// vaapi_init drives a VAAPI-backed hw_frames_ctx: frames are uploaded
// from the sws-scaled NV12 CPU frame into a VAAPI surface each call,
// since the capture side hands us plain BGRA, not a DRM/VA surface.
static Encoder* vaapi_init(int width, int height, int fps, int bitrate_kbps,
                            int min_bitrate_kbps, int max_bitrate_kbps,
                            int keyint, const char *codec_name) {
	const char *name = (strcmp(codec_name, "h265") == 0) ? "hevc_vaapi" : "h264_vaapi";
	const AVCodec *codec = avcodec_find_encoder_by_name(name);
	if (!codec) return NULL;

	Encoder *e = (Encoder*)calloc(1, sizeof(Encoder));
	if (!e) return NULL;
	e->width = width;
	e->height = height;
	e->is_hw = 1;

	if (av_hwdevice_ctx_create(&e->hw_device_ctx, AV_HWDEVICE_TYPE_VAAPI, NULL, NULL, 0) < 0) {
		free(e);
		return NULL;
	}

	e->hw_frames_ctx = av_hwframe_ctx_alloc(e->hw_device_ctx);
	if (!e->hw_frames_ctx) {
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}
	AVHWFramesContext *frames_ctx = (AVHWFramesContext*)e->hw_frames_ctx->data;
	frames_ctx->format = AV_PIX_FMT_VAAPI;
	frames_ctx->sw_format = AV_PIX_FMT_NV12;
	frames_ctx->width = width;
	frames_ctx->height = height;
	frames_ctx->initial_pool_size = 4;
	if (av_hwframe_ctx_init(e->hw_frames_ctx) < 0) {
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	e->ctx = avcodec_alloc_context3(codec);
	if (!e->ctx) {
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}
	e->ctx->width = width;
	e->ctx->height = height;
	e->ctx->time_base = (AVRational){1, fps};
	e->ctx->framerate = (AVRational){fps, 1};
	e->ctx->pix_fmt = AV_PIX_FMT_VAAPI;
	e->ctx->sw_pix_fmt = AV_PIX_FMT_NV12;
	e->ctx->gop_size = keyint;
	e->ctx->hw_frames_ctx = av_buffer_ref(e->hw_frames_ctx);
	apply_low_latency_opts(e->ctx, name, bitrate_kbps, min_bitrate_kbps, max_bitrate_kbps);

	if (avcodec_open2(e->ctx, codec, NULL) < 0) {
		avcodec_free_context(&e->ctx);
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}

	e->frame = av_frame_alloc();
	e->frame->format = AV_PIX_FMT_NV12;
	e->frame->width = width;
	e->frame->height = height;
	av_frame_get_buffer(e->frame, 0);

	e->hw_frame = av_frame_alloc();
	e->pkt = av_packet_alloc();
	e->sws = sws_getContext(width, height, AV_PIX_FMT_BGRA,
		width, height, AV_PIX_FMT_NV12, SWS_FAST_BILINEAR, NULL, NULL, NULL);
	if (!e->sws) {
		av_frame_free(&e->hw_frame);
		av_packet_free(&e->pkt);
		av_frame_free(&e->frame);
		avcodec_free_context(&e->ctx);
		av_buffer_unref(&e->hw_frames_ctx);
		av_buffer_unref(&e->hw_device_ctx);
		free(e);
		return NULL;
	}
	return e;
}

static int encoder_encode(Encoder *e, const uint8_t *bgra, int stride,
                           uint8_t **out_buf, int *out_size, int *is_key) {
	*out_size = 0;

	const uint8_t *src_data[1] = { bgra };
	int src_linesize[1] = { stride };

	av_frame_make_writable(e->frame);
	sws_scale(e->sws, src_data, src_linesize, 0, e->height, e->frame->data, e->frame->linesize);
	e->frame->pts = e->pts++;

	AVFrame *send = e->frame;
	if (e->is_hw) {
		av_frame_unref(e->hw_frame);
		if (av_hwframe_get_buffer(e->hw_frames_ctx, e->hw_frame, 0) < 0) return -1;
		if (av_hwframe_transfer_data(e->hw_frame, e->frame, 0) < 0) return -1;
		e->hw_frame->pts = e->frame->pts;
		send = e->hw_frame;
	}

	int ret = avcodec_send_frame(e->ctx, send);
	if (ret < 0) return -1;

	ret = avcodec_receive_packet(e->ctx, e->pkt);
	if (ret == AVERROR(EAGAIN) || ret == AVERROR_EOF) return 0;
	if (ret < 0) return -1;

	*out_buf = e->pkt->data;
	*out_size = e->pkt->size;
	*is_key = (e->pkt->flags & AV_PKT_FLAG_KEY) ? 1 : 0;
	return 0;
}

static void encoder_unref(Encoder *e) { av_packet_unref(e->pkt); }
static const char* encoder_name(Encoder *e) { return e->ctx->codec->name; }
static void encoder_set_bitrate(Encoder *e, int kbps) {
	e->ctx->bit_rate = (int64_t)kbps * 1000;
}

static void encoder_destroy(Encoder *e) {
	if (!e) return;
	if (e->sws) sws_freeContext(e->sws);
	if (e->pkt) av_packet_free(&e->pkt);
	if (e->hw_frame) av_frame_free(&e->hw_frame);
	if (e->frame) av_frame_free(&e->frame);
	if (e->ctx) avcodec_free_context(&e->ctx);
	if (e->hw_frames_ctx) av_buffer_unref(&e->hw_frames_ctx);
	if (e->hw_device_ctx) av_buffer_unref(&e->hw_device_ctx);
	free(e);
}
*/
import "C"
import (
	"fmt"
	"unsafe"

	"bunghole-remote-desktop/internal/types"
)

// Backend identifies which libavcodec encoder a session landed on.
type Backend string

const (
	BackendNVENC    Backend = "nvenc"
	BackendVAAPI    Backend = "vaapi"
	BackendSoftware Backend = "software"
)

// Encoder wraps one libavcodec encoder instance. The chosen backend is
// fixed for the session's lifetime: Reconfigure tears down and rebuilds
// the same backend at a new resolution rather than re-running
// auto-detection, so a transient VAAPI probe failure on one resize
// can never silently demote a session to software mid-stream.
type Encoder struct {
	e          *C.Encoder
	backend    Backend
	codec      string
	fps        int
	gop        int
	bitrate    int
	minBitrate int
	maxBitrate int
}

// BackendAuto tells New to auto-detect, trying each backend in
// preference order and keeping the first that succeeds. Any other
// Backend value pins New to that single candidate: it either succeeds
// on that backend or returns an error, and never falls through to a
// different one. This is what makes a configured encoder preference
// durable across Reconfigure, since Reconfigure always rebuilds
// whatever backend the Encoder already landed on.
const BackendAuto Backend = "auto"

// New instantiates a working backend. With preferred == BackendAuto it
// tries NVENC, VAAPI, then software, keeping the first that succeeds.
// With any other preferred value it tries only that one backend.
// minBitrateKbps/maxBitrateKbps bound the VA-API and software backends'
// rate-control clamps; NVENC ignores them since it runs fixed CBR.
func New(width, height, fps, bitrateKbps int, codec string, gop int, preferred Backend, minBitrateKbps, maxBitrateKbps int) (*Encoder, error) {
	keyint := gop
	if keyint <= 0 {
		keyint = fps * 2
	}
	minKbps, maxKbps := minBitrateKbps, maxBitrateKbps
	if minKbps <= 0 {
		minKbps = bitrateKbps / 2
	}
	if maxKbps <= 0 {
		maxKbps = bitrateKbps * 2
	}
	cCodec := C.CString(codec)
	defer C.free(unsafe.Pointer(cCodec))

	type candidate struct {
		backend Backend
		init    func() *C.Encoder
	}
	all := []candidate{
		{BackendNVENC, func() *C.Encoder {
			return C.nvenc_init(C.int(width), C.int(height), C.int(fps), C.int(bitrateKbps), C.int(minKbps), C.int(maxKbps), C.int(keyint), cCodec)
		}},
		{BackendVAAPI, func() *C.Encoder {
			return C.vaapi_init(C.int(width), C.int(height), C.int(fps), C.int(bitrateKbps), C.int(minKbps), C.int(maxKbps), C.int(keyint), cCodec)
		}},
		{BackendSoftware, func() *C.Encoder {
			return C.x264_init(C.int(width), C.int(height), C.int(fps), C.int(bitrateKbps), C.int(minKbps), C.int(maxKbps), C.int(keyint), cCodec)
		}},
	}

	candidates := all
	if preferred != "" && preferred != BackendAuto {
		candidates = nil
		for _, cand := range all {
			if cand.backend == preferred {
				candidates = []candidate{cand}
				break
			}
		}
		if candidates == nil {
			return nil, fmt.Errorf("encode: unknown encoder preference %q", preferred)
		}
	}

	for _, cand := range candidates {
		if e := cand.init(); e != nil {
			return &Encoder{e: e, backend: cand.backend, codec: codec, fps: fps, gop: keyint, bitrate: bitrateKbps, minBitrate: minKbps, maxBitrate: maxKbps}, nil
		}
	}
	if preferred != "" && preferred != BackendAuto {
		return nil, fmt.Errorf("encode: configured encoder %q is unavailable", preferred)
	}
	return nil, fmt.Errorf("encode: no usable backend for codec %s (tried nvenc, vaapi, software)", codec)
}

// NewEncoder is the types.VideoEncoder factory signature the capture
// pipeline wires up. pref is the configured "auto"|"nvenc"|"vaapi"|"software"
// string from config.VideoConfig.Encoder.
func NewEncoder(width, height, fps, bitrateKbps int, codec string, gop int, pref string, minBitrateKbps, maxBitrateKbps int) (types.VideoEncoder, error) {
	return New(width, height, fps, bitrateKbps, codec, gop, Backend(pref), minBitrateKbps, maxBitrateKbps)
}

func (enc *Encoder) Encode(frame *types.Frame) (*types.EncodedFrame, error) {
	var outBuf *C.uint8_t
	var outSize C.int
	var isKey C.int

	var srcPtr unsafe.Pointer
	if frame.Ptr != nil {
		srcPtr = frame.Ptr
	} else {
		srcPtr = unsafe.Pointer(&frame.Data[0])
	}
	ret := C.encoder_encode(enc.e, (*C.uint8_t)(srcPtr), C.int(frame.Stride), &outBuf, &outSize, &isKey)
	if ret != 0 {
		return nil, fmt.Errorf("encode: %s backend encode failed", enc.backend)
	}
	if outSize == 0 {
		return nil, nil
	}
	data := C.GoBytes(unsafe.Pointer(outBuf), outSize)
	C.encoder_unref(enc.e)

	return &types.EncodedFrame{Data: data, IsKey: isKey != 0}, nil
}

// Reconfigure rebuilds the encoder at a new resolution using the same
// backend that auto-detection picked; it is never re-run. A keyframe
// is always requested on the first frame after rebuild since the
// decoder has no reference frames for the new dimensions.
func (enc *Encoder) Reconfigure(width, height int) error {
	cCodec := C.CString(enc.codec)
	defer C.free(unsafe.Pointer(cCodec))

	var next *C.Encoder
	switch enc.backend {
	case BackendNVENC:
		next = C.nvenc_init(C.int(width), C.int(height), C.int(enc.fps), C.int(enc.bitrate), C.int(enc.minBitrate), C.int(enc.maxBitrate), C.int(enc.gop), cCodec)
	case BackendVAAPI:
		next = C.vaapi_init(C.int(width), C.int(height), C.int(enc.fps), C.int(enc.bitrate), C.int(enc.minBitrate), C.int(enc.maxBitrate), C.int(enc.gop), cCodec)
	default:
		next = C.x264_init(C.int(width), C.int(height), C.int(enc.fps), C.int(enc.bitrate), C.int(enc.minBitrate), C.int(enc.maxBitrate), C.int(enc.gop), cCodec)
	}
	if next == nil {
		return fmt.Errorf("encode: reconfigure to %dx%d failed on %s backend", width, height, enc.backend)
	}
	C.encoder_destroy(enc.e)
	enc.e = next
	return nil
}

// SetBitrate adjusts the live target bitrate without a full rebuild.
// NVENC runs a fixed constant-bit-rate low-delay profile (spec.md §4.5);
// only the VA-API and software backends honor adaptive hints, matching
// types.VideoEncoder's documented contract, so NVENC sessions silently
// ignore this call rather than drift off their configured CBR rate.
func (enc *Encoder) SetBitrate(kbps int) {
	if enc.backend == BackendNVENC {
		return
	}
	enc.bitrate = kbps
	C.encoder_set_bitrate(enc.e, C.int(kbps))
}

// Backend reports which libavcodec encoder this session landed on.
func (enc *Encoder) Backend() Backend { return enc.backend }

func (enc *Encoder) Close() {
	C.encoder_destroy(enc.e)
}
