package peer

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// playoutDelayURI is the Chrome-defined RTP header extension that lets a
// sender hint the receiver's jitter buffer toward a target delay range.
// https://webrtc.googlesource.com/src/+/refs/heads/main/docs/native-code/rtp-hdrext/playout-delay/README.md
const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"

// playoutDelayInterceptorFactory builds one playoutDelayInterceptor per
// PeerConnection, the shape github.com/pion/interceptor's registry expects.
type playoutDelayInterceptorFactory struct{}

func (f *playoutDelayInterceptorFactory) NewInterceptor(_ string) (interceptor.Interceptor, error) {
	return &playoutDelayInterceptor{}, nil
}

// playoutDelayInterceptor stamps every outgoing RTP packet with the
// playout-delay extension requesting min=max=0: spec.md §4.6 calls for
// minimal playout-delay/jitter-buffer hints at both peers, so Chrome
// renders frames as soon as they arrive instead of smoothing them through
// a buffer sized for conversational video. Peer.New builds a fresh
// MediaEngine, extension registration, and interceptor on every call —
// which also runs on every soft reconnect — so the hint is re-asserted
// after each renegotiation rather than surviving only from the first
// offer/answer, since some browser stacks drop it across an ICE restart.
type playoutDelayInterceptor struct {
	interceptor.NoOp
}

// zeroPlayoutDelay is the 3-byte wire payload: 12-bit min, 12-bit max,
// both in units of 10ms. Zero in both fields asks for the smallest
// playout delay the receiver's jitter buffer supports.
var zeroPlayoutDelay = []byte{0x00, 0x00, 0x00}

func (i *playoutDelayInterceptor) BindLocalStream(info *interceptor.StreamInfo, writer interceptor.RTPWriter) interceptor.RTPWriter {
	var extID uint8
	for _, ext := range info.RTPHeaderExtensions {
		if ext.URI == playoutDelayURI {
			extID = uint8(ext.ID)
			break
		}
	}
	if extID == 0 {
		return writer
	}
	return interceptor.RTPWriterFunc(func(header *rtp.Header, payload []byte, attributes interceptor.Attributes) (int, error) {
		_ = header.SetExtension(extID, zeroPlayoutDelay)
		return writer.Write(header, payload, attributes)
	})
}
