// Package peer owns the agent-side WebRTC peer connection: codec setup,
// the two media tracks, the unordered zero-retransmit "input" data
// channel, ICE auto-recover, soft reconnect on significant resize, and
// the playout-delay RTP header extension that hints the browser's
// jitter buffer toward minimal delay.
//
// Adapted from the single-session peer wrapper this module started
// from: codec registration and OnDataChannel wiring are kept, generalized
// to the full input tag set and to the reconnect/ICE-recovery semantics
// a multi-session broker/agent split requires.
package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/wire"
)

// ICERecoverWindow is the tolerance window for a single ICE
// disconnected/failed blip before a full reconnect is triggered.
const ICERecoverWindow = 3 * time.Second

// ResizeSoftReconnectThreshold is the relative change (in either
// dimension) that forces a peer rebuild rather than an in-place encoder
// resize, because decoders cannot handle a mid-stream resolution change.
const ResizeSoftReconnectThreshold = 0.10

// Handlers are the callbacks the owner (cmd/agent's pipeline) wires into
// a Peer for the concerns this package does not own: injecting decoded
// input, bridging clipboard, and reacting to disconnects.
type Handlers struct {
	OnInput       func(wire.InputEvent)
	OnClipboard   func(selection wire.Selection, text string)
	OnNeedRebuild func(reason string) // ICE recovery window expired
}

// Peer wraps one webrtc.PeerConnection plus its two tracks and input
// channel.
type Peer struct {
	log        *zap.Logger
	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample

	lastWidth, lastHeight int

	mu           sync.Mutex
	closed       bool
	recoverTimer *time.Timer
	inputDC      *webrtc.DataChannel // browser-created; set once OnOpen fires
}

// New builds a peer connection with H.264 (or H.265) + Opus registered,
// both tracks added, ICE servers from the broker's ice_config message,
// and the input data channel wired to h.
func New(log *zap.Logger, iceServers []webrtc.ICEServer, codec string, h Handlers) (*Peer, error) {
	me := &webrtc.MediaEngine{}

	videoMime, videoFmtp, videoPT := webrtc.MimeTypeH264,
		"level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f", webrtc.PayloadType(96)
	if codec == "h265" {
		videoMime, videoFmtp, videoPT = webrtc.MimeTypeH265, "profile-id=1", webrtc.PayloadType(97)
	}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: videoMime, ClockRate: 90000, SDPFmtpLine: videoFmtp},
		PayloadType:        videoPT,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("peer: register video codec: %w", err)
	}
	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("peer: register opus: %w", err)
	}

	// Negotiate the playout-delay extension on both media kinds; the
	// interceptor below stamps minimal-delay values on every packet once
	// it is live (see playoutdelay.go).
	if err := me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI}, webrtc.RTPCodecTypeVideo,
	); err != nil {
		log.Warn("peer: register playout-delay extension for video failed", zap.Error(err))
	}
	if err := me.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI}, webrtc.RTPCodecTypeAudio,
	); err != nil {
		log.Warn("peer: register playout-delay extension for audio failed", zap.Error(err))
	}

	ir := &interceptor.Registry{}
	ir.Add(&playoutDelayInterceptorFactory{})

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, fmt.Errorf("peer: new peer connection: %w", err)
	}

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: videoMime, ClockRate: 90000, SDPFmtpLine: videoFmtp}, "video", "bunghole")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: video track: %w", err)
	}
	if _, err := pc.AddTrack(videoTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: add video track: %w", err)
	}

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, "audio", "bunghole")
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: audio track: %w", err)
	}
	if _, err := pc.AddTrack(audioTrack); err != nil {
		pc.Close()
		return nil, fmt.Errorf("peer: add audio track: %w", err)
	}

	p := &Peer{log: log, pc: pc, videoTrack: videoTrack, audioTrack: audioTrack}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if dc.Label() != "input" {
			return
		}
		// The browser creates this channel unordered with zero
		// retransmits (UDP-like delivery: stale input is worse than
		// lost input). The agent does not recreate it, only consumes
		// it — and keeps a reference for the reverse direction (cursor
		// shape, file-download chunks).
		dc.OnOpen(func() {
			p.mu.Lock()
			p.inputDC = dc
			p.mu.Unlock()
		})
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			ev, err := wire.ParseInputEvent(msg.Data)
			if err != nil {
				return // unknown/malformed tags are rejected, never applied
			}
			switch ev.Tag {
			case wire.TagClipboard:
				if h.OnClipboard != nil {
					h.OnClipboard(wire.SelectionClipboard, ev.ClipboardText)
				}
			case wire.TagPrimarySelection:
				if h.OnClipboard != nil {
					h.OnClipboard(wire.SelectionPrimary, ev.ClipboardText)
				}
			default:
				if h.OnInput != nil {
					h.OnInput(ev)
				}
			}
		})
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		p.handleICEState(state, h)
	})

	return p, nil
}

func (p *Peer) handleICEState(state webrtc.ICEConnectionState, h Handlers) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch state {
	case webrtc.ICEConnectionStateDisconnected, webrtc.ICEConnectionStateFailed:
		if p.recoverTimer != nil {
			return // already counting down
		}
		p.recoverTimer = time.AfterFunc(ICERecoverWindow, func() {
			p.mu.Lock()
			p.recoverTimer = nil
			p.mu.Unlock()
			if h.OnNeedRebuild != nil {
				h.OnNeedRebuild("ice_" + state.String())
			}
		})
	case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
		if p.recoverTimer != nil {
			p.recoverTimer.Stop()
			p.recoverTimer = nil
		}
	}
}

// Answer applies a browser SDP offer and returns the local answer.
func (p *Peer) Answer(offerSDP string) (string, error) {
	if err := p.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offerSDP,
	}); err != nil {
		return "", fmt.Errorf("peer: set remote description: %w", err)
	}
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("peer: create answer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(p.pc)
	if err := p.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("peer: set local description: %w", err)
	}
	<-gatherComplete
	return p.pc.LocalDescription().SDP, nil
}

// AddICECandidate forwards a trickled candidate from the browser.
func (p *Peer) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(candidate)
}

// SendData sends a pre-encoded wire envelope (cursor shape, file-download
// chunk) back to the browser over the input data channel. Returns an
// error if the channel has not opened yet.
func (p *Peer) SendData(data []byte) error {
	p.mu.Lock()
	dc := p.inputDC
	p.mu.Unlock()
	if dc == nil {
		return fmt.Errorf("peer: input data channel not open yet")
	}
	return dc.Send(data)
}

// WriteVideoSample pushes one encoded video frame.
func (p *Peer) WriteVideoSample(data []byte, dur time.Duration) error {
	return p.videoTrack.WriteSample(media.Sample{Data: data, Duration: dur})
}

// WriteAudioSample pushes one encoded Opus packet.
func (p *Peer) WriteAudioSample(data []byte, dur time.Duration) error {
	return p.audioTrack.WriteSample(media.Sample{Data: data, Duration: dur})
}

// NeedsSoftReconnect reports whether newW/newH differ from the last
// applied resolution by more than ResizeSoftReconnectThreshold in either
// dimension — the documented remedy for decoders that cannot handle a
// mid-stream resolution change (spec.md §4.5/§4.6).
func (p *Peer) NeedsSoftReconnect(newW, newH int) bool {
	if p.lastWidth == 0 || p.lastHeight == 0 {
		p.lastWidth, p.lastHeight = newW, newH
		return false
	}
	changed := relChange(p.lastWidth, newW) > ResizeSoftReconnectThreshold ||
		relChange(p.lastHeight, newH) > ResizeSoftReconnectThreshold
	p.lastWidth, p.lastHeight = newW, newH
	return changed
}

func relChange(old, new int) float64 {
	if old == 0 {
		return 1
	}
	diff := new - old
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) / float64(old)
}

// Close tears down the peer connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.recoverTimer != nil {
		p.recoverTimer.Stop()
	}
	p.mu.Unlock()
	return p.pc.Close()
}
