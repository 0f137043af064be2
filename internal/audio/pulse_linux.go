//go:build linux

// Package audio captures the virtual display's PulseAudio monitor
// source and emits Opus-encoded 20ms frames at a configurable bitrate.
package audio

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/hraban/opus"
	"github.com/jfreymuth/pulse"
	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/types"
)

const (
	sampleRate    = 48000
	channels      = 2
	frameDuration = 20 // ms
	frameSize     = sampleRate * frameDuration / 1000 // 960 samples per channel
)

// AudioCapture records the default sink's monitor and encodes Opus.
type AudioCapture struct {
	log     *zap.Logger
	client  *pulse.Client
	stream  *pulse.RecordStream
	encoder *opus.Encoder

	mu         sync.Mutex
	bitrateSet int
}

// pcmCollector implements pulse.Writer — receives raw PCM from PulseAudio.
type pcmCollector struct {
	mu     sync.Mutex
	buf    []int16
	format byte
}

func (p *pcmCollector) Write(data []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(data) / 2
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(data[i*2 : i*2+2]))
		p.buf = append(p.buf, sample)
	}
	return len(data), nil
}

func (p *pcmCollector) Format() byte { return p.format }

func (p *pcmCollector) drain(count int) []int16 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.buf) < count {
		return nil
	}
	out := make([]int16, count)
	copy(out, p.buf[:count])
	p.buf = p.buf[count:]
	return out
}

// NewAudioCapture connects to the session's PulseAudio server and sets
// up an Opus encoder at bitrateKbps.
func NewAudioCapture(log *zap.Logger, bitrateKbps int) (*AudioCapture, error) {
	client, err := pulse.NewClient(pulse.ClientApplicationName("bunghole-agent"))
	if err != nil {
		return nil, fmt.Errorf("audio: pulse connect: %w", err)
	}

	enc, err := opus.NewEncoder(sampleRate, channels, opus.AppAudio)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("audio: opus encoder: %w", err)
	}
	if bitrateKbps > 0 {
		if err := enc.SetBitrate(bitrateKbps * 1000); err != nil {
			log.Warn("audio: set opus bitrate failed", zap.Error(err))
		}
	}

	return &AudioCapture{log: log, client: client, encoder: enc, bitrateSet: bitrateKbps}, nil
}

// SetBitrate adjusts the live Opus target bitrate.
func (ac *AudioCapture) SetBitrate(kbps int) {
	ac.mu.Lock()
	defer ac.mu.Unlock()
	if err := ac.encoder.SetBitrate(kbps * 1000); err != nil {
		ac.log.Warn("audio: set opus bitrate failed", zap.Error(err))
		return
	}
	ac.bitrateSet = kbps
}

func (ac *AudioCapture) Run(packets chan<- *types.OpusPacket, stop <-chan struct{}) {
	collector := &pcmCollector{format: proto.FormatInt16LE}

	sink, err := ac.client.DefaultSink()
	if err != nil {
		ac.log.Error("audio: get default sink", zap.Error(err))
		return
	}

	stream, err := ac.client.NewRecord(
		collector,
		pulse.RecordMonitor(sink),
		pulse.RecordStereo,
		pulse.RecordSampleRate(sampleRate),
		pulse.RecordBufferFragmentSize(uint32(frameSize*channels*2)),
	)
	if err != nil {
		ac.log.Error("audio: create record stream", zap.Error(err))
		return
	}
	ac.stream = stream
	stream.Start()

	opusBuf := make([]byte, 4000)
	samplesPerFrame := frameSize * channels

	ticker := time.NewTicker(frameDuration * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			pcm := collector.drain(samplesPerFrame)
			if pcm == nil {
				continue
			}

			ac.mu.Lock()
			encoded, err := ac.encoder.Encode(pcm, opusBuf)
			ac.mu.Unlock()
			if err != nil {
				ac.log.Warn("audio: opus encode failed", zap.Error(err))
				continue
			}

			pkt := &types.OpusPacket{
				Data:     make([]byte, encoded),
				Duration: frameDuration * time.Millisecond,
			}
			copy(pkt.Data, opusBuf[:encoded])

			select {
			case packets <- pkt:
			default: // drop rather than block the capture loop
			}
		}
	}
}

func (ac *AudioCapture) Close() {
	if ac.stream != nil {
		ac.stream.Stop()
	}
	ac.client.Close()
}
