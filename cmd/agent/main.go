// Command agent is the per-session supervised subprocess: it captures
// the virtual display, encodes video/audio, and serves one WebRTC peer
// connection, relaying signaling over the broker's control socket named
// by --control-socket. It never serves HTTP and never outlives one session.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"bunghole-remote-desktop/internal/audio"
	"bunghole-remote-desktop/internal/capture"
	"bunghole-remote-desktop/internal/clipboard"
	"bunghole-remote-desktop/internal/encode"
	"bunghole-remote-desktop/internal/filexfer"
	"bunghole-remote-desktop/internal/input"
	"bunghole-remote-desktop/internal/ipc"
	"bunghole-remote-desktop/internal/logging"
	"bunghole-remote-desktop/internal/peer"
	"bunghole-remote-desktop/internal/platform"
	"bunghole-remote-desktop/internal/types"
	"bunghole-remote-desktop/internal/wire"
)

var (
	flagDisplay       = flag.Int("display", 0, "X display number assigned by the supervisor")
	flagControlSocket = flag.String("control-socket", "", "Unix socket to dial for broker signaling")
	flagSession       = flag.String("session", "", "session id, for log correlation only")
	flagViewportW     = flag.Int("viewport-width", 1920, "initial viewport width")
	flagViewportH     = flag.Int("viewport-height", 1080, "initial viewport height")
	flagCodec         = flag.String("codec", "h264", "video codec: h264 or h265")
	flagFPS           = flag.Int("fps", 60, "capture/encode frame rate")
	flagBitrate       = flag.Int("bitrate", 6000, "video bitrate in kbps")
	flagMinBitrate    = flag.Int("min-bitrate", 0, "minimum video bitrate in kbps for VA-API/software rate control (0 = bitrate/2)")
	flagMaxBitrate    = flag.Int("max-bitrate", 0, "maximum video bitrate in kbps for VA-API/software rate control (0 = bitrate*2)")
	flagAudioBitrate  = flag.Int("audio-bitrate", 128, "audio bitrate in kbps (0 disables audio)")
	flagEncoder       = flag.String("encoder", "auto", "encoder backend: auto, nvenc, vaapi, software")
	flagGOP           = flag.Int("gop", 0, "keyframe interval in frames (0 = 2x fps)")
)

func main() {
	flag.Parse()

	log, err := logging.New("info", "json")
	if err != nil {
		os.Exit(1)
	}
	log = log.With(zap.String("session", *flagSession))
	defer log.Sync()

	if *flagControlSocket == "" {
		log.Fatal("--control-socket is required")
	}

	pcfg := &platform.Config{Display: fmtDisplay(*flagDisplay)}
	if err := platform.Init(pcfg); err != nil {
		log.Fatal("platform init failed", zap.Error(err))
	}
	displayName := pcfg.Display

	ctrl, err := ipc.Dial(*flagControlSocket)
	if err != nil {
		log.Fatal("dial control socket failed", zap.Error(err))
	}
	defer ctrl.Close()

	a := &agent{
		log:       log,
		ctrl:      ctrl,
		display:   displayName,
		width:     *flagViewportW,
		height:    *flagViewportH,
		codec:     *flagCodec,
		fps:       *flagFPS,
		bitrate:   *flagBitrate,
		minBitrate: *flagMinBitrate,
		maxBitrate: *flagMaxBitrate,
		audioBps:  *flagAudioBitrate,
		encPref:   *flagEncoder,
		gop:       *flagGOP,
		uploads:   make(map[string]*filexfer.Upload),
		stop:      make(chan struct{}),
		homeDir:   os.Getenv("HOME"),
	}

	if err := a.buildPipeline(); err != nil {
		log.Fatal("pipeline build failed", zap.Error(err))
	}
	defer a.closePipeline()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("agent: received shutdown signal")
		close(a.stop)
	}()

	a.runSignaling()
}

func fmtDisplay(n int) string { return ":" + strconv.Itoa(n) }

func unmarshalPayload(env ipc.Envelope, v any) error {
	return json.Unmarshal(env.Payload, v)
}

func toWebRTCServers(servers []ipc.ICEServerPayload) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}

// agent owns the capture/encode/peer lifecycle for exactly one session.
type agent struct {
	log     *zap.Logger
	ctrl    *ipc.Conn
	display string
	homeDir string

	width, height int
	codec         string
	fps           int
	bitrate       int
	minBitrate    int
	maxBitrate    int
	audioBps      int
	encPref       string
	gop           int

	cap    *capture.XshmCapturer
	enc    *encode.Encoder
	ac     *audio.AudioCapture
	inj    *input.InputHandler
	clip   *clipboard.ClipboardSync

	mu   sync.Mutex
	p    *peer.Peer
	iceServers []webrtc.ICEServer

	uploadsMu sync.Mutex
	uploads   map[string]*filexfer.Upload

	stop chan struct{}
}

func (a *agent) buildPipeline() error {
	cap, err := capture.NewCapturer(a.log, a.display)
	if err != nil {
		return err
	}
	a.cap = cap

	enc, err := encode.New(cap.Width(), cap.Height(), a.fps, a.bitrate, a.codec, a.gop, encode.Backend(a.encPref), a.minBitrate, a.maxBitrate)
	if err != nil {
		cap.Close()
		return err
	}
	a.enc = enc
	a.log.Info("encode: backend selected", zap.String("backend", string(enc.Backend())))

	if a.audioBps > 0 {
		ac, err := audio.NewAudioCapture(a.log, a.audioBps)
		if err != nil {
			a.log.Warn("audio: init failed, continuing without audio", zap.Error(err))
		} else {
			a.ac = ac
		}
	}

	inj, err := input.NewInputHandler(a.log, a.display, a.width, a.height)
	if err != nil {
		return err
	}
	a.inj = inj

	clip, err := clipboard.New(a.log, a.display)
	if err != nil {
		a.log.Warn("clipboard: init failed, continuing without clipboard sync", zap.Error(err))
	} else {
		a.clip = clip
	}

	return nil
}

func (a *agent) closePipeline() {
	if a.clip != nil {
		a.clip.Close()
	}
	if a.inj != nil {
		a.inj.Close()
	}
	if a.ac != nil {
		a.ac.Close()
	}
	if a.enc != nil {
		a.enc.Close()
	}
	if a.cap != nil {
		a.cap.Close()
	}
}

// runSignaling processes envelopes from the broker until the control
// socket closes or the process is asked to shut down. The first
// TypeICEConfig envelope unblocks peer construction; everything after
// that is routed by Type.
func (a *agent) runSignaling() {
	readErrs := make(chan error, 1)
	envs := make(chan ipc.Envelope, 8)
	go func() {
		for {
			env, err := a.ctrl.ReadEnvelope()
			if err != nil {
				readErrs <- err
				return
			}
			envs <- env
		}
	}()

	for {
		select {
		case <-a.stop:
			return
		case err := <-readErrs:
			a.log.Info("agent: control socket closed", zap.Error(err))
			return
		case env := <-envs:
			a.handleEnvelope(env)
		}
	}
}

func (a *agent) handleEnvelope(env ipc.Envelope) {
	switch env.Type {
	case ipc.TypeICEConfig:
		var p ipc.ICEConfigPayload
		if err := unmarshalPayload(env, &p); err != nil {
			a.log.Warn("agent: bad ice_config payload", zap.Error(err))
			return
		}
		a.mu.Lock()
		a.iceServers = toWebRTCServers(p.Servers)
		a.mu.Unlock()
		a.ctrl.SendJSON(ipc.Envelope{Type: ipc.TypeAgentReady})
		a.startMediaLoops()

	case ipc.TypeOffer:
		var p ipc.SDPPayload
		if err := unmarshalPayload(env, &p); err != nil {
			a.log.Warn("agent: bad offer payload", zap.Error(err))
			return
		}
		if err := a.ensurePeer(); err != nil {
			a.log.Error("agent: build peer failed", zap.Error(err))
			return
		}
		answerSDP, err := a.currentPeer().Answer(p.SDP)
		if err != nil {
			a.log.Error("agent: answer offer failed", zap.Error(err))
			return
		}
		body, _ := json.Marshal(ipc.SDPPayload{SDP: answerSDP})
		a.ctrl.SendJSON(ipc.Envelope{Type: ipc.TypeAnswer, Payload: body})

	case ipc.TypeICECandidate:
		var p ipc.ICECandidatePayload
		if err := unmarshalPayload(env, &p); err != nil {
			a.log.Warn("agent: bad ice_candidate payload", zap.Error(err))
			return
		}
		pr := a.currentPeer()
		if pr == nil {
			return
		}
		if err := pr.AddICECandidate(webrtc.ICECandidateInit{
			Candidate:        p.Candidate,
			SDPMid:           p.SDPMid,
			SDPMLineIndex:    p.SDPMLineIndex,
			UsernameFragment: p.UsernameFragment,
		}); err != nil {
			a.log.Warn("agent: add ice candidate failed", zap.Error(err))
		}
	}
}

func (a *agent) currentPeer() *peer.Peer {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.p
}

// ensurePeer builds the peer connection the first time an offer arrives,
// or after a soft/hard reconnect tore the prior one down.
func (a *agent) ensurePeer() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.p != nil {
		return nil
	}
	p, err := peer.New(a.log, a.iceServers, a.codec, peer.Handlers{
		OnInput:       a.onInput,
		OnClipboard:   a.onClipboard,
		OnNeedRebuild: a.onNeedRebuild,
	})
	if err != nil {
		return err
	}
	a.p = p
	return nil
}

func (a *agent) onNeedRebuild(reason string) {
	a.log.Warn("agent: peer rebuild triggered", zap.String("reason", reason))
	a.mu.Lock()
	old := a.p
	a.p = nil
	a.mu.Unlock()
	if old != nil {
		old.Close()
	}
	errBody, _ := json.Marshal(ipc.ErrorPayload{Message: "reconnect_required"})
	a.ctrl.SendJSON(ipc.Envelope{Type: ipc.TypeError, Payload: errBody})
}

// onInput dispatches one decoded wire.InputEvent to the right subsystem.
// TagClipboard/TagPrimarySelection never reach here — peer.go routes
// those to OnClipboard directly.
func (a *agent) onInput(ev wire.InputEvent) {
	switch ev.Tag {
	case wire.TagKey, wire.TagMouseAbs, wire.TagMouseRel, wire.TagButton, wire.TagScroll:
		a.inj.Inject(ev)
	case wire.TagResize:
		a.handleResize(ev.Width, ev.Height)
	case wire.TagQuality:
		a.handleQuality(ev.Quality)
	case wire.TagFileUploadStart:
		a.handleUploadStart(ev.FileID, ev.Name)
	case wire.TagFileUploadChunk:
		a.handleUploadChunk(ev.FileID, ev.ChunkB64)
	case wire.TagFileUploadDone:
		a.handleUploadDone(ev.FileID)
	case wire.TagFileDownloadReq:
		go a.handleDownload(ev.FileID)
	}
}

func (a *agent) onClipboard(selection wire.Selection, text string) {
	if a.clip == nil {
		return
	}
	a.clip.SetFromClient(selection, text)
}

// handleResize reconfigures the display, recreates the encoder on the
// backend it already landed on, and triggers a soft reconnect if the
// change is large enough for the browser's decoder to choke on.
func (a *agent) handleResize(width, height int) {
	if width <= 0 || height <= 0 {
		return
	}
	if err := a.cap.Resize(width, height); err != nil {
		a.log.Warn("agent: capture resize failed", zap.Error(err))
		return
	}
	if err := a.enc.Reconfigure(width, height); err != nil {
		a.log.Warn("agent: encoder reconfigure failed", zap.Error(err))
		return
	}
	a.inj.Resize(width, height)

	a.mu.Lock()
	a.width, a.height = width, height
	p := a.p
	a.mu.Unlock()

	if p != nil && p.NeedsSoftReconnect(width, height) {
		a.onNeedRebuild("resize")
	}
}

// handleQuality maps the browser's coarse quality hint onto a bitrate
// multiplier of the configured baseline, applied live without a rebuild.
func (a *agent) handleQuality(mode wire.QualityMode) {
	mult := 1.0
	switch mode {
	case wire.QualityHigh:
		mult = 1.5
	case wire.QualityLow:
		mult = 0.5
	}
	kbps := int(float64(a.bitrate) * mult)
	a.enc.SetBitrate(kbps)
	if a.ac != nil {
		a.ac.SetBitrate(a.audioBps)
	}
}

func (a *agent) handleUploadStart(id, name string) {
	u, err := filexfer.StartUpload(a.homeDir, name)
	if err != nil {
		a.log.Warn("agent: upload start rejected", zap.String("name", name), zap.Error(err))
		return
	}
	a.uploadsMu.Lock()
	a.uploads[id] = u
	a.uploadsMu.Unlock()
}

func (a *agent) handleUploadChunk(id, b64 string) {
	a.uploadsMu.Lock()
	u := a.uploads[id]
	a.uploadsMu.Unlock()
	if u == nil {
		return
	}
	if err := u.Chunk(b64); err != nil {
		a.log.Warn("agent: upload chunk rejected", zap.String("id", id), zap.Error(err))
		a.uploadsMu.Lock()
		delete(a.uploads, id)
		a.uploadsMu.Unlock()
		u.Abort()
	}
}

func (a *agent) handleUploadDone(id string) {
	a.uploadsMu.Lock()
	u := a.uploads[id]
	delete(a.uploads, id)
	a.uploadsMu.Unlock()
	if u == nil {
		return
	}
	if err := u.Done(); err != nil {
		a.log.Warn("agent: upload finalize failed", zap.String("id", id), zap.Error(err))
	}
}

// handleDownload streams a jailed file back to the browser over the
// input data channel as fds/fdc/fdd (or fde on error), one chunk at a
// time off a bounded channel so the whole file is never buffered. The
// download request's FileID doubles as the home-relative path; the
// browser is the one place that knows which file it asked to save.
func (a *agent) handleDownload(relativePath string) {
	p := a.currentPeer()
	if p == nil {
		return
	}

	var size int64
	if full, err := filexfer.Jail(a.homeDir, relativePath); err == nil {
		if info, err := os.Stat(full); err == nil {
			size = info.Size()
		}
	}
	if body, err := wire.EncodeFileDownloadStart(relativePath, relativePath, size); err == nil {
		p.SendData(body)
	}

	chunks := make(chan string, 4)
	done := make(chan error, 1)
	go func() { done <- filexfer.Download(a.homeDir, relativePath, chunks, a.stop) }()

	for {
		select {
		case c, ok := <-chunks:
			if !ok {
				continue
			}
			if body, err := wire.EncodeFileDownloadChunk(relativePath, c); err == nil {
				p.SendData(body)
			}
		case err := <-done:
			// Download has returned, so no further chunks arrive; forward
			// any still buffered before the terminal message.
			for drained := false; !drained; {
				select {
				case c := <-chunks:
					if body, e := wire.EncodeFileDownloadChunk(relativePath, c); e == nil {
						p.SendData(body)
					}
				default:
					drained = true
				}
			}
			if err != nil {
				if body, e := wire.EncodeFileDownloadError(relativePath, err.Error()); e == nil {
					p.SendData(body)
				}
				return
			}
			if body, e := wire.EncodeFileDownloadDone(relativePath); e == nil {
				p.SendData(body)
			}
			return
		case <-a.stop:
			return
		}
	}
}

// startMediaLoops runs the capture/encode/video loop and the audio
// forwarding loop. Grounded on the teacher's runPipeline: a wall-clock
// ticker paces capture, stats are logged every 5 seconds, and grab/
// encode failures are counted rather than making the loop fatal.
func (a *agent) startMediaLoops() {
	go a.runVideoLoop()
	if a.ac != nil {
		go a.runAudioLoop()
	}
	if a.clip != nil {
		changes := make(chan wire.ClipboardChange, 4)
		go a.clip.Run(changes, a.stop)
		go a.forwardClipboardChanges(changes)
	}
}

func (a *agent) runVideoLoop() {
	frameDur := time.Second / time.Duration(a.fps)
	ticker := time.NewTicker(frameDur)
	defer ticker.Stop()

	var loopCount, grabFails, encodeFails, encodeNils int
	lastStats := time.Now()

	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
			loopCount++
			frame, err := a.cap.Grab()
			if err != nil {
				grabFails++
				continue
			}
			encoded, err := a.enc.Encode(frame)
			if err != nil {
				encodeFails++
				continue
			}
			if encoded == nil {
				encodeNils++
				continue
			}
			if p := a.currentPeer(); p != nil {
				p.WriteVideoSample(encoded.Data, frameDur)
			}

			if time.Since(lastStats) >= 5*time.Second {
				a.log.Info("pipeline stats",
					zap.Int("loops", loopCount), zap.Int("grab_fail", grabFails),
					zap.Int("encode_fail", encodeFails), zap.Int("encode_nil", encodeNils))
				loopCount, grabFails, encodeFails, encodeNils = 0, 0, 0, 0
				lastStats = time.Now()
			}
		}
	}
}

func (a *agent) runAudioLoop() {
	packets := make(chan *types.OpusPacket, 10)
	go a.ac.Run(packets, a.stop)
	for {
		select {
		case <-a.stop:
			return
		case pkt := <-packets:
			if p := a.currentPeer(); p != nil {
				p.WriteAudioSample(pkt.Data, pkt.Duration)
			}
		}
	}
}

func (a *agent) forwardClipboardChanges(changes <-chan wire.ClipboardChange) {
	for {
		select {
		case <-a.stop:
			return
		case c := <-changes:
			p := a.currentPeer()
			if p == nil {
				continue
			}
			if body, err := wire.EncodeClipboard(c.Selection, c.Text); err == nil {
				p.SendData(body)
			}
		}
	}
}
