// Package supervisor spawns and monitors per-session agent subprocesses:
// privilege drop, fresh process group, stderr capture, exit notification.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"bunghole-remote-desktop/internal/logging"
)

// Spec describes one agent subprocess to launch.
type Spec struct {
	BinaryPath    string
	SessionID     string
	Username      string
	Display       int
	ControlSocket string
	ViewportW     int
	ViewportH     int
	LogDir        string

	// Pipeline configuration, passed through as flags rather than over
	// the control socket so the agent can build its capture/encode
	// pipeline before the broker sends anything.
	Codec            string
	Framerate        int
	VideoBitrateKbps int
	MinBitrateKbps   int
	MaxBitrateKbps   int
	AudioBitrateKbps int
	Encoder          string // "auto" | "nvenc" | "vaapi" | "software"
	GOP              int
}

// Handle is a running supervised agent.
type Handle struct {
	cmd      *exec.Cmd
	logFile  *os.File
	ExitCode chan int // buffered 1; receives the exit code (or -1) once
}

// Supervisor owns the capability precondition check and spawns agents.
type Supervisor struct {
	log *zap.Logger
}

// New builds a Supervisor, failing loudly if the parent process's
// capability bounding set lacks CAP_SYS_NICE — required so that an
// exec'd agent binary with the file capability can actually use it
// (spec.md §4.4).
func New(log *zap.Logger) (*Supervisor, error) {
	if err := requireCapSysNiceBoundingSet(); err != nil {
		return nil, err
	}
	return &Supervisor{log: log}, nil
}

// Spawn starts the agent subprocess: supplementary groups, setgid, setuid
// (in that order), in a fresh process group, with stderr redirected to a
// per-session log file at mode 0640 owned by the target uid.
func (sv *Supervisor) Spawn(spec Spec) (*Handle, error) {
	u, err := user.Lookup(spec.Username)
	if err != nil {
		return nil, fmt.Errorf("supervisor: lookup user %s: %w", spec.Username, err)
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("supervisor: bad uid for %s: %w", spec.Username, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("supervisor: bad gid for %s: %w", spec.Username, err)
	}
	groupIDs, err := u.GroupIds()
	if err != nil {
		return nil, fmt.Errorf("supervisor: lookup groups for %s: %w", spec.Username, err)
	}
	supGroups := make([]uint32, 0, len(groupIDs))
	for _, g := range groupIDs {
		n, err := strconv.Atoi(g)
		if err != nil {
			continue
		}
		supGroups = append(supGroups, uint32(n))
	}

	core, logFile, err := logging.SessionFileCore(spec.LogDir, spec.SessionID, zapcore.InfoLevel)
	_ = core // the file descriptor, not the zap core, is what the child inherits
	if err != nil {
		return nil, err
	}
	if err := logFile.Chown(uid, gid); err != nil {
		sv.log.Warn("supervisor: chown session log failed", zap.Error(err))
	}

	cmd := exec.Command(spec.BinaryPath,
		"--display", strconv.Itoa(spec.Display),
		"--control-socket", spec.ControlSocket,
		"--session", spec.SessionID,
		"--viewport-width", strconv.Itoa(spec.ViewportW),
		"--viewport-height", strconv.Itoa(spec.ViewportH),
		"--codec", spec.Codec,
		"--fps", strconv.Itoa(spec.Framerate),
		"--bitrate", strconv.Itoa(spec.VideoBitrateKbps),
		"--min-bitrate", strconv.Itoa(spec.MinBitrateKbps),
		"--max-bitrate", strconv.Itoa(spec.MaxBitrateKbps),
		"--audio-bitrate", strconv.Itoa(spec.AudioBitrateKbps),
		"--encoder", spec.Encoder,
		"--gop", strconv.Itoa(spec.GOP),
	)
	cmd.Stderr = logFile
	cmd.Env = agentEnviron(spec)

	// Order matters: supplementary groups, then gid, then uid — setting
	// uid first would strip the privilege needed to still change gid.
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid: true, // fresh process group so pgid kill reaches grandchildren
		Credential: &syscall.Credential{
			Uid:    uint32(uid),
			Gid:    uint32(gid),
			Groups: supGroups,
		},
	}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("supervisor: start agent: %w", err)
	}

	h := &Handle{cmd: cmd, logFile: logFile, ExitCode: make(chan int, 1)}
	go h.wait()
	return h, nil
}

func (h *Handle) wait() {
	err := h.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	h.logFile.Close()
	h.ExitCode <- code
}

// Terminate sends SIGTERM to the whole process group (negative pid),
// reaching grandchildren like window-manager helpers the agent spawned.
func (h *Handle) Terminate() error {
	pgid, err := syscall.Getpgid(h.cmd.Process.Pid)
	if err != nil {
		return h.cmd.Process.Kill()
	}
	return syscall.Kill(-pgid, syscall.SIGTERM)
}

// PID returns the agent's process id.
func (h *Handle) PID() int { return h.cmd.Process.Pid }

// requireCapSysNiceBoundingSet asserts that CAP_SYS_NICE is present in
// this process's capability bounding set, per spec.md §4.4: a
// file-capability binary that needs elevated scheduling can only ever
// gain that capability on exec if the parent's bounding set still has it.
func requireCapSysNiceBoundingSet() error {
	const capSysNice = 23 // linux/capability.h CAP_SYS_NICE
	present, err := unix.PrctlRetInt(unix.PR_CAPBSET_READ, capSysNice, 0, 0, 0)
	if err != nil {
		return fmt.Errorf("supervisor: query capability bounding set: %w", err)
	}
	if present == 0 {
		return fmt.Errorf("supervisor: CAP_SYS_NICE missing from capability bounding set; " +
			"agent binaries requiring elevated scheduling cannot be exec'd")
	}
	return nil
}

func agentEnviron(spec Spec) []string {
	// Minimal inherited environment per spec.md §6: per-session runtime
	// directory, no FUSE virtual filesystems, no desktop-session hints
	// that would activate services expecting a full GNOME/KDE session.
	runtimeDir := fmt.Sprintf("/run/bunghole/%s", spec.SessionID)
	return []string{
		"DISPLAY=:" + strconv.Itoa(spec.Display),
		"XDG_RUNTIME_DIR=" + runtimeDir,
		"XDG_SESSION_TYPE=x11",
		"GVFS_DISABLE_FUSE=1",
		"HOME=/home/" + spec.Username,
		"PATH=/usr/local/bin:/usr/bin:/bin",
	}
}
