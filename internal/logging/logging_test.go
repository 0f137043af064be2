package logging

import (
	"os"
	"path/filepath"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestNewDefaultsToInfoOnBadLevel(t *testing.T) {
	log, err := New("not-a-level", "json")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer log.Sync()
	if !log.Core().Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level to be enabled after an unparsable level string")
	}
}

func TestSessionFileCoreCreatesFile(t *testing.T) {
	dir := t.TempDir()
	core, f, err := SessionFileCore(dir, "sess-1", zapcore.InfoLevel)
	if err != nil {
		t.Fatalf("SessionFileCore: %v", err)
	}
	defer f.Close()

	wantPath := filepath.Join(dir, "agent-sess-1.log")
	if f.Name() != wantPath {
		t.Fatalf("log file path = %q, want %q", f.Name(), wantPath)
	}
	if _, err := os.Stat(wantPath); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
	if !core.Enabled(zapcore.InfoLevel) {
		t.Fatalf("expected info level to be enabled on the session core")
	}
}
