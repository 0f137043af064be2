package tls

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestLoadOrGenerateCreatesAndReuses(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()

	cfg1, err := LoadOrGenerate(log, dir)
	if err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}
	if len(cfg1.Certificates) != 1 {
		t.Fatalf("expected one certificate, got %d", len(cfg1.Certificates))
	}

	certPath := filepath.Join(dir, "server-cert.pem")
	info1, err := os.Stat(certPath)
	if err != nil {
		t.Fatalf("stat cert: %v", err)
	}

	cfg2, err := LoadOrGenerate(log, dir)
	if err != nil {
		t.Fatalf("second LoadOrGenerate: %v", err)
	}
	info2, err := os.Stat(certPath)
	if err != nil {
		t.Fatalf("stat cert after reuse: %v", err)
	}
	if !info1.ModTime().Equal(info2.ModTime()) {
		t.Fatalf("a fresh certificate should be reused, not regenerated")
	}
	if len(cfg2.Certificates) != 1 {
		t.Fatalf("expected one certificate on reuse, got %d", len(cfg2.Certificates))
	}
}

func TestLoadOrGenerateRegeneratesExpired(t *testing.T) {
	dir := t.TempDir()
	log := zap.NewNop()

	if _, err := LoadOrGenerate(log, dir); err != nil {
		t.Fatalf("LoadOrGenerate: %v", err)
	}

	certPath := filepath.Join(dir, "server-cert.pem")
	old := time.Now().Add(-2 * maxCertAge)
	if err := os.Chtimes(certPath, old, old); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	if _, err := LoadOrGenerate(log, dir); err != nil {
		t.Fatalf("LoadOrGenerate after expiry: %v", err)
	}
	info, err := os.Stat(certPath)
	if err != nil {
		t.Fatalf("stat cert: %v", err)
	}
	if info.ModTime().Equal(old) {
		t.Fatalf("expired certificate should have been regenerated")
	}
}
