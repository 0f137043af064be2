package config

import "testing"

func TestLoadExplicitMissingFileErrors(t *testing.T) {
	cfg, err := Load("/nonexistent/bunghole-broker.toml")
	if err == nil {
		t.Fatalf("explicit nonexistent config file should error")
	}
	_ = cfg
}

func TestLoadFallsBackToDefaultsWhenNoConfigFileFound(t *testing.T) {
	t.Setenv("BUNGHOLE_SERVER_PORT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := Default()
	if cfg.Server.Port != want.Server.Port {
		t.Fatalf("Server.Port = %d, want default %d", cfg.Server.Port, want.Server.Port)
	}
	if cfg.Video.Framerate != want.Video.Framerate {
		t.Fatalf("Video.Framerate = %d, want default %d", cfg.Video.Framerate, want.Video.Framerate)
	}
}

func TestDefaultSessionThresholds(t *testing.T) {
	cfg := Default()
	if cfg.Session.MaxSessions <= 0 {
		t.Fatalf("MaxSessions must be positive, got %d", cfg.Session.MaxSessions)
	}
	if cfg.Session.IdleTimeoutSeconds <= 0 {
		t.Fatalf("IdleTimeoutSeconds must be positive, got %d", cfg.Session.IdleTimeoutSeconds)
	}
}
