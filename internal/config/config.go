// Package config loads the broker's TOML configuration file.
package config

import (
	"fmt"
	"path/filepath"
	"runtime"

	"github.com/spf13/viper"
)

// ServerConfig is the [server] section.
type ServerConfig struct {
	Bind     string `mapstructure:"bind"`
	Port     int    `mapstructure:"port"`
	TLSCert  string `mapstructure:"tls_cert"`
	TLSKey   string `mapstructure:"tls_key"`
	WebRoot  string `mapstructure:"web_root"`
	StateDir string `mapstructure:"state_dir"`
	LogDir   string `mapstructure:"log_dir"`
	RunDir   string `mapstructure:"run_dir"`

	// AgentBinaryPath is the bunghole-agent executable the supervisor
	// exec's for each session.
	AgentBinaryPath string `mapstructure:"agent_binary"`
}

// VideoConfig is the [video] section.
type VideoConfig struct {
	BitrateKbps int    `mapstructure:"bitrate"`
	Framerate   int    `mapstructure:"framerate"`
	Encoder     string `mapstructure:"encoder"` // "auto" | "nvenc" | "vaapi" | "software"
	MaxWidth    int    `mapstructure:"max_width"`
	MaxHeight   int    `mapstructure:"max_height"`

	// MinBitrateKbps/MaxBitrateKbps bound the VA-API and software backends'
	// variable-bit-rate rate control; NVENC ignores them (fixed CBR).
	MinBitrateKbps int `mapstructure:"min_bitrate"`
	MaxBitrateKbps int `mapstructure:"max_bitrate"`
}

// AudioConfig is the [audio] section.
type AudioConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	BitrateKbps int  `mapstructure:"bitrate"`
}

// SessionConfig is the [session] section.
type SessionConfig struct {
	MaxSessions int `mapstructure:"max_sessions"`
	IdleTimeoutSeconds int `mapstructure:"idle_timeout"`
}

// ICEConfig is the [ice] section.
type ICEConfig struct {
	StunURLs       []string `mapstructure:"stun_urls"`
	TurnURLs       []string `mapstructure:"turn_urls"`
	TurnUsername   string   `mapstructure:"turn_username"`
	TurnCredential string   `mapstructure:"turn_credential"`
}

// AdminConfig is the [admin] section.
type AdminConfig struct {
	AdminUsers []string `mapstructure:"admin_users"`
}

// Config is the top-level broker configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Video   VideoConfig   `mapstructure:"video"`
	Audio   AudioConfig   `mapstructure:"audio"`
	Session SessionConfig `mapstructure:"session"`
	ICE     ICEConfig     `mapstructure:"ice"`
	Admin   AdminConfig   `mapstructure:"admin"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Bind:            "0.0.0.0",
			Port:            8443,
			StateDir:        defaultStateDir(),
			LogDir:          defaultLogDir(),
			RunDir:          "/run/bunghole",
			AgentBinaryPath: "/usr/local/bin/bunghole-agent",
		},
		Video: VideoConfig{
			BitrateKbps:    6000,
			Framerate:      60,
			Encoder:        "auto",
			MaxWidth:       3840,
			MaxHeight:      2160,
			MinBitrateKbps: 3000,
			MaxBitrateKbps: 12000,
		},
		Audio: AudioConfig{
			Enabled:     true,
			BitrateKbps: 128,
		},
		Session: SessionConfig{
			MaxSessions:        32,
			IdleTimeoutSeconds: 3600,
		},
		ICE: ICEConfig{
			StunURLs: []string{"stun:stun.l.google.com:19302"},
		},
	}
}

// Load reads cfgFile (if non-empty) or the default search path, applies
// environment overrides under the BUNGHOLE_ prefix, and unmarshals onto
// the defaults.
func Load(cfgFile string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("bunghole-broker")
		v.SetConfigType("toml")
		v.AddConfigPath(configDir())
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvPrefix("BUNGHOLE")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return cfg, nil
}

func configDir() string {
	if runtime.GOOS == "darwin" {
		return "/Library/Application Support/bunghole"
	}
	return "/etc/bunghole"
}

func defaultStateDir() string {
	return filepath.Join("/var/lib/bunghole")
}

func defaultLogDir() string {
	return filepath.Join("/var/log/bunghole")
}
