//go:build linux

package platform

import (
	"fmt"
	"os"
)

// Init resolves the X display the agent runs against. The supervisor
// that exec'd this process already started (or owns) the per-user
// virtual desktop and set DISPLAY in the inherited environment; the
// agent never starts or manages an X server itself.
func Init(cfg *Config) error {
	if cfg.Display == "" {
		cfg.Display = os.Getenv("DISPLAY")
	}
	if cfg.Display == "" {
		return fmt.Errorf("platform: DISPLAY is not set; the supervisor must export it before exec'ing the agent")
	}
	return nil
}
