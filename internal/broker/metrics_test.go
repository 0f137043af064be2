package broker

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"bunghole-remote-desktop/internal/registry"
)

func TestMetricsSessionsByStateRecomputesFromRegistry(t *testing.T) {
	reg := registry.New(nil)
	defer reg.Stop()
	m := newMetrics(reg)

	starting, err := reg.Create("alice", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	active, err := reg.Create("bob", time.Hour)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	active.AttachBrowser(nil)

	m.refreshSessionsByState(reg)

	if got := testutil.ToFloat64(m.sessionsByState.WithLabelValues("starting")); got != 1 {
		t.Fatalf("starting gauge = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sessionsByState.WithLabelValues("active")); got != 1 {
		t.Fatalf("active gauge = %v, want 1", got)
	}

	// Terminating a session and refreshing again must drop its count
	// without ever having explicitly decremented anything by hand.
	reg.Terminate(starting, "test")
	m.refreshSessionsByState(reg)
	if got := testutil.ToFloat64(m.sessionsByState.WithLabelValues("starting")); got != 0 {
		t.Fatalf("starting gauge after terminate = %v, want 0", got)
	}
}
