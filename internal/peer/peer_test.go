package peer

import "testing"

func TestNeedsSoftReconnect(t *testing.T) {
	p := &Peer{}

	if p.NeedsSoftReconnect(1920, 1080) {
		t.Fatalf("the first resize call has no prior resolution to compare against")
	}

	if p.NeedsSoftReconnect(1900, 1070) {
		t.Fatalf("a <10%% change in both dimensions should not trigger a reconnect")
	}

	if !p.NeedsSoftReconnect(1280, 720) {
		t.Fatalf("dropping from 1900x1070 to 1280x720 exceeds the threshold and should reconnect")
	}
}

func TestRelChange(t *testing.T) {
	cases := []struct {
		old, new int
		want     float64
	}{
		{1000, 1000, 0},
		{1000, 1100, 0.1},
		{1000, 900, 0.1},
		{0, 5, 1},
	}
	for _, c := range cases {
		if got := relChange(c.old, c.new); got != c.want {
			t.Fatalf("relChange(%d, %d) = %v, want %v", c.old, c.new, got, c.want)
		}
	}
}
