package broker

import "testing"

func TestDisplayPoolAcquireReuse(t *testing.T) {
	p := newDisplayPool(2)

	d1, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	d2, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if d1 == d2 {
		t.Fatalf("expected distinct displays, got %d twice", d1)
	}

	if _, err := p.Acquire(); err == nil {
		t.Fatalf("expected exhaustion error at pool size 2")
	}

	p.Release(d1)
	d3, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if d3 != d1 {
		t.Fatalf("expected the released display %d to be reused, got %d", d1, d3)
	}
}

func TestDisplayPoolBaseOffset(t *testing.T) {
	p := newDisplayPool(1)
	d, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if d != displayBase {
		t.Fatalf("expected first display to be base %d, got %d", displayBase, d)
	}
}
