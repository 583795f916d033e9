package duration

import "testing"

func TestPingFiresInsidePongWindow(t *testing.T) {
	if WSPing >= WSPong {
		t.Fatalf("WSPing (%v) must be shorter than WSPong (%v)", WSPing, WSPong)
	}
}

func TestWriteDeadlineShorterThanPongWindow(t *testing.T) {
	// A write that takes the full deadline must not eat the whole
	// keepalive window.
	if WSWrite >= WSPong {
		t.Fatalf("WSWrite (%v) must be shorter than WSPong (%v)", WSWrite, WSPong)
	}
}
