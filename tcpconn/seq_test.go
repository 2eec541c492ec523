package tcpconn

import "testing"

func TestSeqLessWraparound(t *testing.T) {
	if !SeqLess(0xFFFFFFFF, 0x00000001) {
		t.Error("expected wraparound: 0xFFFFFFFF < 0x00000001")
	}
	if SeqLess(5, 5) {
		t.Error("a value is not less than itself")
	}
	if !SeqLess(5, 10) {
		t.Error("5 < 10")
	}
}

func TestInWindow(t *testing.T) {
	if !InWindow(100, 100, 50) {
		t.Error("seq == rcv.nxt must be in-window")
	}
	if !InWindow(149, 100, 50) {
		t.Error("seq == rcv.nxt+wnd-1 must be in-window")
	}
	if InWindow(150, 100, 50) {
		t.Error("seq == rcv.nxt+wnd must be out-of-window")
	}
	if InWindow(99, 100, 50) {
		t.Error("seq < rcv.nxt must be out-of-window")
	}
}

func TestInWindowWraparound(t *testing.T) {
	if !InWindow(0xFFFFFFF0, 0xFFFFFFF0, 32) {
		t.Error("window straddling the 2^32 boundary must accept its start")
	}
	if !InWindow(10, 0xFFFFFFF0, 32) {
		t.Error("window straddling the 2^32 boundary must accept wrapped values")
	}
}
