// Package tcpconn implements the per-connection TCP state machine:
// the canonical 11-state FSM (RFC 9293), modulo-2^32 sequence
// arithmetic, retransmission with RTO backoff and smoothed RTT, fast
// retransmit, and silly-window-avoidance flow control.
package tcpconn

// SeqLess reports whether a is strictly before b in modulo-2^32
// sequence space (RFC 9293 §3.4's "less than" relation).
func SeqLess(a, b uint32) bool { return int32(a-b) < 0 }

// SeqLessEq reports a <= b in sequence space.
func SeqLessEq(a, b uint32) bool { return a == b || SeqLess(a, b) }

// InWindow reports whether seq falls in [rcvNxt, rcvNxt+rcvWnd) modulo
// 2^32.
func InWindow(seq, rcvNxt uint32, rcvWnd uint32) bool {
	return SeqLessEq(rcvNxt, seq) && SeqLess(seq, rcvNxt+rcvWnd)
}
