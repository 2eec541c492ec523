package tcpconn

import (
	"testing"
	"time"
)

func testEndpoints() (Endpoint, Endpoint) {
	return Endpoint{Port: 1234}, Endpoint{Port: 80}
}

func TestActiveOpenHandshake(t *testing.T) {
	local, remote := testEndpoints()
	key := Key{Local: local, Remote: remote}
	sess, syn := NewActiveOpen(key, 1000, DefaultMSS, 64*1024)

	if sess.State() != SynSent {
		t.Fatalf("expected SynSent after active open, got %s", sess.State())
	}
	if !syn.SYN || syn.Seq != 1000 {
		t.Fatalf("expected SYN seq=1000, got %+v", syn)
	}

	synAck := Inbound{SYN: true, ACK: true, Seq: 5000, Ack: 1001, Window: 4096}
	out, events, _ := sess.HandleSegment(synAck, time.Now())
	if sess.State() != Established {
		t.Fatalf("expected Established after SYN-ACK, got %s", sess.State())
	}
	if len(out) != 1 || !out[0].ACK {
		t.Fatalf("expected final ACK of handshake, got %+v", out)
	}
	if len(events) != 1 || events[0] != EventEstablished {
		t.Fatalf("expected EventEstablished, got %v", events)
	}
}

func TestPassiveOpenHandshake(t *testing.T) {
	local, remote := testEndpoints()
	listener := NewListener(local)
	if listener.State() != Listen {
		t.Fatalf("expected Listen, got %s", listener.State())
	}

	in := Inbound{SYN: true, Seq: 2000, Window: 4096}
	out, events, child := listener.HandleSegment(in, time.Now())
	if out != nil || events != nil || child != nil {
		t.Fatalf("Listen.HandleSegment must not itself spawn a child; caller uses AcceptChild")
	}

	key := Key{Local: local, Remote: remote}
	child, synAck := listener.AcceptChild(key, in, 9000)
	if child.State() != SynRcvd {
		t.Fatalf("expected SynRcvd, got %s", child.State())
	}
	if !synAck.SYN || !synAck.ACK || synAck.Ack != 2001 {
		t.Fatalf("expected SYN-ACK acking 2001, got %+v", synAck)
	}

	ack := Inbound{ACK: true, Seq: 2001, Ack: 9001, Window: 4096}
	_, events, _ = child.HandleSegment(ack, time.Now())
	if child.State() != Established {
		t.Fatalf("expected Established, got %s", child.State())
	}
	if len(events) != 1 || events[0] != EventEstablished {
		t.Fatalf("expected EventEstablished, got %v", events)
	}
}

func TestActiveCloseSequence(t *testing.T) {
	local, remote := testEndpoints()
	key := Key{Local: local, Remote: remote}
	sess, _ := NewActiveOpen(key, 1000, DefaultMSS, 64*1024)
	sess.HandleSegment(Inbound{SYN: true, ACK: true, Seq: 5000, Ack: 1001, Window: 4096}, time.Now())

	fin := sess.CloseActive()
	if sess.State() != FinWait1 {
		t.Fatalf("expected FinWait1, got %s", sess.State())
	}
	if !fin.FIN {
		t.Fatalf("expected FIN segment, got %+v", fin)
	}

	// Peer ACKs our FIN, then sends its own FIN.
	sess.HandleSegment(Inbound{ACK: true, Seq: 5001, Ack: fin.Seq + 1, Window: 4096}, time.Now())
	if sess.State() != FinWait2 {
		t.Fatalf("expected FinWait2 after ACK of our FIN, got %s", sess.State())
	}

	_, events, _ := sess.HandleSegment(Inbound{FIN: true, ACK: true, Seq: 5001, Ack: fin.Seq + 1, Window: 4096}, time.Now())
	if sess.State() != TimeWait {
		t.Fatalf("expected TimeWait, got %s", sess.State())
	}
	found := false
	for _, e := range events {
		if e == EventPeerClosed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected EventPeerClosed, got %v", events)
	}
}

func TestPassiveCloseSequence(t *testing.T) {
	local, remote := testEndpoints()
	listener := NewListener(local)
	in := Inbound{SYN: true, Seq: 2000, Window: 4096}
	key := Key{Local: local, Remote: remote}
	child, synAck := listener.AcceptChild(key, in, 9000)
	child.HandleSegment(Inbound{ACK: true, Seq: 2001, Ack: synAck.Seq + 1, Window: 4096}, time.Now())

	_, events, _ := child.HandleSegment(Inbound{FIN: true, ACK: true, Seq: 2001, Ack: 9001, Window: 4096}, time.Now())
	if child.State() != CloseWait {
		t.Fatalf("expected CloseWait, got %s", child.State())
	}
	found := false
	for _, e := range events {
		if e == EventPeerClosed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected EventPeerClosed, got %v", events)
	}

	finFromUs := child.CloseActive()
	if child.State() != LastAck {
		t.Fatalf("expected LastAck, got %s", child.State())
	}

	child.HandleSegment(Inbound{ACK: true, Seq: 2002, Ack: finFromUs.Seq + 1, Window: 4096}, time.Now())
	if child.State() != Closed {
		t.Fatalf("expected Closed, got %s", child.State())
	}
}

func TestInWindowDataAndOutOfOrder(t *testing.T) {
	local, remote := testEndpoints()
	key := Key{Local: local, Remote: remote}
	listener := NewListener(local)
	in := Inbound{SYN: true, Seq: 100, Window: 4096}
	child, synAck := listener.AcceptChild(key, in, 500)
	child.HandleSegment(Inbound{ACK: true, Seq: 101, Ack: synAck.Seq + 1, Window: 4096}, time.Now())

	// Out-of-order segment arrives first: seq 106 while rcv.nxt is 101.
	child.HandleSegment(Inbound{ACK: true, Seq: 106, Ack: 501, Payload: []byte("world"), Window: 4096}, time.Now())
	if len(child.readBuf) != 0 {
		t.Fatalf("out-of-order segment must not be delivered yet, got %q", child.readBuf)
	}

	// The missing segment arrives, closing the gap.
	child.HandleSegment(Inbound{ACK: true, Seq: 101, Ack: 501, Payload: []byte("hello"), Window: 4096}, time.Now())
	got, err := child.Read(32)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(got) != "helloworld" {
		t.Fatalf("expected reassembled %q, got %q", "helloworld", got)
	}
}

func TestChallengeACKOnOutOfWindowSegment(t *testing.T) {
	local, remote := testEndpoints()
	key := Key{Local: local, Remote: remote}
	listener := NewListener(local)
	in := Inbound{SYN: true, Seq: 100, Window: 4096}
	child, synAck := listener.AcceptChild(key, in, 500)
	child.HandleSegment(Inbound{ACK: true, Seq: 101, Ack: synAck.Seq + 1, Window: 4096}, time.Now())

	// Far out-of-window sequence number.
	out, events, _ := child.HandleSegment(Inbound{ACK: true, Seq: 999999, Ack: 501, Payload: []byte("x"), Window: 4096}, time.Now())
	if len(out) != 1 || !out[0].ACK || len(out[0].Payload) != 0 {
		t.Fatalf("expected a bare challenge ACK, got %+v", out)
	}
	if events != nil {
		t.Fatalf("expected no events for a discarded out-of-window segment, got %v", events)
	}
}

func TestSynOnEstablishedTriggersReset(t *testing.T) {
	local, remote := testEndpoints()
	key := Key{Local: local, Remote: remote}
	sess, _ := NewActiveOpen(key, 1000, DefaultMSS, 64*1024)
	sess.HandleSegment(Inbound{SYN: true, ACK: true, Seq: 5000, Ack: 1001, Window: 4096}, time.Now())

	out, events, _ := sess.HandleSegment(Inbound{SYN: true, Seq: 5001, Ack: 1001, Window: 4096}, time.Now())
	if sess.State() != Closed {
		t.Fatalf("expected Closed after unexpected SYN, got %s", sess.State())
	}
	if len(out) != 1 || !out[0].RST {
		t.Fatalf("expected RST, got %+v", out)
	}
	if len(events) != 1 || events[0] != EventReset {
		t.Fatalf("expected EventReset, got %v", events)
	}
}

func TestRSTResetsConnection(t *testing.T) {
	local, remote := testEndpoints()
	key := Key{Local: local, Remote: remote}
	sess, _ := NewActiveOpen(key, 1000, DefaultMSS, 64*1024)
	sess.HandleSegment(Inbound{SYN: true, ACK: true, Seq: 5000, Ack: 1001, Window: 4096}, time.Now())

	_, events, _ := sess.HandleSegment(Inbound{RST: true, Seq: 5001}, time.Now())
	if sess.State() != Closed {
		t.Fatalf("expected Closed after RST, got %s", sess.State())
	}
	if len(events) != 1 || events[0] != EventReset {
		t.Fatalf("expected EventReset, got %v", events)
	}
}

func TestFastRetransmitOnThreeDupAcks(t *testing.T) {
	local, remote := testEndpoints()
	key := Key{Local: local, Remote: remote}
	sess, _ := NewActiveOpen(key, 1000, DefaultMSS, 64*1024)
	sess.HandleSegment(Inbound{SYN: true, ACK: true, Seq: 5000, Ack: 1001, Window: 4096}, time.Now())

	_, _, ok, err := sess.Write([]byte("payload-data"))
	if !ok || err != nil {
		t.Fatalf("expected write to succeed, ok=%v err=%v", ok, err)
	}

	dup := Inbound{ACK: true, Seq: 5001, Ack: 1001, Window: 4096}
	var out []Outbound
	for i := 0; i < 3; i++ {
		out, _, _ = sess.HandleSegment(dup, time.Now())
	}
	if len(out) != 1 || len(out[0].Payload) == 0 {
		t.Fatalf("expected fast retransmit of the oldest unacked segment on the 3rd dup ACK, got %+v", out)
	}
}
