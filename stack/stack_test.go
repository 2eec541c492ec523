package stack

import (
	"testing"
	"time"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/codec"
)

func mustIPv4(t *testing.T, s string) address.IPv4 {
	t.Helper()
	ip, err := address.ParseIPv4(s)
	if err != nil {
		t.Fatalf("ParseIPv4(%q): %v", s, err)
	}
	return ip
}

// newTestHandler wires a Handler to one half of a BufferedDevice pair
// and starts its transmit/timer goroutines via Run, so frames the
// Handler sends reach peer without the test driving transmitLoop
// itself. The test injects inbound frames directly via HandleFrame
// rather than through the device, so Run's own read loop just blocks
// harmlessly on peer's otherwise-silent channel.
func newTestHandler(t *testing.T, mac address.Addr, ip address.IPv4) (*Handler, *BufferedDevice) {
	t.Helper()
	dev, peer := NewBufferedDevicePair(1500)
	cfg := DefaultConfig()
	h := NewHandler(cfg, dev, mac, []address.IPv4{ip}, nil)
	go h.Run()
	t.Cleanup(func() {
		h.Stop()
		peer.Close()
	})
	return h, peer
}

func arpRequestFrame(senderMAC address.Addr, senderIP address.IPv4, targetIP address.IPv4) []byte {
	arp := make([]byte, 28)
	codec.ARPMarshalBinary(arp, codec.ARPRequest, senderMAC, address.Addr{}, senderIP, targetIP)
	frame := make([]byte, codec.EtherHeaderLen+len(arp))
	codec.EtherMarshalBinary(frame, codec.EtherTypeARP, senderMAC, address.Broadcast)
	copy(frame[codec.EtherHeaderLen:], arp)
	return frame
}

// TestARPRequestForOurIPGetsReply verifies that an ARP request for one
// of our configured addresses gets an ARP reply sent back to the
// requester.
func TestARPRequestForOurIPGetsReply(t *testing.T) {
	ourMAC := address.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ourIP := mustIPv4(t, "10.0.0.1")
	peerMAC := address.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	peerIP := mustIPv4(t, "10.0.0.2")

	h, peer := newTestHandler(t, ourMAC, ourIP)

	now := time.Unix(1000, 0)
	h.HandleFrame(arpRequestFrame(peerMAC, peerIP, ourIP), now)

	if got := h.Stats.ARPOpRequestTPAStackRespond.Load(); got != 1 {
		t.Fatalf("expected arp__op_request__tpa_stack__respond=1, got %d", got)
	}

	frame, err := peer.ReadFrame()
	if err != nil {
		t.Fatalf("peer ReadFrame: %v", err)
	}

	e := codec.Ether(frame)
	if !e.IsValid() || e.EtherType() != codec.EtherTypeARP {
		t.Fatalf("expected an ARP reply frame, got %s", e)
	}
	if e.DstMAC() != peerMAC {
		t.Fatalf("expected reply dst %s, got %s", peerMAC, e.DstMAC())
	}

	arp := codec.ARP(e.Payload())
	if arp.Operation() != codec.ARPReply {
		t.Fatalf("expected ARPReply, got op=%d", arp.Operation())
	}
	if !arp.SenderIP().Equal(ourIP) {
		t.Fatalf("expected reply spa=%s, got %s", ourIP, arp.SenderIP())
	}
	if !arp.TargetIP().Equal(peerIP) {
		t.Fatalf("expected reply tpa=%s, got %s", peerIP, arp.TargetIP())
	}
}

// TestUDPNativeEchoReplies verifies that a UDP datagram to the native
// echo port with no bound socket gets echoed back, and that the native
// echo and udp__send counters each advance exactly once.
func TestUDPNativeEchoReplies(t *testing.T) {
	ourMAC := address.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ourIP := mustIPv4(t, "10.0.0.1")
	peerMAC := address.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	peerIP := mustIPv4(t, "10.0.0.2")

	h, peer := newTestHandler(t, ourMAC, ourIP)
	h.cfg.PacketIntegrityCheck = false

	now := time.Unix(2000, 0)

	// Seed the ARP cache with the peer's MAC first (ARPCacheUpdateFrom
	// DirectRequest is on by default), so the echoed UDP reply resolves
	// immediately instead of queuing behind an ARP probe.
	h.HandleFrame(arpRequestFrame(peerMAC, peerIP, ourIP), now)
	if _, err := peer.ReadFrame(); err != nil {
		t.Fatalf("peer ReadFrame (ARP reply): %v", err)
	}

	payload := []byte("ping")
	udpBuf := make([]byte, codec.UDPHeaderLen+len(payload))
	udp := codec.UDPMarshalBinaryIP4(udpBuf, 40000, NativeEchoPort, payload, peerIP, ourIP)

	ip4 := codec.IP4MarshalBinary(nil, codec.IP4Fields{
		TTL: 64, Protocol: codec.ProtoUDP, Src: peerIP, Dst: ourIP, ID: 1,
	}, len(udp))
	ip4.SetPayload(udp)

	frame := make([]byte, codec.EtherHeaderLen+len(ip4))
	codec.EtherMarshalBinary(frame, codec.EtherTypeIPv4, peerMAC, ourMAC)
	copy(frame[codec.EtherHeaderLen:], ip4)

	h.HandleFrame(frame, now)

	if got := h.Stats.UDPEchoNativeRespondUDP.Load(); got != 1 {
		t.Fatalf("expected udp__echo_native__respond_udp=1, got %d", got)
	}
	if got := h.Stats.UDPSend.Load(); got != 1 {
		t.Fatalf("expected udp__send=1 (no double count), got %d", got)
	}

	frameOut, err := peer.ReadFrame()
	if err != nil {
		t.Fatalf("peer ReadFrame: %v", err)
	}
	eOut := codec.Ether(frameOut)
	ip4Out := codec.IP4(eOut.Payload())
	udpOut := codec.UDP(ip4Out.Payload())
	if string(udpOut.Payload()) != "ping" {
		t.Fatalf("expected echoed payload %q, got %q", "ping", udpOut.Payload())
	}
	if udpOut.SrcPort() != NativeEchoPort || udpOut.DstPort() != 40000 {
		t.Fatalf("unexpected echo ports src=%d dst=%d", udpOut.SrcPort(), udpOut.DstPort())
	}
}

// TestListenPushesEstablishedChildToAcceptQueue exercises the
// passive-open path end to end: a SYN to a Listen()ing port spawns a
// child session, and once the handshake completes the child is pushed
// onto the listener's socket.Table accept backlog rather than
// registered as an actively-opened connection.
func TestListenPushesEstablishedChildToAcceptQueue(t *testing.T) {
	ourMAC := address.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ourIP := mustIPv4(t, "10.0.0.1")
	peerMAC := address.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	peerIP := mustIPv4(t, "10.0.0.2")
	const port = 8080

	h, peer := newTestHandler(t, ourMAC, ourIP)
	h.cfg.PacketIntegrityCheck = false

	listener, err := h.Listen(ourIP, port)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	now := time.Unix(3000, 0)

	// Seed the ARP cache so the SYN-ACK resolves immediately instead of
	// queuing behind an ARP probe.
	h.HandleFrame(arpRequestFrame(peerMAC, peerIP, ourIP), now)
	if _, err := peer.ReadFrame(); err != nil {
		t.Fatalf("peer ReadFrame (ARP reply): %v", err)
	}

	// SYN from the peer.
	h.phrxTCP4(peerIP, ourIP, synSegment(peerIP, ourIP, 50000, port, 1000), now)

	synAckFrame, err := peer.ReadFrame()
	if err != nil {
		t.Fatalf("peer ReadFrame (SYN-ACK): %v", err)
	}
	synAck := codec.TCP(codec.IP4(codec.Ether(synAckFrame).Payload()).Payload())
	if !synAck.HasFlag(codec.TCPFlagSYN) || !synAck.HasFlag(codec.TCPFlagACK) {
		t.Fatalf("expected SYN-ACK, got flags=%#x", synAck.Flags())
	}

	// Final ACK completes the handshake.
	h.phrxTCP4(peerIP, ourIP, ackSegment(peerIP, ourIP, 50000, port, 1001, synAck.Seq()+1), now)

	sock, err := listener.Accept()
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if sock.RemoteAddr().Port != 50000 {
		t.Fatalf("expected accepted socket remote port 50000, got %d", sock.RemoteAddr().Port)
	}
}

func tcpSegment(src, dst address.IPv4, srcPort, dstPort uint16, seq, ack uint32, flags uint8) []byte {
	fields := codec.TCPFields{SrcPort: srcPort, DstPort: dstPort, Seq: seq, Ack: ack, Flags: flags, Window: 65535}
	buf := make([]byte, codec.TCPMinHeaderLen)
	tcp := codec.TCPMarshalBinaryIP4(buf, fields, nil, src, dst)
	return []byte(tcp)
}

func synSegment(src, dst address.IPv4, srcPort, dstPort uint16, seq uint32) []byte {
	return tcpSegment(src, dst, srcPort, dstPort, seq, 0, codec.TCPFlagSYN)
}

func ackSegment(src, dst address.IPv4, srcPort, dstPort uint16, seq, ack uint32) []byte {
	return tcpSegment(src, dst, srcPort, dstPort, seq, ack, codec.TCPFlagACK)
}
