package stack

import (
	"time"

	"inet.af/netaddr"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/codec"
	"github.com/irai/nettcp/socket"
)

// NativeEchoPort is the well-known UDP/TCP echo service port, RFC 862.
const NativeEchoPort = 7

func ip4SocketAddr(ip address.IPv4, port uint16) socket.Addr {
	b := ip.As4()
	return socket.Addr{IP: netaddr.IPv4(b[0], b[1], b[2], b[3]), Port: port}
}

// phrxUDP4 delivers a UDP datagram to a bound socket, answers the
// native echo port, or replies with ICMPv4 Destination Unreachable.
func (h *Handler) phrxUDP4(src, dst address.IPv4, payload []byte, now time.Time) {
	udp := codec.UDP(payload)
	if !udp.IsValid() {
		return
	}
	if h.cfg.PacketIntegrityCheck && !udp.VerifyChecksumIP4(src, dst) {
		return
	}

	local := ip4SocketAddr(dst, udp.DstPort())
	from := ip4SocketAddr(src, udp.SrcPort())

	if h.sockets.DeliverUDP(local, from, udp.Payload()) {
		return
	}

	if !h.cfg.UDPEchoNativeDisable && udp.DstPort() == NativeEchoPort {
		h.Stats.UDPEchoNativeRespondUDP.Add(1)
		h.sendUDP4(dst, src, udp.DstPort(), udp.SrcPort(), udp.Payload(), now)
		return
	}

	h.Stats.UDPNoSocketMatchRespondICMP4Unreachable.Add(1)
	h.sendICMP4Unreachable(dst, src, codec.ICMP4CodePortUnreachable, payload, now)
}

// sendUDP4 frames payload behind a UDP header over IPv4 and hands it
// to the IPv4 send path, fragmenting transparently if it exceeds the
// device MTU.
func (h *Handler) sendUDP4(src, dst address.IPv4, srcPort, dstPort uint16, payload []byte, now time.Time) {
	buf := make([]byte, codec.UDPHeaderLen+len(payload))
	udp := codec.UDPMarshalBinaryIP4(buf, srcPort, dstPort, payload, src, dst)
	h.sendIP4(src, dst, codec.ProtoUDP, udp, now)
	h.Stats.UDPSend.Add(1)
}

// SendUDP is the socket-facing entry point for an application writing
// a UDP datagram; wired from a socket.Socket via the stack's exported
// send path rather than socket importing this package (avoiding a
// cycle), mirroring the tcpconn.TCPEndpoint split.
func (h *Handler) SendUDP(local, remote socket.Addr, payload []byte) error {
	srcIP, ok := address.IPv4FromNetaddr(local.IP)
	if !ok {
		return socket.ErrAddrNotAvailable
	}
	dstIP, ok := address.IPv4FromNetaddr(remote.IP)
	if !ok {
		return socket.ErrAddrNotAvailable
	}
	h.sendUDP4(srcIP, dstIP, local.Port, remote.Port, payload, time.Now())
	return nil
}

func (h *Handler) sendICMP4Unreachable(src, dst address.IPv4, code uint8, offending []byte, now time.Time) {
	buf := make([]byte, codec.ICMP4HeaderLen+min(len(offending), 28))
	icmp := codec.ICMP4UnreachableMarshalBinary(buf, code, offending)
	h.sendIP4(src, dst, codec.ProtoICMP4, icmp, now)
}
