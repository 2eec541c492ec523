package stack

import (
	"time"

	"golang.org/x/net/ipv6"
	"inet.af/netaddr"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/codec"
	"github.com/irai/nettcp/neighbor"
	"github.com/irai/nettcp/reassembly"
	"github.com/irai/nettcp/socket"
)

// phrxIP6 implements the IPv6 receive path: parse, reassemble if a
// Fragment extension header is present, dispatch by next header.
// Reassembled payloads are re-entered at the top of the IPv6 dispatch
// switch, so IP6PreParse/IP6DstUnicast are counted a second time for a
// defragmented datagram.
func (h *Handler) phrxIP6(payload []byte, now time.Time) {
	h.Stats.IP6PreParse.Add(1)

	ip6 := codec.IP6(payload)
	if !ip6.IsValid() {
		return
	}

	if h.isOurIPv6(ip6.DstIP()) {
		h.Stats.IP6DstUnicast.Add(1)
	} else {
		return
	}

	nextHeader := ip6.NextHeader()
	body := ip6.Payload()

	if nextHeader == codec.ProtoFragment6 {
		h.Stats.IP6Frag.Add(1)
		frag := codec.IP6Frag(body)
		if !frag.IsValid() {
			return
		}
		key := reassembly.FlowKey{
			Src:   ip6.SrcIP().As16(),
			Dst:   ip6.DstIP().As16(),
			Proto: frag.NextHeader(),
			ID:    frag.ID(),
		}
		offset := int(frag.FragmentOffset()) * 8
		h.cacheMu.Lock()
		complete, ok := h.reassembler6.Add(key, offset, frag.Payload(), !frag.MF(), now)
		h.cacheMu.Unlock()
		if !ok {
			return
		}
		h.Stats.IP6Defrag.Add(1)
		h.phrxIP6(codec.IP6MarshalBinary(nil, codec.IP6Fields{
			NextHeader: frag.NextHeader(), HopLimit: ip6.HopLimit(),
			Src: ip6.SrcIP(), Dst: ip6.DstIP(),
		}, complete), now)
		return
	}

	h.dispatchIP6Payload(nextHeader, ip6.SrcIP(), ip6.DstIP(), body, now)
}

func (h *Handler) dispatchIP6Payload(nextHeader uint8, src, dst address.IPv6, payload []byte, now time.Time) {
	switch nextHeader {
	case codec.ProtoICMP6:
		h.phrxICMP6(src, dst, payload, now)
	case codec.ProtoUDP:
		h.phrxUDP6(src, dst, payload, now)
	case codec.ProtoTCP:
		h.phrxTCP6(src, dst, payload, now)
	}
}

// phrxICMP6 dispatches Echo Request/Reply and Neighbor Discovery
// messages.
func (h *Handler) phrxICMP6(src, dst address.IPv6, payload []byte, now time.Time) {
	icmp := codec.ICMP6(payload)
	if !icmp.IsValid() {
		return
	}
	if h.cfg.PacketIntegrityCheck && !icmp.VerifyChecksum(src, dst) {
		return
	}

	switch icmp.Type() {
	case ipv6.ICMPTypeEchoRequest:
		h.Stats.ICMP6EchoRequestRespondEchoReply.Add(1)
		reply := codec.ICMP6MarshalBinary(nil, ipv6.ICMPTypeEchoReply, 0, icmp.Body(), dst, src)
		h.sendIP6(dst, src, codec.ProtoICMP6, reply, now)

	case ipv6.ICMPTypeNeighborSolicitation:
		h.phrxNeighborSolicitation(src, dst, icmp.Body(), now)

	case ipv6.ICMPTypeNeighborAdvertisement:
		h.phrxNeighborAdvertisement(icmp.Body(), now)
	}
}

// phrxNeighborSolicitation answers a Neighbor Solicitation, including
// the Duplicate Address Detection case where a peer probes a tentative
// address of ours with an unspecified source - the reply (Neighbor
// Advertisement) goes to the solicited-node multicast group rather
// than unicast (RFC 4862 §5.4.3).
func (h *Handler) phrxNeighborSolicitation(src, dst address.IPv6, body []byte, now time.Time) {
	target := codec.NeighborTargetAddress(body)
	opts, err := codec.ParseNDOptions(body[codec.NeighborMsgOptsOffset:])
	if err != nil {
		return
	}

	var srcMAC *address.Addr
	for _, o := range opts {
		if mac, ok := o.LinkLayerAddress(); ok && o.Type == codec.OptSourceLLA {
			srcMAC = &mac
		}
	}
	if srcMAC != nil && !src.IsUnspecified() {
		h.observeIPv6Host(*srcMAC, src, now)
	}

	h.cacheMu.Lock()
	action := h.ndCache.HandleSolicitation(h.OurIPv6s, src, srcMAC, target, h.OurMAC, now)
	h.cacheMu.Unlock()
	if action.IsDAD {
		h.Stats.ICMP6NDNeighborSolicitationDAD.Add(1)
	}
	for _, frame := range action.Flushed {
		h.send(frame)
	}
	if !action.SendAdvertisement {
		return
	}

	replyDst := dst
	if action.IsDAD {
		replyDst = target.SolicitedNodeMulticast()
	} else if !action.AdvertiseToMAC.IsZero() {
		replyDst = src
	}
	body2 := codec.NeighborAdvertisementMarshalBody(false, !action.IsDAD, true, target, &h.OurMAC)
	na := codec.ICMP6MarshalBinary(nil, ipv6.ICMPTypeNeighborAdvertisement, 0, body2, target, replyDst)
	h.sendIP6(target, replyDst, codec.ProtoICMP6, na, now)
}

func (h *Handler) phrxNeighborAdvertisement(body []byte, now time.Time) {
	target := codec.NeighborTargetAddress(body)
	flags := codec.NeighborAdvertisementFlags(body)
	opts, err := codec.ParseNDOptions(body[codec.NeighborMsgOptsOffset:])
	if err != nil {
		return
	}

	var targetMAC *address.Addr
	for _, o := range opts {
		if mac, ok := o.LinkLayerAddress(); ok && o.Type == codec.OptTargetLLA {
			targetMAC = &mac
		}
	}
	if targetMAC != nil {
		h.observeIPv6Host(*targetMAC, target, now)
	}

	h.cacheMu.Lock()
	action := h.ndCache.HandleAdvertisement(h.OurIPv6s, target, targetMAC,
		flags&codec.NDFlagSolicited != 0, flags&codec.NDFlagOverride != 0, now)
	h.cacheMu.Unlock()
	if action.Conflict != nil {
		h.Stats.ICMP6NDNeighborSolicitationDAD.Add(1)
	}
	for _, frame := range action.Flushed {
		h.send(frame)
	}
}

func ip6SocketAddr(ip address.IPv6, port uint16) socket.Addr {
	return socket.Addr{IP: netaddr.IPv6Raw(ip.As16()), Port: port}
}

// phrxUDP6 is the IPv6 analogue of phrxUDP4.
func (h *Handler) phrxUDP6(src, dst address.IPv6, payload []byte, now time.Time) {
	udp := codec.UDP(payload)
	if !udp.IsValid() {
		return
	}
	if h.cfg.PacketIntegrityCheck && !udp.VerifyChecksumIP6(src, dst) {
		return
	}

	local := ip6SocketAddr(dst, udp.DstPort())
	from := ip6SocketAddr(src, udp.SrcPort())

	if h.sockets.DeliverUDP(local, from, udp.Payload()) {
		return
	}

	if !h.cfg.UDPEchoNativeDisable && udp.DstPort() == NativeEchoPort {
		h.Stats.UDPEchoNativeRespondUDP.Add(1)
		h.sendUDP6(dst, src, udp.DstPort(), udp.SrcPort(), udp.Payload(), now)
		return
	}

	h.Stats.UDPNoSocketMatchRespondICMP6Unreachable.Add(1)
	// IPv6 Destination Unreachable (Port Unreachable), RFC 4443 §3.1.
	body := append([]byte{0, 0, 0, 0}, payload...)
	if len(body) > codec.ICMP6HeaderLen+1232 {
		body = body[:codec.ICMP6HeaderLen+1232]
	}
	icmp := codec.ICMP6MarshalBinary(nil, ipv6.ICMPTypeDestinationUnreachable, 4, body, dst, src)
	h.sendIP6(dst, src, codec.ProtoICMP6, icmp, now)
}

func (h *Handler) sendUDP6(src, dst address.IPv6, srcPort, dstPort uint16, payload []byte, now time.Time) {
	buf := make([]byte, codec.UDPHeaderLen+len(payload))
	udp := codec.UDPMarshalBinaryIP6(buf, srcPort, dstPort, payload, src, dst)
	h.sendIP6(src, dst, codec.ProtoUDP, udp, now)
	h.Stats.UDPSend.Add(1)
}

// phrxTCP6 is the IPv6 analogue of phrxTCP4, reusing the same
// tcpconn.Session machinery keyed by tcpconn.Endpoint (which is
// address-family agnostic since it wraps an inet.af/netaddr.IP).
func (h *Handler) phrxTCP6(src, dst address.IPv6, payload []byte, now time.Time) {
	tcp := codec.TCP(payload)
	if !tcp.IsValid() {
		return
	}
	if h.cfg.PacketIntegrityCheck && !tcp.VerifyChecksumIP6(src, dst) {
		return
	}
	h.phrxTCP6Segment(src, dst, tcp, now)
}

func (h *Handler) sendIP6(src, dst address.IPv6, nextHeader uint8, payload []byte, now time.Time) {
	mtuPayload := h.cfg.TapMTU - codec.IP6HeaderLen
	if mtuPayload <= 0 {
		mtuPayload = 1440
	}

	if len(payload) <= mtuPayload {
		h.sendIP6Fragment(src, dst, nextHeader, payload, 0, 0, false, now)
		return
	}

	h.Stats.IP6MtuExceedFrag.Add(1)
	id := h.nextIPID()
	chunk := (mtuPayload - codec.IP6FragHeaderLen) &^ 0x7
	for offset := 0; offset < len(payload); offset += chunk {
		end := offset + chunk
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		h.Stats.IP6MtuExceedFragSend.Add(1)
		h.sendIP6Fragment(src, dst, nextHeader, payload[offset:end], uint32(id), offset/8, more, now)
	}
}

// sendIP6Fragment frames and transmits one IPv6 datagram (or, when
// mf/fragOffset8 indicate fragmentation, one Fragment-extension-header
// fragment).
func (h *Handler) sendIP6Fragment(src, dst address.IPv6, nextHeader uint8, payload []byte, id uint32, fragOffset8 int, mf bool, now time.Time) {
	body := payload
	effectiveNext := nextHeader
	if mf || fragOffset8 != 0 {
		body = codec.IP6FragMarshalBinary(nil, nextHeader, uint16(fragOffset8), mf, id, payload)
		effectiveNext = codec.ProtoFragment6
	}

	packet := codec.IP6MarshalBinary(nil, codec.IP6Fields{
		NextHeader: effectiveNext, HopLimit: 64, Src: src, Dst: dst,
	}, body)

	frame := make([]byte, codec.EtherHeaderLen+len(packet))
	codec.EtherMarshalBinary(frame, codec.EtherTypeIPv6, h.OurMAC, address.Addr{})
	copy(frame[codec.EtherHeaderLen:], packet)

	h.resolveAndSendIP6(dst, frame, now)
}

// resolveAndSendIP6 is the IPv6 analogue of resolveAndSendIP4, backed
// by the Neighbor Discovery cache instead of ARP. A multicast dst needs
// no resolution and is sent straight to its 33:33 group MAC.
func (h *Handler) resolveAndSendIP6(dst address.IPv6, frame []byte, now time.Time) {
	if dst.IsMulticast() {
		mac := address.MACFromIPv6Multicast(dst)
		e := codec.Ether(frame)
		copy(e[0:6], mac[:])
		copy(e[6:12], h.OurMAC[:])
		h.send(frame)
		return
	}
	h.cacheMu.Lock()
	mac, result := h.ndCache.Lookup(dst)
	if result == neighbor.Pending || result == neighbor.Miss {
		h.ndCache.EnqueuePending(dst, frame, now)
	}
	h.cacheMu.Unlock()
	switch result {
	case neighbor.Hit:
		e := codec.Ether(frame)
		copy(e[0:6], mac[:])
		copy(e[6:12], h.OurMAC[:])
		h.send(frame)
	default:
		target := dst.SolicitedNodeMulticast()
		body := codec.NeighborSolicitationMarshalBody(dst, &h.OurMAC)
		ns := codec.ICMP6MarshalBinary(nil, ipv6.ICMPTypeNeighborSolicitation, 0, body, h.firstIPv6(), target)
		packet := codec.IP6MarshalBinary(nil, codec.IP6Fields{NextHeader: codec.ProtoICMP6, HopLimit: 255, Src: h.firstIPv6(), Dst: target}, ns)
		probeFrame := make([]byte, codec.EtherHeaderLen+len(packet))
		codec.EtherMarshalBinary(probeFrame, codec.EtherTypeIPv6, h.OurMAC, address.MACFromIPv6Multicast(target))
		copy(probeFrame[codec.EtherHeaderLen:], packet)
		h.send(probeFrame)
	}
}

func (h *Handler) firstIPv6() address.IPv6 {
	if len(h.OurIPv6s) == 0 {
		return address.IPv6{}
	}
	return h.OurIPv6s[0]
}
