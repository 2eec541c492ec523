package stack

import (
	"time"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/codec"
	"github.com/irai/nettcp/fastlog"
	"github.com/irai/nettcp/reassembly"
)

// phrxIP4 implements the IPv4 receive path: parse, reassemble if
// fragmented, dispatch by protocol number.
func (h *Handler) phrxIP4(payload []byte, now time.Time) {
	h.Stats.IP4PreParse.Add(1)

	ip4 := codec.IP4(payload)
	if !ip4.IsValid() {
		return
	}
	if h.cfg.PacketIntegrityCheck && !ip4.VerifyChecksum() {
		fastlog.NewLine("ip4", "checksum mismatch, dropping").IP("src", ip4.SrcIP()).Write()
		return
	}

	if h.isOurIPv4(ip4.DstIP()) {
		h.Stats.IP4DstUnicast.Add(1)
	} else {
		return
	}

	if ip4.IsFragment() {
		h.Stats.IP4Frag.Add(1)
		key := reassembly.FlowKey{
			Src:   to16(ip4.SrcIP().As4()),
			Dst:   to16(ip4.DstIP().As4()),
			Proto: ip4.Protocol(),
			ID:    uint32(ip4.ID()),
		}
		offset := int(ip4.FragmentOffset()) * 8
		h.cacheMu.Lock()
		complete, ok := h.reassembler4.Add(key, offset, ip4.Payload(), !ip4.MF(), now)
		h.cacheMu.Unlock()
		if !ok {
			return
		}
		h.Stats.IP4Defrag.Add(1)
		h.dispatchIP4Payload(ip4.Protocol(), ip4.SrcIP(), ip4.DstIP(), complete, now)
		return
	}

	h.dispatchIP4Payload(ip4.Protocol(), ip4.SrcIP(), ip4.DstIP(), ip4.Payload(), now)
}

func to16(b [4]byte) [16]byte {
	var out [16]byte
	copy(out[12:], b[:])
	return out
}

func (h *Handler) dispatchIP4Payload(protocol uint8, src, dst address.IPv4, payload []byte, now time.Time) {
	switch protocol {
	case codec.ProtoICMP4:
		h.phrxICMP4(src, dst, payload, now)
	case codec.ProtoUDP:
		h.phrxUDP4(src, dst, payload, now)
	case codec.ProtoTCP:
		h.phrxTCP4(src, dst, payload, now)
	}
}

// phrxICMP4 answers Echo Requests addressed to us.
func (h *Handler) phrxICMP4(src, dst address.IPv4, payload []byte, now time.Time) {
	icmp := codec.ICMP4(payload)
	if !icmp.IsValid() {
		return
	}
	if icmp.Type() != codec.ICMP4EchoRequest {
		return
	}
	h.Stats.ICMP4EchoRequestRespondEchoReply.Add(1)

	reply := make([]byte, codec.ICMP4HeaderLen+len(icmp.Payload()))
	codec.ICMP4MarshalBinary(reply, codec.ICMP4EchoReply, 0, icmp.Identifier(), icmp.Sequence(), icmp.Payload())
	h.sendIP4(dst, src, codec.ProtoICMP4, reply, now)
}

// sendIP4 frames payload behind an IPv4 header and hands it to ARP
// resolution for transmission.
func (h *Handler) sendIP4(src, dst address.IPv4, protocol uint8, payload []byte, now time.Time) {
	mtuPayload := h.cfg.TapMTU - codec.IP4MinHeaderLen
	if mtuPayload <= 0 {
		mtuPayload = 1480
	}

	if len(payload) <= mtuPayload {
		h.sendIP4Fragment(src, dst, protocol, payload, h.nextIPID(), 0, false, now)
		return
	}

	h.Stats.IP4MtuExceedFrag.Add(1)
	id := h.nextIPID()
	chunk := mtuPayload &^ 0x7 // fragment payloads must be a multiple of 8 bytes except the last
	for offset := 0; offset < len(payload); offset += chunk {
		end := offset + chunk
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		h.Stats.IP4MtuExceedFragSend.Add(1)
		h.sendIP4Fragment(src, dst, protocol, payload[offset:end], id, offset/8, more, now)
	}
}

// sendIP4Fragment frames and transmits one IPv4 datagram (or fragment).
func (h *Handler) sendIP4Fragment(src, dst address.IPv4, protocol uint8, payload []byte, id uint16, fragOffset8 int, mf bool, now time.Time) {
	buf := make([]byte, 0, codec.IP4MinHeaderLen+len(payload))
	packet := codec.IP4MarshalBinary(buf, codec.IP4Fields{
		TTL: 64, Protocol: protocol, Src: src, Dst: dst, ID: id,
		MF: mf, FragOff: uint16(fragOffset8),
	}, len(payload))
	packet.SetPayload(payload)

	frame := make([]byte, codec.EtherHeaderLen+len(packet))
	codec.EtherMarshalBinary(frame, codec.EtherTypeIPv4, h.OurMAC, address.Addr{})
	copy(frame[codec.EtherHeaderLen:], packet)

	h.resolveAndSendIP4(dst, frame, now)
}
