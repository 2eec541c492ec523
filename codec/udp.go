package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/irai/nettcp/address"
)

const UDPHeaderLen = 8

// UDP is a memory-mapped UDP header, RFC 768.
type UDP []byte

func (b UDP) IsValid() bool { return len(b) >= UDPHeaderLen }

func (b UDP) SrcPort() uint16  { return binary.BigEndian.Uint16(b[0:2]) }
func (b UDP) DstPort() uint16  { return binary.BigEndian.Uint16(b[2:4]) }
func (b UDP) Length() uint16   { return binary.BigEndian.Uint16(b[4:6]) }
func (b UDP) Checksum() uint16 { return binary.BigEndian.Uint16(b[6:8]) }
func (b UDP) Payload() []byte {
	l := int(b.Length())
	if l > len(b) || l < UDPHeaderLen {
		l = len(b)
	}
	return b[UDPHeaderLen:l]
}

func (b UDP) String() string {
	return fmt.Sprintf("srcport=%d dstport=%d len=%d", b.SrcPort(), b.DstPort(), b.Length())
}

func (b UDP) VerifyChecksumIP4(src, dst address.IPv4) bool {
	if b.Checksum() == 0 {
		return true // checksum optional over IPv4, RFC 768
	}
	pseudo := PseudoHeaderIP4(src.As4(), dst.As4(), ProtoUDP, int(b.Length()))
	return Checksum(b[:b.Length()], pseudo...) == 0
}

func (b UDP) VerifyChecksumIP6(src, dst address.IPv6) bool {
	pseudo := PseudoHeaderIP6(src.As16(), dst.As16(), ProtoUDP, int(b.Length()))
	return Checksum(b[:b.Length()], pseudo...) == 0
}

func udpMarshal(b []byte, srcPort, dstPort uint16, payload []byte) UDP {
	total := UDPHeaderLen + len(payload)
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	binary.BigEndian.PutUint16(b[0:2], srcPort)
	binary.BigEndian.PutUint16(b[2:4], dstPort)
	binary.BigEndian.PutUint16(b[4:6], uint16(total))
	binary.BigEndian.PutUint16(b[6:8], 0)
	copy(b[UDPHeaderLen:], payload)
	return UDP(b)
}

func UDPMarshalBinaryIP4(b []byte, srcPort, dstPort uint16, payload []byte, src, dst address.IPv4) UDP {
	u := udpMarshal(b, srcPort, dstPort, payload)
	pseudo := PseudoHeaderIP4(src.As4(), dst.As4(), ProtoUDP, len(u))
	binary.BigEndian.PutUint16(u[6:8], Checksum(u, pseudo...))
	return u
}

func UDPMarshalBinaryIP6(b []byte, srcPort, dstPort uint16, payload []byte, src, dst address.IPv6) UDP {
	u := udpMarshal(b, srcPort, dstPort, payload)
	pseudo := PseudoHeaderIP6(src.As16(), dst.As16(), ProtoUDP, len(u))
	binary.BigEndian.PutUint16(u[6:8], Checksum(u, pseudo...))
	return u
}
