package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/irai/nettcp/address"
)

const (
	ProtoICMP6     = 58
	ProtoFragment6 = 44

	IP6HeaderLen       = 40
	IP6FragHeaderLen   = 8
)

// IP6 is a memory-mapped IPv6 header, RFC 8200.
type IP6 []byte

func (b IP6) IsValid() bool {
	return len(b) >= IP6HeaderLen && b.Version() == 6
}

func (b IP6) Version() uint8       { return b[0] >> 4 }
func (b IP6) TrafficClass() uint8  { return (b[0]&0x0f)<<4 | b[1]>>4 }
func (b IP6) FlowLabel() uint32    { return uint32(b[1]&0x0f)<<16 | uint32(b[2])<<8 | uint32(b[3]) }
func (b IP6) PayloadLen() uint16   { return binary.BigEndian.Uint16(b[4:6]) }
func (b IP6) NextHeader() uint8    { return b[6] }
func (b IP6) HopLimit() uint8      { return b[7] }
func (b IP6) SrcIP() address.IPv6  { return ipv6At(b[8:24]) }
func (b IP6) DstIP() address.IPv6  { return ipv6At(b[24:40]) }
func (b IP6) Payload() []byte {
	total := IP6HeaderLen + int(b.PayloadLen())
	if total > len(b) {
		total = len(b)
	}
	return b[IP6HeaderLen:total]
}

func (b IP6) String() string {
	return fmt.Sprintf("src=%s dst=%s next=%d len=%d", b.SrcIP(), b.DstIP(), b.NextHeader(), b.PayloadLen())
}

func ipv6At(b []byte) address.IPv6 {
	var a [16]byte
	copy(a[:], b[:16])
	return address.IPv6FromBytes(a)
}

type IP6Fields struct {
	TrafficClass uint8
	FlowLabel    uint32
	NextHeader   uint8
	HopLimit     uint8
	Src, Dst     address.IPv6
}

func IP6MarshalBinary(b []byte, f IP6Fields, payload []byte) IP6 {
	total := IP6HeaderLen + len(payload)
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	b[0] = 0x60 | f.TrafficClass>>4
	b[1] = f.TrafficClass<<4 | byte(f.FlowLabel>>16)
	b[2] = byte(f.FlowLabel >> 8)
	b[3] = byte(f.FlowLabel)
	binary.BigEndian.PutUint16(b[4:6], uint16(len(payload)))
	b[6] = f.NextHeader
	b[7] = f.HopLimit
	src := f.Src.As16()
	dst := f.Dst.As16()
	copy(b[8:24], src[:])
	copy(b[24:40], dst[:])
	copy(b[IP6HeaderLen:], payload)
	return IP6(b)
}

// IP6Frag is the IPv6 Fragment extension header, RFC 8200 §4.5.
type IP6Frag []byte

func (b IP6Frag) IsValid() bool { return len(b) >= IP6FragHeaderLen }

func (b IP6Frag) NextHeader() uint8 { return b[0] }
func (b IP6Frag) FragmentOffset() uint16 {
	return binary.BigEndian.Uint16(b[2:4]) >> 3
}
func (b IP6Frag) MF() bool        { return binary.BigEndian.Uint16(b[2:4])&0x1 != 0 }
func (b IP6Frag) ID() uint32      { return binary.BigEndian.Uint32(b[4:8]) }
func (b IP6Frag) Payload() []byte { return b[IP6FragHeaderLen:] }

func IP6FragMarshalBinary(b []byte, nextHeader uint8, fragOffset uint16, mf bool, id uint32, payload []byte) IP6Frag {
	total := IP6FragHeaderLen + len(payload)
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	b[0] = nextHeader
	b[1] = 0
	v := fragOffset << 3
	if mf {
		v |= 0x1
	}
	binary.BigEndian.PutUint16(b[2:4], v)
	binary.BigEndian.PutUint32(b[4:8], id)
	copy(b[IP6FragHeaderLen:], payload)
	return IP6Frag(b)
}
