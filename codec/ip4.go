package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/irai/nettcp/address"
)

const (
	ProtoICMP4 = 1
	ProtoTCP   = 6
	ProtoUDP   = 17

	IP4MinHeaderLen = 20
	IP4FlagDF       = 0x2
	IP4FlagMF       = 0x1
)

// IP4 is a memory-mapped IPv4 header, RFC 791.
type IP4 []byte

func (b IP4) IsValid() bool {
	if len(b) < IP4MinHeaderLen {
		return false
	}
	if b.Version() != 4 {
		return false
	}
	hl := int(b.IHL()) * 4
	if hl < IP4MinHeaderLen || len(b) < hl {
		return false
	}
	return true
}

func (b IP4) Version() uint8   { return b[0] >> 4 }
func (b IP4) IHL() uint8       { return b[0] & 0x0f }
func (b IP4) TOS() uint8       { return b[1] }
func (b IP4) TotalLen() uint16 { return binary.BigEndian.Uint16(b[2:4]) }
func (b IP4) ID() uint16       { return binary.BigEndian.Uint16(b[4:6]) }
func (b IP4) FlagsFragOff() uint16 {
	return binary.BigEndian.Uint16(b[6:8])
}
func (b IP4) DF() bool { return b.FlagsFragOff()&0x4000 != 0 }
func (b IP4) MF() bool { return b.FlagsFragOff()&0x2000 != 0 }

// FragmentOffset returns the offset in 8-byte units.
func (b IP4) FragmentOffset() uint16 { return b.FlagsFragOff() & 0x1fff }
func (b IP4) TTL() uint8             { return b[8] }
func (b IP4) Protocol() uint8        { return b[9] }
func (b IP4) Checksum() uint16       { return binary.BigEndian.Uint16(b[10:12]) }
func (b IP4) SrcIP() address.IPv4    { return ipv4At(b[12:16]) }
func (b IP4) DstIP() address.IPv4    { return ipv4At(b[16:20]) }

// IsFragment reports whether this datagram is part of a fragmented
// set: MF is set, or the fragment offset is nonzero.
func (b IP4) IsFragment() bool { return b.MF() || b.FragmentOffset() > 0 }

func (b IP4) HeaderLen() int { return int(b.IHL()) * 4 }
func (b IP4) Payload() []byte {
	hl := b.HeaderLen()
	total := int(b.TotalLen())
	if total > len(b) || total < hl {
		total = len(b)
	}
	return b[hl:total]
}

func (b IP4) String() string {
	return fmt.Sprintf("src=%s dst=%s proto=%d len=%d id=%d frag=%d/%v", b.SrcIP(), b.DstIP(), b.Protocol(), b.TotalLen(), b.ID(), b.FragmentOffset(), b.MF())
}

// VerifyChecksum recomputes the header checksum and compares it to the
// wire value.
func (b IP4) VerifyChecksum() bool {
	return Checksum(b[:b.HeaderLen()]) == 0
}

// IP4Fields holds the header values IP4MarshalBinary writes.
type IP4Fields struct {
	TOS      uint8
	ID       uint16
	DF, MF   bool
	FragOff  uint16 // in 8-byte units
	TTL      uint8
	Protocol uint8
	Src, Dst address.IPv4
}

// IP4MarshalBinary assembles a 20-byte IPv4 header (no options) for a
// payload of payloadLen bytes into b and fills in the header checksum.
// The payload itself is not copied; callers write it with SetPayload.
func IP4MarshalBinary(b []byte, f IP4Fields, payloadLen int) IP4 {
	hl := IP4MinHeaderLen
	total := hl + payloadLen
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	b[0] = 0x40 | uint8(hl/4)
	b[1] = f.TOS
	binary.BigEndian.PutUint16(b[2:4], uint16(total))
	binary.BigEndian.PutUint16(b[4:6], f.ID)
	flags := f.FragOff & 0x1fff
	if f.DF {
		flags |= 0x4000
	}
	if f.MF {
		flags |= 0x2000
	}
	binary.BigEndian.PutUint16(b[6:8], flags)
	b[8] = f.TTL
	b[9] = f.Protocol
	binary.BigEndian.PutUint16(b[10:12], 0)
	src := f.Src.As4()
	dst := f.Dst.As4()
	copy(b[12:16], src[:])
	copy(b[16:20], dst[:])
	sum := Checksum(b[:hl])
	binary.BigEndian.PutUint16(b[10:12], sum)
	return IP4(b)
}

// SetPayload copies payload into the region following the IPv4 header.
func (b IP4) SetPayload(payload []byte) {
	copy(b[b.HeaderLen():], payload)
}
