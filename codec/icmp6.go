package codec

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/net/ipv6"

	"github.com/irai/nettcp/address"
)

const ICMP6HeaderLen = 4

// ICMP6 is a memory-mapped ICMPv6 message, RFC 4443. The Type/Code/
// Checksum fields are common to every ICMPv6 message; the remaining
// bytes are message-specific (Echo, Neighbor Solicitation, etc.).
type ICMP6 []byte

func (b ICMP6) IsValid() bool { return len(b) >= ICMP6HeaderLen }

func (b ICMP6) Type() ipv6.ICMPType { return ipv6.ICMPType(b[0]) }
func (b ICMP6) Code() uint8         { return b[1] }
func (b ICMP6) Checksum() uint16    { return binary.BigEndian.Uint16(b[2:4]) }
func (b ICMP6) Body() []byte        { return b[ICMP6HeaderLen:] }

func (b ICMP6) String() string {
	return fmt.Sprintf("type=%s code=%d", b.Type(), b.Code())
}

func (b ICMP6) VerifyChecksum(src, dst address.IPv6) bool {
	pseudo := PseudoHeaderIP6(src.As16(), dst.As16(), ProtoICMP6, len(b))
	return Checksum(b, pseudo...) == 0
}

func ICMP6MarshalBinary(b []byte, typ ipv6.ICMPType, code uint8, body []byte, src, dst address.IPv6) ICMP6 {
	total := ICMP6HeaderLen + len(body)
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	b[0] = byte(typ)
	b[1] = code
	binary.BigEndian.PutUint16(b[2:4], 0)
	copy(b[ICMP6HeaderLen:], body)
	pseudo := PseudoHeaderIP6(src.As16(), dst.As16(), ProtoICMP6, total)
	binary.BigEndian.PutUint16(b[2:4], Checksum(b, pseudo...))
	return ICMP6(b)
}

// Neighbor Discovery option types, RFC 4861 §4.6 and RFC 6106 §5.1.
const (
	OptSourceLLA        = 1
	OptTargetLLA        = 2
	OptPrefixInformation = 3
	OptMTU              = 5
	OptRDNSS            = 25
)

// NDOption is a single parsed Neighbor Discovery option (type, its raw
// 8-byte-unit length, and body bytes following the 2-byte option
// header).
type NDOption struct {
	Type uint8
	Len  uint8 // in 8-byte units, per RFC 4861 §4.6
	Data []byte
}

// ParseNDOptions walks a Neighbor Discovery options area per RFC 4861
// §4.6. Each option is type(1) + length(1, in 8-byte units) + data.
func ParseNDOptions(b []byte) ([]NDOption, error) {
	var opts []NDOption
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, fmt.Errorf("codec: truncated ND option header")
		}
		typ := b[0]
		lenUnits := b[1]
		if lenUnits == 0 {
			return nil, fmt.Errorf("codec: zero-length ND option")
		}
		total := int(lenUnits) * 8
		if total > len(b) {
			return nil, fmt.Errorf("codec: ND option overruns buffer")
		}
		opts = append(opts, NDOption{Type: typ, Len: lenUnits, Data: b[2:total]})
		b = b[total:]
	}
	return opts, nil
}

// LinkLayerAddress extracts the 6-byte MAC from an SLLA/TLLA option.
func (o NDOption) LinkLayerAddress() (address.Addr, bool) {
	if (o.Type != OptSourceLLA && o.Type != OptTargetLLA) || len(o.Data) < 6 {
		return address.Addr{}, false
	}
	var a address.Addr
	copy(a[:], o.Data[:6])
	return a, true
}

// AppendLLAOption appends a Source/Target Link-Layer Address option.
func AppendLLAOption(b []byte, optType uint8, mac address.Addr) []byte {
	opt := make([]byte, 8)
	opt[0] = optType
	opt[1] = 1 // 8 bytes / 8
	copy(opt[2:8], mac[:])
	return append(b, opt...)
}

// AppendMTUOption appends an MTU option, RFC 4861 §4.6.4.
func AppendMTUOption(b []byte, mtu uint32) []byte {
	opt := make([]byte, 8)
	opt[0] = OptMTU
	opt[1] = 1
	binary.BigEndian.PutUint32(opt[4:8], mtu)
	return append(b, opt...)
}

// PrefixInformation is the parsed body of a Prefix Information option,
// RFC 4861 §4.6.2.
type PrefixInformation struct {
	PrefixLength      uint8
	OnLink            bool
	Autonomous        bool
	ValidLifetime     uint32
	PreferredLifetime uint32
	Prefix            address.IPv6
}

func ParsePrefixInformation(o NDOption) (PrefixInformation, error) {
	if o.Type != OptPrefixInformation || len(o.Data) < 30 {
		return PrefixInformation{}, fmt.Errorf("codec: not a prefix information option")
	}
	var pfx [16]byte
	copy(pfx[:], o.Data[14:30])
	return PrefixInformation{
		PrefixLength:      o.Data[0],
		OnLink:            o.Data[1]&0x80 != 0,
		Autonomous:        o.Data[1]&0x40 != 0,
		ValidLifetime:     binary.BigEndian.Uint32(o.Data[2:6]),
		PreferredLifetime: binary.BigEndian.Uint32(o.Data[6:10]),
		Prefix:            address.IPv6FromBytes(pfx),
	}, nil
}

// Neighbor Solicitation / Advertisement body layout, RFC 4861 §4.3/4.4.
const (
	NeighborMsgTargetOffset = 4
	NeighborMsgOptsOffset   = 20

	NDFlagRouter    = 0x80000000
	NDFlagSolicited = 0x40000000
	NDFlagOverride  = 0x20000000
)

// NeighborTargetAddress reads the 16-byte target address from a
// Neighbor Solicitation or Advertisement body, where it follows 4
// reserved/flag bytes after the common ICMPv6 header.
func NeighborTargetAddress(body []byte) address.IPv6 {
	var a [16]byte
	copy(a[:], body[NeighborMsgTargetOffset:NeighborMsgTargetOffset+16])
	return address.IPv6FromBytes(a)
}

func NeighborAdvertisementFlags(body []byte) uint32 {
	return binary.BigEndian.Uint32(body[0:4])
}

// NeighborSolicitationMarshalBody builds the body of a Neighbor
// Solicitation: 4 reserved bytes, the 16-byte target, then an optional
// Source Link-Layer Address option.
func NeighborSolicitationMarshalBody(target address.IPv6, sourceLLA *address.Addr) []byte {
	body := make([]byte, 20)
	t := target.As16()
	copy(body[4:20], t[:])
	if sourceLLA != nil {
		body = AppendLLAOption(body, OptSourceLLA, *sourceLLA)
	}
	return body
}

// NeighborAdvertisementMarshalBody builds the body of a Neighbor
// Advertisement per RFC 4861 §4.4.
func NeighborAdvertisementMarshalBody(router, solicited, override bool, target address.IPv6, targetLLA *address.Addr) []byte {
	body := make([]byte, 20)
	var flags uint32
	if router {
		flags |= NDFlagRouter
	}
	if solicited {
		flags |= NDFlagSolicited
	}
	if override {
		flags |= NDFlagOverride
	}
	binary.BigEndian.PutUint32(body[0:4], flags)
	t := target.As16()
	copy(body[4:20], t[:])
	if targetLLA != nil {
		body = AppendLLAOption(body, OptTargetLLA, *targetLLA)
	}
	return body
}
