package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/irai/nettcp/address"
)

const (
	TCPMinHeaderLen = 20

	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// TCP is a memory-mapped TCP segment header, RFC 9293.
type TCP []byte

func (b TCP) IsValid() bool {
	if len(b) < TCPMinHeaderLen {
		return false
	}
	return b.DataOffset()*4 >= TCPMinHeaderLen && len(b) >= b.DataOffset()*4
}

func (b TCP) SrcPort() uint16    { return binary.BigEndian.Uint16(b[0:2]) }
func (b TCP) DstPort() uint16    { return binary.BigEndian.Uint16(b[2:4]) }
func (b TCP) Seq() uint32        { return binary.BigEndian.Uint32(b[4:8]) }
func (b TCP) Ack() uint32        { return binary.BigEndian.Uint32(b[8:12]) }
func (b TCP) DataOffset() int    { return int(b[12] >> 4) }
func (b TCP) Flags() uint8       { return b[13] }
func (b TCP) Window() uint16     { return binary.BigEndian.Uint16(b[14:16]) }
func (b TCP) Checksum() uint16   { return binary.BigEndian.Uint16(b[16:18]) }
func (b TCP) UrgentPtr() uint16  { return binary.BigEndian.Uint16(b[18:20]) }

func (b TCP) HasFlag(f uint8) bool { return b.Flags()&f != 0 }

func (b TCP) HeaderLen() int { return b.DataOffset() * 4 }
func (b TCP) Options() []byte {
	return b[TCPMinHeaderLen:b.HeaderLen()]
}
func (b TCP) Payload() []byte { return b[b.HeaderLen():] }

func (b TCP) String() string {
	return fmt.Sprintf("srcport=%d dstport=%d seq=%d ack=%d flags=%#02x win=%d", b.SrcPort(), b.DstPort(), b.Seq(), b.Ack(), b.Flags(), b.Window())
}

func (b TCP) VerifyChecksumIP4(src, dst address.IPv4) bool {
	pseudo := PseudoHeaderIP4(src.As4(), dst.As4(), ProtoTCP, len(b))
	return Checksum(b, pseudo...) == 0
}

func (b TCP) VerifyChecksumIP6(src, dst address.IPv6) bool {
	pseudo := PseudoHeaderIP6(src.As16(), dst.As16(), ProtoTCP, len(b))
	return Checksum(b, pseudo...) == 0
}

// TCPFields holds the common fixed-header values for assembly.
type TCPFields struct {
	SrcPort, DstPort uint16
	Seq, Ack         uint32
	Flags            uint8
	Window           uint16
	Options          []byte // already padded to a 4-byte boundary
}

func tcpMarshal(b []byte, f TCPFields, payload []byte) TCP {
	hl := TCPMinHeaderLen + len(f.Options)
	total := hl + len(payload)
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	binary.BigEndian.PutUint16(b[0:2], f.SrcPort)
	binary.BigEndian.PutUint16(b[2:4], f.DstPort)
	binary.BigEndian.PutUint32(b[4:8], f.Seq)
	binary.BigEndian.PutUint32(b[8:12], f.Ack)
	b[12] = uint8(hl/4) << 4
	b[13] = f.Flags
	binary.BigEndian.PutUint16(b[14:16], f.Window)
	binary.BigEndian.PutUint16(b[16:18], 0)
	binary.BigEndian.PutUint16(b[18:20], 0)
	copy(b[TCPMinHeaderLen:hl], f.Options)
	copy(b[hl:], payload)
	return TCP(b)
}

func TCPMarshalBinaryIP4(b []byte, f TCPFields, payload []byte, src, dst address.IPv4) TCP {
	t := tcpMarshal(b, f, payload)
	pseudo := PseudoHeaderIP4(src.As4(), dst.As4(), ProtoTCP, len(t))
	binary.BigEndian.PutUint16(t[16:18], Checksum(t, pseudo...))
	return t
}

func TCPMarshalBinaryIP6(b []byte, f TCPFields, payload []byte, src, dst address.IPv6) TCP {
	t := tcpMarshal(b, f, payload)
	pseudo := PseudoHeaderIP6(src.As16(), dst.As16(), ProtoTCP, len(t))
	binary.BigEndian.PutUint16(t[16:18], Checksum(t, pseudo...))
	return t
}

// TCP option kinds, RFC 9293 §3.1, RFC 1323, RFC 2018.
const (
	TCPOptEnd       = 0
	TCPOptNOP       = 1
	TCPOptMSS       = 2
	TCPOptWndScale  = 3
	TCPOptSACKOK    = 4
	TCPOptSACK      = 5
	TCPOptTimestamp = 8
)

// TCPOptions holds the parsed options from a segment. Unknown option
// kinds are skipped using their length byte, matching the tolerant
// parse style the rest of the pack's TCP option handling uses.
type TCPOptions struct {
	MSS            uint16
	HasMSS         bool
	WindowScale    uint8
	HasWindowScale bool
	SACKPermitted  bool
	SACKBlocks     [][2]uint32
	TSVal, TSEcr   uint32
	HasTimestamp   bool
}

func ParseTCPOptions(b []byte) TCPOptions {
	var opts TCPOptions
	i := 0
	for i < len(b) {
		switch b[i] {
		case TCPOptEnd:
			return opts
		case TCPOptNOP:
			i++
		case TCPOptMSS:
			if i+4 <= len(b) && b[i+1] == 4 {
				opts.MSS = binary.BigEndian.Uint16(b[i+2 : i+4])
				opts.HasMSS = true
			}
			i += optAdvance(b, i)
		case TCPOptWndScale:
			if i+3 <= len(b) && b[i+1] == 3 {
				opts.WindowScale = b[i+2]
				opts.HasWindowScale = true
			}
			i += optAdvance(b, i)
		case TCPOptSACKOK:
			if i+2 <= len(b) && b[i+1] == 2 {
				opts.SACKPermitted = true
			}
			i += optAdvance(b, i)
		case TCPOptSACK:
			length := 2
			if i+1 < len(b) {
				length = int(b[i+1])
			}
			if i+length <= len(b) {
				for off := i + 2; off+8 <= i+length; off += 8 {
					opts.SACKBlocks = append(opts.SACKBlocks, [2]uint32{
						binary.BigEndian.Uint32(b[off : off+4]),
						binary.BigEndian.Uint32(b[off+4 : off+8]),
					})
				}
			}
			i += optAdvance(b, i)
		case TCPOptTimestamp:
			if i+10 <= len(b) && b[i+1] == 10 {
				opts.TSVal = binary.BigEndian.Uint32(b[i+2 : i+6])
				opts.TSEcr = binary.BigEndian.Uint32(b[i+6 : i+10])
				opts.HasTimestamp = true
			}
			i += optAdvance(b, i)
		default:
			i += optAdvance(b, i)
		}
	}
	return opts
}

func optAdvance(b []byte, i int) int {
	if i+1 >= len(b) {
		return len(b) - i
	}
	n := int(b[i+1])
	if n < 2 {
		return len(b) - i
	}
	return n
}

// pad4 pads an option byte slice to a 4-byte boundary with NOPs.
func pad4(opts []byte) []byte {
	for len(opts)%4 != 0 {
		opts = append(opts, TCPOptNOP)
	}
	return opts
}

// AppendMSSOption appends an MSS option (4 bytes).
func AppendMSSOption(b []byte, mss uint16) []byte {
	o := make([]byte, 4)
	o[0] = TCPOptMSS
	o[1] = 4
	binary.BigEndian.PutUint16(o[2:4], mss)
	return append(b, o...)
}

// AppendWindowScaleOption appends a Window Scale option padded with a
// leading NOP (RFC 1323 §2.2 recommends 3-byte WS preceded by NOP).
func AppendWindowScaleOption(b []byte, shift uint8) []byte {
	return append(b, TCPOptNOP, TCPOptWndScale, 3, shift)
}

// AppendSACKPermittedOption appends a 2-byte SACK-Permitted option.
func AppendSACKPermittedOption(b []byte) []byte {
	return append(b, TCPOptSACKOK, 2)
}

// AppendTimestampOption appends a 10-byte Timestamp option preceded by
// two NOPs for 4-byte alignment (RFC 1323 §3.2).
func AppendTimestampOption(b []byte, tsVal, tsEcr uint32) []byte {
	o := make([]byte, 12)
	o[0], o[1] = TCPOptNOP, TCPOptNOP
	o[2] = TCPOptTimestamp
	o[3] = 10
	binary.BigEndian.PutUint32(o[4:8], tsVal)
	binary.BigEndian.PutUint32(o[8:12], tsEcr)
	return append(b, o...)
}

// PadOptions pads the accumulated options to a 4-byte boundary.
func PadOptions(b []byte) []byte { return pad4(b) }
