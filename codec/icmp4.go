package codec

import (
	"encoding/binary"
	"fmt"
)

const (
	ICMP4EchoReply       = 0
	ICMP4DstUnreachable  = 3
	ICMP4TimeExceeded    = 11
	ICMP4EchoRequest     = 8

	ICMP4CodePortUnreachable = 3
	ICMP4HeaderLen           = 8
)

// ICMP4 is a memory-mapped ICMPv4 message, RFC 792.
type ICMP4 []byte

func (b ICMP4) IsValid() bool { return len(b) >= ICMP4HeaderLen }

func (b ICMP4) Type() uint8     { return b[0] }
func (b ICMP4) Code() uint8     { return b[1] }
func (b ICMP4) Checksum() uint16 { return binary.BigEndian.Uint16(b[2:4]) }
func (b ICMP4) Identifier() uint16 { return binary.BigEndian.Uint16(b[4:6]) }
func (b ICMP4) Sequence() uint16   { return binary.BigEndian.Uint16(b[6:8]) }
func (b ICMP4) Payload() []byte    { return b[ICMP4HeaderLen:] }

func (b ICMP4) String() string {
	return fmt.Sprintf("type=%d code=%d id=%d seq=%d", b.Type(), b.Code(), b.Identifier(), b.Sequence())
}

func (b ICMP4) VerifyChecksum() bool { return Checksum(b) == 0 }

// ICMP4MarshalBinary assembles an Echo Request/Reply message.
func ICMP4MarshalBinary(b []byte, typ, code uint8, id, seq uint16, payload []byte) ICMP4 {
	total := ICMP4HeaderLen + len(payload)
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	b[0] = typ
	b[1] = code
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint16(b[4:6], id)
	binary.BigEndian.PutUint16(b[6:8], seq)
	copy(b[ICMP4HeaderLen:], payload)
	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	return ICMP4(b)
}

// ICMP4UnreachableMarshalBinary assembles a Destination Unreachable
// message carrying the offending IPv4 header plus its first 8 bytes of
// payload, per RFC 792.
func ICMP4UnreachableMarshalBinary(b []byte, code uint8, offending []byte) ICMP4 {
	quote := offending
	if len(quote) > 28 {
		quote = quote[:28]
	}
	total := ICMP4HeaderLen + len(quote)
	if cap(b) < total {
		b = make([]byte, total)
	}
	b = b[:total]
	b[0] = ICMP4DstUnreachable
	b[1] = code
	binary.BigEndian.PutUint16(b[2:4], 0)
	binary.BigEndian.PutUint32(b[4:8], 0)
	copy(b[ICMP4HeaderLen:], quote)
	binary.BigEndian.PutUint16(b[2:4], Checksum(b))
	return ICMP4(b)
}
