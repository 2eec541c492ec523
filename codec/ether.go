// Package codec implements bit-exact parse and assemble for the wire
// formats the stack speaks: Ethernet II, ARP, IPv4, IPv6 (with the
// Fragment extension header), ICMPv4, ICMPv6 (with Neighbor Discovery
// options), UDP and TCP (with options), plus the Internet checksum.
//
// Every header type is a zero-copy byte-slice view - type Ether []byte,
// type IP4 []byte, and so on - exposing accessor methods over the
// underlying bytes. Views borrow the frame's backing array; callers
// must not retain a view past the receive call that produced it.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/irai/nettcp/address"
)

const (
	EtherTypeIPv4 = 0x0800
	EtherTypeARP  = 0x0806
	EtherTypeIPv6 = 0x86DD

	EtherHeaderLen = 14
)

// Ether is a memory-mapped Ethernet II frame header.
type Ether []byte

func (b Ether) IsValid() bool { return len(b) >= EtherHeaderLen }

func (b Ether) DstMAC() address.Addr { return mac6(b[0:6]) }
func (b Ether) SrcMAC() address.Addr { return mac6(b[6:12]) }
func (b Ether) EtherType() uint16    { return binary.BigEndian.Uint16(b[12:14]) }
func (b Ether) Payload() []byte      { return b[EtherHeaderLen:] }

func (b Ether) String() string {
	return fmt.Sprintf("src=%s dst=%s ethertype=%#04x", b.SrcMAC(), b.DstMAC(), b.EtherType())
}

func mac6(b []byte) address.Addr {
	var a address.Addr
	copy(a[:], b[:6])
	return a
}

// EtherMarshalBinary writes the 14-byte Ethernet header at the start of
// b, first growing b to EtherHeaderLen bytes if it is shorter, and
// returns the view over all of b.
func EtherMarshalBinary(b []byte, etherType uint16, src, dst address.Addr) Ether {
	if len(b) < EtherHeaderLen {
		b = append(b, make([]byte, EtherHeaderLen-len(b))...)
	}
	copy(b[0:6], dst[:])
	copy(b[6:12], src[:])
	binary.BigEndian.PutUint16(b[12:14], etherType)
	return Ether(b)
}
