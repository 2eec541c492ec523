package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/irai/nettcp/address"
)

// ARP operation codes, RFC 826.
const (
	ARPRequest = 1
	ARPReply   = 2
)

// arpLen is header (8) + 2 MACs (6 each) + 2 IPv4s (4 each).
const arpLen = 8 + 2*6 + 2*4

// ARP is a memory-mapped ARP packet, RFC 826.
type ARP []byte

func (b ARP) IsValid() bool {
	if len(b) < arpLen {
		return false
	}
	return b.HType() == 1 && b.PType() == EtherTypeIPv4 && b.HLen() == 6 && b.PLen() == 4
}

func (b ARP) HType() uint16     { return binary.BigEndian.Uint16(b[0:2]) }
func (b ARP) PType() uint16     { return binary.BigEndian.Uint16(b[2:4]) }
func (b ARP) HLen() uint8       { return b[4] }
func (b ARP) PLen() uint8       { return b[5] }
func (b ARP) Operation() uint16 { return binary.BigEndian.Uint16(b[6:8]) }

func (b ARP) SenderMAC() address.Addr { return mac6(b[8:14]) }
func (b ARP) SenderIP() address.IPv4  { return ipv4At(b[14:18]) }
func (b ARP) TargetMAC() address.Addr { return mac6(b[18:24]) }
func (b ARP) TargetIP() address.IPv4  { return ipv4At(b[24:28]) }

func (b ARP) String() string {
	return fmt.Sprintf("op=%d sha=%s spa=%s tha=%s tpa=%s", b.Operation(), b.SenderMAC(), b.SenderIP(), b.TargetMAC(), b.TargetIP())
}

func ipv4At(b []byte) address.IPv4 {
	var a [4]byte
	copy(a[:], b[:4])
	return address.IPv4FromBytes(a)
}

// ARPMarshalBinary assembles an ARP packet with the given operation and
// sender/target (MAC, IP) pairs.
func ARPMarshalBinary(b []byte, operation uint16, senderMAC, targetMAC address.Addr, senderIP, targetIP address.IPv4) ARP {
	if cap(b) < arpLen {
		b = make([]byte, arpLen)
	}
	b = b[:arpLen]
	binary.BigEndian.PutUint16(b[0:2], 1)
	binary.BigEndian.PutUint16(b[2:4], EtherTypeIPv4)
	b[4] = 6
	b[5] = 4
	binary.BigEndian.PutUint16(b[6:8], operation)
	copy(b[8:14], senderMAC[:])
	sip := senderIP.As4()
	copy(b[14:18], sip[:])
	copy(b[18:24], targetMAC[:])
	tip := targetIP.As4()
	copy(b[24:28], tip[:])
	return ARP(b)
}
