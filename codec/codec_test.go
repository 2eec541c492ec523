package codec

import (
	"bytes"
	"testing"

	"golang.org/x/net/ipv6"

	"github.com/irai/nettcp/address"
)

func mustIP4(t *testing.T, s string) address.IPv4 {
	t.Helper()
	ip, err := address.ParseIPv4(s)
	if err != nil {
		t.Fatal(err)
	}
	return ip
}

func mustIP6(t *testing.T, s string) address.IPv6 {
	t.Helper()
	ip, err := address.ParseIPv6(s)
	if err != nil {
		t.Fatal(err)
	}
	return ip
}

func TestEtherMarshalParse(t *testing.T) {
	src := address.Addr{0x02, 0, 0, 0x77, 0x77, 0x77}
	dst := address.Addr{0xaa, 0xbb, 0xcc, 0x11, 0x22, 0x33}
	frame := EtherMarshalBinary(nil, EtherTypeIPv4, src, dst)

	if !frame.IsValid() {
		t.Fatal("expected valid ether frame")
	}
	if frame.SrcMAC() != src || frame.DstMAC() != dst {
		t.Errorf("mac roundtrip failed: src=%s dst=%s", frame.SrcMAC(), frame.DstMAC())
	}
	if frame.EtherType() != EtherTypeIPv4 {
		t.Errorf("ethertype = %#04x, want %#04x", frame.EtherType(), EtherTypeIPv4)
	}
}

func TestARPMarshalParse(t *testing.T) {
	senderMAC := address.Addr{0x02, 0, 0, 0x77, 0x77, 0x77}
	targetMAC := address.Addr{}
	senderIP := mustIP4(t, "192.168.9.7")
	targetIP := mustIP4(t, "192.168.9.102")

	pkt := ARPMarshalBinary(nil, ARPRequest, senderMAC, targetMAC, senderIP, targetIP)
	if !pkt.IsValid() {
		t.Fatal("expected valid ARP packet")
	}
	if pkt.Operation() != ARPRequest {
		t.Errorf("operation = %d, want %d", pkt.Operation(), ARPRequest)
	}
	if !pkt.SenderIP().Equal(senderIP) || !pkt.TargetIP().Equal(targetIP) {
		t.Errorf("ip roundtrip failed: sender=%s target=%s", pkt.SenderIP(), pkt.TargetIP())
	}
}

func TestIP4ChecksumRoundtrip(t *testing.T) {
	src := mustIP4(t, "192.168.9.102")
	dst := mustIP4(t, "192.168.9.7")
	payload := []byte("ping")

	hdr := IP4MarshalBinary(nil, IP4Fields{TTL: 64, Protocol: ProtoICMP4, Src: src, Dst: dst, ID: 1, DF: true}, len(payload))
	hdr.SetPayload(payload)

	if !hdr.IsValid() {
		t.Fatal("expected valid IPv4 header")
	}
	if !hdr.VerifyChecksum() {
		t.Error("checksum must verify on a freshly assembled header")
	}
	if !bytes.Equal(hdr.Payload(), payload) {
		t.Errorf("payload = %q, want %q", hdr.Payload(), payload)
	}
	if hdr.IsFragment() {
		t.Error("unfragmented datagram reported as fragment")
	}
}

func TestIP4FragmentFlags(t *testing.T) {
	src := mustIP4(t, "192.168.9.102")
	dst := mustIP4(t, "192.168.9.7")
	hdr := IP4MarshalBinary(nil, IP4Fields{TTL: 64, Protocol: ProtoUDP, Src: src, Dst: dst, ID: 5, MF: true, FragOff: 0}, 100)
	if !hdr.IsFragment() {
		t.Error("MF=1 datagram must report IsFragment() == true")
	}

	hdr2 := IP4MarshalBinary(nil, IP4Fields{TTL: 64, Protocol: ProtoUDP, Src: src, Dst: dst, ID: 5, FragOff: 100}, 100)
	if !hdr2.IsFragment() {
		t.Error("non-zero fragment offset must report IsFragment() == true")
	}
}

func TestIP6FragHeaderRoundtrip(t *testing.T) {
	payload := []byte("fragment-body")
	frag := IP6FragMarshalBinary(nil, ProtoUDP, 8, true, 0x1234, payload)
	if frag.NextHeader() != ProtoUDP {
		t.Errorf("next header = %d, want %d", frag.NextHeader(), ProtoUDP)
	}
	if frag.FragmentOffset() != 8 {
		t.Errorf("fragment offset = %d, want 8", frag.FragmentOffset())
	}
	if !frag.MF() {
		t.Error("expected MF set")
	}
	if frag.ID() != 0x1234 {
		t.Errorf("id = %#x, want 0x1234", frag.ID())
	}
	if !bytes.Equal(frag.Payload(), payload) {
		t.Errorf("payload = %q, want %q", frag.Payload(), payload)
	}
}

func TestICMP4EchoChecksum(t *testing.T) {
	msg := ICMP4MarshalBinary(nil, ICMP4EchoRequest, 0, 1, 1, []byte("abc"))
	if !msg.VerifyChecksum() {
		t.Error("checksum must verify on a freshly assembled ICMPv4 message")
	}
}

func TestICMP6EchoChecksum(t *testing.T) {
	src := mustIP6(t, "2603:9000:e307:9f09::ff:fe77:7777")
	dst := mustIP6(t, "2603:9000:e307:9f09::102")
	msg := ICMP6MarshalBinary(nil, ipv6.ICMPTypeEchoRequest, 0, []byte{0, 1, 0, 1, 'h', 'i'}, src, dst)
	if !msg.VerifyChecksum(src, dst) {
		t.Error("checksum must verify on a freshly assembled ICMPv6 message")
	}
}

func TestParseNDOptionsSLLA(t *testing.T) {
	mac := address.Addr{0x02, 0, 0, 0x77, 0x77, 0x77}
	raw := AppendLLAOption(nil, OptSourceLLA, mac)
	opts, err := ParseNDOptions(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(opts) != 1 {
		t.Fatalf("got %d options, want 1", len(opts))
	}
	got, ok := opts[0].LinkLayerAddress()
	if !ok || got != mac {
		t.Errorf("LinkLayerAddress() = %s, %v, want %s, true", got, ok, mac)
	}
}

func TestUDPChecksumIP4(t *testing.T) {
	src := mustIP4(t, "192.168.9.102")
	dst := mustIP4(t, "192.168.9.7")
	u := UDPMarshalBinaryIP4(nil, 54321, 7, []byte("echo"), src, dst)
	if !u.VerifyChecksumIP4(src, dst) {
		t.Error("checksum must verify on a freshly assembled UDP/IPv4 datagram")
	}
}

func TestTCPOptionsParse(t *testing.T) {
	var opts []byte
	opts = AppendMSSOption(opts, 1460)
	opts = AppendWindowScaleOption(opts, 7)
	opts = AppendSACKPermittedOption(opts)
	opts = AppendTimestampOption(opts, 111, 222)
	opts = PadOptions(opts)

	parsed := ParseTCPOptions(opts)
	if !parsed.HasMSS || parsed.MSS != 1460 {
		t.Errorf("MSS = %d, HasMSS = %v", parsed.MSS, parsed.HasMSS)
	}
	if !parsed.HasWindowScale || parsed.WindowScale != 7 {
		t.Errorf("WindowScale = %d, HasWindowScale = %v", parsed.WindowScale, parsed.HasWindowScale)
	}
	if !parsed.SACKPermitted {
		t.Error("expected SACKPermitted")
	}
	if !parsed.HasTimestamp || parsed.TSVal != 111 || parsed.TSEcr != 222 {
		t.Errorf("timestamp = %d/%d, HasTimestamp = %v", parsed.TSVal, parsed.TSEcr, parsed.HasTimestamp)
	}
}

func TestTCPChecksumIP4(t *testing.T) {
	src := mustIP4(t, "192.168.9.102")
	dst := mustIP4(t, "192.168.9.7")
	seg := TCPMarshalBinaryIP4(nil, TCPFields{SrcPort: 1025, DstPort: 80, Seq: 1, Ack: 0, Flags: TCPFlagSYN, Window: 65535}, nil, src, dst)
	if !seg.VerifyChecksumIP4(src, dst) {
		t.Error("checksum must verify on a freshly assembled TCP/IPv4 segment")
	}
	if !seg.HasFlag(TCPFlagSYN) {
		t.Error("expected SYN flag set")
	}
}
