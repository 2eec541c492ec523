package address

import "testing"

func TestIPv4Classification(t *testing.T) {
	unicast, _ := ParseIPv4("192.168.1.10")
	broadcast, _ := ParseIPv4("255.255.255.255")
	multicast, _ := ParseIPv4("224.0.0.1")
	unspec, _ := ParseIPv4("0.0.0.0")

	if !unicast.IsUnicast() {
		t.Error("192.168.1.10 should be unicast")
	}
	if !broadcast.IsBroadcast() {
		t.Error("255.255.255.255 should be broadcast")
	}
	if !multicast.IsMulticast() {
		t.Error("224.0.0.1 should be multicast")
	}
	if !unspec.IsUnspecified() {
		t.Error("0.0.0.0 should be unspecified")
	}
}

func TestHostNetworkAndBroadcast(t *testing.T) {
	ip, _ := ParseIPv4("192.168.1.57")
	h := Host{IP: ip, Prefix: 24}

	if got := h.Network().String(); got != "192.168.1.0" {
		t.Errorf("Network() = %s, want 192.168.1.0", got)
	}
	if got := h.Broadcast().String(); got != "192.168.1.255" {
		t.Errorf("Broadcast() = %s, want 192.168.1.255", got)
	}
	other, _ := ParseIPv4("192.168.1.200")
	if !h.Contains(other) {
		t.Error("expected 192.168.1.200 to be contained in 192.168.1.57/24")
	}
	outside, _ := ParseIPv4("192.168.2.1")
	if h.Contains(outside) {
		t.Error("did not expect 192.168.2.1 to be contained in 192.168.1.57/24")
	}
}

func TestMACFromIPv4Multicast(t *testing.T) {
	ip, _ := ParseIPv4("239.1.2.3")
	mac := MACFromIPv4Multicast(ip)
	want := Addr{0x01, 0x00, 0x5e, 0x01, 0x02, 0x03}
	if mac != want {
		t.Errorf("MACFromIPv4Multicast() = %s, want %s", mac, want)
	}
}

func TestSolicitedNodeMulticast(t *testing.T) {
	ip, err := ParseIPv6("2001:db8::1:ff00:42")
	if err != nil {
		t.Fatal(err)
	}
	sn := ip.SolicitedNodeMulticast()
	if got := sn.String(); got != "ff02::1:ff00:42" {
		t.Errorf("SolicitedNodeMulticast() = %s, want ff02::1:ff00:42", got)
	}
}

func TestMACFromIPv6Multicast(t *testing.T) {
	ip, err := ParseIPv6("ff02::1:ff00:42")
	if err != nil {
		t.Fatal(err)
	}
	mac := MACFromIPv6Multicast(ip)
	want := Addr{0x33, 0x33, 0xff, 0x00, 0x00, 0x42}
	if mac != want {
		t.Errorf("MACFromIPv6Multicast() = %s, want %s", mac, want)
	}
}
