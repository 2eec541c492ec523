package stack

import "sync/atomic"

// PacketStats is the stack's counter bundle. Field names carry
// contractual weight: tests assert counter bundles after scripted
// frame inputs, so each field's name mirrors its double-underscore
// Snapshot key verbatim (CamelCase of the double-underscore-separated
// name).
type PacketStats struct {
	EtherPreParse                                 atomic.Int64
	EtherDstUnicast                                atomic.Int64
	EtherDstUnspecIP4LookupLocnetARPCacheHitSend   atomic.Int64

	ARPOpRequestTPAStackRespond atomic.Int64

	IP4PreParse        atomic.Int64
	IP4DstUnicast      atomic.Int64
	IP4Frag            atomic.Int64
	IP4Defrag          atomic.Int64
	IP4MtuExceedFrag     atomic.Int64
	IP4MtuExceedFragSend atomic.Int64

	IP6PreParse          atomic.Int64
	IP6DstUnicast        atomic.Int64
	IP6Frag              atomic.Int64
	IP6Defrag            atomic.Int64
	IP6MtuExceedFrag     atomic.Int64
	IP6MtuExceedFragSend atomic.Int64

	ICMP4EchoRequestRespondEchoReply atomic.Int64
	ICMP6EchoRequestRespondEchoReply atomic.Int64

	ICMP6NDNeighborSolicitationDAD atomic.Int64

	UDPNoSocketMatchRespondICMP4Unreachable atomic.Int64
	UDPNoSocketMatchRespondICMP6Unreachable atomic.Int64
	UDPEchoNativeRespondUDP                 atomic.Int64
	UDPSend                                 atomic.Int64

	TCPNoSocketMatchRespondRST atomic.Int64
	TCPFlagRST                 atomic.Int64
	TCPFlagACK                 atomic.Int64
}

// Snapshot returns the bundle as a map keyed by double-underscore
// counter names, for test assertions.
func (s *PacketStats) Snapshot() map[string]int64 {
	return map[string]int64{
		"ether__pre_parse":                                    s.EtherPreParse.Load(),
		"ether__dst_unicast":                                  s.EtherDstUnicast.Load(),
		"ether__dst_unspec__ip4_lookup__locnet__arp_cache_hit__send": s.EtherDstUnspecIP4LookupLocnetARPCacheHitSend.Load(),

		"arp__op_request__tpa_stack__respond": s.ARPOpRequestTPAStackRespond.Load(),

		"ip4__pre_parse":          s.IP4PreParse.Load(),
		"ip4__dst_unicast":        s.IP4DstUnicast.Load(),
		"ip4__frag":               s.IP4Frag.Load(),
		"ip4__defrag":             s.IP4Defrag.Load(),
		"ip4__mtu_exceed__frag":      s.IP4MtuExceedFrag.Load(),
		"ip4__mtu_exceed__frag__send": s.IP4MtuExceedFragSend.Load(),

		"ip6__pre_parse":               s.IP6PreParse.Load(),
		"ip6__dst_unicast":             s.IP6DstUnicast.Load(),
		"ip6__frag":                    s.IP6Frag.Load(),
		"ip6__defrag":                  s.IP6Defrag.Load(),
		"ip6__mtu_exceed__frag":        s.IP6MtuExceedFrag.Load(),
		"ip6__mtu_exceed__frag__send":  s.IP6MtuExceedFragSend.Load(),

		"icmp4__echo_request__respond_echo_reply": s.ICMP4EchoRequestRespondEchoReply.Load(),
		"icmp6__echo_request__respond_echo_reply": s.ICMP6EchoRequestRespondEchoReply.Load(),

		"icmp6__nd_neighbor_solicitation__dad": s.ICMP6NDNeighborSolicitationDAD.Load(),

		"udp__no_socket_match__respond_icmp4_unreachable": s.UDPNoSocketMatchRespondICMP4Unreachable.Load(),
		"udp__no_socket_match__respond_icmp6_unreachable": s.UDPNoSocketMatchRespondICMP6Unreachable.Load(),
		"udp__echo_native__respond_udp":                   s.UDPEchoNativeRespondUDP.Load(),
		"udp__send":                                        s.UDPSend.Load(),

		"tcp__no_socket_match__respond_rst": s.TCPNoSocketMatchRespondRST.Load(),
		"tcp__flag_rst":                     s.TCPFlagRST.Load(),
		"tcp__flag_ack":                     s.TCPFlagACK.Load(),
	}
}
