// Package stack wires the codec, reassembly, neighbor, tcpconn, socket
// and txring packages into a runnable protocol stack: one Handler per
// network device, dispatching phrx* (receive) and send* (transmit)
// methods across the Ethernet/ARP/IPv4/IPv6/ICMPv4/ICMPv6/UDP/TCP
// layers and exposing a PacketStats counter bundle for tests.
package stack

import "time"

// Config is the stack's immutable configuration, built once at
// NewHandler and never mutated afterward.
type Config struct {
	IP4Support bool
	IP6Support bool

	// PacketIntegrityCheck verifies checksums and length fields before
	// further processing. PacketSanityCheck is not read anywhere: no
	// check for structurally implausible fields, such as a zero TTL or
	// a reserved source address, is applied.
	PacketIntegrityCheck bool
	PacketSanityCheck    bool

	// TapMTU bounds outbound frame size before IPv4 fragmentation
	// kicks in.
	TapMTU int

	// UDPEchoNativeDisable turns off the built-in UDP echo responder
	// on port 7.
	UDPEchoNativeDisable bool

	ARPCacheUpdateFromDirectRequest    bool
	ARPCacheUpdateFromGratuitousReply  bool

	TCPMSS   uint16
	TCPRxBuf int
	TCPTxBuf int

	ReassemblyTimeout time.Duration

	// LogChannels names lifecycle log channels. It is not read: every
	// lifecycle event is logged via logrus with channel "lifecycle".
	// Per-packet tracing never goes through this logger.
	LogChannels []string
}

// DefaultConfig provides a ready-to-run zero-config starting point.
func DefaultConfig() Config {
	return Config{
		IP4Support:                        true,
		IP6Support:                        true,
		PacketIntegrityCheck:              true,
		PacketSanityCheck:                 true,
		TapMTU:                            1500,
		ARPCacheUpdateFromDirectRequest:   true,
		ARPCacheUpdateFromGratuitousReply: true,
		TCPMSS:                            1460,
		TCPRxBuf:                          64 * 1024,
		TCPTxBuf:                          64 * 1024,
		ReassemblyTimeout:                 30 * time.Second,
		LogChannels:                       []string{"lifecycle"},
	}
}
