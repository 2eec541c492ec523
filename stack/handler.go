package stack

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/codec"
	"github.com/irai/nettcp/fastlog"
	"github.com/irai/nettcp/neighbor"
	"github.com/irai/nettcp/reassembly"
	"github.com/irai/nettcp/socket"
	"github.com/irai/nettcp/tcpconn"
	"github.com/irai/nettcp/txring"
)

// Handler is the packet dispatch hub for one network device: it holds
// explicit references to every stateful layer (neighbor caches,
// reassemblers, the socket table, the TCP session table, and the
// transmit ring) rather than bundling behavior as a grab-bag of
// methods on an anonymous mixin, with one receive entry point per
// protocol layer this stack speaks.
type Handler struct {
	cfg    Config
	device Device

	OurMAC   address.Addr
	OurIPv4s []address.IPv4
	OurIPv6s []address.IPv6

	// cacheMu guards arpCache, ndCache and both reassemblers: the
	// receive path touches them from HandleFrame (device read loop)
	// while timerLoop ages/expires them from a second goroutine.
	cacheMu      sync.Mutex
	arpCache     *neighbor.ARPCache
	ndCache      *neighbor.NDCache
	reassembler4 *reassembly.Reassembler
	reassembler6 *reassembly.Reassembler

	sockets *socket.Table

	mu       sync.Mutex
	sessions map[tcpconn.Key]*tcpconn.Session

	// listenSockets maps a Listen session's local endpoint to its
	// socket.Table counterpart, so a child session reaching Established
	// can be pushed onto the listener's accept backlog.
	listenSockets map[tcpconn.Endpoint]*socket.Socket

	tx *txring.Ring

	Stats PacketStats

	hosts      *hostTable
	notifyMu   sync.Mutex
	notifyChan chan Notification

	closeChan chan struct{}

	ipID atomic.Uint32
}

// nextIPID hands out a monotonically increasing IPv4 identification
// field value.
func (h *Handler) nextIPID() uint16 {
	return uint16(h.ipID.Add(1))
}

// NewHandler builds a Handler bound to device, ready to process
// frames once Run is called.
func NewHandler(cfg Config, device Device, ourMAC address.Addr, ourIPv4s []address.IPv4, ourIPv6s []address.IPv6) *Handler {
	h := &Handler{
		cfg:      cfg,
		device:   device,
		OurMAC:   ourMAC,
		OurIPv4s: ourIPv4s,
		OurIPv6s: ourIPv6s,
		arpCache: neighbor.NewARPCache(neighbor.Config{
			UpdateFromDirectRequest:   cfg.ARPCacheUpdateFromDirectRequest,
			UpdateFromGratuitousReply: cfg.ARPCacheUpdateFromGratuitousReply,
		}),
		ndCache: neighbor.NewNDCache(neighbor.Config{
			UpdateFromDirectRequest:   cfg.ARPCacheUpdateFromDirectRequest,
			UpdateFromGratuitousReply: cfg.ARPCacheUpdateFromGratuitousReply,
		}),
		reassembler4: reassembly.New(cfg.ReassemblyTimeout),
		reassembler6: reassembly.New(cfg.ReassemblyTimeout),
		sockets:       socket.NewTable(),
		sessions:      make(map[tcpconn.Key]*tcpconn.Session),
		listenSockets: make(map[tcpconn.Endpoint]*socket.Socket),
		tx:            txring.New(256),
		hosts:         newHostTable(),
		closeChan:     make(chan struct{}),
	}
	return h
}

// Run reads frames from the device until it is closed or Stop is
// called, dispatching each to HandleFrame and draining the transmit
// ring to the device in a second goroutine.
func (h *Handler) Run() error {
	log.WithField("channel", "lifecycle").Info("stack: handler starting")
	go h.transmitLoop()
	go h.timerLoop()

	for {
		select {
		case <-h.closeChan:
			return nil
		default:
		}
		frame, err := h.device.ReadFrame()
		if err != nil {
			log.WithField("channel", "lifecycle").WithError(err).Warn("stack: device read failed, stopping")
			return err
		}
		h.HandleFrame(frame, time.Now())
	}
}

func (h *Handler) transmitLoop() {
	for {
		frame, ok := h.tx.Dequeue()
		if !ok {
			return
		}
		if err := h.device.WriteFrame(frame); err != nil {
			log.WithField("channel", "lifecycle").WithError(err).Warn("stack: device write failed")
		}
	}
}

// Stop halts Run and the transmit loop.
func (h *Handler) Stop() {
	select {
	case <-h.closeChan:
	default:
		close(h.closeChan)
	}
	h.tx.Close()
	log.WithField("channel", "lifecycle").Info("stack: handler stopped")
}

func (h *Handler) send(frame []byte) {
	if err := h.tx.Enqueue(frame); err != nil {
		fastlog.NewLine("stack", "tx ring full, dropping frame").Error(err).Write()
	}
}

// HandleFrame is the single receive entry point: Ethernet ->
// ARP/IPv4/IPv6 dispatch. Exported directly so tests can inject
// literal wire captures without a live Device.
func (h *Handler) HandleFrame(frame []byte, now time.Time) {
	h.Stats.EtherPreParse.Add(1)

	e := codec.Ether(frame)
	if !e.IsValid() {
		return
	}

	if e.DstMAC() == h.OurMAC || e.DstMAC().IsBroadcast() || e.DstMAC().IsMulticast() {
		h.Stats.EtherDstUnicast.Add(1)
	}

	switch e.EtherType() {
	case codec.EtherTypeARP:
		h.phrxARP(e, now)
	case codec.EtherTypeIPv4:
		if h.cfg.IP4Support {
			h.phrxIP4(e.Payload(), now)
		}
	case codec.EtherTypeIPv6:
		if h.cfg.IP6Support {
			h.phrxIP6(e.Payload(), now)
		}
	}
}

// isOurIPv4 reports whether ip matches one of the stack's configured
// unicast addresses.
func (h *Handler) isOurIPv4(ip address.IPv4) bool {
	for _, our := range h.OurIPv4s {
		if our.Equal(ip) {
			return true
		}
	}
	return false
}

func (h *Handler) isOurIPv6(ip address.IPv6) bool {
	for _, our := range h.OurIPv6s {
		if our.Equal(ip) {
			return true
		}
	}
	return false
}

// phrxARP implements the ARP request/reply rule ordering via the
// neighbor cache (RFC 826).
func (h *Handler) phrxARP(e codec.Ether, now time.Time) {
	arp := codec.ARP(e.Payload())
	if !arp.IsValid() {
		return
	}
	if !arp.SenderIP().IsZero() {
		h.observeIPv4Host(arp.SenderMAC(), arp.SenderIP(), now)
	}

	switch arp.Operation() {
	case codec.ARPRequest:
		h.cacheMu.Lock()
		action := h.arpCache.HandleRequest(h.OurIPv4s, h.OurMAC, arp.SenderIP(), arp.SenderMAC(), arp.TargetIP(), now)
		h.cacheMu.Unlock()
		if action.Conflict != nil {
			fastlog.NewLine("arp", "address conflict on request").IP("ip", action.Conflict.IP).Write()
		}
		for _, frame := range action.Flushed {
			h.send(frame)
		}
		if action.SendReply {
			h.Stats.ARPOpRequestTPAStackRespond.Add(1)
			reply := make([]byte, 28)
			codec.ARPMarshalBinary(reply, codec.ARPReply, h.OurMAC, action.ReplyToMAC, arp.TargetIP(), arp.SenderIP())
			frame := make([]byte, codec.EtherHeaderLen+len(reply))
			codec.EtherMarshalBinary(frame, codec.EtherTypeARP, h.OurMAC, action.ReplyToMAC)
			copy(frame[codec.EtherHeaderLen:], reply)
			h.send(frame)
		}

	case codec.ARPReply:
		h.cacheMu.Lock()
		action := h.arpCache.HandleReply(e.DstMAC(), h.OurMAC, h.OurIPv4s, arp.SenderIP(), arp.SenderMAC(), arp.TargetMAC(), arp.TargetIP(), now)
		h.cacheMu.Unlock()
		if action.Conflict != nil {
			fastlog.NewLine("arp", "address conflict on reply").IP("ip", action.Conflict.IP).Write()
		}
		for _, frame := range action.Flushed {
			h.send(frame)
		}
	}
}

// resolveAndSendIP4 looks up dst in the ARP cache and either sends
// frame immediately (cache hit) or queues it pending resolution,
// broadcasting an ARP request probe whenever dst is not yet resolved
// (a miss or an entry still pending).
func (h *Handler) resolveAndSendIP4(dst address.IPv4, frame []byte, now time.Time) {
	h.cacheMu.Lock()
	mac, result := h.arpCache.Lookup(dst)
	if result == neighbor.Pending || result == neighbor.Miss {
		h.arpCache.EnqueuePending(dst, frame, now)
	}
	h.cacheMu.Unlock()
	switch result {
	case neighbor.Hit:
		h.Stats.EtherDstUnspecIP4LookupLocnetARPCacheHitSend.Add(1)
		e := codec.Ether(frame)
		copy(e[0:6], mac[:])
		copy(e[6:12], h.OurMAC[:])
		h.send(frame)
	default:
		probe := make([]byte, 28)
		codec.ARPMarshalBinary(probe, codec.ARPRequest, h.OurMAC, address.Addr{}, h.firstIPv4(), dst)
		probeFrame := make([]byte, codec.EtherHeaderLen+len(probe))
		codec.EtherMarshalBinary(probeFrame, codec.EtherTypeARP, h.OurMAC, address.Broadcast)
		copy(probeFrame[codec.EtherHeaderLen:], probe)
		h.send(probeFrame)
	}
}

func (h *Handler) firstIPv4() address.IPv4 {
	if len(h.OurIPv4s) == 0 {
		return address.IPv4{}
	}
	return h.OurIPv4s[0]
}
