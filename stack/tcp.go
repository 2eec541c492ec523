package stack

import (
	"time"

	"inet.af/netaddr"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/codec"
	"github.com/irai/nettcp/socket"
	"github.com/irai/nettcp/tcpconn"
)

func tcpEndpointFrom(ip address.IPv4, port uint16) tcpconn.Endpoint {
	b := ip.As4()
	return tcpconn.Endpoint{IP: netaddr.IPv4(b[0], b[1], b[2], b[3]), Port: port}
}

func tcpEndpointFromV6(ip address.IPv6, port uint16) tcpconn.Endpoint {
	return tcpconn.Endpoint{IP: netaddr.IPv6Raw(ip.As16()), Port: port}
}

func tcpInboundFrom(tcp codec.TCP) tcpconn.Inbound {
	opts := codec.ParseTCPOptions(tcp.Options())
	return tcpconn.Inbound{
		Seq:     tcp.Seq(),
		Ack:     tcp.Ack(),
		SYN:     tcp.HasFlag(codec.TCPFlagSYN),
		ACK:     tcp.HasFlag(codec.TCPFlagACK),
		FIN:     tcp.HasFlag(codec.TCPFlagFIN),
		RST:     tcp.HasFlag(codec.TCPFlagRST),
		Window:  tcp.Window(),
		Payload: tcp.Payload(),
		Options: tcpconn.TCPOptionsView{
			MSS: opts.MSS, HasMSS: opts.HasMSS,
			WindowScale: opts.WindowScale, HasWindowScale: opts.HasWindowScale,
		},
	}
}

// phrxTCP4 dispatches an inbound TCP segment to its session, spawns a
// child session on a Listen match, or answers with a reset when no
// socket matches (RFC 9293 §3.10.7.1).
func (h *Handler) phrxTCP4(src, dst address.IPv4, payload []byte, now time.Time) {
	tcp := codec.TCP(payload)
	if !tcp.IsValid() {
		return
	}
	if h.cfg.PacketIntegrityCheck && !tcp.VerifyChecksumIP4(src, dst) {
		return
	}

	srcPort, dstPort := tcp.SrcPort(), tcp.DstPort()
	key := tcpconn.Key{
		Local:  tcpEndpointFrom(dst, dstPort),
		Remote: tcpEndpointFrom(src, srcPort),
	}
	in := tcpInboundFrom(tcp)

	h.mu.Lock()
	sess, found := h.sessions[key]
	h.mu.Unlock()

	if !found {
		listenKey := tcpconn.Key{Local: tcpEndpointFrom(dst, dstPort)}
		h.mu.Lock()
		listener, isListening := h.sessions[listenKey]
		h.mu.Unlock()

		if isListening && in.SYN && !in.ACK {
			child, synAck := listener.AcceptChild(key, in, h.nextISN())
			h.mu.Lock()
			h.sessions[key] = child
			h.mu.Unlock()
			h.sendTCP4(dst, src, dstPort, srcPort, synAck, now)
			return
		}

		h.Stats.TCPNoSocketMatchRespondRST.Add(1)
		rst := tcpconn.Outbound{
			Seq: in.Ack,
			Ack: in.Seq + uint32(len(in.Payload)) + btou32(in.SYN) + btou32(in.FIN),
			RST: true, ACK: true,
		}
		h.sendTCP4(dst, src, dstPort, srcPort, rst, now)
		return
	}

	out, events, _ := sess.HandleSegment(in, now)
	for _, o := range out {
		h.sendTCP4(dst, src, sess.Key.Local.Port, sess.Key.Remote.Port, o, now)
	}
	h.handleTCPEvents(key, sess, events)
}

// handleTCPEvents reacts to the FSM's side-effect events: delivering a
// newly-Established child to its listener's accept backlog (or, for an
// actively-opened connection, registering it directly), and reaping the
// session table entry once the connection is fully torn down. Shared by
// the IPv4 and IPv6 receive paths since tcpconn.Key/Endpoint are
// address-family agnostic.
func (h *Handler) handleTCPEvents(key tcpconn.Key, sess *tcpconn.Session, events []tcpconn.Event) {
	for _, ev := range events {
		switch ev {
		case tcpconn.EventEstablished:
			local := socket.Addr{IP: key.Local.IP, Port: key.Local.Port}
			remote := socket.Addr{IP: key.Remote.IP, Port: key.Remote.Port}
			family := socket.FamilyIPv4
			if key.Local.IP.Is6() {
				family = socket.FamilyIPv6
			}
			h.mu.Lock()
			listener, isChild := h.listenSockets[key.Local]
			h.mu.Unlock()
			if isChild {
				h.sockets.PushIncoming(listener, sess, local, remote)
			} else {
				h.sockets.Connect(family, local, remote, sess)
			}
		case tcpconn.EventReset, tcpconn.EventClosed:
			h.mu.Lock()
			delete(h.sessions, key)
			h.mu.Unlock()
		}
	}
}

func btou32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// sendTCP4 frames one outbound TCP segment and hands it to the IPv4
// send path.
func (h *Handler) sendTCP4(src, dst address.IPv4, srcPort, dstPort uint16, out tcpconn.Outbound, now time.Time) {
	var flags uint8
	if out.SYN {
		flags |= codec.TCPFlagSYN
	}
	if out.ACK {
		flags |= codec.TCPFlagACK
	}
	if out.FIN {
		flags |= codec.TCPFlagFIN
	}
	if out.RST {
		flags |= codec.TCPFlagRST
	}
	if flags&codec.TCPFlagRST != 0 {
		h.Stats.TCPFlagRST.Add(1)
	}
	if flags&codec.TCPFlagACK != 0 {
		h.Stats.TCPFlagACK.Add(1)
	}

	var opts []byte
	if out.MSS != 0 {
		opts = codec.AppendMSSOption(opts, out.MSS)
		opts = codec.PadOptions(opts)
	}

	fields := codec.TCPFields{
		SrcPort: srcPort, DstPort: dstPort, Seq: out.Seq, Ack: out.Ack,
		Flags: flags, Window: out.Window, Options: opts,
	}
	buf := make([]byte, codec.TCPMinHeaderLen+len(opts)+len(out.Payload))
	tcp := codec.TCPMarshalBinaryIP4(buf, fields, out.Payload, src, dst)
	h.sendIP4(src, dst, codec.ProtoTCP, tcp, now)
}

// sendTCPSegment frames out onto key's address family, used by
// driveTimers for both the retransmit sweep and draining segments an
// application Send/Close queued via tcpconn.Session.outbox.
func (h *Handler) sendTCPSegment(key tcpconn.Key, out tcpconn.Outbound, now time.Time) {
	if key.Local.IP.Is4() {
		src, _ := address.IPv4FromNetaddr(key.Local.IP)
		dst, _ := address.IPv4FromNetaddr(key.Remote.IP)
		h.sendTCP4(src, dst, key.Local.Port, key.Remote.Port, out, now)
	} else {
		src := address.IPv6FromBytes(key.Local.IP.As16())
		dst := address.IPv6FromBytes(key.Remote.IP.As16())
		h.sendTCP6(src, dst, key.Local.Port, key.Remote.Port, out, now)
	}
}

// nextISN returns a fresh initial sequence number for an actively
// accepted connection. RFC 9293's clock-driven ISN generator is
// overkill for a userspace stack with no wall-clock ISN requirement
// beyond not colliding within one run.
func (h *Handler) nextISN() uint32 {
	return uint32(time.Now().UnixNano())
}

// Listen registers a passive-open TCP session on the stack, wiring its
// socket.Table counterpart into listenSockets so children reaching
// Established are pushed onto the returned socket's accept backlog.
func (h *Handler) Listen(local address.IPv4, port uint16) (*socket.Socket, error) {
	localEp := tcpEndpointFrom(local, port)
	sock, err := h.sockets.Listen(socket.FamilyIPv4, ip4SocketAddr(local, port))
	if err != nil {
		return nil, err
	}
	key := tcpconn.Key{Local: localEp}
	sess := tcpconn.NewListener(localEp)
	h.mu.Lock()
	h.sessions[key] = sess
	h.listenSockets[localEp] = sock
	h.mu.Unlock()
	return sock, nil
}

// phrxTCP6Segment is the IPv6 analogue of phrxTCP4, reusing the same
// tcpconn.Session machinery: tcpconn.Endpoint wraps an inet.af/netaddr.IP,
// so a Key built from IPv6 endpoints works identically in the shared
// session map.
func (h *Handler) phrxTCP6Segment(src, dst address.IPv6, tcp codec.TCP, now time.Time) {
	srcPort, dstPort := tcp.SrcPort(), tcp.DstPort()
	key := tcpconn.Key{
		Local:  tcpEndpointFromV6(dst, dstPort),
		Remote: tcpEndpointFromV6(src, srcPort),
	}
	in := tcpInboundFrom(tcp)

	h.mu.Lock()
	sess, found := h.sessions[key]
	h.mu.Unlock()

	if !found {
		listenKey := tcpconn.Key{Local: tcpEndpointFromV6(dst, dstPort)}
		h.mu.Lock()
		listener, isListening := h.sessions[listenKey]
		h.mu.Unlock()

		if isListening && in.SYN && !in.ACK {
			child, synAck := listener.AcceptChild(key, in, h.nextISN())
			h.mu.Lock()
			h.sessions[key] = child
			h.mu.Unlock()
			h.sendTCP6(dst, src, dstPort, srcPort, synAck, now)
			return
		}

		h.Stats.TCPNoSocketMatchRespondRST.Add(1)
		rst := tcpconn.Outbound{
			Seq: in.Ack,
			Ack: in.Seq + uint32(len(in.Payload)) + btou32(in.SYN) + btou32(in.FIN),
			RST: true, ACK: true,
		}
		h.sendTCP6(dst, src, dstPort, srcPort, rst, now)
		return
	}

	out, events, _ := sess.HandleSegment(in, now)
	for _, o := range out {
		h.sendTCP6(dst, src, sess.Key.Local.Port, sess.Key.Remote.Port, o, now)
	}
	h.handleTCPEvents(key, sess, events)
}

// sendTCP6 is the IPv6 analogue of sendTCP4.
func (h *Handler) sendTCP6(src, dst address.IPv6, srcPort, dstPort uint16, out tcpconn.Outbound, now time.Time) {
	var flags uint8
	if out.SYN {
		flags |= codec.TCPFlagSYN
	}
	if out.ACK {
		flags |= codec.TCPFlagACK
	}
	if out.FIN {
		flags |= codec.TCPFlagFIN
	}
	if out.RST {
		flags |= codec.TCPFlagRST
	}
	if flags&codec.TCPFlagRST != 0 {
		h.Stats.TCPFlagRST.Add(1)
	}
	if flags&codec.TCPFlagACK != 0 {
		h.Stats.TCPFlagACK.Add(1)
	}

	var opts []byte
	if out.MSS != 0 {
		opts = codec.AppendMSSOption(opts, out.MSS)
		opts = codec.PadOptions(opts)
	}

	fields := codec.TCPFields{
		SrcPort: srcPort, DstPort: dstPort, Seq: out.Seq, Ack: out.Ack,
		Flags: flags, Window: out.Window, Options: opts,
	}
	buf := make([]byte, codec.TCPMinHeaderLen+len(opts)+len(out.Payload))
	tcp := codec.TCPMarshalBinaryIP6(buf, fields, out.Payload, src, dst)
	h.sendIP6(src, dst, codec.ProtoTCP, tcp, now)
}

// Listen6 is the IPv6 analogue of Listen.
func (h *Handler) Listen6(local address.IPv6, port uint16) (*socket.Socket, error) {
	localEp := tcpEndpointFromV6(local, port)
	sock, err := h.sockets.Listen(socket.FamilyIPv6, ip6SocketAddr(local, port))
	if err != nil {
		return nil, err
	}
	key := tcpconn.Key{Local: localEp}
	sess := tcpconn.NewListener(localEp)
	h.mu.Lock()
	h.sessions[key] = sess
	h.listenSockets[localEp] = sock
	h.mu.Unlock()
	return sock, nil
}

// timerDriverInterval is the granularity of the background retransmit/
// TimeWait-expiry sweep.
const timerDriverInterval = 200 * time.Millisecond

// timerLoop periodically retransmits any session whose oldest unacked
// segment has outlived its current RTO, and reaps sessions whose
// TimeWait 2MSL timer has elapsed.
func (h *Handler) timerLoop() {
	ticker := time.NewTicker(timerDriverInterval)
	defer ticker.Stop()
	for {
		select {
		case <-h.closeChan:
			return
		case now := <-ticker.C:
			h.driveTimers(now)
		}
	}
}

func (h *Handler) driveTimers(now time.Time) {
	h.cacheMu.Lock()
	h.arpCache.Age(now)
	h.ndCache.Age(now)
	h.reassembler4.Expire(now)
	h.reassembler6.Expire(now)
	h.cacheMu.Unlock()

	h.purgeHosts(now)

	h.mu.Lock()
	sessions := make(map[tcpconn.Key]*tcpconn.Session, len(h.sessions))
	for k, s := range h.sessions {
		sessions[k] = s
	}
	h.mu.Unlock()

	for key, sess := range sessions {
		if sess.Expire2MSL(now) {
			h.mu.Lock()
			delete(h.sessions, key)
			h.mu.Unlock()
			continue
		}

		for _, out := range sess.DrainOutbound() {
			h.sendTCPSegment(key, out, now)
		}

		age, ok := sess.OldestUnackedAge(now)
		if !ok || age < sess.RTO() {
			continue
		}
		out, ok := sess.RetransmitOldest(now)
		if !ok {
			continue
		}
		h.sendTCPSegment(key, out, now)
	}
}

// Dial actively opens a TCP connection to remote, registering the
// session and sending the initial SYN; the caller polls IsEstablished
// (or blocks on a future socket.Table-backed Connect) to learn when
// the handshake completes.
func (h *Handler) Dial(local address.IPv4, localPort uint16, remote address.IPv4, remotePort uint16) *tcpconn.Session {
	key := tcpconn.Key{
		Local:  tcpEndpointFrom(local, localPort),
		Remote: tcpEndpointFrom(remote, remotePort),
	}
	sess, syn := tcpconn.NewActiveOpen(key, h.nextISN(), tcpconn.DefaultMSS, h.cfg.TCPRxBuf)
	h.mu.Lock()
	h.sessions[key] = sess
	h.mu.Unlock()
	h.sendTCP4(local, remote, localPort, remotePort, syn, time.Now())
	return sess
}
