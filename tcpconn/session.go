package tcpconn

import (
	"sync"
	"time"

	"inet.af/netaddr"

	"github.com/irai/nettcp/socket"
)

// State is one of the canonical 11 TCP states (RFC 9293 §3.3.2).
type State int

const (
	Closed State = iota
	Listen
	SynSent
	SynRcvd
	Established
	FinWait1
	FinWait2
	CloseWait
	Closing
	LastAck
	TimeWait
)

func (s State) String() string {
	return [...]string{
		"CLOSED", "LISTEN", "SYN-SENT", "SYN-RCVD", "ESTABLISHED",
		"FIN-WAIT-1", "FIN-WAIT-2", "CLOSE-WAIT", "CLOSING", "LAST-ACK", "TIME-WAIT",
	}[s]
}

// Endpoint identifies one side of a connection.
type Endpoint struct {
	IP   netaddr.IP
	Port uint16
}

// Key is the 4-tuple a Session is looked up by.
type Key struct {
	Local, Remote Endpoint
}

// TSMSL is the 2MSL TimeWait duration: twice the RFC 9293-recommended
// Maximum Segment Lifetime of 2 minutes.
const TSMSL = 4 * time.Minute

const DefaultMSS = 1460

// Inbound is a parsed incoming segment, decoupled from the wire codec
// so the state machine has no dependency on package codec.
type Inbound struct {
	Seq, Ack           uint32
	SYN, ACK, FIN, RST bool
	Window             uint16
	Payload            []byte
	Options            TCPOptionsView
}

// TCPOptionsView mirrors codec.TCPOptions without importing codec.
type TCPOptionsView struct {
	MSS            uint16
	HasMSS         bool
	WindowScale    uint8
	HasWindowScale bool
}

// Outbound describes one segment the caller (the stack's transmit
// path) must assemble and send.
type Outbound struct {
	Seq, Ack           uint32
	SYN, ACK, FIN, RST bool
	Window             uint16
	Payload            []byte
	MSS                uint16 // set only on SYN/SYN-ACK
}

// Event is a side-effect the session table / socket layer must react
// to (spawning a child session, delivering an accept, waking a blocked
// recv/send, surfacing an error).
type Event int

const (
	EventNone Event = iota
	EventEstablished
	EventPeerClosed  // FIN received, deliver EOF after buffered data
	EventClosed      // session fully torn down
	EventReset       // RST received or generated, deliver error to socket
	EventDataReady
)

// Session is one TCP connection's state and sequencing variables.
type Session struct {
	mu sync.Mutex

	Key   Key
	state State

	iss, irs     uint32
	sndUna       uint32
	sndNxt       uint32
	sndWnd       uint32
	sndWL1       uint32
	sndWL2       uint32
	rcvNxt       uint32
	rcvWnd       uint32
	mss          uint16

	retransmit retransmitQueue
	rtoEst     *rtoEstimator
	dupACKs    int
	lastAckSeen uint32

	outOfOrder []segment // received, buffered until contiguous with rcv.nxt

	readBuf  []byte
	writeBuf []byte

	rcvBufCap int
	sndBufCap int

	timeWaitDeadline time.Time

	// outbox queues Outbound segments produced by the socket-facing
	// Send/Close adapters below, for the stack's transmit loop to
	// drain and frame onto the wire.
	outbox []Outbound
}

// NewListener creates a session in the Listen state bound to local.
func NewListener(local Endpoint) *Session {
	return &Session{Key: Key{Local: local}, state: Listen, rcvBufCap: 64 * 1024, sndBufCap: 64 * 1024}
}

// NewActiveOpen creates a session performing an active open and
// returns the initial SYN to send.
func NewActiveOpen(key Key, iss uint32, mss uint16, rcvBufCap int) (*Session, Outbound) {
	s := &Session{
		Key: key, state: SynSent, iss: iss, sndUna: iss, sndNxt: iss + 1,
		mss: mss, rcvWnd: uint16Cap(rcvBufCap), rcvBufCap: rcvBufCap, sndBufCap: 64 * 1024,
		rtoEst: newRTOEstimator(),
	}
	out := Outbound{Seq: iss, SYN: true, Window: s.rcvWnd16(), MSS: mss}
	s.retransmit.push(segment{seqStart: iss, seqEnd: iss + 1, sentAt: time.Now()})
	return s, out
}

func uint16Cap(n int) uint32 {
	if n > 0xffff {
		return 0xffff
	}
	return uint32(n)
}

func (s *Session) rcvWnd16() uint16 {
	free := s.rcvBufCap - len(s.readBuf)
	if free < 0 {
		free = 0
	}
	if free > 0xffff {
		free = 0xffff
	}
	return uint16(free)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// AcceptChild handles an inbound SYN on a Listen session: the
// Listen -> SynRcvd transition, creating a child session owned by the
// caller's session table.
func (s *Session) AcceptChild(key Key, in Inbound, iss uint32) (*Session, Outbound) {
	child := &Session{
		Key: key, state: SynRcvd,
		iss: iss, irs: in.Seq, sndUna: iss, sndNxt: iss + 1,
		rcvNxt: in.Seq + 1, mss: DefaultMSS, rcvBufCap: 64 * 1024, sndBufCap: 64 * 1024,
		rtoEst: newRTOEstimator(),
	}
	if in.Options.HasMSS {
		child.mss = in.Options.MSS
	}
	child.rcvWnd = uint32(child.rcvWnd16())
	out := Outbound{Seq: iss, Ack: child.rcvNxt, SYN: true, ACK: true, Window: child.rcvWnd16(), MSS: child.mss}
	child.retransmit.push(segment{seqStart: iss, seqEnd: iss + 1, sentAt: time.Now()})
	return child, out
}

// HandleSegment advances the state machine per RFC 9293 §3.10's event
// processing. It returns zero or more outbound segments to send and the
// events the caller must react to. The child result is always nil: a
// Listen session ignores segments here, and the caller creates the
// child for an inbound SYN with AcceptChild.
func (s *Session) HandleSegment(in Inbound, now time.Time) (out []Outbound, events []Event, child *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == Listen {
		if in.SYN && !in.ACK {
			return nil, nil, nil // caller spawns the child via AcceptChild with a fresh ISS
		}
		return nil, nil, nil
	}

	// Out-of-window segments get a challenge ACK and are otherwise
	// discarded, except during the handshake where rcv.nxt is not yet
	// meaningful.
	if s.state != SynSent && s.state != SynRcvd {
		if len(in.Payload) > 0 || in.FIN {
			if !InWindow(in.Seq, s.rcvNxt, s.effectiveRcvWnd()) {
				return []Outbound{s.challengeACK()}, nil, nil
			}
		}
	}

	// Incoming SYN on an Established connection is a reset trigger.
	if s.state == Established && in.SYN {
		s.state = Closed
		return []Outbound{{RST: true, Seq: s.sndNxt}}, []Event{EventReset}, nil
	}

	if in.RST {
		s.state = Closed
		return nil, []Event{EventReset}, nil
	}

	switch s.state {
	case SynSent:
		if in.SYN && in.ACK && in.Ack == s.sndNxt {
			s.irs = in.Seq
			s.rcvNxt = in.Seq + 1
			s.sndUna = in.Ack
			s.sndWnd = uint32(in.Window)
			s.sndWL1 = in.Seq
			s.sndWL2 = in.Ack
			s.state = Established
			s.retransmit.ackUpTo(in.Ack)
			return []Outbound{{Seq: s.sndNxt, Ack: s.rcvNxt, ACK: true, Window: s.rcvWnd16()}}, []Event{EventEstablished}, nil
		}
		return nil, nil, nil

	case SynRcvd:
		if in.ACK && in.Ack == s.sndNxt {
			s.sndUna = in.Ack
			s.sndWnd = uint32(in.Window)
			s.sndWL1 = in.Seq
			s.sndWL2 = in.Ack
			s.retransmit.ackUpTo(in.Ack)
			s.state = Established
			return nil, []Event{EventEstablished}, nil
		}
		return nil, nil, nil
	}

	// Established and beyond: process ACK, data, and FIN uniformly.
	outbound, ev := s.handleAck(in, now)
	events = append(events, ev...)

	if len(in.Payload) > 0 {
		s.acceptData(in.Seq, in.Payload)
		events = append(events, EventDataReady)
	}

	if in.FIN {
		o, e := s.handleFIN(in)
		outbound = append(outbound, o...)
		events = append(events, e...)
	} else if len(in.Payload) > 0 {
		outbound = append(outbound, Outbound{Seq: s.sndNxt, Ack: s.rcvNxt, ACK: true, Window: s.rcvWnd16()})
	}

	return outbound, events, nil
}

func (s *Session) effectiveRcvWnd() uint32 {
	if s.rcvWnd == 0 {
		return uint32(s.rcvWnd16())
	}
	return s.rcvWnd
}

func (s *Session) challengeACK() Outbound {
	return Outbound{Seq: s.sndNxt, Ack: s.rcvNxt, ACK: true, Window: s.rcvWnd16()}
}

// handleAck updates snd.una/snd.wnd on a new ACK, triggers fast
// retransmit at 3 duplicate ACKs, and seeds/updates the RTT estimator.
func (s *Session) handleAck(in Inbound, now time.Time) ([]Outbound, []Event) {
	if !in.ACK {
		return nil, nil
	}
	if SeqLess(s.sndUna, in.Ack) && SeqLessEq(in.Ack, s.sndNxt) {
		removed, oldestSentAt, hadAny := s.retransmit.ackUpTo(in.Ack)
		if removed > 0 && hadAny && s.rtoEst != nil {
			s.rtoEst.Sample(now.Sub(oldestSentAt))
		}
		s.sndUna = in.Ack
		s.dupACKs = 0
		s.updateWindow(in)
		return s.advanceCloseOnAck(in), nil
	}
	if in.Ack == s.sndUna {
		s.dupACKs++
		if s.dupACKs == FastRetransmitThreshold {
			if seg, ok := s.retransmit.oldest(); ok {
				s.dupACKs = 0
				return []Outbound{{Seq: seg.seqStart, Ack: s.rcvNxt, ACK: true, Payload: seg.payload, Window: s.rcvWnd16()}}, nil
			}
		}
	}
	return s.advanceCloseOnAck(in), nil
}

// updateWindow applies the window-update rule from RFC 9293 §3.4 (only
// accept a window update when the segment carries the most recent
// sequence/ack, SND.WL1/WL2).
func (s *Session) updateWindow(in Inbound) {
	if SeqLess(s.sndWL1, in.Seq) || (s.sndWL1 == in.Seq && SeqLessEq(s.sndWL2, in.Ack)) {
		s.sndWnd = uint32(in.Window)
		s.sndWL1 = in.Seq
		s.sndWL2 = in.Ack
	}
}

// advanceCloseOnAck handles the ACK-of-FIN transitions: FinWait1->
// FinWait2, Closing->TimeWait, LastAck->Closed.
func (s *Session) advanceCloseOnAck(in Inbound) []Outbound {
	switch s.state {
	case FinWait1:
		if s.retransmit.empty() {
			s.state = FinWait2
		}
	case Closing:
		if s.retransmit.empty() {
			s.state = TimeWait
			s.timeWaitDeadline = time.Now().Add(TSMSL)
		}
	case LastAck:
		if s.retransmit.empty() {
			s.state = Closed
		}
	}
	return nil
}

// acceptData buffers payload if it arrives at rcv.nxt, otherwise parks
// it in the out-of-order queue until the gap closes.
func (s *Session) acceptData(seq uint32, payload []byte) {
	if seq != s.rcvNxt {
		s.outOfOrder = append(s.outOfOrder, segment{seqStart: seq, seqEnd: seq + uint32(len(payload)), payload: payload})
		return
	}
	s.readBuf = append(s.readBuf, payload...)
	s.rcvNxt += uint32(len(payload))
	s.drainOutOfOrder()
}

func (s *Session) drainOutOfOrder() {
	for {
		advanced := false
		for i, seg := range s.outOfOrder {
			if seg.seqStart == s.rcvNxt {
				s.readBuf = append(s.readBuf, seg.payload...)
				s.rcvNxt += uint32(len(seg.payload))
				s.outOfOrder = append(s.outOfOrder[:i], s.outOfOrder[i+1:]...)
				advanced = true
				break
			}
		}
		if !advanced {
			return
		}
	}
}

// handleFIN applies the CloseWait/Closing/TimeWait transitions on
// receipt of FIN.
func (s *Session) handleFIN(in Inbound) ([]Outbound, []Event) {
	s.rcvNxt++
	ack := Outbound{Seq: s.sndNxt, Ack: s.rcvNxt, ACK: true, Window: s.rcvWnd16()}
	switch s.state {
	case Established:
		s.state = CloseWait
		return []Outbound{ack}, []Event{EventPeerClosed}
	case FinWait1:
		s.state = Closing
		return []Outbound{ack}, nil
	case FinWait2:
		s.state = TimeWait
		s.timeWaitDeadline = time.Now().Add(TSMSL)
		return []Outbound{ack}, []Event{EventPeerClosed}
	}
	return []Outbound{ack}, nil
}

// CloseActive initiates an active close: Established -> FinWait1 or
// CloseWait -> LastAck.
func (s *Session) CloseActive() Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()

	fin := Outbound{Seq: s.sndNxt, Ack: s.rcvNxt, FIN: true, ACK: true, Window: s.rcvWnd16()}
	s.retransmit.push(segment{seqStart: s.sndNxt, seqEnd: s.sndNxt + 1, sentAt: time.Now()})
	s.sndNxt++

	switch s.state {
	case Established:
		s.state = FinWait1
	case CloseWait:
		s.state = LastAck
	}
	return fin
}

// Expire2MSL reports whether a TimeWait session's 2MSL timer has
// elapsed as of now; the caller (stack supervisor's timer loop)
// destroys the session when true.
func (s *Session) Expire2MSL(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == TimeWait && !now.Before(s.timeWaitDeadline)
}

// OldestUnackedAge reports how long the oldest outstanding unacked
// segment has been waiting, for the stack's timer loop to compare
// against RTO(). ok is false if nothing is outstanding.
func (s *Session) OldestUnackedAge(now time.Time) (age time.Duration, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, has := s.retransmit.oldest()
	if !has {
		return 0, false
	}
	return now.Sub(seg.sentAt), true
}

// RTO returns the session's current retransmission timeout.
func (s *Session) RTO() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rtoEst == nil {
		return InitialRTO
	}
	return s.rtoEst.RTO()
}

// RetransmitOldest backs off RTO and returns the oldest unacked segment
// to resend, called by the stack's timer loop when a session's
// retransmission timer fires without an intervening ACK.
func (s *Session) RetransmitOldest(now time.Time) (Outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seg, ok := s.retransmit.oldest()
	if !ok {
		return Outbound{}, false
	}
	if s.rtoEst != nil {
		s.rtoEst.Backoff()
	}
	seg.retransmits++
	seg.sentAt = now
	s.retransmit.segments[0] = seg
	return Outbound{Seq: seg.seqStart, Ack: s.rcvNxt, ACK: true, Payload: seg.payload, Window: s.rcvWnd16()}, true
}

// Write takes as much of data as fits in the send window, at most MSS
// bytes, records it in the retransmission queue and returns it framed
// as an Outbound segment, keeping snd.una <= snd.nxt <= snd.una+snd.wnd.
// ok is false, with n == 0, when the window is full.
func (s *Session) Write(data []byte) (n int, out Outbound, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != Established && s.state != CloseWait {
		return 0, Outbound{}, false, socket.ErrNotConnected
	}

	window := s.sndUna + s.sndWnd
	avail := window - s.sndNxt
	if avail == 0 {
		return 0, Outbound{}, false, nil
	}
	take := uint32(len(data))
	if take > avail {
		take = avail
	}
	if take > uint32(s.mss) {
		take = uint32(s.mss)
	}
	payload := data[:take]
	out = Outbound{Seq: s.sndNxt, Ack: s.rcvNxt, ACK: true, Payload: payload, Window: s.rcvWnd16()}
	s.retransmit.push(segment{seqStart: s.sndNxt, seqEnd: s.sndNxt + take, payload: payload, sentAt: time.Now()})
	s.sndNxt += take
	return int(take), out, true, nil
}

// Read drains up to n bytes of received, in-order data.
func (s *Session) Read(n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.readBuf) == 0 {
		if s.state == CloseWait || s.state == Closing || s.state == LastAck || s.state == Closed {
			return nil, socket.ErrClosed
		}
		return nil, socket.ErrWouldBlock
	}
	if n > len(s.readBuf) {
		n = len(s.readBuf)
	}
	out := make([]byte, n)
	copy(out, s.readBuf[:n])
	s.readBuf = s.readBuf[n:]
	return out, nil
}

// Send implements socket.TCPEndpoint: it writes data through to the
// session's retransmission queue and queues the framed segment in the
// outbox for the stack's transmit loop.
func (s *Session) Send(p []byte) (int, error) {
	n, out, ok, err := s.Write(p)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, socket.ErrWouldBlock
	}
	s.mu.Lock()
	s.outbox = append(s.outbox, out)
	s.mu.Unlock()
	return n, nil
}

// Recv implements socket.TCPEndpoint: it drains up to len(p) bytes of
// received, in-order data into p.
func (s *Session) Recv(p []byte) (int, error) {
	data, err := s.Read(len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, data), nil
}

// Close implements socket.TCPEndpoint: it initiates an active close
// and queues the resulting FIN for transmission.
func (s *Session) Close() error {
	out := s.CloseActive()
	s.mu.Lock()
	s.outbox = append(s.outbox, out)
	s.mu.Unlock()
	return nil
}

// IsEstablished implements socket.TCPEndpoint.
func (s *Session) IsEstablished() bool {
	return s.State() == Established
}

// DrainOutbound returns and clears the segments queued by Send/Close,
// for the stack's transmit loop.
func (s *Session) DrainOutbound() []Outbound {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outbox
	s.outbox = nil
	return out
}

// ShouldSendWindowUpdate implements silly-window avoidance (RFC 9293
// §3.8.6.2.2): only advertise a larger window once it has opened by at
// least MSS or half the buffer capacity.
func (s *Session) ShouldSendWindowUpdate(lastAdvertised uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.rcvWnd16()
	if cur <= lastAdvertised {
		return false
	}
	delta := cur - lastAdvertised
	half := uint16(s.rcvBufCap / 2)
	return int(delta) >= int(s.mss) || delta >= half
}
