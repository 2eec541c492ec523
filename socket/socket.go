package socket

import (
	"sync"

	"inet.af/netaddr"
)

// Family distinguishes IPv4 from IPv6 sockets.
type Family int

const (
	FamilyIPv4 Family = iota
	FamilyIPv6
)

// Proto is the transport protocol a Socket speaks.
type Proto int

const (
	ProtoUDP Proto = iota
	ProtoTCP
)

// Addr is a (host, port) pair, the socket layer's address shape.
type Addr struct {
	IP   netaddr.IP
	Port uint16
}

// TCPEndpoint is the narrow surface a TCP connection must expose to
// back a Socket. *tcpconn.Session satisfies this interface
// structurally; this package never imports tcpconn, since tcpconn
// imports socket one-way for the typed error sentinels in errors.go -
// importing tcpconn back here would be a cycle.
type TCPEndpoint interface {
	Send(p []byte) (n int, err error)
	Recv(p []byte) (n int, err error)
	Close() error
	IsEstablished() bool
}

// datagram is one queued UDP packet awaiting Recv, held in a bounded
// FIFO with oldest-drop on overflow.
type datagram struct {
	from    Addr
	payload []byte
}

// UDPQueueCap bounds the number of datagrams buffered per UDP socket
// before the oldest is dropped to make room for the newest.
const UDPQueueCap = 64

// AcceptBacklogCap bounds the number of fully-established connections
// queued on a listening socket awaiting Accept.
const AcceptBacklogCap = 16

// Socket is one endpoint in the table: a UDP datagram socket, a TCP
// listener, or an active TCP connection.
type Socket struct {
	mu   sync.Mutex
	cond *sync.Cond

	family Family
	proto  Proto

	local, remote Addr
	bound         bool
	connected     bool
	listening     bool
	closed        bool

	queue []datagram // UDP only

	tcp         TCPEndpoint // TCP connected socket only
	acceptQueue []*Socket   // TCP listener only
}

func newSocket(family Family, proto Proto) *Socket {
	s := &Socket{family: family, proto: proto}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Socket) LocalAddr() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.local
}

func (s *Socket) RemoteAddr() Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

// Table is the process-wide socket table: every bound/connected/
// listening Socket, keyed the way a real stack keys them - UDP by
// local address, TCP listeners by local address, TCP connections by
// the full 4-tuple.
type Table struct {
	mu sync.Mutex

	udp       map[Addr]*Socket
	listeners map[Addr]*Socket
	conns     map[fourTuple]*Socket
}

type fourTuple struct {
	local, remote Addr
}

func NewTable() *Table {
	return &Table{
		udp:       make(map[Addr]*Socket),
		listeners: make(map[Addr]*Socket),
		conns:     make(map[fourTuple]*Socket),
	}
}

// BindUDP reserves local for a UDP socket.
func (t *Table) BindUDP(family Family, local Addr) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.udp[local]; exists {
		return nil, ErrAddrInUse
	}
	s := newSocket(family, ProtoUDP)
	s.local = local
	s.bound = true
	t.udp[local] = s
	return s, nil
}

// DeliverUDP hands a received datagram to the socket bound to local,
// dropping the oldest queued datagram if the socket's queue is full.
// Returns false if no socket is bound to local (caller should reply
// ICMP port-unreachable).
func (t *Table) DeliverUDP(local Addr, from Addr, payload []byte) bool {
	t.mu.Lock()
	s, ok := t.udp[local]
	t.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) >= UDPQueueCap {
		s.queue = s.queue[1:]
	}
	s.queue = append(s.queue, datagram{from: from, payload: payload})
	s.cond.Signal()
	return true
}

// RecvUDP dequeues the oldest datagram, blocking until one arrives or
// the socket is closed.
func (s *Socket) RecvUDP() ([]byte, Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.queue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.queue) == 0 && s.closed {
		return nil, Addr{}, ErrClosed
	}
	d := s.queue[0]
	s.queue = s.queue[1:]
	return d.payload, d.from, nil
}

// SendUDP is a no-op at the socket layer beyond validating state; the
// caller (stack transmit path) performs the actual framing/send, since
// the socket layer has no wire-format dependency.
func (s *Socket) SendUDP(to Addr) (Addr, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Addr{}, ErrClosed
	}
	if !s.bound {
		return Addr{}, ErrNotBound
	}
	return s.local, nil
}

// Listen creates a TCP listening socket bound to local, with an accept
// backlog of AcceptBacklogCap. It fails with ErrAddrInUse if local
// already has a listener.
func (t *Table) Listen(family Family, local Addr) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.listeners[local]; exists {
		return nil, ErrAddrInUse
	}
	s := newSocket(family, ProtoTCP)
	s.local = local
	s.bound = true
	s.listening = true
	t.listeners[local] = s
	return s, nil
}

// PushIncoming enqueues a newly established child connection onto a
// listener's accept backlog, dropping the connection if the backlog is
// full (the stack's session table is the source of truth; a dropped
// accept-queue entry still holds an established TCP session that will
// simply never be handed to the application - matching a real
// listen() backlog overflow).
func (t *Table) PushIncoming(listener *Socket, child TCPEndpoint, local, remote Addr) bool {
	listener.mu.Lock()
	defer listener.mu.Unlock()
	if len(listener.acceptQueue) >= AcceptBacklogCap {
		return false
	}
	cs := newSocket(listener.family, ProtoTCP)
	cs.local = local
	cs.remote = remote
	cs.connected = true
	cs.tcp = child
	listener.acceptQueue = append(listener.acceptQueue, cs)
	listener.cond.Signal()
	return true
}

// Accept blocks until a connection is available on the listener's
// backlog or the listener is closed.
func (s *Socket) Accept() (*Socket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.listening {
		return nil, ErrNotBound
	}
	for len(s.acceptQueue) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.acceptQueue) == 0 && s.closed {
		return nil, ErrClosed
	}
	cs := s.acceptQueue[0]
	s.acceptQueue = s.acceptQueue[1:]
	return cs, nil
}

// Connect registers an actively-opened TCP connection in the table,
// once the stack's tcpconn.Session reaches Established.
func (t *Table) Connect(family Family, local, remote Addr, ep TCPEndpoint) (*Socket, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := fourTuple{local, remote}
	if _, exists := t.conns[key]; exists {
		return nil, ErrAddrInUse
	}
	s := newSocket(family, ProtoTCP)
	s.local = local
	s.remote = remote
	s.connected = true
	s.tcp = ep
	t.conns[key] = s
	return s, nil
}

// Send writes to a connected TCP socket's endpoint.
func (s *Socket) Send(p []byte) (int, error) {
	s.mu.Lock()
	ep := s.tcp
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if ep == nil {
		return 0, ErrNotConnected
	}
	return ep.Send(p)
}

// Recv reads from a connected TCP socket's endpoint.
func (s *Socket) Recv(p []byte) (int, error) {
	s.mu.Lock()
	ep := s.tcp
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return 0, ErrClosed
	}
	if ep == nil {
		return 0, ErrNotConnected
	}
	return ep.Recv(p)
}

// Close releases a socket: for TCP it initiates (or completes) the
// connection's close per tcpconn's FSM; for UDP/listeners it simply
// wakes any blocked Recv/Accept with ErrClosed.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	ep := s.tcp
	s.mu.Unlock()
	s.cond.Broadcast()
	if ep != nil {
		return ep.Close()
	}
	return nil
}

// Remove deletes a socket's table entries; called once its teardown
// (TCP TimeWait expiry, or immediate UDP close) has fully completed.
func (t *Table) Remove(s *Socket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch {
	case s.proto == ProtoUDP:
		delete(t.udp, s.local)
	case s.listening:
		delete(t.listeners, s.local)
	default:
		delete(t.conns, fourTuple{s.local, s.remote})
	}
}
