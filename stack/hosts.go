package stack

import (
	"sync"
	"time"

	"github.com/irai/nettcp/address"
)

// HostEntry is one observed link-layer peer and the L3 addresses seen
// from it, populated purely from ARP and Neighbor Discovery traffic.
// Purely observational - it does not participate in any protocol
// invariant.
type HostEntry struct {
	MAC      address.Addr
	IPv4s    []address.IPv4
	IPv6s    []address.IPv6
	Online   bool
	LastSeen time.Time
}

// Notification reports an online/offline transition for a HostEntry.
type Notification struct {
	MAC    address.Addr
	Online bool
}

const (
	// hostOfflineTimeout and hostPurgeTimeout bound how long a host is
	// considered online after its last observation, and how long its
	// entry survives once offline.
	hostOfflineTimeout  = 2 * time.Minute
	hostPurgeTimeout    = 1 * time.Hour
	notificationChanCap = 64
)

// hostTable is a MAC-keyed side table of observed peers, guarded by its
// own mutex independent of cacheMu/mu so that host observation never
// contends with ARP/ND cache lookups or the TCP session table.
type hostTable struct {
	mu      sync.Mutex
	entries map[address.Addr]*HostEntry
}

func newHostTable() *hostTable {
	return &hostTable{entries: make(map[address.Addr]*HostEntry)}
}

// observe records mac as seen with an optional IPv4/IPv6 address at now,
// returning a Notification and true if this is a newly-seen host or one
// transitioning from offline back to online.
func (t *hostTable) observe(mac address.Addr, ip4 *address.IPv4, ip6 *address.IPv6, now time.Time) (Notification, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[mac]
	wasOffline := !ok || !e.Online
	if !ok {
		e = &HostEntry{MAC: mac}
		t.entries[mac] = e
	}
	if ip4 != nil && !containsIPv4(e.IPv4s, *ip4) {
		e.IPv4s = append(e.IPv4s, *ip4)
	}
	if ip6 != nil && !containsIPv6(e.IPv6s, *ip6) {
		e.IPv6s = append(e.IPv6s, *ip6)
	}
	e.Online = true
	e.LastSeen = now

	if wasOffline {
		return Notification{MAC: mac, Online: true}, true
	}
	return Notification{}, false
}

func containsIPv4(list []address.IPv4, ip address.IPv4) bool {
	for _, v := range list {
		if v.Equal(ip) {
			return true
		}
	}
	return false
}

func containsIPv6(list []address.IPv6, ip address.IPv6) bool {
	for _, v := range list {
		if v.Equal(ip) {
			return true
		}
	}
	return false
}

// purge marks hosts unseen for hostOfflineTimeout as offline and
// deletes hosts unseen for hostPurgeTimeout entirely. Offline
// transitions are collected and returned rather than notified under
// the lock.
func (t *hostTable) purge(now time.Time) []Notification {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Notification
	for mac, e := range t.entries {
		if now.Sub(e.LastSeen) >= hostPurgeTimeout {
			delete(t.entries, mac)
			continue
		}
		if e.Online && now.Sub(e.LastSeen) >= hostOfflineTimeout {
			e.Online = false
			out = append(out, Notification{MAC: mac, Online: false})
		}
	}
	return out
}

// Snapshot returns a copy of every known host, for diagnostics and tests.
func (t *hostTable) Snapshot() []HostEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]HostEntry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, *e)
	}
	return out
}

// GetNotificationChannel returns the handler's host online/offline
// notification channel, creating it on first call. The channel is
// buffered and non-blocking to send: a slow or absent reader never
// stalls the receive path.
func (h *Handler) GetNotificationChannel() <-chan Notification {
	h.notifyMu.Lock()
	defer h.notifyMu.Unlock()
	if h.notifyChan == nil {
		h.notifyChan = make(chan Notification, notificationChanCap)
	}
	return h.notifyChan
}

func (h *Handler) notify(n Notification) {
	h.notifyMu.Lock()
	ch := h.notifyChan
	h.notifyMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- n:
	default:
	}
}

// observeIPv4Host and observeIPv6Host record a peer learned from ARP or
// Neighbor Discovery traffic, called from phrxARP/phrxNeighborSolicitation/
// phrxNeighborAdvertisement.
func (h *Handler) observeIPv4Host(mac address.Addr, ip address.IPv4, now time.Time) {
	if mac.IsZero() || mac.IsBroadcast() || mac.IsMulticast() {
		return
	}
	if n, ok := h.hosts.observe(mac, &ip, nil, now); ok {
		h.notify(n)
	}
}

func (h *Handler) observeIPv6Host(mac address.Addr, ip address.IPv6, now time.Time) {
	if mac.IsZero() || mac.IsBroadcast() || mac.IsMulticast() {
		return
	}
	if n, ok := h.hosts.observe(mac, nil, &ip, now); ok {
		h.notify(n)
	}
}

// purgeHosts runs the host table's aging sweep, called from driveTimers
// on the same tick as TCP retransmission and cache aging.
func (h *Handler) purgeHosts(now time.Time) {
	for _, n := range h.hosts.purge(now) {
		h.notify(n)
	}
}
