// Package neighbor implements the ARP cache and the IPv6 Neighbor
// Discovery cache: L3->L2 resolution with a pending-frame queue,
// aging, and conflict signaling, RFC 826 and RFC 4861.
package neighbor

import (
	"fmt"
	"time"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/fastlog"
)

// State is the lifecycle of a cache entry.
type State int

const (
	Incomplete State = iota
	Reachable
	Stale
)

func (s State) String() string {
	switch s {
	case Incomplete:
		return "incomplete"
	case Reachable:
		return "reachable"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

// LookupResult is the outcome of a cache Lookup.
type LookupResult int

const (
	Miss LookupResult = iota
	Hit
	Pending
)

// PendingCap bounds the number of frames parked against an
// Incomplete entry; the oldest is dropped on overflow.
const PendingCap = 8

// ReachableTimeout and StaleTimeout bound how long an entry remains
// Reachable before aging to Stale, and how long after its last refresh
// a Stale entry is purged. Both are measured from LastRefresh.
const (
	ReachableTimeout = 30 * time.Second
	StaleTimeout     = 5 * time.Minute
)

// ARPEntry is one entry in the ARP cache.
type ARPEntry struct {
	IP          address.IPv4
	MAC         address.Addr
	State       State
	CreatedAt   time.Time
	LastRefresh time.Time
	pending     [][]byte
}

// Config carries the cache's two conditional-insert switches.
type Config struct {
	UpdateFromDirectRequest    bool
	UpdateFromGratuitousReply  bool
}

// Conflict describes an IP address conflict detected while processing
// an inbound ARP frame - either a peer claiming one of our addresses
// (rule 1) or a DAD probe reply indicating our own tentative address
// collides with a peer (rule 3's DAD branch).
type Conflict struct {
	IP        address.IPv4
	PeerMAC   address.Addr
	IsDADProbe bool
}

// ARPCache is the mutex-guarded L3->L2 resolution table for IPv4. The
// owning stack component guards calls the same way it guards every
// other shared map: no device I/O is performed inside the lock.
type ARPCache struct {
	Config Config

	entries map[address.IPv4]*ARPEntry
}

func NewARPCache(cfg Config) *ARPCache {
	return &ARPCache{Config: cfg, entries: make(map[address.IPv4]*ARPEntry)}
}

// Lookup resolves ip to a MAC.
func (c *ARPCache) Lookup(ip address.IPv4) (address.Addr, LookupResult) {
	e, ok := c.entries[ip]
	if !ok {
		return address.Addr{}, Miss
	}
	if e.State == Incomplete {
		return address.Addr{}, Pending
	}
	return e.MAC, Hit
}

// EnqueuePending parks frame against ip's Incomplete entry (creating it
// if absent), dropping the oldest frame when PendingCap is exceeded.
func (c *ARPCache) EnqueuePending(ip address.IPv4, frame []byte, now time.Time) {
	e, ok := c.entries[ip]
	if !ok {
		e = &ARPEntry{IP: ip, State: Incomplete, CreatedAt: now}
		c.entries[ip] = e
	}
	e.pending = append(e.pending, frame)
	if len(e.pending) > PendingCap {
		e.pending = e.pending[len(e.pending)-PendingCap:]
	}
}

// insert creates or refreshes the (ip, mac) mapping and returns any
// frames parked against it, in FIFO order, for the caller to flush
// onto the wire now that the address has resolved.
func (c *ARPCache) insert(ip address.IPv4, mac address.Addr, now time.Time) [][]byte {
	e, ok := c.entries[ip]
	if !ok {
		e = &ARPEntry{IP: ip, CreatedAt: now}
		c.entries[ip] = e
	}
	flushed := e.pending
	e.pending = nil
	e.MAC = mac
	e.State = Reachable
	e.LastRefresh = now
	return flushed
}

// Age transitions Reachable entries older than ReachableTimeout to
// Stale, and purges Stale entries older than StaleTimeout.
func (c *ARPCache) Age(now time.Time) {
	for ip, e := range c.entries {
		switch e.State {
		case Reachable:
			if now.Sub(e.LastRefresh) >= ReachableTimeout {
				e.State = Stale
			}
		case Stale:
			if now.Sub(e.LastRefresh) >= StaleTimeout {
				delete(c.entries, ip)
			}
		}
	}
}

// RequestAction is what the packet handler should do after
// HandleRequest returns.
type RequestAction struct {
	Conflict   *Conflict
	SendReply  bool
	ReplyToMAC address.Addr
	Flushed    [][]byte
}

// HandleRequest processes an inbound ARP Request: a sender claiming
// one of our addresses is an address conflict, and a request for one
// of our addresses gets a reply and (optionally) a cache insert of the
// sender.
func (c *ARPCache) HandleRequest(ourUnicast []address.IPv4, ourMAC address.Addr, senderIP address.IPv4, senderMAC address.Addr, targetIP address.IPv4, now time.Time) RequestAction {
	for _, ip := range ourUnicast {
		if ip.Equal(senderIP) {
			fastlog.NewLine("arp", "conflict detected").IP("ip", senderIP).MAC("peer", senderMAC).Write()
			return RequestAction{Conflict: &Conflict{IP: senderIP, PeerMAC: senderMAC}}
		}
	}

	for _, ip := range ourUnicast {
		if ip.Equal(targetIP) {
			action := RequestAction{SendReply: true, ReplyToMAC: senderMAC}
			if c.Config.UpdateFromDirectRequest {
				fastlog.NewLine("arp", "cache insert from direct request").IP("ip", senderIP).MAC("mac", senderMAC).Write()
				action.Flushed = c.insert(senderIP, senderMAC, now)
			}
			return action
		}
	}
	return RequestAction{}
}

// ReplyAction is what the packet handler should do after HandleReply
// returns.
type ReplyAction struct {
	Conflict *Conflict
	Flushed  [][]byte
}

// HandleReply processes an inbound ARP Reply: a reply addressed to us
// claiming one of our own tentative addresses is a DAD conflict,
// otherwise a reply addressed to us or a gratuitous broadcast reply
// updates the cache.
func (c *ARPCache) HandleReply(dstMAC address.Addr, ourMAC address.Addr, candidates []address.IPv4, senderIP address.IPv4, senderMAC address.Addr, targetMAC address.Addr, targetIP address.IPv4, now time.Time) ReplyAction {
	if dstMAC == ourMAC {
		for _, cand := range candidates {
			if cand.Equal(senderIP) && targetMAC == ourMAC && targetIP.IsUnspecified() {
				fastlog.NewLine("arp", "DAD conflict").IP("ip", senderIP).MAC("peer", senderMAC).Write()
				return ReplyAction{Conflict: &Conflict{IP: senderIP, PeerMAC: senderMAC, IsDADProbe: true}}
			}
		}
		fastlog.NewLine("arp", "cache insert from direct reply").IP("ip", senderIP).MAC("mac", senderMAC).Write()
		return ReplyAction{Flushed: c.insert(senderIP, senderMAC, now)}
	}

	if dstMAC.IsBroadcast() && senderIP.Equal(targetIP) && c.Config.UpdateFromGratuitousReply {
		fastlog.NewLine("arp", "cache insert from gratuitous reply").IP("ip", senderIP).MAC("mac", senderMAC).Write()
		return ReplyAction{Flushed: c.insert(senderIP, senderMAC, now)}
	}
	return ReplyAction{}
}

// Entries returns a shallow copy of the cache table, for tests and
// PrintTable-style diagnostics.
func (c *ARPCache) Entries() []ARPEntry {
	out := make([]ARPEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}

func (c *ARPCache) String() string {
	return fmt.Sprintf("ARPCache entries=%d", len(c.entries))
}
