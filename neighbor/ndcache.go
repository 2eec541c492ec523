package neighbor

import (
	"time"

	"github.com/irai/nettcp/address"
	"github.com/irai/nettcp/fastlog"
)

// NDEntry is the IPv6 analogue of ARPEntry, keyed by address.IPv6
// instead of address.IPv4.
type NDEntry struct {
	IP          address.IPv6
	MAC         address.Addr
	State       State
	CreatedAt   time.Time
	LastRefresh time.Time
	pending     [][]byte
}

// NDCache is the Neighbor Discovery analogue of ARPCache, RFC 4861:
// Neighbor Solicitation mirrors ARP Request, Neighbor Advertisement
// mirrors ARP Reply. Router discovery and the default router list are
// not handled here, and the stack handler does not process Router
// Advertisements either.
type NDCache struct {
	Config Config

	entries map[address.IPv6]*NDEntry
}

func NewNDCache(cfg Config) *NDCache {
	return &NDCache{Config: cfg, entries: make(map[address.IPv6]*NDEntry)}
}

func (c *NDCache) Lookup(ip address.IPv6) (address.Addr, LookupResult) {
	e, ok := c.entries[ip]
	if !ok {
		return address.Addr{}, Miss
	}
	if e.State == Incomplete {
		return address.Addr{}, Pending
	}
	return e.MAC, Hit
}

func (c *NDCache) EnqueuePending(ip address.IPv6, frame []byte, now time.Time) {
	e, ok := c.entries[ip]
	if !ok {
		e = &NDEntry{IP: ip, State: Incomplete, CreatedAt: now}
		c.entries[ip] = e
	}
	e.pending = append(e.pending, frame)
	if len(e.pending) > PendingCap {
		e.pending = e.pending[len(e.pending)-PendingCap:]
	}
}

func (c *NDCache) insert(ip address.IPv6, mac address.Addr, now time.Time) [][]byte {
	e, ok := c.entries[ip]
	if !ok {
		e = &NDEntry{IP: ip, CreatedAt: now}
		c.entries[ip] = e
	}
	flushed := e.pending
	e.pending = nil
	e.MAC = mac
	e.State = Reachable
	e.LastRefresh = now
	return flushed
}

func (c *NDCache) Age(now time.Time) {
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

// NDConflict mirrors Conflict for the IPv6 address family.
type NDConflict struct {
	IP         address.IPv6
	PeerMAC    address.Addr
	IsDADProbe bool
}

// SolicitationAction is what the packet handler should do after
// HandleSolicitation returns.
type SolicitationAction struct {
	IsDAD           bool // solicitation source was ::, a peer probing this target
	TargetIsOurs    bool
	SendAdvertisement bool
	AdvertiseToMAC  address.Addr
	Flushed         [][]byte
}

// HandleSolicitation processes an inbound Neighbor Solicitation. When
// the solicitation carries a Source Link-Layer Address option and a
// non-unspecified source and Config.UpdateFromDirectRequest is set,
// the cache is refreshed from it; a
// solicitation with unspecified source is a peer's Duplicate Address
// Detection probe and must not update the cache (RFC 4862 §5.4).
func (c *NDCache) HandleSolicitation(ourUnicast []address.IPv6, srcIP address.IPv6, srcMAC *address.Addr, targetIP address.IPv6, ourMAC address.Addr, now time.Time) SolicitationAction {
	var action SolicitationAction
	action.IsDAD = srcIP.IsUnspecified()

	for _, ip := range ourUnicast {
		if ip.Equal(targetIP) {
			action.TargetIsOurs = true
			break
		}
	}

	if !action.IsDAD && srcMAC != nil && c.Config.UpdateFromDirectRequest {
		fastlog.NewLine("icmp6", "nd cache insert from solicitation").IP("ip", srcIP).MAC("mac", *srcMAC).Write()
		action.Flushed = c.insert(srcIP, *srcMAC, now)
	}

	if action.TargetIsOurs {
		action.SendAdvertisement = true
		if srcMAC != nil {
			action.AdvertiseToMAC = *srcMAC
		} else {
			action.AdvertiseToMAC = address.Addr{} // solicited-node multicast, caller resolves
		}
	}
	return action
}

// AdvertisementAction is what the packet handler should do after
// HandleAdvertisement returns.
type AdvertisementAction struct {
	Conflict *NDConflict
	Flushed  [][]byte
}

// HandleAdvertisement processes an inbound Neighbor Advertisement,
// mirroring ARP reply rules 3/4: an advertisement whose target is one
// of candidates is a DAD conflict, whatever its solicited and override
// flags; otherwise the cache is refreshed from the Target Link-Layer
// Address option when one is present.
func (c *NDCache) HandleAdvertisement(candidates []address.IPv6, targetIP address.IPv6, targetMAC *address.Addr, solicited, override bool, now time.Time) AdvertisementAction {
	for _, cand := range candidates {
		if cand.Equal(targetIP) {
			mac := address.Addr{}
			if targetMAC != nil {
				mac = *targetMAC
			}
			fastlog.NewLine("icmp6", "DAD conflict").IP("ip", targetIP).MAC("peer", mac).Write()
			return AdvertisementAction{Conflict: &NDConflict{IP: targetIP, PeerMAC: mac, IsDADProbe: true}}
		}
	}
	if targetMAC == nil {
		return AdvertisementAction{}
	}
	fastlog.NewLine("icmp6", "nd cache insert from advertisement").IP("ip", targetIP).MAC("mac", *targetMAC).Write()
	return AdvertisementAction{Flushed: c.insert(targetIP, *targetMAC, now)}
}

func (c *NDCache) Entries() []NDEntry {
	out := make([]NDEntry, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, *e)
	}
	return out
}
