package manager

import (
	"errors"
	"net/netip"
	"sync"

	"go4.org/netipx"
)

var ErrNoAvailableIPs = errors.New("no free ip addresses in prefix available")

// IPAM proposes candidate addresses inside the configured prefix. It only
// tracks local intent; the durable store's unique index is the arbiter of
// uniqueness across instances. On an insert conflict the caller simply asks
// for the next candidate (the conflicting one stays marked here).
type IPAM struct {
	mu sync.Mutex

	prefix       netip.Prefix
	reserved     map[netip.Addr]struct{}
	allocatedIPs netipx.IPSetBuilder
}

func NewIPAM(prefix netip.Prefix, reserved []netip.Addr, store Store) (*IPAM, error) {
	allocated, err := store.GetAllocatedIPs()
	if err != nil {
		return nil, err
	}

	var b netipx.IPSetBuilder
	for _, ip := range allocated {
		if ip.IsValid() {
			b.Add(ip)
		}
	}

	res := make(map[netip.Addr]struct{}, len(reserved))
	for _, ip := range reserved {
		res[ip] = struct{}{}
	}

	return &IPAM{
		prefix:       prefix.Masked(),
		reserved:     res,
		allocatedIPs: b,
	}, nil
}

func (i *IPAM) Prefix() netip.Prefix {
	return i.prefix
}

// Allocate returns the lowest free usable address and marks it allocated.
func (i *IPAM) Allocate() (netip.Addr, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	ipset, err := i.allocatedIPs.IPSet()
	if err != nil {
		return netip.Addr{}, err
	}

	next := i.prefix.Addr().Next()
	for i.prefix.Contains(next) {
		if !ipset.Contains(next) && !i.isReservedIP(next) {
			i.allocatedIPs.Add(next)
			return next, nil
		}
		next = next.Next()
	}

	return netip.Addr{}, ErrNoAvailableIPs
}

// Release returns an address to the pool, e.g. when the durable insert
// failed for a reason other than an address conflict or a client is deleted.
func (i *IPAM) Release(ip netip.Addr) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.allocatedIPs.Remove(ip)
}

func (i *IPAM) isReservedIP(ip netip.Addr) bool {
	// network and broadcast addresses
	if ip == i.prefix.Addr() {
		return true
	}
	if ip.Is4() && ip == netipx.PrefixLastIP(i.prefix) {
		return true
	}
	_, ok := i.reserved[ip]
	return ok
}
