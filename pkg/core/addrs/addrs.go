// Package addrs allocates MAC addresses and IPv4/IPv6 subnets for a
// session. Subnets are carved lowest-unused from configured pools; host
// addresses inside a subnet are the lowest unused host bits.
package addrs

import (
	"fmt"
	"net"
	"sync"

	"github.com/corenet-emu/corenet/pkg/util"
)

// MACPool hands out addresses of the form 00:00:00:<prefix>:00:<counter>.
// The counter is monotonic and never reused within a session; it carries
// into the fifth octet past 255 so long sessions keep allocating.
type MACPool struct {
	mu      sync.Mutex
	prefix  byte
	counter uint16
}

// NewMACPool creates a pool with the given OUI prefix byte and starting
// counter. A distinct start value per daemon prevents collisions when
// sessions are tunneled together.
func NewMACPool(prefix, start byte) *MACPool {
	return &MACPool{prefix: prefix, counter: uint16(start)}
}

// Next returns the next MAC address.
func (p *MACPool) Next() net.HardwareAddr {
	p.mu.Lock()
	defer p.mu.Unlock()
	hw := net.HardwareAddr{0, 0, 0, p.prefix, byte(p.counter >> 8), byte(p.counter)}
	p.counter++
	return hw
}

// Subnet is one allocated IPv4 /24 plus its paired IPv6 /64, with host
// address tracking.
type Subnet struct {
	IPv4 *net.IPNet
	IPv6 *net.IPNet

	mu      sync.Mutex
	v4hosts map[uint32]bool
	v6hosts map[uint64]bool
}

// NextIPv4 returns the lowest unused IPv4 host address in the subnet with
// its mask length.
func (s *Subnet) NextIPv4() (net.IP, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ones, bits := s.IPv4.Mask.Size()
	max := uint32(1)<<(bits-ones) - 2 // exclude network and broadcast
	for host := uint32(1); host <= max; host++ {
		if s.v4hosts[host] {
			continue
		}
		s.v4hosts[host] = true
		ip := make(net.IP, 4)
		copy(ip, s.IPv4.IP.To4())
		ip[3] += byte(host & 0xff)
		ip[2] += byte(host >> 8)
		return ip, ones, nil
	}
	return nil, 0, fmt.Errorf("addrs: %w: subnet %s exhausted", util.ErrBadAddress, s.IPv4)
}

// NextIPv6 returns the lowest unused IPv6 host address in the subnet with
// its prefix length.
func (s *Subnet) NextIPv6() (net.IP, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ones, _ := s.IPv6.Mask.Size()
	for host := uint64(1); host != 0; host++ {
		if s.v6hosts[host] {
			continue
		}
		s.v6hosts[host] = true
		ip := make(net.IP, 16)
		copy(ip, s.IPv6.IP.To16())
		for i := 0; i < 8; i++ {
			ip[15-i] |= byte(host >> (8 * i))
		}
		return ip, ones, nil
	}
	return nil, 0, fmt.Errorf("addrs: %w: subnet %s exhausted", util.ErrBadAddress, s.IPv6)
}

// ReleaseHost returns an IPv4 host address to the subnet.
func (s *Subnet) ReleaseHost(ip net.IP) {
	v4 := ip.To4()
	if v4 == nil || !s.IPv4.Contains(v4) {
		return
	}
	base := s.IPv4.IP.To4()
	host := uint32(v4[2]-base[2])<<8 | uint32(v4[3]-base[3])
	s.mu.Lock()
	delete(s.v4hosts, host)
	s.mu.Unlock()
}

// Allocator carves per-network subnets out of the session pools.
type Allocator struct {
	mu sync.Mutex

	v4base  *net.IPNet
	v4next  uint32 // next candidate /24 index
	v4used  map[uint32]bool
	v6base  *net.IPNet
	v6used  map[uint64]bool
	subnets map[int]*Subnet // network id -> subnet
}

// NewAllocator builds an allocator over the given IPv4 and IPv6 pools
// (CIDR strings; the IPv4 pool must be /24 or wider).
func NewAllocator(ipv4Pool, ipv6Pool string) (*Allocator, error) {
	_, v4net, err := net.ParseCIDR(ipv4Pool)
	if err != nil {
		return nil, fmt.Errorf("addrs: %w: ipv4 pool %q", util.ErrBadAddress, ipv4Pool)
	}
	if ones, _ := v4net.Mask.Size(); ones > 24 {
		return nil, fmt.Errorf("addrs: %w: ipv4 pool %q narrower than /24", util.ErrBadAddress, ipv4Pool)
	}
	_, v6net, err := net.ParseCIDR(ipv6Pool)
	if err != nil {
		return nil, fmt.Errorf("addrs: %w: ipv6 pool %q", util.ErrBadAddress, ipv6Pool)
	}
	return &Allocator{
		v4base:  v4net,
		v4used:  make(map[uint32]bool),
		v6base:  v6net,
		v6used:  make(map[uint64]bool),
		subnets: make(map[int]*Subnet),
	}, nil
}

// SubnetFor returns the subnet assigned to a network id, allocating the
// lowest unused /24 (and paired /64) on first use.
func (a *Allocator) SubnetFor(netID int) (*Subnet, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.subnets[netID]; ok {
		return s, nil
	}

	ones, _ := a.v4base.Mask.Size()
	count := uint32(1) << (24 - ones) // how many /24s fit in the pool
	var idx uint32
	found := false
	for i := uint32(0); i < count; i++ {
		if !a.v4used[i] {
			idx = i
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("addrs: %w: ipv4 pool exhausted", util.ErrBadAddress)
	}
	a.v4used[idx] = true

	v4 := make(net.IP, 4)
	copy(v4, a.v4base.IP.To4())
	v4[2] += byte(idx & 0xff)
	v4[1] += byte(idx >> 8)

	v6 := make(net.IP, 16)
	copy(v6, a.v6base.IP.To16())
	// Carve consecutive /64s by bumping the low bits of the prefix half.
	v6[7] += byte(idx)
	v6[6] += byte(idx >> 8)
	a.v6used[uint64(idx)] = true

	s := &Subnet{
		IPv4:    &net.IPNet{IP: v4, Mask: net.CIDRMask(24, 32)},
		IPv6:    &net.IPNet{IP: v6, Mask: net.CIDRMask(64, 128)},
		v4hosts: make(map[uint32]bool),
		v6hosts: make(map[uint64]bool),
	}
	a.subnets[netID] = s
	return s, nil
}

// Release frees the subnet assigned to a network id.
func (a *Allocator) Release(netID int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.subnets[netID]
	if !ok {
		return
	}
	delete(a.subnets, netID)
	base := a.v4base.IP.To4()
	ip := s.IPv4.IP.To4()
	idx := uint32(ip[1]-base[1])<<8 | uint32(ip[2]-base[2])
	delete(a.v4used, idx)
	delete(a.v6used, uint64(idx))
}
