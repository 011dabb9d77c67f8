package p2pnet

import (
	"encoding/binary"
	"math/bits"
	"net/netip"

	"github.com/pkg/errors"
)

// maskBits converts a dotted-quad netmask into a prefix length
func maskBits(mask string) (int, error) {
	addr, err := netip.ParseAddr(mask)
	if err != nil || !addr.Is4() {
		return 0, errors.Errorf("mask %q is not an IPv4 netmask", mask)
	}
	m := addr4ToUint(addr)
	ones := bits.OnesCount32(m)
	if ones > 0 && m != ^uint32(0)<<(32-ones) {
		return 0, errors.Errorf("mask %q is not contiguous", mask)
	}
	return ones, nil
}

func addr4ToUint(addr netip.Addr) uint32 {
	a4 := addr.As4()
	return binary.BigEndian.Uint32(a4[:])
}

func uintToAddr4(u uint32) netip.Addr {
	var a4 [4]byte
	binary.BigEndian.PutUint32(a4[:], u)
	return netip.AddrFrom4(a4)
}

// AddressHelper hands out consecutive host addresses from one IPv4 subnet
type AddressHelper struct {
	prefix netip.Prefix
	next   netip.Addr
	bcast  netip.Addr
}

// SetBase selects the subnet addresses are drawn from, e.g.
// SetBase("10.1.1.0", "255.255.255.0"), and restarts numbering at .1
func (ah *AddressHelper) SetBase(network, mask string) error {
	addr, err := netip.ParseAddr(network)
	if err != nil || !addr.Is4() {
		return errors.Errorf("network %q is not an IPv4 address", network)
	}
	ones, err := maskBits(mask)
	if err != nil {
		return err
	}
	if ones > 30 {
		return errors.Errorf("subnet %s/%d holds no pair of hosts", network, ones)
	}
	ah.prefix = netip.PrefixFrom(addr, ones).Masked()
	base := addr4ToUint(ah.prefix.Addr())
	ah.bcast = uintToAddr4(base | (^uint32(0) >> ones))
	ah.next = ah.prefix.Addr().Next()
	return nil
}

// Prefix is the subnet in use
func (ah *AddressHelper) Prefix() netip.Prefix {
	return ah.prefix
}

// NewAddress returns the next unused host address
func (ah *AddressHelper) NewAddress() (netip.Addr, error) {
	if !ah.prefix.IsValid() {
		return netip.Addr{}, errors.New("address helper has no base")
	}
	addr := ah.next
	if !ah.prefix.Contains(addr) || addr == ah.bcast {
		return netip.Addr{}, errors.Errorf("subnet %s exhausted", ah.prefix)
	}
	ah.next = addr.Next()
	return addr, nil
}

// Assign gives each device the next address in turn
func (ah *AddressHelper) Assign(devs ...*NetDevice) error {
	for _, dev := range devs {
		addr, err := ah.NewAddress()
		if err != nil {
			return err
		}
		dev.addr = addr
		dev.prefix = ah.prefix
	}
	return nil
}
