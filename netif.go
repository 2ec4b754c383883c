package portforward

import (
	"fmt"
	"net"
	"net/netip"

	"github.com/wlynxg/anet"
)

// SystemInterfaces reads interfaces from the operating system. It works on
// Android, where net.Interfaces is refused by the netlink sandbox.
type SystemInterfaces struct{}

// Names returns the names of all local interfaces.
func (SystemInterfaces) Names() ([]string, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		names = append(names, iface.Name)
	}
	return names, nil
}

// Addrs returns the addresses assigned to the named interface.
func (SystemInterfaces) Addrs(name string) ([]netip.Prefix, error) {
	ifaces, err := anet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("list interfaces: %w", err)
	}
	var iface *net.Interface
	for i := range ifaces {
		if ifaces[i].Name == name {
			iface = &ifaces[i]
			break
		}
	}
	if iface == nil {
		return nil, fmt.Errorf("interface %s not found", name)
	}
	addrs, err := anet.InterfaceAddrsByInterface(iface)
	if err != nil {
		return nil, fmt.Errorf("addresses of %s: %w", name, err)
	}
	prefixes := make([]netip.Prefix, 0, len(addrs))
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		addr, ok := netip.AddrFromSlice(ipNet.IP)
		if !ok {
			continue
		}
		ones, _ := ipNet.Mask.Size()
		if addr.Is4In6() && ones > 32 {
			ones -= 96
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr.Unmap(), ones))
	}
	return prefixes, nil
}
