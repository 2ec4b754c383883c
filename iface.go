package portforward

import (
	"fmt"
	"net/netip"
	"net/url"
)

// deviceNetworkBits is the prefix length assumed for the network a device lives on.
const deviceNetworkBits = 24

// Interfaces enumerates the local network interfaces and their addresses.
type Interfaces interface {
	Names() ([]string, error)
	Addrs(name string) ([]netip.Prefix, error)
}

// deviceNetwork returns the /24 containing the host of a device location.
// Host bits are masked off rather than rejected.
func deviceNetwork(location string) (netip.Prefix, error) {
	u, err := url.Parse(location)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: %v", errNoInternalAddr, err)
	}
	host, err := netip.ParseAddr(u.Hostname())
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("%w: device host %q: %v", errNoInternalAddr, u.Hostname(), err)
	}
	host = host.Unmap()
	// TODO: support IPv6 device locations once addresses other than IPv4 are matched.
	if !host.Is4() {
		return netip.Prefix{}, fmt.Errorf("%w: device host %s is not IPv4", errNoInternalAddr, host)
	}
	return netip.PrefixFrom(host, deviceNetworkBits).Masked(), nil
}

// findInternalAddr returns the first local IPv4 address on the device network.
func findInternalAddr(location string, ifaces Interfaces) (netip.Addr, error) {
	network, err := deviceNetwork(location)
	if err != nil {
		return netip.Addr{}, err
	}
	names, err := ifaces.Names()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", errNoInternalAddr, err)
	}
	for _, name := range names {
		prefixes, err := ifaces.Addrs(name)
		if err != nil {
			continue
		}
		for _, p := range prefixes {
			addr := p.Addr().Unmap()
			if !addr.Is4() {
				continue
			}
			if network.Contains(addr) {
				return addr, nil
			}
		}
	}
	return netip.Addr{}, fmt.Errorf("%w: %s", errNoInternalAddr, network)
}
