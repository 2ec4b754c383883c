package portforward

import (
	"context"
	"net/netip"
	"sort"
	"sync"

	"github.com/sibexico/upnp-port-forward/upnp"
)

// fakeDiscoverer returns a fixed device list.
type fakeDiscoverer struct {
	devices []upnp.Device
	err     error
	calls   int
}

func (d *fakeDiscoverer) Discover(context.Context) ([]upnp.Device, error) {
	d.calls++
	return d.devices, d.err
}

// fakeInterfaces maps interface names to addresses.
type fakeInterfaces struct {
	addrs map[string][]string
	calls int
}

func newFakeInterfaces(addrs map[string][]string) *fakeInterfaces {
	return &fakeInterfaces{addrs: addrs}
}

func (i *fakeInterfaces) Names() ([]string, error) {
	i.calls++
	names := make([]string, 0, len(i.addrs))
	for name := range i.addrs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (i *fakeInterfaces) Addrs(name string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, a := range i.addrs[name] {
		prefixes = append(prefixes, netip.MustParsePrefix(a))
	}
	return prefixes, nil
}

// fakeService records calls and returns configured results.
type fakeService struct {
	mu sync.Mutex

	name    string
	actions []string

	ExternalIP     string
	GetExternalErr error
	// AddErrs is keyed by protocol.
	AddErrs map[upnp.Protocol]error

	ExternalIPCalls int
	Added           []upnp.PortMapping
}

func newFakeService(name string) *fakeService {
	return &fakeService{
		name:       name,
		actions:    []string{"GetExternalIPAddress", "AddPortMapping"},
		ExternalIP: "203.0.113.5",
		AddErrs:    make(map[upnp.Protocol]error),
	}
}

func (s *fakeService) Name() string { return s.name }

func (s *fakeService) Type() string { return "urn:schemas-upnp-org:service:WANIPConnection:1" }

func (s *fakeService) HasAction(action string) bool {
	for _, a := range s.actions {
		if a == action {
			return true
		}
	}
	return false
}

func (s *fakeService) GetExternalIPAddress(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ExternalIPCalls++
	return s.ExternalIP, s.GetExternalErr
}

func (s *fakeService) AddPortMapping(_ context.Context, m upnp.PortMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Added = append(s.Added, m)
	return s.AddErrs[m.Protocol]
}

func device(location string, services ...upnp.Service) upnp.Device {
	return upnp.Device{
		FriendlyName: "router " + location,
		Location:     location,
		Services:     services,
	}
}
