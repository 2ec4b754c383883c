package portforward

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibexico/upnp-port-forward/upnp"
)

func withActions(s *fakeService, actions ...string) *fakeService {
	s.actions = actions
	return s
}

func TestFetchAddPortMappingServices(t *testing.T) {
	disco := &fakeDiscoverer{devices: []upnp.Device{
		{
			FriendlyName: "Device 1",
			Location:     "Location 1",
			Services: []upnp.Service{
				newFakeService("WANIPConn1"),
				withActions(newFakeService("L3Forwarding1"), "SetDefaultConnectionService"),
				newFakeService("WANPPPConn1"),
			},
		},
		{
			FriendlyName: "Device 2",
			Location:     "Location 2",
			Services: []upnp.Service{
				withActions(newFakeService("ContentDirectory1"), "Browse"),
			},
		},
	}}
	f := newTestForwarder(WithDiscoverer(disco))

	got, err := f.FetchAddPortMappingServices(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ServiceNames{{
		DeviceFriendlyName: "Device 1",
		DeviceLocation:     "Location 1",
		ServiceNames:       []string{"WANIPConn1", "WANPPPConn1"},
	}}, got)
}

func TestFetchAddPortMappingServicesNoneCapable(t *testing.T) {
	disco := &fakeDiscoverer{devices: []upnp.Device{
		device("http://192.168.1.20/desc.xml", withActions(newFakeService("ContentDirectory1"), "Browse")),
	}}
	f := newTestForwarder(WithDiscoverer(disco))

	_, err := f.FetchAddPortMappingServices(context.Background())
	assert.ErrorIs(t, err, ErrNoPortMapService)
	assert.NotErrorIs(t, err, ErrNoDevices)
}

func TestFetchAddPortMappingServicesNoDevices(t *testing.T) {
	f := newTestForwarder(WithDiscoverer(&fakeDiscoverer{}))

	_, err := f.FetchAddPortMappingServices(context.Background())
	assert.ErrorIs(t, err, ErrNoPortMapService)
	assert.ErrorIs(t, err, ErrNoDevices)
}

func TestFormatReport(t *testing.T) {
	report := FormatReport([]ServiceNames{
		{"Device 1", "Location 1", []string{"Service 1.1", "Service 1.2"}},
		{"Device 2", "Location 2", []string{"Service 2.1", "Service 2.2"}},
	})

	expected := "Device Name:     Device 1\n" +
		"Device Location: Location 1\n" +
		"Available UPnP services found on this device:\n" +
		"  Service 1.1\n" +
		"  Service 1.2\n" +
		"\n" +
		"Device Name:     Device 2\n" +
		"Device Location: Location 2\n" +
		"Available UPnP services found on this device:\n" +
		"  Service 2.1\n" +
		"  Service 2.2\n"
	assert.Contains(t, report, expected)
	assert.True(t, strings.HasPrefix(report, "\n"+strings.Repeat("-", 40)+"\n"))
	assert.Contains(t, report, "--wan-service <service name>")
}
