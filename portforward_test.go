package portforward

import (
	"bytes"
	"context"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sibexico/upnp-port-forward/upnp"
)

var lanInterfaces = map[string][]string{
	"lo":   {"127.0.0.1/8"},
	"eth0": {"192.168.1.42/24"},
}

func TestSetupPortMapFirstSuccessWins(t *testing.T) {
	foreign := newFakeService("WANIPConn1")
	noWAN := newFakeService("L3Forwarding1")
	failing := newFakeService("WANIPConn1")
	failing.AddErrs[upnp.ProtocolUDP] = &upnp.SOAPError{Code: 501, Description: "ActionFailed"}
	good := newFakeService("WANPPPConn1")
	after := newFakeService("WANIPConn1")

	disco := &fakeDiscoverer{devices: []upnp.Device{
		device("http://10.0.0.1:5000/desc.xml", foreign),
		device("http://192.168.1.2:5000/desc.xml", noWAN),
		device("http://192.168.1.3:5000/desc.xml", failing),
		device("http://192.168.1.1:5000/desc.xml", good),
		device("http://192.168.1.4:5000/desc.xml", after),
	}}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	f := newTestForwarder(
		WithDiscoverer(disco),
		WithInterfaces(newFakeInterfaces(lanInterfaces)),
		WithMetrics(metrics),
	)

	m, err := f.SetupPortMap(context.Background(), 30303, MapOptions{})
	require.NoError(t, err)
	assert.Equal(t, Mapping{
		InternalAddr: netip.MustParseAddr("192.168.1.42"),
		ExternalAddr: netip.MustParseAddr("203.0.113.5"),
		Port:         30303,
		Device:       "http://192.168.1.1:5000/desc.xml",
	}, m)

	assert.Zero(t, foreign.ExternalIPCalls)
	assert.Len(t, good.Added, 2)
	assert.Zero(t, after.ExternalIPCalls, "devices after the first success are not tried")
	assert.Equal(t, uint32(1800), good.Added[0].LeaseDuration)

	assert.Equal(t, 5.0, testutil.ToFloat64(metrics.DevicesDiscovered))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeviceAttempts.WithLabelValues(OutcomeNoInterface)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeviceAttempts.WithLabelValues(OutcomeNoWANService)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeviceAttempts.WithLabelValues(OutcomeMappingFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DeviceAttempts.WithLabelValues(OutcomeSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("success")))
}

func TestSetupPortMapExhausted(t *testing.T) {
	disco := &fakeDiscoverer{devices: []upnp.Device{
		device("http://10.0.0.1/desc.xml", newFakeService("WANIPConn1")),
		device("http://192.168.1.1/desc.xml"),
		device("http://192.168.1.1/other.xml", newFakeService("WANIPConnection.1")),
	}}
	disco.devices[2].Services[0].(*fakeService).GetExternalErr = errors.New("timeout")
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)
	f := newTestForwarder(
		WithDiscoverer(disco),
		WithInterfaces(newFakeInterfaces(lanInterfaces)),
		WithMetrics(metrics),
	)

	_, err := f.SetupPortMap(context.Background(), 30303, MapOptions{})
	require.Error(t, err)

	var exhausted *ExhaustedError
	require.True(t, errors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Tried)
	assert.EqualError(t, err, "failed to setup NAT portmap: tried 3 devices")
	assert.ErrorIs(t, err, ErrPortMapFailed)
	assert.NotErrorIs(t, err, errNoInternalAddr)
	assert.NotErrorIs(t, err, errNoWANService)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Runs.WithLabelValues("failure")))
}

func TestSetupPortMapNoDevices(t *testing.T) {
	ifaces := newFakeInterfaces(lanInterfaces)
	f := newTestForwarder(
		WithDiscoverer(&fakeDiscoverer{}),
		WithInterfaces(ifaces),
	)

	_, err := f.SetupPortMap(context.Background(), 30303, MapOptions{})
	assert.ErrorIs(t, err, ErrNoDevices)
	assert.ErrorIs(t, err, ErrPortMapFailed)
	assert.Zero(t, ifaces.calls, "no interface resolution without devices")
}

func TestSetupPortMapDiscoveryError(t *testing.T) {
	boom := errors.New("multicast unavailable")
	f := newTestForwarder(WithDiscoverer(&fakeDiscoverer{err: boom}))

	_, err := f.SetupPortMap(context.Background(), 30303, MapOptions{})
	assert.ErrorIs(t, err, boom)
}

func TestSetupPortMapInvalidArguments(t *testing.T) {
	disco := &fakeDiscoverer{}
	f := newTestForwarder(WithDiscoverer(disco))

	_, err := f.SetupPortMap(context.Background(), 0, MapOptions{})
	assert.ErrorIs(t, err, ErrInvalidPort)

	_, err = f.SetupPortMap(context.Background(), 30303, MapOptions{Duration: -time.Second})
	assert.Error(t, err)
	assert.Zero(t, disco.calls)
}

func TestSetupPortMapOptions(t *testing.T) {
	custom := newFakeService("WANCustomConn")
	standard := newFakeService("WANIPConn1")
	disco := &fakeDiscoverer{devices: []upnp.Device{
		device("http://192.168.1.1/desc.xml", standard, custom),
	}}
	f := newTestForwarder(
		WithDiscoverer(disco),
		WithInterfaces(newFakeInterfaces(lanInterfaces)),
	)

	_, err := f.SetupPortMap(context.Background(), 4000, MapOptions{
		Duration:       2 * time.Hour,
		WANServiceName: "WANCustomConn",
	})
	require.NoError(t, err)
	require.Len(t, custom.Added, 2)
	assert.Empty(t, standard.Added)
	assert.Equal(t, uint32(7200), custom.Added[0].LeaseDuration)

	_, err = f.SetupPortMap(context.Background(), 4000, MapOptions{WANServiceName: "NotWAN"})
	require.NoError(t, err)
	assert.Len(t, standard.Added, 2, "invalid override falls back to the built-in names")
}

func TestSetupPortMapIdempotent(t *testing.T) {
	svc := newFakeService("WANIPConn1")
	disco := &fakeDiscoverer{devices: []upnp.Device{device("http://192.168.1.1/desc.xml", svc)}}
	f := newTestForwarder(
		WithDiscoverer(disco),
		WithInterfaces(newFakeInterfaces(lanInterfaces)),
	)

	first, err := f.SetupPortMap(context.Background(), 30303, MapOptions{})
	require.NoError(t, err)

	// The router now holds both entries.
	svc.AddErrs[upnp.ProtocolUDP] = conflict
	svc.AddErrs[upnp.ProtocolTCP] = conflict

	second, err := f.SetupPortMap(context.Background(), 30303, MapOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSetupPortMapLogging(t *testing.T) {
	var buf bytes.Buffer
	disco := &fakeDiscoverer{devices: []upnp.Device{
		device("http://10.0.0.1/desc.xml", newFakeService("WANIPConn1")),
		device("http://192.168.1.1/desc.xml", newFakeService("WANIPConn1")),
	}}
	f := New(
		WithDiscoverer(disco),
		WithInterfaces(newFakeInterfaces(lanInterfaces)),
		WithLogger(zerolog.New(&buf).Level(zerolog.InfoLevel)),
	)

	_, err := f.SetupPortMap(context.Background(), 30303, MapOptions{})
	require.NoError(t, err)

	out := buf.String()
	assert.Contains(t, out, "NAT port forwarding successfully set up")
	assert.Contains(t, out, `"internal":"192.168.1.42:30303"`)
	assert.Contains(t, out, `"external":"203.0.113.5:30303"`)
	assert.NotContains(t, out, "No internal addresses", "per-device conditions are debug only")
}

func TestSetupPortMapCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := newFakeService("WANIPConn1")
	svc.GetExternalErr = context.Canceled
	disco := &fakeDiscoverer{devices: []upnp.Device{
		device("http://192.168.1.1/desc.xml", svc),
		device("http://192.168.1.2/desc.xml", newFakeService("WANIPConn1")),
	}}
	f := newTestForwarder(
		WithDiscoverer(disco),
		WithInterfaces(newFakeInterfaces(lanInterfaces)),
	)
	cancel()

	_, err := f.SetupPortMap(ctx, 30303, MapOptions{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, disco.devices[1].Services[0].(*fakeService).ExternalIPCalls)
}

func TestSetupPortMapPermanentLease(t *testing.T) {
	svc := newFakeService("WANIPConn1")
	disco := &fakeDiscoverer{devices: []upnp.Device{device("http://192.168.1.1/desc.xml", svc)}}
	f := newTestForwarder(
		WithDiscoverer(disco),
		WithInterfaces(newFakeInterfaces(lanInterfaces)),
	)

	_, err := f.SetupPortMap(context.Background(), 30303, MapOptions{Duration: time.Hour, PermanentLease: true})
	require.NoError(t, err)
	require.Len(t, svc.Added, 2)
	for _, m := range svc.Added {
		assert.Zero(t, m.LeaseDuration)
	}
}

func TestLeaseSeconds(t *testing.T) {
	tests := []struct {
		name      string
		duration  time.Duration
		permanent bool
		want      uint32
		wantErr   bool
	}{
		{name: "default", want: 1800},
		{name: "explicit", duration: 2 * time.Hour, want: 7200},
		{name: "sub-second truncated", duration: 90*time.Second + 500*time.Millisecond, want: 90},
		{name: "permanent", permanent: true, want: 0},
		{name: "permanent ignores duration", duration: time.Hour, permanent: true, want: 0},
		{name: "negative", duration: -time.Second, wantErr: true},
		{name: "too long", duration: (1 << 32) * time.Second, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := leaseSeconds(tt.duration, tt.permanent)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
