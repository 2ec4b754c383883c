// Package portforward sets up NAT port forwarding on UPnP Internet Gateway
// Devices found on the local network.
//
// For every discovered device, in discovery order, the local address on the
// device network is resolved, a WAN connection service is selected and the
// port is mapped for UDP and TCP. The first device that accepts the mapping
// wins.
package portforward

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/netip"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sibexico/upnp-port-forward/upnp"
)

// DefaultLeaseDuration is the lease requested when none is given.
const DefaultLeaseDuration = 30 * time.Minute

// Discoverer finds UPnP devices on the local network.
type Discoverer interface {
	Discover(ctx context.Context) ([]upnp.Device, error)
}

// Mapping is the outcome of a successful SetupPortMap.
type Mapping struct {
	// InternalAddr is the local address the port is forwarded to.
	InternalAddr netip.Addr
	// ExternalAddr is the gateway's external address.
	ExternalAddr netip.Addr
	// Port is both the external and the internal port.
	Port uint16
	// Device is the location of the gateway that accepted the mapping.
	Device string
}

// MapOptions tunes a single SetupPortMap call.
type MapOptions struct {
	// Duration is the mapping lease. Zero means DefaultLeaseDuration.
	Duration time.Duration
	// PermanentLease requests a lease of 0, which gateways keep until removed.
	// Some gateways only accept this, answering 725 OnlyPermanentLeasesSupported
	// otherwise. Duration is ignored when set.
	PermanentLease bool
	// WANServiceName is tried before the built-in WAN service names.
	// It must start with "WAN", otherwise it is ignored.
	WANServiceName string
}

// Forwarder maps ports on UPnP gateways.
type Forwarder struct {
	discoverer Discoverer
	interfaces Interfaces
	logger     zerolog.Logger
	metrics    *Metrics
}

// Option configures a Forwarder.
type Option func(*Forwarder)

// WithDiscoverer sets the device discovery backend.
func WithDiscoverer(d Discoverer) Option {
	return func(f *Forwarder) { f.discoverer = d }
}

// WithInterfaces sets the local interface source.
func WithInterfaces(i Interfaces) Option {
	return func(f *Forwarder) { f.interfaces = i }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(f *Forwarder) { f.logger = l }
}

// WithMetrics records outcomes in m.
func WithMetrics(m *Metrics) Option {
	return func(f *Forwarder) { f.metrics = m }
}

// New returns a Forwarder. By default it discovers devices with the native
// UPnP client and reads interfaces from the operating system.
func New(opts ...Option) *Forwarder {
	f := &Forwarder{
		interfaces: SystemInterfaces{},
		logger:     log.Logger.With().Str("component", "portforward").Logger(),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.discoverer == nil {
		f.discoverer = &upnp.Discoverer{Logger: &f.logger}
	}
	return f
}

// SetupPortMap maps port on the first gateway that accepts it using a default Forwarder.
func SetupPortMap(ctx context.Context, port uint16, opts MapOptions) (Mapping, error) {
	return New().SetupPortMap(ctx, port, opts)
}

// SetupPortMap discovers gateways and maps port for UDP and TCP on the first
// one that accepts it. Devices that do not share a network with this host,
// have no WAN service or reject the mapping are skipped. When all devices are
// skipped the error is an *ExhaustedError.
func (f *Forwarder) SetupPortMap(ctx context.Context, port uint16, opts MapOptions) (m Mapping, err error) {
	defer func() { f.metrics.run(err) }()

	if port == 0 {
		return Mapping{}, fmt.Errorf("%w: port cannot be 0", ErrInvalidPort)
	}
	lease, err := leaseSeconds(opts.Duration, opts.PermanentLease)
	if err != nil {
		return Mapping{}, err
	}

	devices, err := f.discoverer.Discover(ctx)
	if err != nil {
		return Mapping{}, fmt.Errorf("discover devices: %w", err)
	}
	f.metrics.discovered(len(devices))
	if len(devices) == 0 {
		return Mapping{}, fmt.Errorf("%w: %w", ErrPortMapFailed, ErrNoDevices)
	}

	candidates := wanServiceCandidates(opts.WANServiceName, f.logger)

	for _, dev := range devices {
		internal, external, err := f.setupDevicePortMap(ctx, dev, port, lease, candidates)
		switch {
		case err == nil:
			f.metrics.attempt(OutcomeSuccess)
			f.logger.Info().
				Str("internal", netip.AddrPortFrom(internal, port).String()).
				Str("external", netip.AddrPortFrom(external, port).String()).
				Msg("NAT port forwarding successfully set up")
			return Mapping{
				InternalAddr: internal,
				ExternalAddr: external,
				Port:         port,
				Device:       dev.Location,
			}, nil
		case errors.Is(err, errNoInternalAddr):
			f.metrics.attempt(OutcomeNoInterface)
			f.logger.Debug().Err(err).Str("location", dev.Location).
				Msg("No internal addresses were managed by the UPnP device")
		case errors.Is(err, errNoWANService):
			f.metrics.attempt(OutcomeNoWANService)
			f.logger.Debug().Str("location", dev.Location).
				Msg("No WAN services managed by the UPnP device")
		default:
			f.metrics.attempt(OutcomeMappingFailed)
			f.logger.Debug().Err(err).Str("location", dev.Location).
				Msg("Failed to setup portmap on UPnP device")
		}
		if ctx.Err() != nil {
			return Mapping{}, ctx.Err()
		}
	}

	f.logger.Info().Int("devices", len(devices)).Msg("Failed to setup NAT portmap")
	return Mapping{}, &ExhaustedError{Tried: len(devices)}
}

func (f *Forwarder) setupDevicePortMap(ctx context.Context, dev upnp.Device, port uint16, lease uint32, candidates []string) (netip.Addr, netip.Addr, error) {
	internal, err := findInternalAddr(dev.Location, f.interfaces)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	svc, err := selectWANService(dev, candidates)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	external, err := f.mapPort(ctx, svc, internal, port, lease)
	if err != nil {
		return netip.Addr{}, netip.Addr{}, err
	}
	return internal, external, nil
}

func leaseSeconds(d time.Duration, permanent bool) (uint32, error) {
	if permanent {
		return 0, nil
	}
	if d == 0 {
		d = DefaultLeaseDuration
	}
	if d < 0 || d/time.Second > math.MaxUint32 {
		return 0, fmt.Errorf("lease duration %s out of range", d)
	}
	return uint32(d / time.Second), nil
}
