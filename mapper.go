package portforward

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/sibexico/upnp-port-forward/upnp"
)

// mappingProtocols are mapped in this order.
var mappingProtocols = []upnp.Protocol{upnp.ProtocolUDP, upnp.ProtocolTCP}

func mappingDescription(protocol upnp.Protocol) string {
	return fmt.Sprintf("upnp-port-forward[%s]", protocol)
}

// mapPort installs UDP and TCP mappings of port to internal on svc and returns
// the gateway's external address. Existing entries are left untouched.
func (f *Forwarder) mapPort(ctx context.Context, svc upnp.Service, internal netip.Addr, port uint16, lease uint32) (netip.Addr, error) {
	rawExternal, err := svc.GetExternalIPAddress(ctx)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: %v", ErrPortMapFailed, err)
	}
	external, err := netip.ParseAddr(rawExternal)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: bad external address %q: %v", ErrPortMapFailed, rawExternal, err)
	}

	for _, protocol := range mappingProtocols {
		err := svc.AddPortMapping(ctx, upnp.PortMapping{
			RemoteHost:     external.String(),
			ExternalPort:   port,
			InternalPort:   port,
			InternalClient: internal.String(),
			Protocol:       protocol,
			Enabled:        true,
			Description:    mappingDescription(protocol),
			LeaseDuration:  lease,
		})
		if err == nil {
			continue
		}
		var fault *upnp.SOAPError
		if errors.As(err, &fault) && fault.IsConflict() {
			// An equivalent entry exists, either stale or owned by other
			// software. It is not overridden.
			f.logger.Debug().
				Str("protocol", string(protocol)).
				Uint16("port", port).
				Msg("NAT port mapping already configured, not overriding it")
			f.metrics.conflict(protocol)
			continue
		}
		return netip.Addr{}, fmt.Errorf("%w: %s: %v", ErrPortMapFailed, protocol, err)
	}
	return external, nil
}
