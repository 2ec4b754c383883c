package portforward

import (
	"strings"

	"github.com/rs/zerolog"
	"github.com/sibexico/upnp-port-forward/upnp"
)

// WANServiceNames are the service names tried, in order, when looking for the
// WAN connection service of a gateway. Several vendors use nonstandard names.
var WANServiceNames = []string{
	"WANIPConn1",
	"WANIPConnection.1",  // Nighthawk C7800
	"WANPPPConnection.1", // CenturyLink C1100Z
	"WANPPPConn1",        // Huawei B528s-23a
}

const wanServicePrefix = "WAN"

// wanServiceCandidates returns the names to try, with override first when it
// looks like a WAN service name.
func wanServiceCandidates(override string, logger zerolog.Logger) []string {
	if override == "" {
		return WANServiceNames
	}
	if !strings.HasPrefix(override, wanServicePrefix) {
		logger.Warn().
			Str("wan_service", override).
			Msg("Provided WAN service is not valid: must start with WAN")
		return WANServiceNames
	}
	return append([]string{override}, WANServiceNames...)
}

// selectWANService returns the first device service matching a candidate name.
func selectWANService(dev upnp.Device, candidates []string) (upnp.Service, error) {
	for _, name := range candidates {
		if svc, ok := dev.Service(name); ok {
			return svc, nil
		}
	}
	return nil, errNoWANService
}
