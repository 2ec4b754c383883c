package portforward

import (
	"context"
	"fmt"
	"strings"
)

const addPortMappingAction = "AddPortMapping"

// ServiceNames lists the AddPortMapping capable services of a device.
type ServiceNames struct {
	DeviceFriendlyName string
	DeviceLocation     string
	ServiceNames       []string
}

// FetchAddPortMappingServices lists AddPortMapping capable services using a default Forwarder.
func FetchAddPortMappingServices(ctx context.Context) ([]ServiceNames, error) {
	return New().FetchAddPortMappingServices(ctx)
}

// FetchAddPortMappingServices returns the devices, and their services, that
// offer the AddPortMapping action.
func (f *Forwarder) FetchAddPortMappingServices(ctx context.Context) ([]ServiceNames, error) {
	devices, err := f.discoverer.Discover(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover devices: %w", err)
	}
	if len(devices) == 0 {
		return nil, fmt.Errorf("%w: %w", ErrNoPortMapService, ErrNoDevices)
	}

	var found []ServiceNames
	for _, dev := range devices {
		var names []string
		for _, svc := range dev.Services {
			if svc.HasAction(addPortMappingAction) {
				names = append(names, svc.Name())
			}
		}
		if len(names) > 0 {
			found = append(found, ServiceNames{
				DeviceFriendlyName: dev.FriendlyName,
				DeviceLocation:     dev.Location,
				ServiceNames:       names,
			})
		}
	}
	if len(found) == 0 {
		return nil, ErrNoPortMapService
	}
	return found, nil
}

// FormatReport renders the service inventory for operators.
func FormatReport(devices []ServiceNames) string {
	var b strings.Builder
	b.WriteString("\n" + strings.Repeat("-", 40) + "\n")
	for _, dev := range devices {
		fmt.Fprintf(&b, "Device Name:     %s\n", dev.DeviceFriendlyName)
		fmt.Fprintf(&b, "Device Location: %s\n", dev.DeviceLocation)
		b.WriteString("Available UPnP services found on this device:\n")
		for _, name := range dev.ServiceNames {
			fmt.Fprintf(&b, "  %s\n", name)
		}
		b.WriteString("\n")
	}
	b.WriteString("You can now try to run `upnp-port-forward map PORT`\n")
	b.WriteString("with --wan-service <service name>\n")
	b.WriteString("To help this tool support more routers, you can submit new service names\n")
	b.WriteString("here: https://github.com/sibexico/upnp-port-forward/issues - Thanks !!")
	return b.String()
}
