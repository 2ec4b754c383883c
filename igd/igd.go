// Package igd discovers UPnP devices and drives their services with
// github.com/huin/goupnp. It is an alternative to the native client in
// package upnp and returns the same device model.
package igd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/huin/goupnp"
	"github.com/huin/goupnp/soap"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/multierr"

	"github.com/sibexico/upnp-port-forward/upnp"
)

// DefaultSearchTarget matches every UPnP device, gateways or not.
const DefaultSearchTarget = "ssdp:all"

// Discoverer finds devices with goupnp. The zero value is usable.
type Discoverer struct {
	// SearchTarget is the SSDP ST header. Empty means DefaultSearchTarget.
	SearchTarget string
	// SearchTimeout is the SSDP listening window. Zero means upnp.DefaultSearchTimeout.
	SearchTimeout time.Duration
	// HTTPTimeout bounds each description and SOAP request. Zero means no
	// limit beyond ctx.
	HTTPTimeout time.Duration
	// Logger receives debug output. Nil means the global zerolog logger.
	Logger *zerolog.Logger
}

// Discover returns every device that answered the search and whose
// description could be loaded, one entry per description location.
func (d *Discoverer) Discover(ctx context.Context) ([]upnp.Device, error) {
	target := d.SearchTarget
	if target == "" {
		target = DefaultSearchTarget
	}
	searchCtx, cancel := context.WithTimeout(ctx, d.discoveryTimeout())
	defer cancel()
	found, err := goupnp.DiscoverDevicesCtx(searchCtx, target)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("goupnp discovery: %w", err)
	}

	var errs error
	seen := make(map[string]struct{})
	devices := make([]upnp.Device, 0, len(found))
	for _, maybe := range found {
		if maybe.Err != nil {
			errs = multierr.Append(errs, maybe.Err)
			continue
		}
		location := maybe.Location.String()
		if _, ok := seen[location]; ok {
			continue
		}
		seen[location] = struct{}{}
		devices = append(devices, d.newDevice(ctx, maybe.Root, location))
	}
	if errs != nil {
		d.logger().Debug().
			Err(errs).
			Int("failed", len(multierr.Errors(errs))).
			Int("loaded", len(devices)).
			Msg("Some UPnP devices could not be loaded")
	}
	return devices, nil
}

// discoveryTimeout covers the search window plus one description fetch,
// since goupnp loads root descriptions under the search context.
func (d *Discoverer) discoveryTimeout() time.Duration {
	timeout := d.SearchTimeout
	if timeout <= 0 {
		timeout = upnp.DefaultSearchTimeout
	}
	if d.HTTPTimeout > 0 {
		timeout += d.HTTPTimeout
	}
	return timeout
}

// Load fetches the device description at location.
func (d *Discoverer) Load(ctx context.Context, location string) (upnp.Device, error) {
	u, err := url.Parse(location)
	if err != nil {
		return upnp.Device{}, fmt.Errorf("%w: %v", upnp.ErrInvalidDescription, err)
	}
	reqCtx, cancel := d.requestContext(ctx)
	defer cancel()
	root, err := goupnp.DeviceByURLCtx(reqCtx, u)
	if err != nil {
		return upnp.Device{}, fmt.Errorf("%w at URL %s: %v", upnp.ErrInvalidDescription, location, err)
	}
	return d.newDevice(ctx, root, location), nil
}

func (d *Discoverer) newDevice(ctx context.Context, root *goupnp.RootDevice, location string) upnp.Device {
	dev := upnp.Device{
		FriendlyName: root.Device.FriendlyName,
		Location:     location,
	}
	root.Device.VisitServices(func(s *goupnp.Service) {
		dev.Services = append(dev.Services, d.newService(ctx, s))
	})
	return dev
}

// service adapts a goupnp service to upnp.Service.
type service struct {
	svc     *goupnp.Service
	client  *soap.SOAPClient
	actions map[string]struct{}
	timeout time.Duration
}

func (d *Discoverer) newService(ctx context.Context, s *goupnp.Service) *service {
	svc := &service{
		svc:     s,
		client:  s.NewSOAPClient(),
		actions: make(map[string]struct{}),
		timeout: d.HTTPTimeout,
	}
	reqCtx, cancel := svc.requestContext(ctx)
	defer cancel()
	desc, err := s.RequestSCPDCtx(reqCtx)
	if err != nil {
		d.logger().Debug().Err(err).Str("service", s.ServiceId).Msg("Failed to load service description")
		return svc
	}
	for _, action := range desc.Actions {
		svc.actions[action.Name] = struct{}{}
	}
	return svc
}

func (s *service) Name() string { return upnp.ServiceName(s.svc.ServiceId) }

func (s *service) Type() string { return s.svc.ServiceType }

func (s *service) HasAction(action string) bool {
	_, ok := s.actions[action]
	return ok
}

func (s *service) GetExternalIPAddress(ctx context.Context) (string, error) {
	ctx, cancel := s.requestContext(ctx)
	defer cancel()

	response := &struct {
		NewExternalIPAddress string
	}{}
	if err := s.client.PerformActionCtx(ctx, s.svc.ServiceType, "GetExternalIPAddress", nil, response); err != nil {
		return "", fmt.Errorf("failed to get external IP: %w", convertFault(err))
	}
	ip, err := soap.UnmarshalString(response.NewExternalIPAddress)
	if err != nil {
		return "", fmt.Errorf("failed to get external IP: %w", err)
	}
	return ip, nil
}

func (s *service) AddPortMapping(ctx context.Context, m upnp.PortMapping) error {
	if m.ExternalPort == 0 || m.InternalPort == 0 {
		return fmt.Errorf("%w: port cannot be 0", upnp.ErrInvalidPort)
	}
	request, err := newAddPortMappingRequest(m)
	if err != nil {
		return err
	}
	ctx, cancel := s.requestContext(ctx)
	defer cancel()
	if err := s.client.PerformActionCtx(ctx, s.svc.ServiceType, "AddPortMapping", request, nil); err != nil {
		return fmt.Errorf("failed to add port mapping for %s port %d: %w", m.Protocol, m.ExternalPort, convertFault(err))
	}
	return nil
}

func (s *service) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, s.timeout)
}

func (d *Discoverer) requestContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return withTimeout(ctx, d.HTTPTimeout)
}

func withTimeout(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, timeout)
}

type addPortMappingRequest struct {
	NewRemoteHost             string
	NewExternalPort           string
	NewProtocol               string
	NewInternalPort           string
	NewInternalClient         string
	NewEnabled                string
	NewPortMappingDescription string
	NewLeaseDuration          string
}

func newAddPortMappingRequest(m upnp.PortMapping) (*addPortMappingRequest, error) {
	var (
		req  addPortMappingRequest
		errs error
		err  error
	)
	req.NewRemoteHost, err = soap.MarshalString(m.RemoteHost)
	errs = multierr.Append(errs, err)
	req.NewExternalPort, err = soap.MarshalUi2(m.ExternalPort)
	errs = multierr.Append(errs, err)
	req.NewProtocol, err = soap.MarshalString(string(m.Protocol))
	errs = multierr.Append(errs, err)
	req.NewInternalPort, err = soap.MarshalUi2(m.InternalPort)
	errs = multierr.Append(errs, err)
	req.NewInternalClient, err = soap.MarshalString(m.InternalClient)
	errs = multierr.Append(errs, err)
	req.NewEnabled, err = soap.MarshalBoolean(m.Enabled)
	errs = multierr.Append(errs, err)
	req.NewPortMappingDescription, err = soap.MarshalString(m.Description)
	errs = multierr.Append(errs, err)
	req.NewLeaseDuration, err = soap.MarshalUi4(m.LeaseDuration)
	errs = multierr.Append(errs, err)
	if errs != nil {
		return nil, fmt.Errorf("marshal AddPortMapping arguments: %w", errs)
	}
	return &req, nil
}

// convertFault turns a goupnp SOAP fault into a *upnp.SOAPError so callers
// can inspect the UPnP error code regardless of backend.
func convertFault(err error) error {
	var fault *soap.SOAPFaultError
	if !errors.As(err, &fault) {
		return err
	}
	if code := fault.Detail.UPnPError.Errorcode; code != 0 {
		return &upnp.SOAPError{Code: code, Description: fault.Detail.UPnPError.ErrorDescription}
	}
	return &upnp.SOAPError{Description: fault.FaultString}
}

func (d *Discoverer) logger() *zerolog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return &log.Logger
}
