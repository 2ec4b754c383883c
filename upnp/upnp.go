// Package upnp is a minimal UPnP client used to discover Internet Gateway
// Devices and drive the port mapping actions of their WAN services.
package upnp

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidDescription is returned when a device description cannot be fetched or parsed.
	ErrInvalidDescription = errors.New("invalid device description")
	// ErrInvalidPort is returned for port numbers that are out of the valid range (i.e., 0).
	ErrInvalidPort = errors.New("invalid port number")
	// ErrSOAPAction is returned when a SOAP request to the gateway fails.
	ErrSOAPAction = errors.New("SOAP action failed")
)

// ErrorCodeConflictInMappingEntry is the UPnP error code a gateway answers
// AddPortMapping with when an equivalent entry already exists.
const ErrorCodeConflictInMappingEntry = 718

// Protocol defines the network protocol for port mapping, either TCP or UDP.
type Protocol string

const (
	// ProtocolTCP represents the TCP protocol.
	ProtocolTCP Protocol = "TCP"
	// ProtocolUDP represents the UDP protocol.
	ProtocolUDP Protocol = "UDP"
)

const (
	ssdpAddr    = "239.255.255.250:1900"
	httpTimeout = 8 * time.Second
	userAgent   = "UPnP/1.0"
)

// PortMapping holds the arguments of an AddPortMapping request.
type PortMapping struct {
	// RemoteHost restricts the mapping to a single remote host. Empty means any.
	RemoteHost string
	// ExternalPort is the port number on the gateway's external interface.
	ExternalPort uint16
	// InternalPort is the port number on the internal client.
	InternalPort uint16
	// InternalClient is the IP address of the internal client.
	InternalClient string
	// Protocol is the network protocol (TCP or UDP) for the mapping.
	Protocol Protocol
	// Enabled indicates whether the port mapping is active.
	Enabled bool
	// Description is a user-defined description for the port mapping.
	Description string
	// LeaseDuration is the duration of the port mapping in seconds. A value of 0 means an infinite lease.
	LeaseDuration uint32
}

// Service is an addressable sub-endpoint of a Device.
type Service interface {
	// Name is the short service name taken from the serviceId, e.g. "WANIPConn1".
	Name() string
	// Type is the service URN.
	Type() string
	// HasAction reports whether the service description lists the action.
	HasAction(action string) bool
	// GetExternalIPAddress returns the NewExternalIPAddress reported by the service.
	GetExternalIPAddress(ctx context.Context) (string, error)
	// AddPortMapping installs a port mapping on the gateway.
	AddPortMapping(ctx context.Context, m PortMapping) error
}

// Device represents a discovered UPnP device together with the services of
// all its embedded devices.
type Device struct {
	// FriendlyName is the human readable device name.
	FriendlyName string
	// Location is the URL to the device's XML description file.
	Location string
	// Services lists every service of the root device and its embedded devices.
	Services []Service
}

// Service returns the first service with the given name.
func (d Device) Service(name string) (Service, bool) {
	for _, svc := range d.Services {
		if svc.Name() == name {
			return svc, true
		}
	}
	return nil, false
}

// ServiceName derives the short service name from a serviceId,
// e.g. "urn:upnp-org:serviceId:WANIPConn1" becomes "WANIPConn1".
func ServiceName(serviceID string) string {
	return serviceID[strings.LastIndex(serviceID, ":")+1:]
}

// SOAPError is a UPnP fault returned by a gateway in response to a control request.
type SOAPError struct {
	// Code is the UPnP error code, e.g. 718.
	Code int
	// Description is the UPnP error description, e.g. "ConflictInMappingEntry".
	Description string
}

func (e *SOAPError) Error() string {
	return fmt.Sprintf("UPnP error %d: %s", e.Code, e.Description)
}

func (e *SOAPError) Unwrap() error {
	return ErrSOAPAction
}

// IsConflict reports whether the fault says the mapping entry already exists.
// Only the code is compared. Description is ignored.
func (e *SOAPError) IsConflict() bool {
	return e.Code == ErrorCodeConflictInMappingEntry
}

type soapRequestEnvelope struct {
	XMLName  xml.Name        `xml:"soap:Envelope"`
	XMLNS    string          `xml:"xmlns:soap,attr"`
	Encoding string          `xml:"soap:encodingStyle,attr"`
	Body     soapRequestBody `xml:"soap:Body"`
}

type soapRequestBody struct {
	Action interface{} `xml:",any"`
}

type soapResponseEnvelope struct {
	XMLName xml.Name         `xml:"Envelope"`
	Body    soapResponseBody `xml:"Body"`
}

type soapResponseBody struct {
	Action interface{} `xml:",any"`
}

type soapFaultEnvelope struct {
	XMLName xml.Name `xml:"Envelope"`
	Body    struct {
		Fault *soapFault `xml:"Fault"`
	} `xml:"Body"`
}

type soapFault struct {
	Code   string     `xml:"faultcode"`
	String string     `xml:"faultstring"`
	Detail soapDetail `xml:"detail"`
}

type soapDetail struct {
	UPnPError upnpError `xml:"UPnPError"`
}

type upnpError struct {
	ErrorCode        int    `xml:"errorCode"`
	ErrorDescription string `xml:"errorDescription"`
}

type getExternalIPRequest struct {
	XMLName xml.Name `xml:"u:GetExternalIPAddress"`
	XMLNS   string   `xml:"xmlns:u,attr"`
}

type getExternalIPResponse struct {
	XMLName    xml.Name `xml:"GetExternalIPAddressResponse"`
	ExternalIP string   `xml:"NewExternalIPAddress"`
}

type addPortMappingRequest struct {
	XMLName                xml.Name `xml:"u:AddPortMapping"`
	XMLNS                  string   `xml:"xmlns:u,attr"`
	RemoteHost             string   `xml:"NewRemoteHost"`
	ExternalPort           uint16   `xml:"NewExternalPort"`
	Protocol               string   `xml:"NewProtocol"`
	InternalPort           uint16   `xml:"NewInternalPort"`
	InternalClient         string   `xml:"NewInternalClient"`
	Enabled                string   `xml:"NewEnabled"`
	PortMappingDescription string   `xml:"NewPortMappingDescription"`
	LeaseDuration          uint32   `xml:"NewLeaseDuration"`
}

// soapService talks SOAP to a single service control URL.
type soapService struct {
	name        string
	serviceType string
	controlURL  string
	actions     map[string]struct{}
	httpClient  *http.Client
}

func (s *soapService) Name() string { return s.name }

func (s *soapService) Type() string { return s.serviceType }

func (s *soapService) HasAction(action string) bool {
	_, ok := s.actions[action]
	return ok
}

// GetExternalIPAddress retrieves the external IP address of the gateway.
func (s *soapService) GetExternalIPAddress(ctx context.Context) (string, error) {
	req := getExternalIPRequest{
		XMLNS: s.serviceType,
	}
	var resp getExternalIPResponse
	err := s.performSOAPAction(ctx, "GetExternalIPAddress", req, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to get external IP: %w", err)
	}
	return resp.ExternalIP, nil
}

// AddPortMapping creates a port mapping described by m.
func (s *soapService) AddPortMapping(ctx context.Context, m PortMapping) error {
	if err := validatePort(m.ExternalPort); err != nil {
		return err
	}
	if err := validatePort(m.InternalPort); err != nil {
		return err
	}
	req := addPortMappingRequest{
		XMLNS:                  s.serviceType,
		RemoteHost:             m.RemoteHost,
		ExternalPort:           m.ExternalPort,
		Protocol:               string(m.Protocol),
		InternalPort:           m.InternalPort,
		InternalClient:         m.InternalClient,
		Enabled:                boolArg(m.Enabled),
		PortMappingDescription: m.Description,
		LeaseDuration:          m.LeaseDuration,
	}
	err := s.performSOAPAction(ctx, "AddPortMapping", req, nil)
	if err != nil {
		return fmt.Errorf("failed to add port mapping for %s port %d: %w", m.Protocol, m.ExternalPort, err)
	}
	return nil
}

func (s *soapService) performSOAPAction(ctx context.Context, action string, request, response interface{}) error {
	fullRequest := soapRequestEnvelope{
		XMLNS:    "http://schemas.xmlsoap.org/soap/envelope/",
		Encoding: "http://schemas.xmlsoap.org/soap/encoding/",
		Body:     soapRequestBody{Action: request},
	}
	payload := []byte(xml.Header)
	marshaled, err := xml.Marshal(fullRequest)
	if err != nil {
		return fmt.Errorf("failed to marshal SOAP request: %w", err)
	}
	payload = append(payload, marshaled...)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.controlURL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", `text/xml; charset="utf-8"`)
	req.Header.Set("SOAPAction", fmt.Sprintf(`"%s#%s"`, s.serviceType, action))
	req.Header.Set("Content-Length", strconv.Itoa(len(payload)))
	req.Header.Set("Connection", "Close")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send SOAP request: %w", err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Gateways report faults with HTTP 500, some with 200.
	if fault := parseFault(respBody); fault != nil {
		return fault
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: HTTP %d: %s", ErrSOAPAction, resp.StatusCode, string(respBody))
	}
	if response != nil {
		respEnvelope := soapResponseEnvelope{Body: soapResponseBody{Action: response}}
		if err := xml.Unmarshal(respBody, &respEnvelope); err != nil {
			return fmt.Errorf("failed to parse SOAP response: %w", err)
		}
	}
	return nil
}

// parseFault returns the UPnP fault carried by body, or nil.
func parseFault(body []byte) *SOAPError {
	var env soapFaultEnvelope
	if xml.Unmarshal(body, &env) != nil || env.Body.Fault == nil {
		return nil
	}
	fault := env.Body.Fault
	if fault.Detail.UPnPError.ErrorCode != 0 {
		return &SOAPError{
			Code:        fault.Detail.UPnPError.ErrorCode,
			Description: strings.TrimSpace(fault.Detail.UPnPError.ErrorDescription),
		}
	}
	return &SOAPError{Description: strings.TrimSpace(fault.Code + " " + fault.String)}
}

func boolArg(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func validatePort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("%w: port cannot be 0", ErrInvalidPort)
	}
	return nil
}
