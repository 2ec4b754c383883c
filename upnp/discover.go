package upnp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wlynxg/anet"
	"go.uber.org/multierr"
)

// DefaultSearchTimeout bounds how long Discover waits for SSDP answers.
const DefaultSearchTimeout = 3 * time.Second

var searchTargets = []string{
	"urn:schemas-upnp-org:device:InternetGatewayDevice:1",
	"urn:schemas-upnp-org:device:InternetGatewayDevice:2",
	"ssdp:rootdevice",
	"upnp:rootdevice",
}

// Structures for parsing the description XML
type root struct {
	XMLName xml.Name `xml:"root"`
	URLBase string   `xml:"URLBase"`
	Device  device   `xml:"device"`
}

type device struct {
	DeviceType   string    `xml:"deviceType"`
	FriendlyName string    `xml:"friendlyName"`
	UDN          string    `xml:"UDN"`
	ServiceList  []service `xml:"serviceList>service"`
	DeviceList   []device  `xml:"deviceList>device"`
}

type service struct {
	ServiceType string `xml:"serviceType"`
	ServiceId   string `xml:"serviceId"`
	SCPDURL     string `xml:"SCPDURL"`
	ControlURL  string `xml:"controlURL"`
}

type scpd struct {
	XMLName xml.Name `xml:"scpd"`
	Actions []struct {
		Name string `xml:"name"`
	} `xml:"actionList>action"`
}

// Discoverer finds UPnP devices with SSDP and loads their descriptions.
// The zero value is usable.
type Discoverer struct {
	// SearchTimeout is the SSDP listening window. Zero means DefaultSearchTimeout.
	SearchTimeout time.Duration
	// HTTPClient is used for description and control requests.
	HTTPClient *http.Client
	// Logger receives debug output. Nil means the global zerolog logger.
	Logger *zerolog.Logger
}

// NewDiscoverer returns a Discoverer with the given search window and HTTP timeout.
func NewDiscoverer(searchTimeout, requestTimeout time.Duration) *Discoverer {
	if requestTimeout <= 0 {
		requestTimeout = httpTimeout
	}
	return &Discoverer{
		SearchTimeout: searchTimeout,
		HTTPClient:    &http.Client{Timeout: requestTimeout},
	}
}

// Discover searches the local network and returns every device that answered
// and whose description could be loaded, in the order they answered.
func Discover(ctx context.Context) ([]Device, error) {
	return (&Discoverer{}).Discover(ctx)
}

// Load fetches the description at location using default settings.
func Load(ctx context.Context, location string) (*Device, error) {
	return (&Discoverer{}).Load(ctx, location)
}

// Discover searches the local network and returns every device that answered
// and whose description could be loaded, in the order they answered.
func (d *Discoverer) Discover(ctx context.Context) ([]Device, error) {
	locations, err := d.Search(ctx)
	if err != nil {
		return nil, err
	}
	return d.loadAll(ctx, locations), nil
}

// Search sends SSDP M-SEARCH requests from every multicast capable IPv4
// address and returns the distinct description locations that answered.
func (d *Discoverer) Search(ctx context.Context) ([]string, error) {
	timeout := d.SearchTimeout
	if timeout <= 0 {
		timeout = DefaultSearchTimeout
	}
	searchCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	interfaces, err := anet.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("failed to list network interfaces: %w", err)
	}
	var wg sync.WaitGroup
	locationCh := make(chan string)
	for _, iface := range interfaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagMulticast == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		wg.Add(1)
		go d.searchOnInterface(searchCtx, &wg, iface, locationCh)
	}
	go func() {
		wg.Wait()
		close(locationCh)
	}()

	var locations []string
	seen := make(map[string]struct{})
	for location := range locationCh {
		if _, ok := seen[location]; ok {
			continue
		}
		seen[location] = struct{}{}
		locations = append(locations, location)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return locations, nil
}

func (d *Discoverer) searchOnInterface(ctx context.Context, wg *sync.WaitGroup, iface net.Interface, locationCh chan<- string) {
	defer wg.Done()

	addrs, err := anet.InterfaceAddrsByInterface(&iface)
	if err != nil {
		d.logger().Debug().Err(err).Str("interface", iface.Name).Msg("Skipping interface")
		return
	}

	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.To4() == nil {
			continue
		}

		// Separate search for each IP on the interface
		wg.Add(1)
		go func(ip net.IP) {
			defer wg.Done()
			mcastAddr, err := net.ResolveUDPAddr("udp4", ssdpAddr)
			if err != nil {
				return
			}

			// Create a single socket bound to this IP
			conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: ip, Port: 0})
			if err != nil {
				return
			}
			defer conn.Close()
			stop := context.AfterFunc(ctx, func() { conn.Close() })
			defer stop()

			deadline, _ := ctx.Deadline()
			_ = conn.SetDeadline(deadline)

			for _, target := range searchTargets {
				if _, err := conn.WriteToUDP(searchRequest(target), mcastAddr); err != nil {
					continue
				}
			}

			respBuf := make([]byte, 2048)
			for {
				n, _, err := conn.ReadFromUDP(respBuf)
				if err != nil {
					// The way to exit the loop
					return
				}
				location, ok := parseSearchResponse(respBuf[:n])
				if !ok {
					continue
				}
				select {
				case locationCh <- location:
				case <-ctx.Done():
					return
				}
			}
		}(ipNet.IP)
	}
}

func searchRequest(target string) []byte {
	var b bytes.Buffer
	b.WriteString("M-SEARCH * HTTP/1.1\r\n")
	fmt.Fprintf(&b, "HOST: %s\r\n", ssdpAddr)
	b.WriteString("MAN: \"ssdp:discover\"\r\n")
	b.WriteString("MX: 2\r\n")
	fmt.Fprintf(&b, "ST: %s\r\n", target)
	b.WriteString("\r\n")
	return b.Bytes()
}

// parseSearchResponse extracts the LOCATION header of an SSDP answer.
func parseSearchResponse(b []byte) (string, bool) {
	resp, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(b)), nil)
	if err != nil {
		return "", false
	}
	resp.Body.Close()

	if resp.Header.Get("Usn") == "" {
		return "", false
	}
	location := resp.Header.Get("Location")
	return location, location != ""
}

func (d *Discoverer) loadAll(ctx context.Context, locations []string) []Device {
	var errs error
	devices := make([]Device, 0, len(locations))
	for _, location := range locations {
		dev, err := d.Load(ctx, location)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		devices = append(devices, *dev)
	}
	if errs != nil {
		d.logger().Debug().
			Err(errs).
			Int("failed", len(multierr.Errors(errs))).
			Int("loaded", len(devices)).
			Msg("Some UPnP devices could not be loaded")
	}
	return devices
}

// Load fetches the description at location and the SCPD of every service it lists.
func (d *Discoverer) Load(ctx context.Context, location string) (*Device, error) {
	if location == "" {
		return nil, fmt.Errorf("%w: empty URL provided", ErrInvalidDescription)
	}
	var desc root
	if err := d.getXML(ctx, location, &desc); err != nil {
		return nil, fmt.Errorf("%w at URL %s: %v", ErrInvalidDescription, location, err)
	}
	baseURL, err := url.Parse(location)
	if err != nil {
		return nil, fmt.Errorf("%w at URL %s: %v", ErrInvalidDescription, location, err)
	}
	if desc.URLBase != "" {
		if u, err := url.Parse(desc.URLBase); err == nil {
			baseURL = u
		}
	}

	dev := &Device{
		FriendlyName: desc.Device.FriendlyName,
		Location:     location,
	}
	d.collectServices(ctx, desc.Device, baseURL, dev)
	return dev, nil
}

// collectServices flattens the services of dev and its embedded devices into out.
func (d *Discoverer) collectServices(ctx context.Context, dev device, baseURL *url.URL, out *Device) {
	for _, svc := range dev.ServiceList {
		controlURL, err := url.Parse(svc.ControlURL)
		if err != nil {
			continue
		}
		s := &soapService{
			name:        ServiceName(svc.ServiceId),
			serviceType: svc.ServiceType,
			controlURL:  baseURL.ResolveReference(controlURL).String(),
			actions:     make(map[string]struct{}),
			httpClient:  d.httpClient(),
		}
		if err := d.loadActions(ctx, s, baseURL, svc.SCPDURL); err != nil {
			d.logger().Debug().Err(err).Str("service", s.name).Msg("Failed to load service description")
		}
		out.Services = append(out.Services, s)
	}
	for _, nested := range dev.DeviceList {
		d.collectServices(ctx, nested, baseURL, out)
	}
}

func (d *Discoverer) loadActions(ctx context.Context, s *soapService, baseURL *url.URL, rawSCPD string) error {
	if rawSCPD == "" {
		return fmt.Errorf("no SCPDURL for service %s", s.name)
	}
	ref, err := url.Parse(rawSCPD)
	if err != nil {
		return err
	}
	var desc scpd
	if err := d.getXML(ctx, baseURL.ResolveReference(ref).String(), &desc); err != nil {
		return err
	}
	for _, action := range desc.Actions {
		s.actions[action.Name] = struct{}{}
	}
	return nil
}

func (d *Discoverer) getXML(ctx context.Context, location string, v interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
	if err != nil {
		return err
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := d.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d when fetching %s", resp.StatusCode, location)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return xml.Unmarshal(body, v)
}

func (d *Discoverer) httpClient() *http.Client {
	if d.HTTPClient != nil {
		return d.HTTPClient
	}
	return &http.Client{Timeout: httpTimeout}
}

func (d *Discoverer) logger() *zerolog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return &log.Logger
}
