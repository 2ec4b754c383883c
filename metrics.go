package portforward

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sibexico/upnp-port-forward/upnp"
)

// Device attempt outcomes.
const (
	OutcomeSuccess       = "success"
	OutcomeNoInterface   = "no_interface"
	OutcomeNoWANService  = "no_wan_service"
	OutcomeMappingFailed = "mapping_failed"
)

// Metrics holds the Prometheus metrics of a Forwarder. A nil *Metrics records nothing.
type Metrics struct {
	// DevicesDiscovered is the number of devices returned by the last discovery.
	DevicesDiscovered prometheus.Gauge
	// DeviceAttempts counts per device outcomes, labels: outcome
	DeviceAttempts *prometheus.CounterVec
	// MappingConflicts counts AddPortMapping calls answered with
	// ConflictInMappingEntry, labels: protocol
	MappingConflicts *prometheus.CounterVec
	// Runs counts SetupPortMap calls, labels: result
	Runs *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		DevicesDiscovered: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "upnp_port_forward",
			Name:      "devices_discovered",
			Help:      "Number of UPnP devices found by the last discovery",
		}),
		DeviceAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upnp_port_forward",
			Name:      "device_attempts_total",
			Help:      "Port mapping attempts per device by outcome",
		}, []string{"outcome"}),
		MappingConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upnp_port_forward",
			Name:      "mapping_conflicts_total",
			Help:      "AddPortMapping requests that hit an existing entry",
		}, []string{"protocol"}),
		Runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "upnp_port_forward",
			Name:      "runs_total",
			Help:      "Port mapping runs by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) discovered(n int) {
	if m == nil {
		return
	}
	m.DevicesDiscovered.Set(float64(n))
}

func (m *Metrics) attempt(outcome string) {
	if m == nil {
		return
	}
	m.DeviceAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) conflict(protocol upnp.Protocol) {
	if m == nil {
		return
	}
	m.MappingConflicts.WithLabelValues(string(protocol)).Inc()
}

func (m *Metrics) run(err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.Runs.WithLabelValues(result).Inc()
}
