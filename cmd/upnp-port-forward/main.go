// upnp-port-forward forwards a port on the local UPnP Internet Gateway Device.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	portforward "github.com/sibexico/upnp-port-forward"
	"github.com/sibexico/upnp-port-forward/igd"
	"github.com/sibexico/upnp-port-forward/internal/config"
	"github.com/sibexico/upnp-port-forward/upnp"
)

var Version = "dev"

type cliFlags struct {
	cfgFile          string
	logLevel         string
	logFormat        string
	backend          string
	discoveryTimeout time.Duration
	httpTimeout      time.Duration
	metricsTextfile  string

	duration   time.Duration
	wanService string
	permanent  bool

	// discoverer replaces the configured discovery backend when set.
	discoverer portforward.Discoverer
}

func main() {
	if err := newRootCmd(&cliFlags{}).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(flags *cliFlags) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "upnp-port-forward",
		Short: "UPnP port forwarding for humans",
		Long: `upnp-port-forward finds UPnP Internet Gateway Devices on the local network
and forwards a port from the gateway's external address to this host.

Examples:
  # Forward UDP and TCP port 30303 for the default 30 minutes
  upnp-port-forward map 30303

  # Forward for two hours, trying a router specific WAN service first
  upnp-port-forward map 30303 --duration 2h --wan-service WANIPConnection.1

  # List the devices and services able to forward ports
  upnp-port-forward services`,
		SilenceUsage: true,
		Version:      Version,
	}

	rootCmd.PersistentFlags().StringVarP(&flags.cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVarP(&flags.logLevel, "log-level", "l", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&flags.logFormat, "log-format", config.FormatConsole, "log format: console or json")
	rootCmd.PersistentFlags().StringVar(&flags.backend, "backend", config.BackendNative, "discovery backend: native or goupnp")
	rootCmd.PersistentFlags().DurationVar(&flags.discoveryTimeout, "discovery-timeout", 3*time.Second, "how long to wait for SSDP answers")
	rootCmd.PersistentFlags().DurationVar(&flags.httpTimeout, "http-timeout", 8*time.Second, "timeout for description and SOAP requests")
	rootCmd.PersistentFlags().StringVar(&flags.metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file on exit")

	mapCmd := &cobra.Command{
		Use:   "map <port>",
		Short: "Forward a port on the first gateway that accepts it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMap(cmd, flags, args[0])
		},
	}
	mapCmd.Flags().DurationVarP(&flags.duration, "duration", "d", portforward.DefaultLeaseDuration, "mapping lease duration")
	mapCmd.Flags().StringVar(&flags.wanService, "wan-service", "", "WAN service name to try before the built-in ones")
	mapCmd.Flags().BoolVar(&flags.permanent, "permanent", false, "request a permanent lease, for gateways that refuse timed ones")
	rootCmd.AddCommand(mapCmd)

	servicesCmd := &cobra.Command{
		Use:   "services",
		Short: "List devices exposing port mapping services",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServices(cmd, flags)
		},
	}
	rootCmd.AddCommand(servicesCmd)

	return rootCmd
}

// loadConfig reads the config file and applies the flags the user set explicitly.
func loadConfig(cmd *cobra.Command, flags *cliFlags) (*config.Config, error) {
	cfg, err := config.Load(flags.cfgFile)
	if err != nil {
		return nil, err
	}

	set := cmd.Flags().Changed
	if set("log-level") {
		cfg.Log.Level = flags.logLevel
	}
	if set("log-format") {
		cfg.Log.Format = flags.logFormat
	}
	if set("backend") {
		cfg.Discovery.Backend = flags.backend
	}
	if set("discovery-timeout") {
		cfg.Discovery.Timeout = flags.discoveryTimeout
	}
	if set("http-timeout") {
		cfg.Discovery.HTTPTimeout = flags.httpTimeout
	}
	if set("metrics-textfile") {
		cfg.Metrics.Textfile = flags.metricsTextfile
	}
	if set("duration") {
		cfg.Mapping.Duration = flags.duration
	}
	if set("wan-service") {
		cfg.Mapping.WANService = flags.wanService
	}
	if set("permanent") {
		cfg.Mapping.Permanent = flags.permanent
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogging(cfg config.LogConfig, out io.Writer) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == config.FormatJSON {
		log.Logger = zerolog.New(out).With().Timestamp().Logger()
		return
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: out})
}

func newDiscoverer(cfg *config.Config, logger zerolog.Logger) portforward.Discoverer {
	if cfg.Discovery.Backend == config.BackendGoUPnP {
		return &igd.Discoverer{
			SearchTimeout: cfg.Discovery.Timeout,
			HTTPTimeout:   cfg.Discovery.HTTPTimeout,
			Logger:        &logger,
		}
	}
	d := upnp.NewDiscoverer(cfg.Discovery.Timeout, cfg.Discovery.HTTPTimeout)
	d.Logger = &logger
	return d
}

// newForwarder builds a Forwarder from cfg. The returned registry holds its metrics.
func newForwarder(cfg *config.Config, flags *cliFlags) (*portforward.Forwarder, *prometheus.Registry) {
	logger := log.Logger.With().Str("component", "portforward").Logger()
	discoverer := flags.discoverer
	if discoverer == nil {
		discoverer = newDiscoverer(cfg, logger)
	}
	reg := prometheus.NewRegistry()
	f := portforward.New(
		portforward.WithLogger(logger),
		portforward.WithDiscoverer(discoverer),
		portforward.WithMetrics(portforward.NewMetrics(reg)),
	)
	return f, reg
}

func writeMetrics(path string, reg *prometheus.Registry) {
	if path == "" {
		return
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Failed to write metrics")
	}
}

func parsePort(arg string) (uint16, error) {
	port, err := strconv.ParseUint(arg, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a port number", portforward.ErrInvalidPort, arg)
	}
	return uint16(port), nil
}

func runMap(cmd *cobra.Command, flags *cliFlags, arg string) error {
	port, err := parsePort(arg)
	if err != nil {
		return err
	}
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, reg := newForwarder(cfg, flags)
	defer writeMetrics(cfg.Metrics.Textfile, reg)

	m, err := f.SetupPortMap(ctx, port, portforward.MapOptions{
		Duration:       cfg.Mapping.Duration,
		WANServiceName: cfg.Mapping.WANService,
		PermanentLease: cfg.Mapping.Permanent,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s:%d -> %s:%d (%s)\n", m.ExternalAddr, m.Port, m.InternalAddr, m.Port, m.Device)
	return nil
}

func runServices(cmd *cobra.Command, flags *cliFlags) error {
	cfg, err := loadConfig(cmd, flags)
	if err != nil {
		return err
	}
	setupLogging(cfg.Log, cmd.ErrOrStderr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	f, reg := newForwarder(cfg, flags)
	defer writeMetrics(cfg.Metrics.Textfile, reg)

	devices, err := f.FetchAddPortMappingServices(ctx)
	if errors.Is(err, portforward.ErrNoPortMapService) {
		log.Error().Err(err).Msg("No port mapping services found")
		return nil
	}
	if err != nil {
		return err
	}
	log.Info().Msg(portforward.FormatReport(devices))
	return nil
}
