// Command devkeep pairs with attached devices and keeps their trusted
// sessions alive.
//
// Usage:
//
//	devkeep [flags]
//
// Flags:
//
//	-config string        Configuration file path
//	-socket string        Multiplexer address (unix path or tcp host:port)
//	-device string        Device UDID (default: first attached device)
//	-pairing string       Pairing record file for -device
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  File path for protocol event logging (CBOR format)
//	-trace                Mirror protocol events to the log at debug level
//	-metrics-addr string  Listen address for the Prometheus endpoint
//	-interactive          Enable interactive command mode
//
// Examples:
//
//	# Keep the first attached device alive
//	devkeep
//
//	# Keep the devices of a configuration file alive and export metrics
//	devkeep -config devkeep.yaml -metrics-addr :9108
//
//	# Capture the protocol exchange for devkeep-log
//	devkeep -device 00008030-001A -protocol-log keepalive.klog
//
// Interactive Commands:
//
//	devices           - List attached devices
//	start <udid>      - Start a keepalive
//	stop <udid>       - Stop a keepalive
//	status [udid]     - Show session state
//	list              - List supervised devices
//	quit              - Exit
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/devkeep/devkeep-go/cmd/devkeep/interactive"
	"github.com/devkeep/devkeep-go/pkg/config"
	dklog "github.com/devkeep/devkeep-go/pkg/log"
	"github.com/devkeep/devkeep-go/pkg/metrics"
	"github.com/devkeep/devkeep-go/pkg/supervisor"
	"github.com/devkeep/devkeep-go/pkg/usbmux"
)

// Flags holds the command-line settings. Non-empty values override the
// configuration file.
type Flags struct {
	ConfigFile  string
	Socket      string
	Device      string
	Pairing     string
	LogLevel    string
	ProtocolLog string
	Trace       bool
	MetricsAddr string
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "Configuration file path")
	flag.StringVar(&flags.Socket, "socket", "", "Multiplexer address (unix path or tcp host:port)")
	flag.StringVar(&flags.Device, "device", "", "Device UDID (default: first attached device)")
	flag.StringVar(&flags.Pairing, "pairing", "", "Pairing record file for -device")
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "File path for protocol event logging (CBOR format)")
	flag.BoolVar(&flags.Trace, "trace", false, "Mirror protocol events to the log at debug level")
	flag.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Listen address for the Prometheus endpoint")
	flag.BoolVar(&flags.Interactive, "interactive", false, "Enable interactive command mode")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	var console *interactive.Console
	var logOut io.Writer = os.Stderr
	if flags.Interactive {
		console, err = interactive.New()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		logOut = console.Stderr()
	}
	logger := slog.New(slog.NewTextHandler(logOut, &slog.HandlerOptions{Level: cfg.Level()}))
	slog.SetDefault(logger)

	if err := run(cfg, flags, logger, console); err != nil {
		logger.Error("devkeep failed", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration file, applies flag overrides and
// validates the result.
func loadConfig(f Flags) (*config.Config, error) {
	cfg := config.Default()
	if f.ConfigFile != "" {
		var err error
		if cfg, err = config.Load(f.ConfigFile); err != nil {
			return nil, err
		}
	}

	if f.Socket != "" {
		cfg.Socket = f.Socket
	}
	if f.LogLevel != "" {
		cfg.LogLevel = f.LogLevel
	}
	if f.ProtocolLog != "" {
		cfg.ProtocolLog = f.ProtocolLog
	}
	if f.MetricsAddr != "" {
		cfg.MetricsAddr = f.MetricsAddr
	}
	if f.Pairing != "" && f.Device == "" {
		return nil, fmt.Errorf("%w: -pairing needs -device", config.ErrInvalid)
	}
	if f.Device != "" && f.Pairing != "" {
		cfg.Devices = append(cfg.Devices, config.DeviceConfig{UDID: f.Device, PairingFile: f.Pairing})
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// protocolLogger assembles the protocol event sinks. The returned close
// function flushes the capture file.
func protocolLogger(cfg *config.Config, trace bool, logger *slog.Logger) (dklog.Logger, func(), error) {
	var sinks []dklog.Logger

	if cfg.ProtocolLog != "" {
		fl, err := dklog.NewFileLogger(cfg.ProtocolLog,
			dklog.WithMaxSize(cfg.ProtocolLogMaxSize),
			dklog.WithBackups(cfg.ProtocolLogBackups))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create protocol logger: %w", err)
		}
		sinks = append(sinks, fl)
		logger.Info("protocol logging enabled",
			"path", cfg.ProtocolLog, "max_size", cfg.ProtocolLogMaxSize, "backups", cfg.ProtocolLogBackups)
	}
	if trace {
		sinks = append(sinks, dklog.NewSlogAdapter(logger))
	}

	multi := dklog.NewMultiLogger(sinks...)
	if multi.Len() == 0 {
		return nil, func() {}, nil
	}
	closeFn := func() {
		if err := multi.Close(); err != nil {
			logger.Warn("protocol log close failed", "error", err)
		}
	}
	return multi, closeFn, nil
}

func run(cfg *config.Config, f Flags, logger *slog.Logger, console *interactive.Console) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dialer := usbmux.NewSocketDialer(cfg.Socket)
	client := usbmux.NewClient(dialer, cfg.USBMux())
	defer client.Close()
	logger.Info("devkeep starting", "socket", dialer.String())

	proto, closeProto, err := protocolLogger(cfg, f.Trace, logger)
	if err != nil {
		return err
	}
	defer closeProto()

	collector := metrics.New()
	opts := []supervisor.Option{
		supervisor.WithLogger(logger),
		supervisor.WithMetrics(collector),
		supervisor.WithTerminationHandler(func(udid string, err error) {
			logger.Error("keepalive lost; restart the device session to re-pair", "device_id", udid, "error", err)
		}),
	}
	if proto != nil {
		opts = append(opts, supervisor.WithProtocolLogger(proto))
	}
	sup := supervisor.New(client, cfg.Supervisor(), opts...)
	defer sup.Close()

	if cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(collector, sup),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		defer srv.Close()
		logger.Info("metrics endpoint listening", "addr", cfg.MetricsAddr)
	}

	files := make(map[string]string, len(cfg.Devices))
	for _, d := range cfg.Devices {
		files[d.UDID] = d.PairingFile
	}
	k := newKeeper(sup, client, files)

	udids := make([]string, 0, len(cfg.Devices)+1)
	for _, d := range cfg.Devices {
		udids = append(udids, d.UDID)
	}
	if f.Device != "" && f.Pairing == "" {
		udids = append(udids, f.Device)
	}
	if len(udids) == 0 && console == nil {
		udid, err := k.firstDevice(ctx)
		if err != nil {
			return fmt.Errorf("pick device: %w", err)
		}
		udids = append(udids, udid)
	}

	for _, udid := range udids {
		if _, err := k.StartDevice(ctx, udid); err != nil {
			logger.Error("start failed", "device_id", udid, "code", supervisor.CodeOf(err).String(), "error", err)
			if console == nil && len(udids) == 1 {
				return err
			}
		}
	}

	if console != nil {
		go console.Run(ctx, cancel, k)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	return nil
}

// metricsMux serves the Prometheus metrics and a readiness probe that
// succeeds while every supervised session is Active.
func metricsMux(c *metrics.Collector, sup *supervisor.Supervisor) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		for _, udid := range sup.Sessions() {
			if !sup.Ready(udid) {
				http.Error(w, udid+" not ready", http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintln(w, "ok")
	})
	return mux
}
