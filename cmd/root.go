// Package cmd wires up the CLI flags and dispatches to the mode builder.
package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/connections"
	"github.com/bagel897/nearby/internal/core"
	"github.com/bagel897/nearby/internal/metrics"
	"github.com/bagel897/nearby/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X github.com/bagel897/nearby/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

// Execute parses args and runs the appropriate nearby mode.
//
// Settings are layered: defaults, then the --config file, then
// NEARBY_* environment variables, then flags given on the command line.
func Execute(ctx context.Context, args []string) error {
	fc := config.Default()
	fs := flag.NewFlagSet("nearby", flag.ContinueOnError)

	// ── connection ───────────────────────────────────────────────
	fs.IntVarP(&fc.LocalPort, "port", "p", 0, "Local source port")
	fs.BoolVarP(&fc.ZeroIO, "zero-io", "z", false, "Zero-I/O mode (port probing)")

	var timeoutSec int
	fs.IntVarP(&timeoutSec, "timeout", "w", int(config.DefaultConnectTimeout/time.Second), "Connect timeout in seconds")
	fs.DurationVar(&fc.Core.HandshakeTimeout, "handshake-timeout", fc.Core.HandshakeTimeout, "Handshake timeout")
	fs.DurationVar(&fc.Core.DrainTimeout, "drain-timeout", fc.Core.DrainTimeout, "Time allowed to flush writes on close")
	fs.DurationVar(&fc.Core.IdleTimeout, "idle-timeout", fc.Core.IdleTimeout, "Close after this long without traffic (0 = never)")

	// ── limits ───────────────────────────────────────────────────
	fs.IntVar(&fc.Core.MaxConnections, "max-conns", fc.Core.MaxConnections, "Maximum concurrent connections")
	fs.IntVar(&fc.Core.MaxPendingWriteBytes, "max-pending", fc.Core.MaxPendingWriteBytes, "Pending write bytes per connection before backpressure")
	fs.IntVar(&fc.Core.MaxEventsPerPoll, "max-events", fc.Core.MaxEventsPerPoll, "Readiness events handled per poll (0 = unlimited)")
	fs.DurationVar(&fc.PollInterval, "poll-interval", fc.PollInterval, "Longest single wait for readiness")

	// ── reconnect ────────────────────────────────────────────────
	fs.BoolVar(&fc.Core.AutoReconnect, "reconnect", false, "Reconnect after timeouts and I/O failures")
	fs.IntVar(&fc.Core.MaxRetries, "max-retries", fc.Core.MaxRetries, "Reconnect attempts before giving up")
	fs.DurationVar(&fc.Core.RetryBaseDelay, "retry-delay", fc.Core.RetryBaseDelay, "Delay before the first reconnect")
	fs.DurationVar(&fc.Core.RetryMaxDelay, "retry-max-delay", fc.Core.RetryMaxDelay, "Upper bound on the reconnect delay")

	// ── handshake ────────────────────────────────────────────────
	fs.StringVar(&fc.Preamble, "preamble", "", `Bytes sent right after connect (Go escapes, e.g. "HELO\r\n")`)
	fs.StringVar(&fc.Expect, "expect", "", "Reply required before the connection counts as established")

	// ── execution ────────────────────────────────────────────────
	fs.StringVarP(&fc.Execute, "exec", "e", "", "Execute program after connect")
	fs.StringVarP(&fc.Command, "command", "c", "", "Execute shell command after connect")

	// ── output ───────────────────────────────────────────────────
	fs.CountVarP(&fc.Verbose, "verbose", "v", "Increase verbosity (repeatable: -v verbose, -vv debug)")
	fs.BoolVar(&fc.JSON, "json", false, "Report probe results as JSON lines")
	fs.StringVar(&fc.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	var configPath string
	var showVersion, showHelp, dryRun bool
	fs.StringVar(&configPath, "config", "", "YAML config file")
	fs.BoolVar(&dryRun, "dry-run", false, "Validate the configuration, print it and exit")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	fs.BoolVarP(&showHelp, "help", "h", false, "Show this help")

	fs.Usage = func() { printUsage(fs) }

	// ── parse ────────────────────────────────────────────────────
	if err := fs.Parse(args); err != nil {
		return err
	}

	if showHelp || len(args) == 0 {
		printUsage(fs)
		return nil
	}
	if showVersion {
		fmt.Printf("nearby %s\n", version)
		return nil
	}

	// ── layer settings ───────────────────────────────────────────
	cfg := config.Default()
	if configPath != "" {
		if err := config.LoadFile(configPath, cfg); err != nil {
			return err
		}
	}
	config.LoadFromEnv(cfg)
	fs.Visit(func(f *flag.Flag) { overlay(cfg, fc, f.Name, timeoutSec) })

	// ── positional arguments ─────────────────────────────────────
	if err := parsePositional(cfg, fs.Args()); err != nil {
		return err
	}

	// ── validate ─────────────────────────────────────────────────
	if err := cfg.Validate(); err != nil {
		return err
	}
	if dryRun {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	}
	if cfg.ZeroIO && !cfg.JSON && !term.IsTerminal(int(os.Stdout.Fd())) {
		cfg.JSON = true
	}

	// ── build components ─────────────────────────────────────────
	logger := util.NewLogger(cfg.Verbose)

	var opts []connections.Option
	if cfg.MetricsAddr != "" {
		collector := metrics.New()
		stop, err := serveMetrics(cfg.MetricsAddr, collector, logger)
		if err != nil {
			return err
		}
		defer stop()
		defer func() { logger.Debug("metrics: %s", collector.JSON()) }()
		opts = append(opts, connections.WithMetrics(collector))
	}

	mode, err := core.Build(cfg, logger, opts...)
	if err != nil {
		return err
	}
	return mode.Run(ctx)
}

// ── helpers ──────────────────────────────────────────────────────────

// overlay copies the flag named name from the parsed flag values fc
// onto cfg.
func overlay(cfg, fc *config.Config, name string, timeoutSec int) {
	switch name {
	case "port":
		cfg.LocalPort = fc.LocalPort
	case "zero-io":
		cfg.ZeroIO = fc.ZeroIO
	case "timeout":
		cfg.Core.ConnectTimeout = time.Duration(timeoutSec) * time.Second
	case "handshake-timeout":
		cfg.Core.HandshakeTimeout = fc.Core.HandshakeTimeout
	case "drain-timeout":
		cfg.Core.DrainTimeout = fc.Core.DrainTimeout
	case "idle-timeout":
		cfg.Core.IdleTimeout = fc.Core.IdleTimeout
	case "max-conns":
		cfg.Core.MaxConnections = fc.Core.MaxConnections
	case "max-pending":
		cfg.Core.MaxPendingWriteBytes = fc.Core.MaxPendingWriteBytes
	case "max-events":
		cfg.Core.MaxEventsPerPoll = fc.Core.MaxEventsPerPoll
	case "poll-interval":
		cfg.PollInterval = fc.PollInterval
	case "reconnect":
		cfg.Core.AutoReconnect = fc.Core.AutoReconnect
	case "max-retries":
		cfg.Core.MaxRetries = fc.Core.MaxRetries
	case "retry-delay":
		cfg.Core.RetryBaseDelay = fc.Core.RetryBaseDelay
	case "retry-max-delay":
		cfg.Core.RetryMaxDelay = fc.Core.RetryMaxDelay
	case "preamble":
		cfg.Preamble = fc.Preamble
	case "expect":
		cfg.Expect = fc.Expect
	case "exec":
		cfg.Execute = fc.Execute
	case "command":
		cfg.Command = fc.Command
	case "verbose":
		cfg.Verbose += fc.Verbose
	case "json":
		cfg.JSON = fc.JSON
	case "metrics-addr":
		cfg.MetricsAddr = fc.MetricsAddr
	}
}

func parsePositional(cfg *config.Config, remaining []string) error {
	// host port [port …]
	if len(remaining) < 1 {
		if cfg.Host != "" {
			return nil
		}
		return fmt.Errorf("hostname required (use --help for usage)")
	}
	cfg.Host = remaining[0]

	if len(remaining) < 2 {
		if cfg.Port > 0 {
			return nil
		}
		return fmt.Errorf("port required")
	}

	cfg.Ports = nil
	for _, arg := range remaining[1:] {
		pr, err := config.ParsePortSpec(arg)
		if err != nil {
			return fmt.Errorf("port %q: %w", arg, err)
		}
		cfg.Ports = append(cfg.Ports, pr)
	}
	cfg.Port = cfg.Ports[0].Start
	return nil
}

// serveMetrics exposes collector on addr until the returned stop
// function is called.
func serveMetrics(addr string, collector *metrics.Collector, logger *util.Logger) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}
	srv := &http.Server{
		Handler:           metrics.Handler(collector, "nearby"),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics server: %v", err)
		}
	}()
	logger.Verbose("serving metrics on http://%s/metrics", ln.Addr())
	return func() { srv.Close() }, nil
}

func printUsage(fs *flag.FlagSet) {
	fmt.Fprintf(os.Stderr, `nearby – connection lifecycle tool v%s

Opens outbound TCP connections through a single readiness loop, with
backpressure, timeouts and reconnects.

Usage:
  nearby [options] <host> <port>              Connect
  nearby -z [options] <host> <ports...>       Probe

Options:
`, version)
	fs.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
Examples:
  nearby example.com 80                            TCP connect
  nearby -vz host.example.com 20-25 80 443         Port probe
  nearby --reconnect --max-retries 10 db 5432      Keep a link up
  nearby --preamble 'PING\r\n' --expect '+PONG\r\n' cache 6379
  echo "hello" | nearby host.example.com 9000      Pipe data
`)
}
