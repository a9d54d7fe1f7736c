// Package config defines the runtime configuration for nearby: the
// tuneables of a connection core and the CLI session built around it.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	nerrors "github.com/bagel897/nearby/internal/errors"
)

// CoreConfig holds the policy knobs of a single connection core.  Zero
// per-connection timeouts in a connections.ConnectionConfig fall back to
// the values here.
type CoreConfig struct {
	// ── Capacity ─────────────────────────────────────────────────────
	MaxConnections       int `yaml:"max_connections"`
	MaxPendingWriteBytes int `yaml:"max_pending_write_bytes"`
	MaxEventsPerPoll     int `yaml:"max_events_per_poll"` // 0 = unlimited

	// ── Deadlines ────────────────────────────────────────────────────
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DrainTimeout     time.Duration `yaml:"drain_timeout"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"` // 0 disables

	// ── Reconnect ────────────────────────────────────────────────────
	AutoReconnect  bool          `yaml:"auto_reconnect"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`
	RetryMaxDelay  time.Duration `yaml:"retry_max_delay"`
}

// DefaultCoreConfig returns a CoreConfig populated from defaults.go.
func DefaultCoreConfig() CoreConfig {
	return CoreConfig{
		MaxConnections:       DefaultMaxConnections,
		MaxPendingWriteBytes: DefaultMaxPendingWriteBytes,
		MaxEventsPerPoll:     DefaultMaxEventsPerPoll,
		ConnectTimeout:       DefaultConnectTimeout,
		HandshakeTimeout:     DefaultHandshakeTimeout,
		DrainTimeout:         DefaultDrainTimeout,
		IdleTimeout:          DefaultIdleTimeout,
		MaxRetries:           DefaultMaxRetries,
		RetryBaseDelay:       DefaultRetryBaseDelay,
		RetryMaxDelay:        DefaultRetryMaxDelay,
	}
}

// Validate checks that every limit and deadline is usable.
func (c *CoreConfig) Validate() error {
	switch {
	case c.MaxConnections < 1:
		return &nerrors.ConfigError{
			Field: "max-conns", Value: c.MaxConnections,
			Message: "must be at least 1",
		}
	case c.MaxPendingWriteBytes < 1:
		return &nerrors.ConfigError{
			Field: "max-pending", Value: c.MaxPendingWriteBytes,
			Message: "must be at least 1 byte",
		}
	case c.MaxEventsPerPoll < 0:
		return &nerrors.ConfigError{
			Field: "max-events", Value: c.MaxEventsPerPoll,
			Message: "must not be negative",
			Hint:    "use 0 for no per-poll limit",
		}
	case c.ConnectTimeout <= 0:
		return &nerrors.ConfigError{Field: "wait", Value: c.ConnectTimeout, Message: "must be positive"}
	case c.HandshakeTimeout <= 0:
		return &nerrors.ConfigError{Field: "handshake-timeout", Value: c.HandshakeTimeout, Message: "must be positive"}
	case c.DrainTimeout <= 0:
		return &nerrors.ConfigError{Field: "drain-timeout", Value: c.DrainTimeout, Message: "must be positive"}
	case c.IdleTimeout < 0:
		return &nerrors.ConfigError{
			Field: "idle-timeout", Value: c.IdleTimeout,
			Message: "must not be negative",
			Hint:    "use 0 to disable the idle timeout",
		}
	case c.MaxRetries < 0:
		return &nerrors.ConfigError{Field: "max-retries", Value: c.MaxRetries, Message: "must not be negative"}
	}
	if c.AutoReconnect {
		if c.RetryBaseDelay <= 0 {
			return &nerrors.ConfigError{Field: "retry-delay", Value: c.RetryBaseDelay, Message: "must be positive"}
		}
		if c.RetryMaxDelay <= c.RetryBaseDelay {
			return &nerrors.ConfigError{
				Field: "retry-max-delay", Value: c.RetryMaxDelay,
				Message: fmt.Sprintf("must be greater than --retry-delay (%v)", c.RetryBaseDelay),
			}
		}
	}
	return nil
}

// Config holds every tuneable for a single nearby session.
type Config struct {
	// ── Targets ──────────────────────────────────────────────────────
	Host      string      `yaml:"host"`
	Port      int         `yaml:"port"` // primary destination port
	Ports     []PortRange `yaml:"-"`    // all destination port specs (probing)
	LocalPort int         `yaml:"local_port"`

	// ── Handshake ────────────────────────────────────────────────────
	Preamble string `yaml:"preamble"` // sent right after connect
	Expect   string `yaml:"expect"`   // required reply to the preamble

	// ── Execution ────────────────────────────────────────────────────
	Execute string `yaml:"-"` // -e: program path
	Command string `yaml:"-"` // -c: shell command

	// ── Loop ─────────────────────────────────────────────────────────
	PollInterval time.Duration `yaml:"poll_interval"`

	// ── Output ───────────────────────────────────────────────────────
	Verbose     int    `yaml:"verbose"`
	ZeroIO      bool   `yaml:"-"`
	JSON        bool   `yaml:"json"`
	MetricsAddr string `yaml:"metrics_addr"`

	Core CoreConfig `yaml:"core"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		PollInterval: DefaultPollInterval,
		Verbose:      1,
		Core:         DefaultCoreConfig(),
	}
}

// ── Port helpers ─────────────────────────────────────────────────────

// PortRange is an inclusive start–end pair.
type PortRange struct {
	Start int
	End   int
}

// Expand returns every port in the range.
func (pr PortRange) Expand() []int {
	out := make([]int, 0, pr.End-pr.Start+1)
	for p := pr.Start; p <= pr.End; p++ {
		out = append(out, p)
	}
	return out
}

// AllPorts flattens every PortRange into a single slice.
func (c *Config) AllPorts() []int {
	var out []int
	for _, pr := range c.Ports {
		out = append(out, pr.Expand()...)
	}
	return out
}

// ParsePortSpec accepts "80" or "80-90".
func ParsePortSpec(spec string) (PortRange, error) {
	if strings.Contains(spec, "-") {
		parts := strings.SplitN(spec, "-", 2)
		start, err := strconv.Atoi(parts[0])
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range start %q", parts[0])
		}
		end, err := strconv.Atoi(parts[1])
		if err != nil {
			return PortRange{}, fmt.Errorf("invalid port range end %q", parts[1])
		}
		if start < 1 || end > 65535 || start > end {
			return PortRange{}, fmt.Errorf("invalid port range %d-%d", start, end)
		}
		return PortRange{Start: start, End: end}, nil
	}

	port, err := strconv.Atoi(spec)
	if err != nil {
		return PortRange{}, fmt.Errorf("invalid port %q", spec)
	}
	if port < 1 || port > 65535 {
		return PortRange{}, fmt.Errorf("port %d out of range 1-65535", port)
	}
	return PortRange{Start: port, End: port}, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Host == "" {
		return &nerrors.ConfigError{
			Field:   "host",
			Message: "hostname is required",
			Hint:    "usage: nearby [options] <host> <port> [ports...]",
		}
	}
	if c.Port == 0 && len(c.Ports) == 0 {
		return &nerrors.ConfigError{Field: "port", Message: "destination port is required"}
	}
	if c.LocalPort < 0 || c.LocalPort > 65535 {
		return &nerrors.ConfigError{Field: "local-port", Value: c.LocalPort, Message: "out of range 0-65535"}
	}
	if c.Execute != "" && c.Command != "" {
		return &nerrors.ConfigError{Field: "exec", Message: "-e and -c are mutually exclusive"}
	}
	if c.ZeroIO && (c.Execute != "" || c.Command != "") {
		return &nerrors.ConfigError{
			Field:   "zero",
			Message: "probe mode cannot run a program",
			Hint:    "drop -e/-c or drop -z",
		}
	}
	if !c.ZeroIO && len(c.AllPorts()) > 1 {
		return &nerrors.ConfigError{
			Field:   "port",
			Message: "multiple ports require probe mode",
			Hint:    "add -z to probe a port range",
		}
	}
	if c.Expect != "" && c.Preamble == "" {
		return &nerrors.ConfigError{Field: "expect", Message: "requires --preamble"}
	}
	if c.PollInterval <= 0 {
		return &nerrors.ConfigError{Field: "poll-interval", Value: c.PollInterval, Message: "must be positive"}
	}
	return c.Core.Validate()
}
