package core

import (
	"strconv"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/connections"
	"github.com/bagel897/nearby/internal/capability"
	"github.com/bagel897/nearby/internal/transport"
	"github.com/bagel897/nearby/util"
)

// Build constructs the appropriate Mode from the given configuration.
// opts are applied to every Core the mode creates, after the options
// derived from cfg.
func Build(cfg *config.Config, logger *util.Logger, opts ...connections.Option) (Mode, error) {
	base, err := coreOptions(cfg, logger)
	if err != nil {
		return nil, err
	}
	opts = append(base, opts...)

	if cfg.ZeroIO {
		return buildProbe(cfg, logger, opts), nil
	}
	return buildConnect(cfg, logger, opts), nil
}

// ── mode builders ────────────────────────────────────────────────────

func buildConnect(cfg *config.Config, logger *util.Logger, opts []connections.Option) Mode {
	return &ConnectMode{
		Target:       connections.Endpoint{Host: cfg.Host, Port: cfg.Port},
		CoreConfig:   cfg.Core,
		Conn:         connectionConfig(cfg),
		Options:      opts,
		Capability:   buildCapability(cfg),
		PollInterval: cfg.PollInterval,
		Logger:       logger,
	}
}

func buildProbe(cfg *config.Config, logger *util.Logger, opts []connections.Option) Mode {
	ports := cfg.AllPorts()
	if len(ports) == 0 && cfg.Port > 0 {
		ports = []int{cfg.Port}
	}

	// A refused port is an answer, not a fault worth retrying.
	core := cfg.Core
	core.AutoReconnect = false

	return &ProbeMode{
		Host:         cfg.Host,
		Ports:        ports,
		CoreConfig:   core,
		Conn:         connectionConfig(cfg),
		Options:      opts,
		PollInterval: cfg.PollInterval,
		JSON:         cfg.JSON,
		Verbose:      cfg.Verbose,
		Logger:       logger,
	}
}

// ── shared helpers ───────────────────────────────────────────────────

// coreOptions derives the Core options every mode shares.
func coreOptions(cfg *config.Config, logger *util.Logger) ([]connections.Option, error) {
	opts := []connections.Option{connections.WithLogger(logger)}
	if cfg.LocalPort > 0 {
		tr, err := transport.NewBound(cfg.LocalPort)
		if err != nil {
			return nil, err
		}
		opts = append(opts, connections.WithTransport(tr))
	}
	return opts, nil
}

// connectionConfig returns the per-connection settings, including the
// preamble handshake when one is configured.
func connectionConfig(cfg *config.Config) connections.ConnectionConfig {
	var cc connections.ConnectionConfig
	if cfg.Preamble != "" {
		cc.Handshake = connections.Preamble(unescape(cfg.Preamble), unescape(cfg.Expect))
	}
	return cc
}

// unescape interprets Go escape sequences such as \n and \x00, so a
// preamble can carry control bytes from the command line.  Malformed
// input is used verbatim.
func unescape(s string) []byte {
	if s == "" {
		return nil
	}
	if u, err := strconv.Unquote(`"` + s + `"`); err == nil {
		return []byte(u)
	}
	return []byte(s)
}

// buildCapability selects the per-connection behaviour.
func buildCapability(cfg *config.Config) capability.Capability {
	if cfg.Execute != "" || cfg.Command != "" {
		return &capability.Exec{
			Program: cfg.Execute,
			Command: cfg.Command,
		}
	}
	return &capability.Relay{}
}

// chunkSize returns the largest single Send a session may issue under
// the given pending-write limit.
func chunkSize(limit int) int {
	if limit > 0 && limit < util.DefaultBufSize {
		return limit
	}
	return util.DefaultBufSize
}
