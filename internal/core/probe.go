package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bagel897/nearby/config"
	"github.com/bagel897/nearby/connections"
	"github.com/bagel897/nearby/util"
)

// ProbeResult records whether a single port accepted a connection.
type ProbeResult struct {
	Host    string
	Port    int
	Open    bool
	Latency time.Duration // open → established, zero when closed
	Err     error
}

// MarshalJSON renders the result as one flat JSON object.
func (r ProbeResult) MarshalJSON() ([]byte, error) {
	out := struct {
		Host      string  `json:"host"`
		Port      int     `json:"port"`
		Open      bool    `json:"open"`
		LatencyMS float64 `json:"latency_ms,omitempty"`
		Error     string  `json:"error,omitempty"`
	}{Host: r.Host, Port: r.Port, Open: r.Open}
	if r.Open {
		out.LatencyMS = float64(r.Latency.Microseconds()) / 1000
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// ProbeMode checks a set of TCP ports on a target host through a
// single Core and reports which are open.
type ProbeMode struct {
	Host         string
	Ports        []int
	CoreConfig   config.CoreConfig
	Conn         connections.ConnectionConfig
	Options      []connections.Option
	PollInterval time.Duration
	JSON         bool // one JSON object per line instead of text
	Verbose      int
	Logger       *util.Logger

	// Output defaults to os.Stdout when nil.
	Output io.Writer
}

func (m *ProbeMode) output() io.Writer {
	if m.Output != nil {
		return m.Output
	}
	return os.Stdout
}

// Run probes every configured port and writes the results in port
// order.  The Core is shut down when Run returns.
func (m *ProbeMode) Run(ctx context.Context) error {
	if len(m.Ports) == 0 {
		return fmt.Errorf("no ports specified for probing")
	}

	core, err := connections.New(m.CoreConfig, m.Options...)
	if err != nil {
		return err
	}
	defer shutdown(core, m.Logger)

	m.Logger.Verbose("probing %s - %d port(s)", m.Host, len(m.Ports))

	results, err := Probe(ctx, core, m.Host, m.Ports, m.Conn, m.PollInterval)
	if werr := m.report(results); werr != nil {
		return werr
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (m *ProbeMode) report(results []ProbeResult) error {
	w := m.output()
	if m.JSON {
		enc := json.NewEncoder(w)
		for _, r := range results {
			if err := enc.Encode(r); err != nil {
				return fmt.Errorf("write results: %w", err)
			}
		}
		return nil
	}

	open := 0
	for _, r := range results {
		switch {
		case r.Open:
			open++
			fmt.Fprintf(w, "%s %d/tcp open (%v)\n", r.Host, r.Port, r.Latency.Round(time.Microsecond))
		case m.Verbose >= 2:
			fmt.Fprintf(w, "%s %d/tcp closed - %v\n", r.Host, r.Port, r.Err)
		}
	}
	if open == 0 && m.Verbose >= 1 {
		m.Logger.Info("no open ports found on %s", m.Host)
	}
	return nil
}

// probe tracks one in-flight port.
type probe struct {
	index  int
	opened time.Time
}

// Probe opens a connection to every port, at most as many at once as
// the Core admits, and returns results in the same order as the input
// slice.  An established connection counts as open and is closed at
// once.  If ctx is cancelled, the ports not yet answered are reported
// closed with the context error.
func Probe(ctx context.Context, core *connections.Core, host string, ports []int,
	cc connections.ConnectionConfig, interval time.Duration) ([]ProbeResult, error) {

	if interval <= 0 {
		interval = config.DefaultPollInterval
	}
	results := make([]ProbeResult, len(ports))
	answered := make([]bool, len(ports))
	for i, p := range ports {
		results[i] = ProbeResult{Host: host, Port: p}
	}

	inflight := make(map[uint64]probe)
	next := 0
	for next < len(ports) || len(inflight) > 0 {
		if err := ctx.Err(); err != nil {
			for i := range results {
				if !answered[i] {
					results[i].Err = err
				}
			}
			return results, err
		}

		// Admit as many ports as there is room for.
		for next < len(ports) {
			h, err := core.Open(connections.Endpoint{Host: host, Port: ports[next]}, cc)
			if errors.Is(err, connections.ErrCapacityExceeded) {
				break
			}
			if err != nil {
				results[next].Err = err
				answered[next] = true
				next++
				continue
			}
			inflight[h.ID] = probe{index: next, opened: time.Now()}
			next++
		}
		if len(inflight) == 0 {
			continue
		}

		events, err := core.Poll(interval)
		if err != nil {
			return results, fmt.Errorf("poll: %w", err)
		}
		for _, ev := range events {
			pr, ok := inflight[ev.Handle.ID]
			if ev.Type == connections.EventReconnecting {
				pr, ok = inflight[ev.Previous.ID]
				if ok {
					delete(inflight, ev.Previous.ID)
					inflight[ev.Handle.ID] = pr
				}
				continue
			}
			if !ok {
				continue
			}

			switch ev.Type {
			case connections.EventEstablished:
				results[pr.index].Open = true
				results[pr.index].Latency = time.Since(pr.opened)
				answered[pr.index] = true
				core.Close(ev.Handle) //nolint:errcheck
			case connections.EventClosed:
				delete(inflight, ev.Handle.ID)
			case connections.EventFailed:
				if !ev.Final {
					continue
				}
				if !answered[pr.index] {
					results[pr.index].Err = ev.Err
					answered[pr.index] = true
				}
				delete(inflight, ev.Handle.ID)
			}
		}
	}
	return results, nil
}
