// Package runplan builds and validates the immutable RunPlan spec.md §3
// describes as the Client's process-singleton configuration. cmd/qperf-client
// owns flag parsing (spec.md §1's non-goal); this package only applies
// defaults and enforces the rejection rules of spec.md §6/§7.
package runplan

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"runtime"
)

// Transport selects which backend a RunPlan drives connections over.
type Transport int

const (
	// TransportDatagram is the encrypted datagram protocol, modeled on QUIC.
	TransportDatagram Transport = iota
	// TransportTCP is plain TCP, with qperf's own stream-multiplexing framing.
	TransportTCP
)

func (t Transport) String() string {
	if t == TransportTCP {
		return "tcp"
	}
	return "datagram"
}

// DefaultPort is used when -port is left unset.
const DefaultPort = 4433

// MaxCIBIRBytes is the largest CIBIR identifier accepted, per spec.md §6's
// rejection table and the original engine's parse-time bound.
const MaxCIBIRBytes = 6

// PrintFlags toggles the four independent output categories of spec.md §6.
type PrintFlags struct {
	Throughput bool // -ptput
	Conn       bool // -pconn
	Stream     bool // -pstream
	Latency    bool // -platency
}

// RunPlan is the immutable run-wide configuration of spec.md §3.
type RunPlan struct {
	Target          string
	Port            uint16
	IPVersion       int // 0 = any, 4, 6
	CIBIRHex        string
	IncrementTarget bool

	WorkerCount  uint32
	Affinitize   bool
	BindAddrs    []string
	ShareBinding bool

	Transport     Transport
	Encrypt       bool
	Pacing        bool
	SendBuffering bool
	Print         PrintFlags

	ConnectionCount uint32
	StreamCount     uint32
	Upload          uint64
	Download        uint64
	Timed           bool
	IOSize          uint32

	RepeatConns   bool
	RepeatStreams bool
	RunTimeMs     uint64

	// MetricsAddr, when non-empty, serves Prometheus counters at
	// <MetricsAddr>/metrics for the run's duration.
	MetricsAddr string
	// StatsWSAddr, when non-empty, serves a WebSocket push of the same
	// counters at <StatsWSAddr>/stats.
	StatsWSAddr string
}

// Default returns a RunPlan with every flag at the default spec.md §6 lists,
// except Target, which the caller must always set.
func Default() *RunPlan {
	return &RunPlan{
		Port:            DefaultPort,
		WorkerCount:     uint32(runtime.NumCPU()),
		Transport:       TransportDatagram,
		Encrypt:         true,
		Pacing:          true,
		ConnectionCount: 1,
		IOSize:          65536,
	}
}

// CIBIR assembles the offset-byte-prefixed CIBIR identifier from CIBIRHex,
// or returns nil if CIBIRHex is empty. The offset byte is always 0: this
// engine never splits a CIBIR across multiple negotiated positions.
func (p *RunPlan) CIBIR() ([]byte, error) {
	if p.CIBIRHex == "" {
		return nil, nil
	}
	raw, err := hex.DecodeString(p.CIBIRHex)
	if err != nil {
		return nil, fmt.Errorf("invalid -cibir hex string %q: %w", p.CIBIRHex, err)
	}
	if len(raw) > MaxCIBIRBytes {
		return nil, fmt.Errorf("-cibir: %d bytes exceeds the %d-byte limit", len(raw), MaxCIBIRBytes)
	}
	return append([]byte{0}, raw...), nil
}

// Validate enforces the rejection rules of spec.md §6/§7. It never mutates
// p; callers apply defaults via Default() before calling Validate.
func (p *RunPlan) Validate() error {
	if p.Target == "" {
		return errors.New("-target is required")
	}
	if p.IOSize < 256 {
		return fmt.Errorf("-iosize: %d is below the 256-byte minimum", p.IOSize)
	}
	if (p.RepeatConns || p.RepeatStreams) && p.RunTimeMs == 0 {
		return errors.New("-rconn/-rstream require a nonzero -runtime")
	}
	if p.Transport == TransportTCP && !p.Encrypt {
		return errors.New("-tcp:1 requires -encrypt:1")
	}
	if _, err := p.CIBIR(); err != nil {
		return err
	}
	for _, addr := range p.BindAddrs {
		if addr == "" {
			continue
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			// A bind address with no port is legal (host-only bind); only
			// reject addresses net can't parse as a host at all.
			if ip := net.ParseIP(addr); ip == nil {
				return fmt.Errorf("malformed -bind address %q", addr)
			}
		}
	}
	if p.WorkerCount == 0 {
		return errors.New("-threads must be at least 1")
	}
	if p.StreamCount == 0 && (p.Upload > 0 || p.Download > 0) {
		// spec.md §6: "Implicitly 1 if upload or download set." Validate
		// never mutates p, so the implicit default is applied by the
		// constructor that owns the parsed flags (cmd/qperf-client) before
		// Validate runs; this branch documents the invariant it relies on.
	}
	return nil
}

// BindAddrFor returns the bind address worker i should use, cycling through
// BindAddrs if it has fewer entries than workers. An empty BindAddrs list
// means "no bind" for every worker, avoiding a divide-by-zero on
// workerIndex rather than attempting to cycle through nothing.
func (p *RunPlan) BindAddrFor(workerIndex uint32) string {
	if len(p.BindAddrs) == 0 {
		return ""
	}
	return p.BindAddrs[int(workerIndex)%len(p.BindAddrs)]
}
