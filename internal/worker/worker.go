// Package worker implements the per-worker driver loop of spec.md §4.5: one
// goroutine pinned (optionally) to a processor, opening connections up to a
// queued target and tracking the counters the top prints at run end.
package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/perfnet/qperf/internal/affinity"
	"github.com/perfnet/qperf/internal/stream"
	"github.com/perfnet/qperf/internal/transport"
	"github.com/perfnet/qperf/internal/xconn"
)

// Owner is notified once a worker has no more connections to create or
// finish in non-repeat mode. Implemented by the top-level Client.
type Owner interface {
	OnWorkerDone(w *Worker)
}

// Config holds the run-wide settings a Worker needs to dial connections and
// build the streams each one opens.
type Config struct {
	// IdealProcessor is the processor index this worker should affinitize
	// to, or -1 to leave scheduling to the OS.
	IdealProcessor int

	RemoteAddr        string
	LocalAddr         string
	ServerName        string
	IsTCP             bool
	RepeatConnections bool
	StreamCount       uint32
	RepeatStreams     bool

	DialOpts       transport.DialOptions
	Dialer         transport.Dialer    // set when !IsTCP
	TCPDialer      transport.TCPDialer // set when IsTCP
	StreamTemplate stream.Config
	ConnPrinter    xconn.Printer // nil disables -pconn output
}

// Counters are the worker-local run statistics spec.md §4.5 and §5 require;
// every field is updated with atomic ops since the top reads them from a
// different goroutine at run end.
type Counters struct {
	ConnectionsQueued    atomic.Uint32
	ConnectionsCreated   atomic.Uint32
	ConnectionsActive    atomic.Int32
	ConnectionsConnected atomic.Uint32
	ConnectionsCompleted atomic.Uint32
	StreamsStarted       atomic.Uint32
	StreamsCompleted     atomic.Uint32
}

// Worker is the per-worker driver loop described in spec.md §4.5.
type Worker struct {
	id    int
	cfg   *Config
	owner Owner

	Counters Counters

	wake chan struct{}

	mu      sync.Mutex
	running bool
	conns   map[*xconn.Connection]struct{}
}

// New creates a Worker in the not-yet-running state. Run must be called to
// start its driver loop.
func New(id int, cfg *Config, owner Owner) *Worker {
	return &Worker{
		id:    id,
		cfg:   cfg,
		owner: owner,
		wake:  make(chan struct{}, 1),
		conns: make(map[*xconn.Connection]struct{}),
	}
}

// QueueNewConnection implements spec.md §4.5's QueueNewConnection: bump
// ConnectionsQueued and signal the wake event. Safe to call from any
// goroutine (the top calls it while distributing connections round-robin).
func (w *Worker) QueueNewConnection() {
	w.Counters.ConnectionsQueued.Add(1)
	w.signal()
}

func (w *Worker) signal() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run is the driver thread's loop. It blocks until ctx is canceled or Stop
// is called, so callers typically launch it with `go w.Run(ctx)`.
func (w *Worker) Run(ctx context.Context) {
	if w.cfg.IdealProcessor >= 0 {
		if err := affinity.Pin(w.cfg.IdealProcessor); err != nil {
			log.Warn("worker affinity pin failed", "worker", w.id, "processor", w.cfg.IdealProcessor, "err", err)
		}
	}

	w.mu.Lock()
	w.running = true
	w.mu.Unlock()

	for w.isRunning() {
		for w.Counters.ConnectionsCreated.Load() < w.Counters.ConnectionsQueued.Load() {
			if !w.isRunning() {
				return
			}
			w.startConnection(ctx)
		}
		select {
		case <-w.wake:
		case <-ctx.Done():
			return
		}
	}
}

// Stop clears the running flag and wakes the driver loop so it observes the
// change on its next iteration, per spec.md §5's cancellation rule.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.running = false
	w.mu.Unlock()
	w.signal()
}

func (w *Worker) isRunning() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// startConnection allocates a Connection and issues its dial. Dialing is
// asynchronous: OnConnected/OnShutdownComplete fire later, on the backend's
// own execution context.
func (w *Worker) startConnection(ctx context.Context) {
	w.Counters.ConnectionsCreated.Add(1)
	w.Counters.ConnectionsActive.Add(1)

	ccfg := &xconn.Config{
		StreamCount:    w.cfg.StreamCount,
		RepeatStreams:  w.cfg.RepeatStreams,
		IsTCP:          w.cfg.IsTCP,
		DialOpts:       w.cfg.DialOpts,
		StreamTemplate: w.cfg.StreamTemplate,
		Printer:        w.cfg.ConnPrinter,
		OnConnected:    func() { w.Counters.ConnectionsConnected.Add(1) },
	}

	c := xconn.New(w.Counters.ConnectionsCreated.Load(), ccfg, w)

	w.mu.Lock()
	w.conns[c] = struct{}{}
	w.mu.Unlock()

	dialOpts := w.cfg.DialOpts
	dialOpts.RemoteAddr = w.cfg.RemoteAddr
	dialOpts.LocalAddr = w.cfg.LocalAddr
	dialOpts.ServerName = w.cfg.ServerName

	if w.cfg.IsTCP {
		handle, err := w.cfg.TCPDialer.Dial(ctx, dialOpts, c)
		if err != nil {
			log.Debug("tcp dial failed", "worker", w.id, "err", err)
			w.forgetConnection(c)
			return
		}
		c.AttachTCP(handle)
		return
	}

	handle, err := w.cfg.Dialer.Dial(ctx, dialOpts, c)
	if err != nil {
		log.Debug("dial failed", "worker", w.id, "err", err)
		w.forgetConnection(c)
		return
	}
	c.AttachQUIC(handle)
}

func (w *Worker) forgetConnection(c *xconn.Connection) {
	w.mu.Lock()
	delete(w.conns, c)
	w.mu.Unlock()
	w.Counters.ConnectionsActive.Add(-1)
}

// NextStreamID implements xconn.Owner: stream IDs are drawn from this
// worker's StreamsStarted counter, per spec.md §4.4.
func (w *Worker) NextStreamID() uint32 {
	return w.Counters.StreamsStarted.Add(1) - 1
}

// StreamCompleted implements xconn.Owner.
func (w *Worker) StreamCompleted() {
	w.Counters.StreamsCompleted.Add(1)
}

// OnConnectionDone implements xconn.Owner: the per-connection-completion
// rule of spec.md §4.5.
func (w *Worker) OnConnectionDone(c *xconn.Connection) {
	w.forgetConnection(c)
	w.Counters.ConnectionsCompleted.Add(1)

	if w.cfg.RepeatConnections {
		if w.isRunning() {
			w.QueueNewConnection()
		}
		return
	}
	if w.Counters.ConnectionsActive.Load() == 0 &&
		w.Counters.ConnectionsCreated.Load() == w.Counters.ConnectionsQueued.Load() {
		w.owner.OnWorkerDone(w)
	}
}
