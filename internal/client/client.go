// Package client implements the top-level orchestrator of spec.md §4.6: it
// resolves the target once, launches the worker pool, distributes
// connections across it round-robin, waits for completion, and reports the
// final counts.
package client

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"

	"github.com/perfnet/qperf/internal/affinity"
	"github.com/perfnet/qperf/internal/buffer"
	"github.com/perfnet/qperf/internal/latency"
	"github.com/perfnet/qperf/internal/runplan"
	"github.com/perfnet/qperf/internal/stream"
	"github.com/perfnet/qperf/internal/transport"
	"github.com/perfnet/qperf/internal/transport/quicx"
	"github.com/perfnet/qperf/internal/transport/tcpx"
	"github.com/perfnet/qperf/internal/worker"
	"github.com/perfnet/qperf/internal/xconn"
)

// Emitter receives the output the -ptput/-pconn/-pstream print flags expose,
// plus the run's final banner. spec.md §1 places the reporting formatter
// itself out of scope, so this stays a thin, overridable pass-through.
type Emitter interface {
	stream.Printer // StreamThroughput, gated by -pstream
	xconn.Printer  // ConnectionStats, gated by -pconn

	// OnRunningStats is called on a jittered interval while -ptput is set.
	OnRunningStats(connectionsCompleted, streamsCompleted uint32, elapsed time.Duration)
	// OnComplete prints the final "Completed N connections and M streams!"
	// banner once every worker has finished.
	OnComplete(connections, streams uint32)
	// OnDebug surfaces non-fatal setup diagnostics.
	OnDebug(msg string)
}

// HumanReadable is the default Emitter: plain stdout lines, each gated by
// the print flag it belongs to.
type HumanReadable struct {
	Print runplan.PrintFlags
}

// StreamThroughput implements stream.Printer.
func (e HumanReadable) StreamThroughput(id uint32, bytesSent, bytesReceived uint64, elapsed time.Duration) {
	if !e.Print.Stream {
		return
	}
	fmt.Printf("stream %d: sent %d recv %d in %s\n", id, bytesSent, bytesReceived, elapsed)
}

// ConnectionStats implements xconn.Printer.
func (e HumanReadable) ConnectionStats(id uint32, bytesSent, bytesReceived uint64, elapsed time.Duration) {
	if !e.Print.Conn {
		return
	}
	fmt.Printf("connection %d: sent %d recv %d in %s\n", id, bytesSent, bytesReceived, elapsed)
}

// OnRunningStats implements Emitter.
func (e HumanReadable) OnRunningStats(connectionsCompleted, streamsCompleted uint32, elapsed time.Duration) {
	if !e.Print.Throughput {
		return
	}
	fmt.Printf("[%s] connections completed: %d, streams completed: %d\n",
		elapsed.Round(time.Millisecond), connectionsCompleted, streamsCompleted)
}

// OnComplete implements Emitter.
func (e HumanReadable) OnComplete(connections, streams uint32) {
	fmt.Printf("Completed %d connections and %d streams!\n", connections, streams)
}

// OnDebug implements Emitter.
func (e HumanReadable) OnDebug(msg string) {
	log.Debug(msg)
}

var _ Emitter = HumanReadable{}

// Config configures a Client.
type Config struct {
	Plan    *runplan.RunPlan
	Emitter Emitter // nil selects HumanReadable{Print: Plan.Print}

	// OnWorkersReady, if set, is called once with the launched worker pool
	// before Run starts distributing connections. It exists so a caller
	// can register metrics collectors (internal/metrics.Register) against
	// workers that otherwise never leave Run's stack.
	OnWorkersReady func(workers []*worker.Worker)
}

// Client is the top-level orchestrator described in spec.md §4.6.
type Client struct {
	cfg       Config
	plan      *runplan.RunPlan
	collector *latency.Collector

	workers []*worker.Worker
	wg      sync.WaitGroup

	pendingWorkers atomic.Int32
	doneCh         chan struct{}
	doneOnce       sync.Once

	startTime time.Time
}

// New builds a Client from cfg. Call Run to actually start the test.
func New(cfg Config) *Client {
	if cfg.Emitter == nil {
		cfg.Emitter = HumanReadable{Print: cfg.Plan.Print}
	}
	return &Client{
		cfg:    cfg,
		plan:   cfg.Plan,
		doneCh: make(chan struct{}),
	}
}

// ExtraData returns the extra-data export blob of spec.md §6, or nil when
// -platency was never enabled. Only meaningful after Run has returned.
func (c *Client) ExtraData() []byte {
	if c.collector == nil || !c.plan.Print.Latency {
		return nil
	}
	return c.collector.Export(uint32(c.plan.RunTimeMs))
}

// Workers returns the launched worker pool. It implements statsws.Source;
// empty until Run has started.
func (c *Client) Workers() []*worker.Worker {
	return c.workers
}

// StartTime returns when Run began distributing connections. It implements
// statsws.Source.
func (c *Client) StartTime() time.Time {
	return c.startTime
}

// Totals returns the run-wide connection and stream completion counts,
// summed across every worker.
func (c *Client) Totals() (connections, streams uint32) {
	for _, w := range c.workers {
		connections += w.Counters.ConnectionsCompleted.Load()
		streams += w.Counters.StreamsCompleted.Load()
	}
	return connections, streams
}

// Run resolves the target, launches the worker pool, distributes
// connections round-robin, and blocks until the run completes: either every
// worker reports done, or -runtime elapses, or ctx is canceled. It
// implements spec.md §4.6 end to end.
func (c *Client) Run(ctx context.Context) error {
	plan := c.plan

	remoteIP, err := net.ResolveIPAddr(ipNetwork(plan.IPVersion), plan.Target)
	if err != nil {
		return fmt.Errorf("resolving -target %q: %w", plan.Target, err)
	}
	remoteAddr := net.JoinHostPort(remoteIP.String(), strconv.Itoa(int(plan.Port)))

	cibir, err := plan.CIBIR()
	if err != nil {
		return err
	}

	// In timed mode the request buffer has no fixed length hint: the
	// stream's send loop runs until the wall clock says stop, not until a
	// byte target is reached.
	totalHint := plan.Download
	if plan.Timed {
		totalHint = 0
	}

	capacity := latency.Capacity(plan.RunTimeMs, plan.ConnectionCount, plan.StreamCount)
	c.collector = latency.New(capacity)

	isTCP := plan.Transport == runplan.TransportTCP
	var dialer transport.Dialer
	if !isTCP {
		dialer = quicx.NewDialer()
	}

	// One read-only request buffer, shared by every worker and every send.
	request := buffer.New(plan.IOSize, totalHint)

	measure := plan.Print.Throughput || plan.Print.Conn || plan.Print.Stream

	var connPrinter xconn.Printer
	if plan.Print.Conn {
		connPrinter = c.cfg.Emitter
	}
	var streamPrinter stream.Printer
	if plan.Print.Stream {
		streamPrinter = c.cfg.Emitter
	}

	c.pendingWorkers.Store(int32(plan.WorkerCount))
	c.startTime = time.Now()

	// Only ever assign an active processor as IdealProcessor, skipping
	// inactive/offline ones, per spec.md §4.6 step 2. If the active set
	// can't be queried, every worker gets idealProcessor = -1 (OS-scheduled)
	// rather than risk pinning to a processor that doesn't exist.
	activeProcessors, err := affinity.ActiveProcessors()
	if err != nil {
		c.cfg.Emitter.OnDebug(fmt.Sprintf("active processor query failed, disabling -affinitize: %v", err))
		activeProcessors = nil
	}
	nextProcessor := 0

	for i := uint32(0); i < plan.WorkerCount; i++ {
		processor := -1
		if len(activeProcessors) > 0 {
			processor = activeProcessors[nextProcessor%len(activeProcessors)]
			nextProcessor++
		}

		idealProcessor := -1
		if plan.Affinitize {
			idealProcessor = processor
		}

		// The 2-hex-digit suffix is the worker's (active) processor index,
		// falling back to the raw worker index when the active set
		// couldn't be determined.
		serverName := plan.Target
		if plan.IncrementTarget {
			suffix := processor
			if suffix < 0 {
				suffix = int(i)
			}
			serverName = fmt.Sprintf("%s%02x", plan.Target, suffix)
		}

		// Each worker gets its own tcpx.Dialer, and with it its own
		// send-record pool.
		var tcpDialer transport.TCPDialer
		if isTCP {
			tcpDialer = tcpx.NewDialer()
		}

		streamCfg := stream.Config{
			Upload:        plan.Upload,
			Download:      plan.Download,
			Timed:         plan.Timed,
			IOSize:        plan.IOSize,
			Request:       request,
			SendBuffering: plan.SendBuffering,
			IsTCP:         isTCP,
			Collector:     c.collector,
			Printer:       streamPrinter,
		}

		wcfg := &worker.Config{
			IdealProcessor:    idealProcessor,
			RemoteAddr:        remoteAddr,
			LocalAddr:         plan.BindAddrFor(i),
			ServerName:        serverName,
			IsTCP:             isTCP,
			RepeatConnections: plan.RepeatConns,
			StreamCount:       plan.StreamCount,
			RepeatStreams:     plan.RepeatStreams,
			DialOpts: transport.DialOptions{
				ShareBinding:  plan.ShareBinding,
				Encrypt:       plan.Encrypt,
				Pacing:        plan.Pacing,
				SendBuffering: plan.SendBuffering,
				CIBIR:         cibir,
				Measure:       measure,
			},
			Dialer:         dialer,
			TCPDialer:      tcpDialer,
			StreamTemplate: streamCfg,
			ConnPrinter:    connPrinter,
		}

		w := worker.New(int(i), wcfg, c)
		c.workers = append(c.workers, w)
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			w.Run(ctx)
		}()
	}

	if c.cfg.OnWorkersReady != nil {
		c.cfg.OnWorkersReady(c.workers)
	}

	// Distribute connections round-robin across the worker pool, per
	// spec.md §4.6 step 3.
	for i := uint32(0); i < plan.ConnectionCount; i++ {
		c.workers[i%plan.WorkerCount].QueueNewConnection()
	}

	if plan.Print.Throughput {
		go c.statsLoop(ctx)
	}

	var timeout <-chan time.Time
	if plan.RunTimeMs > 0 {
		timer := time.NewTimer(time.Duration(plan.RunTimeMs) * time.Millisecond)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-c.doneCh:
	case <-timeout:
	case <-ctx.Done():
	}

	for _, w := range c.workers {
		w.Stop()
	}
	c.wg.Wait()

	connections, streams := c.Totals()
	c.cfg.Emitter.OnComplete(connections, streams)
	return nil
}

// OnWorkerDone implements worker.Owner: once every launched worker has no
// more connections to create or finish, the run is complete.
func (c *Client) OnWorkerDone(w *worker.Worker) {
	if c.pendingWorkers.Add(-1) == 0 {
		c.doneOnce.Do(func() { close(c.doneCh) })
	}
}

// statsLoop drives -ptput's periodic aggregate line on a jittered interval,
// the same memoryless.Ticker construction internal/measurer.Start uses for
// its own periodic sampling.
func (c *Client) statsLoop(ctx context.Context) {
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      200 * time.Millisecond,
		Expected: 500 * time.Millisecond,
		Max:      time.Second,
	})
	rtx.PanicOnError(err, "client: stats ticker creation failed")
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.doneCh:
			return
		case <-ticker.C:
			connections, streams := c.Totals()
			c.cfg.Emitter.OnRunningStats(connections, streams, time.Since(c.startTime))
		}
	}
}

func ipNetwork(version int) string {
	switch version {
	case 4:
		return "ip4"
	case 6:
		return "ip6"
	default:
		return "ip"
	}
}
