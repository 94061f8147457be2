// Package xconn implements the per-connection state machine of spec.md
// §4.4: open the right number of streams on connect, track how many are
// still active, and decide when the connection itself is done.
//
// A Connection drives exactly one transport backend. For the datagram
// protocol it holds a transport.Conn and lets each Stream receive its own
// callbacks directly (transport.StreamCallbacks is implemented by
// *stream.Stream). For TCP it holds a transport.TCPConn instead: the wire
// framing only ever carries a stream ID, so the Connection keeps a
// ttlcache-backed ID -> *stream.Stream table and dispatches demultiplexed
// events to the looked-up stream's plain methods itself.
package xconn

import (
	"time"

	"github.com/charmbracelet/log"
	"github.com/jellydator/ttlcache/v3"

	"github.com/perfnet/qperf/internal/stream"
	"github.com/perfnet/qperf/internal/transport"
)

// streamTableTTL bounds how long an orphaned table entry can survive. The
// table is primarily maintained by explicit Set/Delete around each stream's
// lifetime; the TTL is only a backstop against a leaked entry following a
// dropped callback.
const streamTableTTL = 5 * time.Minute

// Printer receives per-connection statistics at shutdown, when enabled.
type Printer interface {
	ConnectionStats(id uint32, bytesSent, bytesReceived uint64, elapsed time.Duration)
}

// Owner is notified once a connection's shutdown sequence completes.
// Implemented by internal/worker.Worker.
type Owner interface {
	OnConnectionDone(c *Connection)
	// NextStreamID returns the next 32-bit stream identifier, drawn from the
	// owning worker's StreamsStarted counter (spec.md §4.4).
	NextStreamID() uint32
	// StreamCompleted increments the owning worker's StreamsCompleted.
	StreamCompleted()
}

// Config holds the run-wide settings a Connection needs to open and drive
// its streams.
type Config struct {
	StreamCount    uint32
	RepeatStreams  bool
	IsTCP          bool
	DialOpts       transport.DialOptions
	StreamTemplate stream.Config // copied per stream; openStream sets OnCompleted (and Abort for TCP)
	Printer        Printer       // nil disables per-connection printing

	// OnConnected notifies the owning Worker that the handshake finished
	// (bumps its ConnectionsConnected counter), before any stream is opened.
	OnConnected func()
}

// Connection is the per-connection state machine described in spec.md
// §3/§4.4.
type Connection struct {
	id  uint32
	cfg *Config

	owner Owner

	quicConn transport.Conn
	tcpConn  transport.TCPConn

	streams map[uint32]*stream.Stream // every open stream, keyed by Stream.ID; bookkeeping only
	table   *ttlcache.Cache[uint32, *stream.Stream] // TCP only: the real dispatch table

	startTime time.Time

	streamsActive  uint32
	streamsCreated uint32

	bytesSent     uint64
	bytesReceived uint64

	shutdownRequested bool
	shutdownDone      bool
}

// New creates a Connection in the pre-dial state. Attach{QUIC,TCP} wires the
// transport handle once dialing succeeds.
func New(id uint32, cfg *Config, owner Owner) *Connection {
	c := &Connection{
		id:        id,
		cfg:       cfg,
		owner:     owner,
		streams:   make(map[uint32]*stream.Stream, cfg.StreamCount),
		startTime: time.Now(),
	}
	if cfg.IsTCP {
		c.table = ttlcache.New[uint32, *stream.Stream](
			ttlcache.WithTTL[uint32, *stream.Stream](streamTableTTL),
		)
		go c.table.Start()
	}
	return c
}

// AttachQUIC wires the datagram-protocol transport handle. Must be called
// before OnConnected fires.
func (c *Connection) AttachQUIC(h transport.Conn) {
	c.quicConn = h
}

// AttachTCP wires the TCP transport handle. Must be called before
// OnConnected fires.
func (c *Connection) AttachTCP(h transport.TCPConn) {
	c.tcpConn = h
}

// OnConnected implements transport.ConnCallbacks and transport.TCPConnCallbacks.
func (c *Connection) OnConnected() {
	if c.cfg.OnConnected != nil {
		c.cfg.OnConnected()
	}
	if c.cfg.StreamCount == 0 {
		// Pure handshake benchmark (HPS mode): no streams, shut down at once.
		c.requestShutdown()
		return
	}
	for i := uint32(0); i < c.cfg.StreamCount; i++ {
		c.openStream()
	}
}

// tcpStreamHandle is the transport.Stream of a TCP stream: it tags every
// send and abort with the stream's ID on the shared TCP connection.
type tcpStreamHandle struct {
	conn transport.TCPConn
	id   uint32
}

func (h tcpStreamHandle) Send(buf []byte, isFirst, fin bool) error {
	return h.conn.Send(h.id, buf, isFirst, fin)
}

func (h tcpStreamHandle) AbortReceive() { h.conn.AbortStream(h.id) }

// openStream allocates and starts one new stream, following spec.md §4.4's
// monotonic-ID rule (the ID always comes from the worker's StreamsStarted
// counter, for both backends, so -pstream output lines up across modes).
func (c *Connection) openStream() {
	id := c.owner.NextStreamID()
	cfg := c.cfg.StreamTemplate
	cfg.OnCompleted = c.owner.StreamCompleted
	if c.cfg.IsTCP {
		cfg.Abort = func() { c.tcpConn.AbortStream(id) }
	}
	s := stream.New(id, &cfg, c)

	c.streams[id] = s
	c.streamsActive++
	c.streamsCreated++

	if c.cfg.IsTCP {
		c.table.Set(id, s, ttlcache.DefaultTTL)
		s.Attach(tcpStreamHandle{conn: c.tcpConn, id: id})
		s.Start()
		return
	}

	handle, err := c.quicConn.OpenStream(id, s)
	if err != nil {
		log.Debug("open stream failed", "conn", c.id, "stream", id, "err", err)
		delete(c.streams, id)
		c.streamsActive--
		return
	}
	s.Attach(handle)
	s.Start()
}

// OnStreamDone implements stream.Owner. It fires once per stream, from
// whichever goroutine observed that stream's shutdown-ready transition.
func (c *Connection) OnStreamDone(s *stream.Stream) {
	delete(c.streams, s.ID)
	if c.table != nil {
		c.table.Delete(s.ID)
	}
	c.streamsActive--

	if c.cfg.RepeatStreams {
		if !c.shutdownRequested {
			c.openStream()
		}
		return
	}
	if c.streamsActive == 0 && c.streamsCreated == c.cfg.StreamCount {
		c.requestShutdown()
	}
}

// requestShutdown asks the backend to tear the connection down. Idempotent.
func (c *Connection) requestShutdown() {
	if c.shutdownRequested {
		return
	}
	c.shutdownRequested = true
	if c.cfg.IsTCP {
		c.tcpConn.Shutdown()
	} else {
		c.quicConn.Shutdown()
	}
}

// OnShutdownComplete implements transport.ConnCallbacks and
// transport.TCPConnCallbacks.
func (c *Connection) OnShutdownComplete() {
	if c.shutdownDone {
		return
	}
	c.shutdownDone = true
	if c.table != nil {
		c.table.Stop()
	}
	if c.cfg.Printer != nil {
		c.cfg.Printer.ConnectionStats(c.id, c.bytesSent, c.bytesReceived, time.Since(c.startTime))
	}
	c.owner.OnConnectionDone(c)
}

// --- TCP demultiplexing ---
//
// The TCP backend only ever hands the connection a stream ID; all stream
// bookkeeping happens here, per spec.md §4.4's "TCP send-complete callback"
// and "TCP receive callback" sections.

// OnSendComplete implements transport.TCPConnCallbacks.
func (c *Connection) OnSendComplete(streamID uint32, length uint64, fin, abort bool) {
	item := c.table.Get(streamID)
	if item == nil {
		log.Debug("send-complete for unknown stream", "conn", c.id, "stream", streamID)
		return
	}
	s := item.Value()
	c.bytesSent += length
	// canceled is always false here: a completed TCP send record always
	// left the wire, whether or not it carried fin/abort. SendEndTime is
	// stamped separately below, unconditionally, so a force-abort record
	// ends the stream immediately instead of waiting on the send loop's
	// own completion bookkeeping.
	s.OnSendComplete(length, false)
	if fin || abort {
		s.MarkSendEndTime()
	}
}

// OnReceive implements transport.TCPConnCallbacks.
func (c *Connection) OnReceive(streamID uint32, length uint64, open, fin, abort bool) {
	item := c.table.Get(streamID)
	if item == nil {
		log.Debug("receive for unknown stream", "conn", c.id, "stream", streamID)
		return
	}
	s := item.Value()
	c.bytesReceived += length
	s.OnReceive(length, fin || abort)
}

// ID returns the connection's identifier, used for -pconn line labeling.
func (c *Connection) ID() uint32 {
	return c.id
}
