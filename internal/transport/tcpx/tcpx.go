// Package tcpx implements transport.TCPDialer over plain TCP. A single
// socket carries every stream of a connection, so tcpx layers a minimal
// stream-multiplexing frame on top of it: each frame is tagged with the
// 32-bit stream ID the core already assigned, exactly the "TCP perf mode"
// framing spec.md §4.4/§9 describe. This is why the TCP contract in
// internal/transport hands the core raw stream IDs instead of per-stream
// handles: the wire format itself has no concept of a stream object.
package tcpx

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/perfnet/qperf/internal/measurer"
	"github.com/perfnet/qperf/internal/netx"
	"github.com/perfnet/qperf/internal/transport"
)

const (
	flagOpen byte = 1 << iota
	flagFin
	flagAbort
)

// headerSize is [stream_id u32][flags u8][length u32].
const headerSize = 4 + 1 + 4

// maxFrameSize bounds a single frame's payload so a corrupt or hostile peer
// can't make the reader allocate an unbounded buffer.
const maxFrameSize = 16 << 20

// sendRecord is the pool-allocated unit tcpx queues onto a connection's
// writer goroutine, mirroring the thread-local send-data-record pool
// spec.md §4.5 assigns to each worker.
type sendRecord struct {
	streamID uint32
	flags    byte
	buf      []byte
}

// Dialer opens TCP connections and owns the send-data record pool shared by
// every connection it dials (one Dialer per worker, per spec.md §4.5's
// thread-affine pool rule).
type Dialer struct {
	pool sync.Pool
}

// NewDialer returns a ready-to-use Dialer.
func NewDialer() *Dialer {
	return &Dialer{
		pool: sync.Pool{New: func() any { return &sendRecord{} }},
	}
}

func (d *Dialer) getRecord() *sendRecord {
	return d.pool.Get().(*sendRecord)
}

func (d *Dialer) putRecord(r *sendRecord) {
	r.buf = nil
	d.pool.Put(r)
}

// Dial implements transport.TCPDialer.
func (d *Dialer) Dial(ctx context.Context, opts transport.DialOptions, cb transport.TCPConnCallbacks) (transport.TCPConn, error) {
	var dialer net.Dialer
	if opts.LocalAddr != "" {
		laddr, err := net.ResolveTCPAddr("tcp", opts.LocalAddr)
		if err != nil {
			return nil, err
		}
		dialer.LocalAddr = laddr
	}

	rawConn, err := dialer.DialContext(ctx, "tcp", opts.RemoteAddr)
	if err != nil {
		return nil, err
	}

	var nc net.Conn = rawConn
	if tcpConn, ok := rawConn.(*net.TCPConn); ok {
		if wrapped, err := netx.FromTCPConn(tcpConn); err == nil {
			nc = wrapped
		} else {
			log.Debug("tcpx: netx wrap failed, stats unavailable", "err", err)
		}
	}

	c := &conn{
		nc:     nc,
		cb:     cb,
		dialer: d,
		sendCh: make(chan *sendRecord, 64),
		doneCh: make(chan struct{}),
	}
	go c.writeLoop()
	go c.readLoop()
	if opts.Measure {
		c.startMeasuring(ctx, nc)
	}
	go cb.OnConnected()
	return c, nil
}

// startMeasuring samples TCP_INFO/BBR state when any of -ptput/-pconn/-pstream
// is set and nc was successfully wrapped by netx (i.e. on platforms and
// connection types measurer.Start supports). Each sample is logged at debug
// level; none of it reaches the -pconn/-pstream output lines. Sampling
// failures are logged and otherwise ignored: they never affect the run.
func (c *conn) startMeasuring(ctx context.Context, nc net.Conn) {
	mc, ok := nc.(measurer.Connection)
	if !ok {
		return
	}
	samples, err := measurer.Start(ctx, mc)
	if err != nil {
		log.Debug("tcpx: measurer start failed", "err", err)
		return
	}
	go func() {
		for m := range samples {
			log.Debug("tcp stats", "elapsed", m.ElapsedTime, "tcpinfo", m.TCPInfo, "bbr", m.BBRInfo)
		}
	}()
}

type conn struct {
	nc     net.Conn
	cb     transport.TCPConnCallbacks
	dialer *Dialer
	sendCh chan *sendRecord
	doneCh chan struct{}
	once   sync.Once
}

// Send implements transport.TCPConn. Queuing is asynchronous: if the writer
// goroutine is behind, the record is handed to a throwaway goroutine
// instead of blocking here, since the caller may itself be running on the
// writer's own completion-dispatch stack (OnSendComplete -> the stream's
// send loop -> Send again).
func (c *conn) Send(streamID uint32, buf []byte, isFirst, fin bool) error {
	rec := c.dialer.getRecord()
	rec.streamID = streamID
	rec.buf = buf
	rec.flags = 0
	if isFirst {
		rec.flags |= flagOpen
	}
	if fin {
		rec.flags |= flagFin
	}
	c.enqueue(rec)
	return nil
}

// AbortStream implements transport.TCPConn.
func (c *conn) AbortStream(streamID uint32) {
	rec := c.dialer.getRecord()
	rec.streamID = streamID
	rec.flags = flagAbort
	rec.buf = nil
	c.enqueue(rec)
}

func (c *conn) enqueue(rec *sendRecord) {
	select {
	case c.sendCh <- rec:
	case <-c.doneCh:
	default:
		go func() {
			select {
			case c.sendCh <- rec:
			case <-c.doneCh:
			}
		}()
	}
}

// Shutdown implements transport.TCPConn.
func (c *conn) Shutdown() {
	c.teardown()
}

func (c *conn) teardown() {
	c.once.Do(func() {
		close(c.doneCh)
		c.nc.Close()
		c.cb.OnShutdownComplete()
	})
}

func (c *conn) writeLoop() {
	hdr := make([]byte, headerSize)
	for {
		select {
		case rec := <-c.sendCh:
			binary.LittleEndian.PutUint32(hdr[0:4], rec.streamID)
			hdr[4] = rec.flags
			binary.LittleEndian.PutUint32(hdr[5:9], uint32(len(rec.buf)))

			streamID, flags, buf := rec.streamID, rec.flags, rec.buf
			c.dialer.putRecord(rec)

			if _, err := c.nc.Write(hdr); err != nil {
				c.teardown()
				return
			}
			if len(buf) > 0 {
				if _, err := c.nc.Write(buf); err != nil {
					c.teardown()
					return
				}
			}
			c.cb.OnSendComplete(streamID, uint64(len(buf)), flags&flagFin != 0, flags&flagAbort != 0)
		case <-c.doneCh:
			return
		}
	}
}

func (c *conn) readLoop() {
	hdr := make([]byte, headerSize)
	for {
		if _, err := io.ReadFull(c.nc, hdr); err != nil {
			c.teardown()
			return
		}
		streamID := binary.LittleEndian.Uint32(hdr[0:4])
		flags := hdr[4]
		length := binary.LittleEndian.Uint32(hdr[5:9])
		if length > maxFrameSize {
			c.teardown()
			return
		}

		if length > 0 {
			buf := make([]byte, length)
			if _, err := io.ReadFull(c.nc, buf); err != nil {
				c.teardown()
				return
			}
		}

		c.cb.OnReceive(streamID, uint64(length), flags&flagOpen != 0, flags&flagFin != 0, flags&flagAbort != 0)
	}
}
