// Package netx wraps a dialed net.Conn with the byte counters, congestion
// control access, and tracing ID the core's -pconn/-pstream statistics need.
package netx

import (
	"crypto/tls"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	guuid "github.com/google/uuid"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/inetdiag"
	"github.com/m-lab/tcp-info/tcp"
	"github.com/m-lab/uuid"

	"github.com/perfnet/qperf/internal/congestion"
)

// ConnInfo provides operations on a net.Conn's underlying file descriptor.
type ConnInfo interface {
	ByteCounters() (uint64, uint64)
	Info() (inetdiag.BBRInfo, tcp.LinuxTCPInfo, error)
	DialTime() time.Time
	UUID() (string, error)
	GetCC() (string, error)
	SetCC(string) error
}

// ToConnInfo converts a net.Conn dialed through this package back into a
// netx.ConnInfo. It panics if netConn does not contain a *Conn, since every
// connection the TCP backend hands to the core is built by FromTCPConn.
func ToConnInfo(netConn net.Conn) ConnInfo {
	switch t := netConn.(type) {
	case *Conn:
		return t
	case *tls.Conn:
		return t.NetConn().(*Conn)
	default:
		panic(fmt.Sprintf("unsupported connection type: %T", t))
	}
}

// Conn is an extended net.Conn that stores its dial time, a duplicate file
// descriptor for the underlying socket, and read/write byte counters.
type Conn struct {
	net.Conn

	fp           *os.File
	dialTime     time.Time
	bytesRead    atomic.Uint64
	bytesWritten atomic.Uint64
}

// FromTCPConn wraps a freshly dialed *net.TCPConn.
func FromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	return fromTCPConn(tcpConn)
}

// UnderlyingConn implements measurer.Connection.
func (c *Conn) UnderlyingConn() net.Conn {
	return c.Conn
}

// Read reads from the underlying net.Conn and updates the read counter.
func (c *Conn) Read(b []byte) (int, error) {
	n, err := c.Conn.Read(b)
	c.bytesRead.Add(uint64(n))
	return n, err
}

// Write writes to the underlying net.Conn and updates the written counter.
func (c *Conn) Write(b []byte) (int, error) {
	n, err := c.Conn.Write(b)
	c.bytesWritten.Add(uint64(n))
	return n, err
}

// ByteCounters returns the read and written byte counters, in this order.
func (c *Conn) ByteCounters() (uint64, uint64) {
	return c.bytesRead.Load(), c.bytesWritten.Load()
}

// Close closes the underlying net.Conn and the duplicated file descriptor.
func (c *Conn) Close() error {
	return c.close()
}

// SetCC sets the congestion control algorithm on the underlying socket.
func (c *Conn) SetCC(cc string) error {
	return congestion.Set(c.fp, cc)
}

// GetCC reads the current congestion control algorithm from the underlying
// socket.
func (c *Conn) GetCC() (string, error) {
	return congestion.Get(c.fp)
}

// Info returns the BBRInfo and TCPInfo structs for the underlying socket. It
// returns an error if TCPInfo cannot be read.
func (c *Conn) Info() (inetdiag.BBRInfo, tcp.LinuxTCPInfo, error) {
	// Expected to fail if this connection isn't using BBR.
	bbrInfo, _ := congestion.GetBBRInfo(c.fp)
	tcpInfo, err := tcpinfox.GetTCPInfo(c.fp)
	if tcpInfo == nil {
		return bbrInfo, tcp.LinuxTCPInfo{}, err
	}
	return bbrInfo, *tcpInfo, err
}

// DialTime returns the time this connection was established.
func (c *Conn) DialTime() time.Time {
	return c.dialTime
}

// UUID returns an M-Lab UUID derived from SO_COOKIE. On platforms without
// SO_COOKIE support, it falls back to a google/uuid.
func (c *Conn) UUID() (string, error) {
	id, err := uuid.FromFile(c.fp)
	if err != nil {
		gid, err := guuid.NewUUID()
		// Can only fail if the system clock is unreadable.
		rtx.Must(err, "unable to fall back to uuid")
		id = gid.String()
	}
	return id, nil
}
