// Package measurer periodically samples TCP_INFO/BBR kernel state for a TCP
// connection. internal/transport/tcpx starts it when any of the
// -ptput/-pconn/-pstream print flags is set and logs each sample at debug
// level. The datagram protocol has no equivalent hook
// (QUIC terminates in userspace, not the kernel's TCP stack) so this
// package is only ever attached to connections dialed by internal/transport/tcpx.
package measurer

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/go/rtx"
	"github.com/m-lab/ndt-server/tcpinfox"
	"github.com/m-lab/tcp-info/inetdiag"
	"github.com/m-lab/tcp-info/tcp"

	"github.com/perfnet/qperf/internal/congestion"
	"github.com/perfnet/qperf/internal/netx"
)

// Sampling interval bounds for the periodic ticker. A fixed interval would
// let a server fingerprint the client by its sample cadence, so this uses
// the same memoryless jittered-ticker idiom as the rest of the run.
const (
	MinMeasureInterval = 100 * time.Millisecond
	AvgMeasureInterval = 250 * time.Millisecond
	MaxMeasureInterval = 500 * time.Millisecond
)

// Connection is the subset of internal/netx.Conn the measurer needs.
type Connection interface {
	UnderlyingConn() net.Conn
}

// Measurement is one BBR/TCP_INFO snapshot.
type Measurement struct {
	ElapsedTime time.Duration
	BBRInfo     *inetdiag.BBRInfo
	TCPInfo     *tcp.LinuxTCPInfo
}

type sampler struct {
	fp        *os.File
	ticker    *memoryless.Ticker
	startTime time.Time

	dstChan chan Measurement
}

// Start launches a sampler goroutine that periodically reads tcp_info/BBR
// info for conn and sends snapshots on the returned channel until ctx is
// canceled. Returns an error if conn's file descriptor cannot be obtained
// (e.g. the connection is not a *net.TCPConn).
func Start(ctx context.Context, conn Connection) (<-chan Measurement, error) {
	// Buffered to tolerate a slow reader; 100 slots covers ~10s at the
	// fastest sampling rate (~25s at the average one) before a reader would
	// start blocking us.
	dst := make(chan Measurement, 100)

	t, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      MinMeasureInterval,
		Expected: AvgMeasureInterval,
		Max:      MaxMeasureInterval,
	})
	// Only possible if the constants above were misconfigured.
	rtx.PanicOnError(err, "measurer: ticker creation failed")

	fp, err := netx.GetFile(conn.UnderlyingConn())
	if err != nil {
		return nil, err
	}
	s := &sampler{
		fp:      fp,
		ticker:  t,
		dstChan: dst,
	}

	go func() {
		s.startTime = time.Now()
		s.loop(ctx)
	}()
	return dst, nil
}

func (s *sampler) stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.dstChan)
}

func (s *sampler) loop(ctx context.Context) {
	log.Debug("measurer started")
	defer log.Debug("measurer stopped")
	for {
		select {
		case <-ctx.Done():
			s.stop()
			return
		case <-s.ticker.C:
			s.measure(ctx)
		}
	}
}

func (s *sampler) measure(ctx context.Context) {
	// Expected to fail when the flow isn't using BBR; logged at debug level
	// only since this is the common case on most stacks.
	bbrInfo, err := congestion.GetBBRInfo(s.fp)
	if err != nil && !errors.Is(err, congestion.ErrNoSupport) {
		log.Debug("bbr info unavailable", "err", err)
	}
	tcpInfo, err := tcpinfox.GetTCPInfo(s.fp)
	if err != nil && !errors.Is(err, tcpinfox.ErrNoSupport) {
		log.Debug("tcp info unavailable", "err", err)
	}

	select {
	case <-ctx.Done():
	case s.dstChan <- Measurement{
		ElapsedTime: time.Since(s.startTime),
		BBRInfo:     &bbrInfo,
		TCPInfo:     tcpInfo,
	}:
	}
}
