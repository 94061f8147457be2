package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/perfnet/qperf/internal/buffer"
	"github.com/perfnet/qperf/internal/stream"
	"github.com/perfnet/qperf/internal/transport"
)

// fakeDialer hands out connections that self-complete their handshake
// synchronously, so a driven worker reaches steady state deterministically.
type fakeDialer struct {
	mu    sync.Mutex
	dials int
}

func (d *fakeDialer) Dial(ctx context.Context, opts transport.DialOptions, cb transport.ConnCallbacks) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	c := &fakeConn{cb: cb}
	go cb.OnConnected()
	return c, nil
}

type fakeConn struct {
	cb transport.ConnCallbacks
}

func (c *fakeConn) OpenStream(id uint32, cb transport.StreamCallbacks) (transport.Stream, error) {
	return &fakeStream{}, nil
}
func (c *fakeConn) Shutdown()         { go c.cb.OnShutdownComplete() }
func (c *fakeConn) LocalAddr() string { return "127.0.0.1:0" }

type fakeStream struct{}

func (s *fakeStream) Send(buf []byte, isFirst, fin bool) error { return nil }
func (s *fakeStream) AbortReceive()                            {}

type fakeOwner struct {
	mu   sync.Mutex
	done []*Worker
}

func (o *fakeOwner) OnWorkerDone(w *Worker) {
	o.mu.Lock()
	o.done = append(o.done, w)
	o.mu.Unlock()
}

func newTestWorker(t *testing.T, streamCount uint32, repeat bool) (*Worker, *fakeDialer, *fakeOwner) {
	t.Helper()
	dialer := &fakeDialer{}
	owner := &fakeOwner{}
	cfg := &Config{
		IdealProcessor:    -1,
		RemoteAddr:        "127.0.0.1:1234",
		IsTCP:             false,
		RepeatConnections: repeat,
		StreamCount:       streamCount,
		Dialer:            dialer,
		StreamTemplate: stream.Config{
			IOSize:  1024,
			Request: buffer.New(1024, 0),
		},
	}
	return New(1, cfg, owner), dialer, owner
}

func TestQueueNewConnectionDialsImmediately(t *testing.T) {
	w, dialer, _ := newTestWorker(t, 0, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Stop()

	for i := 0; i < 5; i++ {
		w.QueueNewConnection()
	}

	waitFor(t, func() bool {
		dialer.mu.Lock()
		defer dialer.mu.Unlock()
		return dialer.dials == 5
	})
	waitFor(t, func() bool { return w.Counters.ConnectionsCreated.Load() == 5 })
}

func TestHPSConnectionsCompleteWithoutStreams(t *testing.T) {
	w, _, owner := newTestWorker(t, 0, false)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)
	defer w.Stop()

	w.QueueNewConnection()
	w.QueueNewConnection()

	waitFor(t, func() bool { return w.Counters.ConnectionsCompleted.Load() == 2 })
	waitFor(t, func() bool {
		owner.mu.Lock()
		defer owner.mu.Unlock()
		return len(owner.done) == 1
	})
}

func TestNextStreamIDMonotonic(t *testing.T) {
	w, _, _ := newTestWorker(t, 0, false)
	first := w.NextStreamID()
	second := w.NextStreamID()
	if second != first+1 {
		t.Fatalf("NextStreamID() sequence = %d, %d, want consecutive", first, second)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}
