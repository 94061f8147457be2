package tcpx

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/perfnet/qperf/internal/transport"
)

// rawPeer is a bare-bones frame-level peer standing in for a real qperf
// server: it accepts one connection, echoes back whatever it reads as a
// single fin-flagged frame per received frame, and lets the test assert on
// what it saw.
type rawPeer struct {
	ln net.Listener
}

func newRawPeer(t *testing.T) (*rawPeer, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &rawPeer{ln: ln}, ln.Addr().String()
}

func (p *rawPeer) serveOneEcho(t *testing.T) {
	t.Helper()
	go func() {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		hdr := make([]byte, headerSize)
		for {
			if _, err := io.ReadFull(c, hdr); err != nil {
				return
			}
			streamID := binary.LittleEndian.Uint32(hdr[0:4])
			length := binary.LittleEndian.Uint32(hdr[5:9])
			buf := make([]byte, length)
			if length > 0 {
				if _, err := io.ReadFull(c, buf); err != nil {
					return
				}
			}
			out := make([]byte, headerSize)
			binary.LittleEndian.PutUint32(out[0:4], streamID)
			out[4] = flagOpen | flagFin
			binary.LittleEndian.PutUint32(out[5:9], length)
			if _, err := c.Write(out); err != nil {
				return
			}
			if length > 0 {
				c.Write(buf)
			}
		}
	}()
}

type recordingCallbacks struct {
	mu        sync.Mutex
	connected bool
	sends     []uint64
	receives  []uint64
	done      chan struct{}
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{done: make(chan struct{})}
}

func (cb *recordingCallbacks) OnConnected() {
	cb.mu.Lock()
	cb.connected = true
	cb.mu.Unlock()
}

func (cb *recordingCallbacks) OnSendComplete(streamID uint32, length uint64, fin, abort bool) {
	cb.mu.Lock()
	cb.sends = append(cb.sends, length)
	cb.mu.Unlock()
}

func (cb *recordingCallbacks) OnReceive(streamID uint32, length uint64, open, fin, abort bool) {
	cb.mu.Lock()
	cb.receives = append(cb.receives, length)
	cb.mu.Unlock()
}

func (cb *recordingCallbacks) OnShutdownComplete() {
	close(cb.done)
}

func TestDialAndEchoRoundTrip(t *testing.T) {
	peer, addr := newRawPeer(t)
	peer.serveOneEcho(t)
	defer peer.ln.Close()

	d := NewDialer()
	cb := newRecordingCallbacks()
	conn, err := d.Dial(context.Background(), transport.DialOptions{RemoteAddr: addr}, cb)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Shutdown()

	if err := conn.Send(1, []byte("hello"), true, true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		cb.mu.Lock()
		got := len(cb.receives) > 0 && len(cb.sends) > 0
		cb.mu.Unlock()
		if got {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("did not observe send+receive completion in time")
		case <-time.After(time.Millisecond):
		}
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if !cb.connected {
		t.Errorf("OnConnected never fired")
	}
	if cb.sends[0] != 5 {
		t.Errorf("send length = %d, want 5", cb.sends[0])
	}
	if cb.receives[0] != 5 {
		t.Errorf("receive length = %d, want 5", cb.receives[0])
	}
}

func TestShutdownFiresOnShutdownCompleteOnce(t *testing.T) {
	peer, addr := newRawPeer(t)
	peer.serveOneEcho(t)
	defer peer.ln.Close()

	d := NewDialer()
	cb := newRecordingCallbacks()
	conn, err := d.Dial(context.Background(), transport.DialOptions{RemoteAddr: addr}, cb)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}

	conn.Shutdown()
	conn.Shutdown() // must not panic or double-close

	select {
	case <-cb.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("OnShutdownComplete never fired")
	}
}
