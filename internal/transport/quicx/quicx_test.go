package quicx

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/perfnet/qperf/internal/transport"
)

// selfSignedTLSConfig builds a minimal server TLS config for a loopback
// QUIC listener, since quic-go requires TLS 1.3 even for a test server.
func selfSignedTLSConfig(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "qperf-test"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create cert: %v", err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}
}

// serveOneEchoStream accepts a single connection and stream, echoing
// whatever it reads back with a FIN, then returns.
func serveOneEchoStream(t *testing.T, ln *quic.Listener) {
	t.Helper()
	go func() {
		qc, err := ln.Accept(context.Background())
		if err != nil {
			return
		}
		qs, err := qc.AcceptStream(context.Background())
		if err != nil {
			return
		}
		buf, err := io.ReadAll(qs)
		if err != nil {
			return
		}
		qs.Write(buf)
		qs.Close()
	}()
}

type recordingCallbacks struct {
	mu        sync.Mutex
	connected bool
}

func (cb *recordingCallbacks) OnConnected() {
	cb.mu.Lock()
	cb.connected = true
	cb.mu.Unlock()
}
func (cb *recordingCallbacks) OnShutdownComplete() {}

type streamCallbacks struct {
	mu       sync.Mutex
	sent     []uint64
	received []uint64
	fin      bool
}

func (s *streamCallbacks) OnSendComplete(length uint64, canceled bool) {
	s.mu.Lock()
	s.sent = append(s.sent, length)
	s.mu.Unlock()
}
func (s *streamCallbacks) OnReceive(length uint64, fin bool) {
	s.mu.Lock()
	s.received = append(s.received, length)
	if fin {
		s.fin = true
	}
	s.mu.Unlock()
}
func (s *streamCallbacks) OnIdealSendBufferSize(uint64) {}
func (s *streamCallbacks) OnPeerSendAborted()           {}
func (s *streamCallbacks) OnPeerReceiveAborted()        {}
func (s *streamCallbacks) OnShutdownComplete()          {}

func TestDialOpenStreamEchoRoundTrip(t *testing.T) {
	ln, err := quic.ListenAddr("127.0.0.1:0", selfSignedTLSConfig(t), nil)
	if err != nil {
		t.Fatalf("ListenAddr() error = %v", err)
	}
	defer ln.Close()
	serveOneEchoStream(t, ln)

	d := NewDialer()
	connCB := &recordingCallbacks{}
	c, err := d.Dial(context.Background(), transport.DialOptions{
		RemoteAddr: ln.Addr().String(),
		ServerName: "qperf-test",
		Encrypt:    false, // InsecureSkipVerify path; the test CA isn't trusted
	}, connCB)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Shutdown()

	sc := &streamCallbacks{}
	st, err := c.OpenStream(0, sc)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	if err := st.Send([]byte("hello"), true, true); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	deadline := time.After(3 * time.Second)
	for {
		sc.mu.Lock()
		done := sc.fin
		sc.mu.Unlock()
		if done {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("stream never observed FIN")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if connCB == nil || !connCB.connected {
		t.Errorf("OnConnected never fired")
	}
}

func TestLocalAddrReflectsBoundUDPSocket(t *testing.T) {
	ln, err := quic.ListenAddr("127.0.0.1:0", selfSignedTLSConfig(t), nil)
	if err != nil {
		t.Fatalf("ListenAddr() error = %v", err)
	}
	defer ln.Close()
	serveOneEchoStream(t, ln)

	d := NewDialer()
	c, err := d.Dial(context.Background(), transport.DialOptions{
		RemoteAddr: ln.Addr().String(),
		LocalAddr:  "127.0.0.1:0",
		ServerName: "qperf-test",
	}, &recordingCallbacks{})
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer c.Shutdown()

	host, _, err := net.SplitHostPort(c.LocalAddr())
	if err != nil {
		t.Fatalf("LocalAddr() = %q, not host:port: %v", c.LocalAddr(), err)
	}
	if host != "127.0.0.1" {
		t.Errorf("LocalAddr() host = %q, want 127.0.0.1", host)
	}
}
