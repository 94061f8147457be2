package measurer_test

import (
	"context"
	"net"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/perfnet/qperf/internal/measurer"
)

type mockConn struct {
	underlying net.Conn
}

func (c *mockConn) UnderlyingConn() net.Conn {
	return c.underlying
}

func TestStart(t *testing.T) {
	fd, err := syscall.Socket(syscall.AF_INET, syscall.SOCK_STREAM, 0)
	rtx.Must(err, "cannot create test socket")
	fp := os.NewFile(uintptr(fd), "test-socket")
	conn, err := net.FileConn(fp)
	rtx.Must(err, "cannot create net.Conn")
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mchan, err := measurer.Start(ctx, &mockConn{underlying: conn})
	if err != nil {
		t.Fatalf("Start() returned an error: %v", err)
	}
	select {
	case <-mchan:
	case <-time.After(2 * time.Second):
		t.Fatalf("did not receive any measurement")
	}
}
