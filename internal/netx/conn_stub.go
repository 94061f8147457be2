//go:build !linux
// +build !linux

package netx

import (
	"net"
	"time"
)

func fromTCPConn(tcpConn *net.TCPConn) (*Conn, error) {
	// TCPInfo/BBRInfo aren't supported outside Linux; no file pointer needed.
	return &Conn{
		Conn:     tcpConn,
		dialTime: time.Now(),
	}, nil
}

func (c *Conn) close() error {
	return c.Conn.Close()
}
