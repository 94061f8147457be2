// Package transport defines the callback contract between the core engine
// (internal/stream, internal/xconn, internal/worker) and the two transport
// backends that implement it: internal/transport/quicx (the datagram
// protocol, modeled on QUIC) and internal/transport/tcpx (plain TCP).
//
// The core never imports quicx or tcpx directly; it is handed a Dialer and
// drives everything through the interfaces below. This is the Go rendering
// of the "transport stacks are external collaborators" boundary in spec.md
// §1: only the operations the core invokes, and the events a backend feeds
// back through ConnCallbacks/StreamCallbacks, are specified here.
package transport

import "context"

// DialOptions carries every per-connection setup knob the core needs to
// hand to a backend before dialing. Fields that don't apply to a given
// backend are ignored by it (e.g. CIBIR and Encrypt are datagram-protocol
// only; the TCP backend ignores them).
type DialOptions struct {
	// RemoteAddr is "host:port" for the target server.
	RemoteAddr string
	// LocalAddr is the local bind address, or "" to let the OS choose.
	LocalAddr string
	// ServerName is the per-worker target hostname used for SNI /
	// certificate validation (datagram protocol only).
	ServerName string
	// ShareBinding carries the -share setting. Neither backend reads it:
	// quicx opens a new UDP socket for every connection, so connections
	// never share a local binding.
	ShareBinding bool
	// Encrypt enables transport encryption (datagram protocol only; TCP
	// requires this to be true, enforced by the run plan validation).
	Encrypt bool
	// Pacing carries the -pacing setting. quic-go has no pacing switch:
	// quicx uses Pacing=false to disable path MTU discovery instead, and
	// tcpx ignores the field. Neither backend turns send pacing on or off.
	Pacing bool
	// SendBuffering carries the -sendbuf setting. Neither backend reads
	// it; the stream's send loop uses its own copy (stream.Config.
	// SendBuffering) to decide whether to follow the ideal-send-buffer hint.
	SendBuffering bool
	// CIBIR is the already-assembled offset-byte-prefixed CIBIR identifier,
	// or nil if unset.
	CIBIR []byte
	// Measure enables periodic TCP_INFO/BBR sampling on the dialed
	// connection (TCP only; the datagram protocol terminates in userspace
	// and has no kernel socket to sample). Set when any of -pconn/-pstream/
	// -ptput is enabled.
	Measure bool
}

// Conn is the set of operations the core can invoke on an established
// transport connection.
type Conn interface {
	// OpenStream opens a new stream and wires cb to receive its events. id
	// is the 32-bit identifier the core has already assigned to this
	// stream (from the owning Worker's StreamsStarted counter); the TCP
	// backend uses it to tag every send-data record and look up the stream
	// on completion callbacks, while the datagram-protocol backend ignores
	// it (its streams carry their own opaque handle).
	OpenStream(id uint32, cb StreamCallbacks) (Stream, error)
	// Shutdown requests the connection be torn down. OnShutdownComplete
	// fires on the Conn's ConnCallbacks once teardown finishes.
	Shutdown()
	// LocalAddr returns the local address actually bound, once known. It
	// may be empty until OnConnected has fired.
	LocalAddr() string
}

// Stream is the set of operations the core can invoke on an open stream.
type Stream interface {
	// Send issues a send of buf. isFirst marks the first send of the
	// stream (the datagram protocol's START flag / TCP's open flag); fin
	// marks the last (the datagram protocol's FIN flag / TCP's fin flag).
	// OnSendComplete fires on the Stream's StreamCallbacks once the data
	// has left the send queue.
	Send(buf []byte, isFirst, fin bool) error
	// AbortReceive force-ends the receive half of the stream (used for
	// timed-download termination and local timeouts).
	AbortReceive()
}

// ConnCallbacks is implemented by internal/xconn.Connection and invoked by
// a transport backend on the backend's own execution context (a goroutine
// it owns), never concurrently with itself.
type ConnCallbacks interface {
	// OnConnected fires once the connection's handshake completes.
	OnConnected()
	// OnShutdownComplete fires once the connection has fully torn down and
	// no further callbacks will be delivered for it or its streams.
	OnShutdownComplete()
}

// StreamCallbacks is implemented by internal/stream.Stream and invoked by a
// transport backend. Calls for a single stream may come from more than one
// backend goroutine (quicx reports send completions from a stream's writer
// and receives from its reader), so *stream.Stream guards its state with its
// own mutex; calls across streams carry no ordering guarantee.
type StreamCallbacks interface {
	// OnSendComplete reports that length bytes of a previously issued Send
	// have left the send queue. canceled is true if the bytes were
	// discarded instead of sent (e.g. a peer abort raced the send).
	OnSendComplete(length uint64, canceled bool)
	// OnReceive reports length freshly received bytes; fin is true if this
	// is the last receive callback for the stream.
	OnReceive(length uint64, fin bool)
	// OnIdealSendBufferSize reports an updated ideal-send-buffer hint
	// (datagram protocol only).
	OnIdealSendBufferSize(size uint64)
	// OnPeerSendAborted reports the peer aborted its send direction, which
	// ends this stream's receive half abnormally.
	OnPeerSendAborted()
	// OnPeerReceiveAborted reports the peer aborted its receive direction,
	// which ends this stream's send half abnormally.
	OnPeerReceiveAborted()
	// OnShutdownComplete fires once the backend considers the stream fully
	// torn down (the datagram protocol's STREAM_SHUTDOWN_COMPLETE). The TCP
	// backend never calls this: the core synthesizes shutdown from
	// SendEndTime/RecvEndTime instead, per spec.
	OnShutdownComplete()
}

// Dialer opens connections of one transport kind.
type Dialer interface {
	// Dial issues an asynchronous connect to opts.RemoteAddr. It returns
	// once the attempt has been issued (not once it completes); cb.OnConnected
	// fires later, on the backend's own execution context. A non-nil error
	// here means the attempt could not even be started (e.g. bad local
	// address) and the caller must treat the connection as never created.
	Dial(ctx context.Context, opts DialOptions, cb ConnCallbacks) (Conn, error)
}

// --- TCP contract ---
//
// The datagram protocol hands the core one callback receiver per stream
// (above); the real TCP callback surface does not. A TCP connection is a
// single byte stream, and qperf's TCP backend layers its own minimal
// stream-multiplexing framing on top of it (a stream-ID-tagged record per
// send, mirroring the "TCP perf mode" of the engine this spec models, which
// exists purely so TCP and the datagram protocol can be driven by the same
// N-connections-times-M-streams scenario). The wire framing's own receive
// loop only ever surfaces a 32-bit stream ID, never a pointer or handle, so
// the lookup from ID to *stream.Stream is the connection's job, not the
// backend's — exactly as spec.md §4.4/§9 describe.

// TCPConn is the set of operations the core can invoke on an established TCP
// connection.
type TCPConn interface {
	// Send issues a send tagged with streamID. isFirst/fin carry the same
	// meaning as transport.Stream.Send.
	Send(streamID uint32, buf []byte, isFirst, fin bool) error
	// AbortStream force-ends streamID's receive half.
	AbortStream(streamID uint32)
	// Shutdown tears down the underlying TCP connection.
	Shutdown()
}

// TCPConnCallbacks is implemented by internal/xconn.Connection for TCP
// connections and invoked by internal/transport/tcpx as it demultiplexes
// the wire framing. All calls for one connection are serialized.
type TCPConnCallbacks interface {
	// OnConnected fires once the TCP handshake completes.
	OnConnected()
	// OnSendComplete reports that a send record for streamID has left the
	// send queue. fin/abort report the flags that record carried.
	OnSendComplete(streamID uint32, length uint64, fin, abort bool)
	// OnReceive reports length freshly received bytes for streamID. open is
	// true for the first receive callback of a stream; fin/abort report the
	// flags the wire record carried.
	OnReceive(streamID uint32, length uint64, open, fin, abort bool)
	// OnShutdownComplete fires once the underlying TCP connection has
	// closed (e.g. after a peer reset, or after Shutdown's close completes).
	OnShutdownComplete()
}

// TCPDialer opens TCP connections.
type TCPDialer interface {
	// Dial mirrors Dialer.Dial for the TCP contract.
	Dial(ctx context.Context, opts DialOptions, cb TCPConnCallbacks) (TCPConn, error)
}
