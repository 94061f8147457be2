// Package stream implements the per-stream state machine of spec.md §4.3:
// drive the send loop, accumulate receive bytes, and compute per-stream
// throughput and latency at shutdown.
package stream

import (
	"math"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/perfnet/qperf/internal/buffer"
	"github.com/perfnet/qperf/internal/latency"
	"github.com/perfnet/qperf/internal/transport"
)

// probeBytes is the length of the zero-length-stream probe: just enough
// bytes for the server to echo a length hint back.
const probeBytes = 8

// Printer receives per-stream throughput lines when printing is enabled.
// Implemented by the top-level Client's Emitter.
type Printer interface {
	StreamThroughput(id uint32, bytesSent, bytesReceived uint64, elapsed time.Duration)
}

// Owner is notified once a stream's shutdown sequence completes. Implemented
// by internal/xconn.Connection.
type Owner interface {
	OnStreamDone(s *Stream)
}

// Config holds the run-wide, read-only settings a Stream needs. Each stream
// gets its own copy, in which internal/xconn fills in OnCompleted and Abort.
type Config struct {
	Upload        uint64 // bytes, or milliseconds if Timed
	Download      uint64 // bytes, or milliseconds if Timed
	Timed         bool
	IOSize        uint32
	Request       *buffer.Request
	SendBuffering bool
	IsTCP         bool
	Collector     *latency.Collector
	Printer       Printer // nil disables per-stream printing
	OnCompleted   func()  // increments the owning Worker's StreamsCompleted

	// Abort force-ends the receive half on a timed-download deadline. The
	// datagram protocol instead uses the attached transport.Stream's
	// AbortReceive directly; Abort is only consulted when IsTCP is true,
	// since TCP has no per-stream handle to call through.
	Abort func()
}

// Stream is the per-stream state machine described in spec.md §3/§4.3.
type Stream struct {
	ID  uint32 // TCP stream table key; 0 for the datagram protocol
	cfg *Config

	owner  Owner
	handle transport.Stream

	mu sync.Mutex

	startTime     time.Time
	sendEndTime   time.Time
	recvStartTime time.Time
	recvEndTime   time.Time

	bytesSent        uint64
	bytesAcked       uint64
	bytesOutstanding uint64
	bytesReceived    uint64

	idealSendBuffer uint64
	sendComplete    bool
	shutdownDone    bool
}

// New creates a Stream in the just-created state. Attach must be called once
// the transport handle is available, followed by Start to kick off the send
// loop.
func New(id uint32, cfg *Config, owner Owner) *Stream {
	return &Stream{
		ID:              id,
		cfg:             cfg,
		owner:           owner,
		startTime:       time.Now(),
		idealSendBuffer: buffer.DefaultIdealSendBuffer,
	}
}

// Attach wires the transport-level stream handle once the backend has
// opened it.
func (s *Stream) Attach(h transport.Stream) {
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()
}

// Start issues the stream's first send(s). Safe to call once per stream
// (including a repeat-mode replacement stream, which is a fresh Stream).
func (s *Stream) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trySendLocked()
}

// trySendLocked implements the send loop of spec.md §4.3. Callers must hold
// s.mu.
func (s *Stream) trySendLocked() {
	for !s.sendComplete && s.bytesOutstanding < s.idealSendBuffer {
		var bytesLeft uint64
		switch {
		case s.cfg.Timed:
			bytesLeft = math.MaxUint64
		case s.cfg.Upload > 0:
			bytesLeft = s.cfg.Upload - s.bytesSent
		default:
			bytesLeft = probeBytes - s.bytesSent
		}

		dataLength := uint64(s.cfg.IOSize)
		isFirst := s.bytesSent == 0
		fin := false
		var buf []byte

		if dataLength >= bytesLeft {
			dataLength = bytesLeft
			buf = s.cfg.Request.Last(dataLength)
			fin = true
			s.sendComplete = true
		} else if s.cfg.Timed && time.Since(s.startTime) >= time.Duration(s.cfg.Upload)*time.Millisecond {
			fin = true
			s.sendComplete = true
			buf = s.cfg.Request.Bytes()[:dataLength]
		} else {
			buf = s.cfg.Request.Bytes()[:dataLength]
		}

		if dataLength == 0 && !fin {
			// Nothing left to send and no FIN to attach: stop rather than
			// issue a zero-length, non-terminal send.
			return
		}

		s.bytesSent += dataLength
		s.bytesOutstanding += dataLength

		if err := s.handle.Send(buf, isFirst, fin); err != nil {
			log.Debug("stream send failed", "stream", s.ID, "err", err)
			return
		}
	}
}

// OnSendComplete implements transport.StreamCallbacks.
func (s *Stream) OnSendComplete(length uint64, canceled bool) {
	s.mu.Lock()
	s.bytesOutstanding -= length
	if !canceled {
		s.bytesAcked += length
	}
	if s.sendComplete && s.bytesOutstanding == 0 && s.sendEndTime.IsZero() {
		s.sendEndTime = time.Now()
	}
	s.trySendLocked()
	done := s.shutdownReadyLocked()
	s.mu.Unlock()

	if done {
		s.finish()
	}
}

// MarkSendEndTime unconditionally stamps SendEndTime (TCP only). Called by
// internal/xconn.Connection when a completed send record carried Fin or
// Abort, regardless of whether this stream's own send loop considers
// itself done yet — a force-abort record (from the download half's timed
// deadline) must shut the stream down immediately rather than wait for the
// upload half's own unrelated deadline.
func (s *Stream) MarkSendEndTime() {
	s.mu.Lock()
	if s.sendEndTime.IsZero() {
		s.sendEndTime = time.Now()
	}
	done := s.shutdownReadyLocked()
	s.mu.Unlock()

	if done {
		s.finish()
	}
}

// OnReceive implements transport.StreamCallbacks.
func (s *Stream) OnReceive(length uint64, fin bool) {
	s.mu.Lock()
	if s.recvStartTime.IsZero() && length > 0 {
		s.recvStartTime = time.Now()
	}
	s.bytesReceived += length

	deadlineFired := false
	if s.cfg.Timed && s.cfg.Download > 0 && !s.recvStartTime.IsZero() && s.recvEndTime.IsZero() {
		if time.Since(s.recvStartTime) >= time.Duration(s.cfg.Download)*time.Millisecond {
			fin = true
			deadlineFired = true
		}
	}
	abort := false
	if fin && s.recvEndTime.IsZero() {
		s.recvEndTime = time.Now()
		// Only a tripped elapsed-time deadline force-ends the receive half;
		// a natural fin from the peer before the deadline must not
		// re-trigger the abort path.
		abort = deadlineFired
	}
	done := s.shutdownReadyLocked()
	s.mu.Unlock()

	if abort {
		if s.cfg.IsTCP {
			s.cfg.Abort()
		} else {
			s.handle.AbortReceive()
		}
	}
	if done {
		s.finish()
	}
}

// OnIdealSendBufferSize implements transport.StreamCallbacks.
func (s *Stream) OnIdealSendBufferSize(size uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Upload == 0 && !s.cfg.Timed {
		return // upload not enabled on this stream: hint is meaningless.
	}
	if s.cfg.SendBuffering {
		return // transport owns buffering; the core ignores the hint.
	}
	if size == s.idealSendBuffer {
		return
	}
	s.idealSendBuffer = size
	s.trySendLocked()
}

// OnPeerSendAborted implements transport.StreamCallbacks.
func (s *Stream) OnPeerSendAborted() {
	s.mu.Lock()
	if s.recvEndTime.IsZero() {
		s.recvEndTime = time.Now()
	}
	done := s.shutdownReadyLocked()
	s.mu.Unlock()

	if done {
		s.finish()
	}
}

// OnPeerReceiveAborted implements transport.StreamCallbacks.
func (s *Stream) OnPeerReceiveAborted() {
	s.mu.Lock()
	s.sendComplete = true
	if s.sendEndTime.IsZero() {
		s.sendEndTime = time.Now()
	}
	done := s.shutdownReadyLocked()
	s.mu.Unlock()

	if done {
		s.finish()
	}
}

// OnShutdownComplete implements transport.StreamCallbacks (datagram protocol
// only; TCP synthesizes shutdown from SendEndTime/RecvEndTime instead).
func (s *Stream) OnShutdownComplete() {
	s.mu.Lock()
	if s.sendEndTime.IsZero() {
		s.sendEndTime = time.Now()
	}
	if s.recvEndTime.IsZero() {
		s.recvEndTime = time.Now()
	}
	s.mu.Unlock()
	s.finish()
}

// shutdownReadyLocked reports whether both halves have terminated (the TCP
// shutdown-synthesis rule of spec.md §4.3) and shutdown has not been handled
// yet. The caller calls finish when this returns true; finish itself flips
// shutdownDone, so any later call to it is a no-op. Callers must hold s.mu.
func (s *Stream) shutdownReadyLocked() bool {
	if s.shutdownDone {
		return false
	}
	if s.sendEndTime.IsZero() || s.recvEndTime.IsZero() {
		return false
	}
	return true
}

// finish runs the on-shutdown-complete logic of spec.md §4.3: evaluate
// success, submit a latency sample, print per-half throughput, and notify
// the owning connection. It must not be called while s.mu is held.
func (s *Stream) finish() {
	s.mu.Lock()
	if s.shutdownDone {
		s.mu.Unlock()
		return
	}
	s.shutdownDone = true
	uploadOK, downloadOK := s.successLocked()
	start := s.startTime
	recvEnd := s.recvEndTime
	bytesSent := s.bytesSent
	bytesReceived := s.bytesReceived
	s.mu.Unlock()

	if uploadOK && downloadOK {
		if s.cfg.Collector != nil {
			s.cfg.Collector.Record(uint64(recvEnd.Sub(start).Microseconds()))
		}
		if s.cfg.OnCompleted != nil {
			s.cfg.OnCompleted()
		}
	}
	if s.cfg.Printer != nil {
		s.cfg.Printer.StreamThroughput(s.ID, bytesSent, bytesReceived, recvEnd.Sub(start))
	}
	s.owner.OnStreamDone(s)
}

// successLocked implements the per-half success predicates of spec.md
// §4.3. Callers must hold s.mu.
func (s *Stream) successLocked() (uploadOK, downloadOK bool) {
	uploadEnabled := s.cfg.Upload > 0 || s.cfg.Timed
	if uploadEnabled {
		uploadOK = s.bytesAcked >= probeBytes && (s.cfg.Timed || s.bytesAcked >= s.cfg.Upload)
	} else {
		uploadOK = s.bytesAcked >= probeBytes
	}

	downloadEnabled := s.cfg.Download > 0 || s.cfg.Timed
	if !s.recvStartTime.IsZero() && !s.recvEndTime.IsZero() && s.bytesReceived != 0 {
		if downloadEnabled {
			downloadOK = s.cfg.Timed || s.bytesReceived >= s.cfg.Download
		} else {
			downloadOK = true
		}
	}
	return
}

// Latency returns RecvEndTime - StartTime, or 0 if the stream hasn't
// finished its receive half yet.
func (s *Stream) Latency() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recvEndTime.IsZero() {
		return 0
	}
	return s.recvEndTime.Sub(s.startTime)
}
