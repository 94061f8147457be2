// Package statsws pushes a low-frequency stream of run-wide counters over a
// WebSocket, for any attached dashboard to render live. It reuses the
// upgrade/write-loop idiom of pkg/throughput1/protocol.go: one goroutine
// owns the connection's writes, a ticker drives each send, and a reader
// goroutine exists only to notice the peer going away.
package statsws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perfnet/qperf/internal/worker"
)

// Snapshot is one run-wide counters sample, pushed as a JSON text message.
type Snapshot struct {
	ElapsedMs            int64  `json:"elapsed_ms"`
	ConnectionsActive    int32  `json:"connections_active"`
	ConnectionsCompleted uint32 `json:"connections_completed"`
	StreamsStarted       uint32 `json:"streams_started"`
	StreamsCompleted     uint32 `json:"streams_completed"`
}

// Source supplies the live counters a Handler broadcasts. *client.Client
// satisfies it via its Workers and StartTime methods; the interface stays
// narrow so statsws never has to import the client package.
type Source interface {
	Workers() []*worker.Worker
	StartTime() time.Time
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler serves one WebSocket endpoint that pushes a Snapshot of src's
// counters every interval until the peer disconnects or ctx is canceled.
func Handler(ctx context.Context, src Source, interval time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		closed := make(chan struct{})
		go func() {
			defer close(closed)
			for {
				// NextReader's only purpose here is to notice the peer
				// closing the socket; statsws never reads client frames.
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-closed:
				return
			case <-ticker.C:
				if err := conn.WriteJSON(snapshot(src)); err != nil {
					return
				}
			}
		}
	}
}

func snapshot(src Source) Snapshot {
	var s Snapshot
	s.ElapsedMs = time.Since(src.StartTime()).Milliseconds()
	for _, w := range src.Workers() {
		s.ConnectionsActive += w.Counters.ConnectionsActive.Load()
		s.ConnectionsCompleted += w.Counters.ConnectionsCompleted.Load()
		s.StreamsStarted += w.Counters.StreamsStarted.Load()
		s.StreamsCompleted += w.Counters.StreamsCompleted.Load()
	}
	return s
}
