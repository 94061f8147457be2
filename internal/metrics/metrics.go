// Package metrics exposes the run-wide worker counters of spec.md §4.5 as
// Prometheus gauges, in the same register-and-serve style
// cmd/msak-server/server.go uses for its own metrics endpoint.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/perfnet/qperf/internal/worker"
)

// Register installs GaugeFunc collectors on reg that sum every worker's
// atomic counters at scrape time. Call once, after the worker pool exists
// but before the first scrape; calling it twice against the same registry
// panics on the duplicate registration, same as any other promauto use.
func Register(reg prometheus.Registerer, workers []*worker.Worker) {
	factory := promauto.With(reg)

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "qperf_connections_completed",
		Help: "Connections that have completed, summed across all workers.",
	}, func() float64 { return float64(sum(workers, func(c *worker.Counters) uint32 { return c.ConnectionsCompleted.Load() })) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "qperf_connections_active",
		Help: "Connections currently active, summed across all workers.",
	}, func() float64 { return float64(sumActive(workers)) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "qperf_streams_started",
		Help: "Streams opened, summed across all workers.",
	}, func() float64 { return float64(sum(workers, func(c *worker.Counters) uint32 { return c.StreamsStarted.Load() })) })

	factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "qperf_streams_completed",
		Help: "Streams completed, summed across all workers.",
	}, func() float64 { return float64(sum(workers, func(c *worker.Counters) uint32 { return c.StreamsCompleted.Load() })) })
}

func sum(workers []*worker.Worker, field func(*worker.Counters) uint32) uint32 {
	var n uint32
	for _, w := range workers {
		n += field(&w.Counters)
	}
	return n
}

func sumActive(workers []*worker.Worker) int32 {
	var n int32
	for _, w := range workers {
		n += w.Counters.ConnectionsActive.Load()
	}
	return n
}

// Serve starts the /metrics HTTP endpoint on addr in the background and
// returns the *http.Server so the caller can shut it down once the run
// completes.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			// ListenAndServe only returns once the server stops; a bind
			// failure here just means -metrics never exposed anything.
			_ = err
		}
	}()
	return srv
}

// Shutdown stops srv, giving in-flight scrapes up to ctx's deadline to
// finish.
func Shutdown(ctx context.Context, srv *http.Server) error {
	return srv.Shutdown(ctx)
}
