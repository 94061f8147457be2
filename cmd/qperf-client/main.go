// Command qperf-client drives load against a qperf server: N connections
// each carrying M concurrent streams, over either the datagram protocol or
// plain TCP, per spec.md. Flag parsing is colon-style (-flag:value), the
// external CLI surface spec.md §6 specifies; spec.md §1 places argument
// parsing and the help banner out of scope for the core, so this file is a
// thin, mostly mechanical translation from flags to a runplan.RunPlan.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/rtx"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/perfnet/qperf/internal/client"
	"github.com/perfnet/qperf/internal/metrics"
	"github.com/perfnet/qperf/internal/runplan"
	"github.com/perfnet/qperf/internal/statsws"
	"github.com/perfnet/qperf/internal/worker"
)

// Exit codes per spec.md §7: 0 success, nonzero invalid-parameter or
// out-of-memory.
const (
	exitOK             = 0
	exitInvalidParam   = 1
	exitOutOfMemory    = 2
	exitResolutionFail = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) (exitCode int) {
	flags, err := parseArgs(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qperf-client:", err)
		usage()
		return exitInvalidParam
	}

	plan, err := buildPlan(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "qperf-client:", err)
		usage()
		return exitInvalidParam
	}
	if err := plan.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "qperf-client:", err)
		usage()
		return exitInvalidParam
	}

	exitCode = exitOK
	defer func() {
		// A panic on this goroutine while the run is set up or driven is
		// reported here with the out-of-memory exit code.
		if r := recover(); r != nil {
			log.Error("fatal startup failure", "err", r)
			exitCode = exitOutOfMemory
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	var metricsSrv *http.Server
	var statsSrv *http.Server
	var cl *client.Client
	cl = client.New(client.Config{
		Plan: plan,
		OnWorkersReady: func(workers []*worker.Worker) {
			if plan.MetricsAddr != "" {
				metrics.Register(prometheus.DefaultRegisterer, workers)
				metricsSrv = metrics.Serve(plan.MetricsAddr)
			}
			if plan.StatsWSAddr != "" {
				mux := http.NewServeMux()
				mux.HandleFunc("/stats", statsws.Handler(ctx, cl, 500*time.Millisecond))
				statsSrv = &http.Server{Addr: plan.StatsWSAddr, Handler: mux}
				go statsSrv.ListenAndServe()
			}
		},
	})
	if err := cl.Run(ctx); err != nil {
		log.Error("run failed", "err", err)
		return exitResolutionFail
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), time.Second)
	defer shutdownCancel()
	if metricsSrv != nil {
		metrics.Shutdown(shutdownCtx, metricsSrv)
	}
	if statsSrv != nil {
		statsSrv.Shutdown(shutdownCtx)
	}

	if blob := cl.ExtraData(); blob != nil {
		rtx.Must(writeExtraData(blob), "writing extra-data export")
	}

	return exitCode
}

func writeExtraData(blob []byte) error {
	path := os.Getenv("QPERF_EXTRA_DATA_PATH")
	if path == "" {
		return nil
	}
	return os.WriteFile(path, blob, 0o644)
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: qperf-client -target:<host> [options]

Remote:
  -target:<host> (alias -server)   required
  -ip:<0|4|6>                      default 0
  -port:<u16>                      default 4433
  -cibir:<hex>                     default off, up to 6 bytes
  -incrementtarget:<0|1>           default 0

Local:
  -threads:<u32> (alias -workers)  default active-processor count
  -affinitize:<0|1>                default 0
  -bind:<addr>[,<addr>...]         default unset
  -share:<0|1>                     default 0

Config:
  -tcp:<0|1>                       default 0
  -encrypt:<0|1>                   default 1
  -pacing:<0|1>                    default 1
  -sendbuf:<0|1>                   default 0
  -ptput/-pconn/-pstream/-platency default 0

Scenario:
  -conns:<u32>                     default 1
  -streams:<u32> (alias -requests) default 0
  -upload:<u64> (aliases -up -request)     default 0
  -download:<u64> (aliases -down -response) default 0
  -timed:<0|1>                     default 0
  -iosize:<u32>                    default 65536, must be >= 256
  -rconn:<0|1> / -rstream:<0|1>    default 0, require -runtime
  -runtime:<ms> (aliases -time -run) default 0

Observability:
  -metrics:<addr>                  default unset, e.g. :9090
  -statsws:<addr>                  default unset, e.g. :9091`)
}

// --- colon-style flag parsing ---

func parseArgs(args []string) (map[string]string, error) {
	out := map[string]string{}
	for _, a := range args {
		if !strings.HasPrefix(a, "-") {
			return nil, fmt.Errorf("unexpected argument %q (flags use -name:value)", a)
		}
		a = strings.TrimPrefix(a, "-")
		name, value, hasColon := strings.Cut(a, ":")
		if !hasColon {
			value = "1"
		}
		// Later occurrences of the same flag override earlier ones, per
		// spec.md §8's CLI-parsing idempotence property.
		out[strings.ToLower(name)] = value
	}
	return out, nil
}

// lookup resolves the first of names present in flags.
func lookup(flags map[string]string, names ...string) (string, bool) {
	for _, n := range names {
		if v, ok := flags[n]; ok {
			return v, true
		}
	}
	return "", false
}

func getBool(flags map[string]string, def bool, names ...string) (bool, error) {
	v, ok := lookup(flags, names...)
	if !ok {
		return def, nil
	}
	switch v {
	case "0":
		return false, nil
	case "1":
		return true, nil
	default:
		return false, fmt.Errorf("-%s: %q is not 0 or 1", names[0], v)
	}
}

func getUint(flags map[string]string, def uint64, bits int, names ...string) (uint64, error) {
	v, ok := lookup(flags, names...)
	if !ok {
		return def, nil
	}
	n, err := strconv.ParseUint(v, 10, bits)
	if err != nil {
		return 0, fmt.Errorf("-%s: %q is not a valid number: %w", names[0], v, err)
	}
	return n, nil
}

func getString(flags map[string]string, def string, names ...string) string {
	if v, ok := lookup(flags, names...); ok {
		return v
	}
	return def
}

func buildPlan(flags map[string]string) (*runplan.RunPlan, error) {
	plan := runplan.Default()

	plan.Target = getString(flags, "", "target", "server")

	ip, err := getUint(flags, 0, 8, "ip")
	if err != nil {
		return nil, err
	}
	plan.IPVersion = int(ip)

	port, err := getUint(flags, uint64(plan.Port), 16, "port")
	if err != nil {
		return nil, err
	}
	plan.Port = uint16(port)

	plan.CIBIRHex = getString(flags, "", "cibir")

	plan.IncrementTarget, err = getBool(flags, false, "incrementtarget")
	if err != nil {
		return nil, err
	}

	threads, err := getUint(flags, uint64(plan.WorkerCount), 32, "threads", "workers")
	if err != nil {
		return nil, err
	}
	plan.WorkerCount = uint32(threads)

	plan.Affinitize, err = getBool(flags, false, "affinitize")
	if err != nil {
		return nil, err
	}

	if bind := getString(flags, "", "bind"); bind != "" {
		plan.BindAddrs = strings.Split(bind, ",")
	}

	plan.ShareBinding, err = getBool(flags, false, "share")
	if err != nil {
		return nil, err
	}

	isTCP, err := getBool(flags, false, "tcp")
	if err != nil {
		return nil, err
	}
	if isTCP {
		plan.Transport = runplan.TransportTCP
	}

	plan.Encrypt, err = getBool(flags, true, "encrypt")
	if err != nil {
		return nil, err
	}
	plan.Pacing, err = getBool(flags, true, "pacing")
	if err != nil {
		return nil, err
	}
	plan.SendBuffering, err = getBool(flags, false, "sendbuf")
	if err != nil {
		return nil, err
	}

	plan.Print.Throughput, err = getBool(flags, false, "ptput")
	if err != nil {
		return nil, err
	}
	plan.Print.Conn, err = getBool(flags, false, "pconn")
	if err != nil {
		return nil, err
	}
	plan.Print.Stream, err = getBool(flags, false, "pstream")
	if err != nil {
		return nil, err
	}
	plan.Print.Latency, err = getBool(flags, false, "platency")
	if err != nil {
		return nil, err
	}

	conns, err := getUint(flags, uint64(plan.ConnectionCount), 32, "conns")
	if err != nil {
		return nil, err
	}
	plan.ConnectionCount = uint32(conns)

	streams, err := getUint(flags, 0, 32, "streams", "requests")
	if err != nil {
		return nil, err
	}
	plan.StreamCount = uint32(streams)

	plan.Upload, err = getUint(flags, 0, 64, "upload", "up", "request")
	if err != nil {
		return nil, err
	}
	plan.Download, err = getUint(flags, 0, 64, "download", "down", "response")
	if err != nil {
		return nil, err
	}

	// spec.md §6: streams is implicitly 1 if upload or download is set.
	if plan.StreamCount == 0 && (plan.Upload > 0 || plan.Download > 0) {
		plan.StreamCount = 1
	}

	plan.Timed, err = getBool(flags, false, "timed")
	if err != nil {
		return nil, err
	}

	iosize, err := getUint(flags, uint64(plan.IOSize), 32, "iosize")
	if err != nil {
		return nil, err
	}
	plan.IOSize = uint32(iosize)

	plan.RepeatConns, err = getBool(flags, false, "rconn")
	if err != nil {
		return nil, err
	}
	plan.RepeatStreams, err = getBool(flags, false, "rstream")
	if err != nil {
		return nil, err
	}

	plan.RunTimeMs, err = getUint(flags, 0, 64, "runtime", "time", "run")
	if err != nil {
		return nil, err
	}

	plan.MetricsAddr = getString(flags, "", "metrics")
	plan.StatsWSAddr = getString(flags, "", "statsws")

	return plan, nil
}
