// Command irmd is the IPC Resource Manager daemon (spec §4, §6.1,
// §6.5): the process-wide authority every application and IPCP in
// the system dials over its Unix control socket.
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ouroboros.dev/ouroboros/internal/irmd"
	"ouroboros.dev/ouroboros/internal/logging"
	"ouroboros.dev/ouroboros/internal/shm"
)

func main() {
	runDir := flag.String("run-dir", "/run/ouroboros", "directory holding the control socket and lock files")
	maxFlows := flag.Int("max-flows", irmd.DefaultMaxFlows, "port-id bitmap size (IRMD_MAX_FLOWS)")
	flowTimeout := flag.Duration("flow-timeout", irmd.DefaultFlowTimeout, "PENDING descriptor reclaim timeout (IRMD_FLOW_TIMEOUT)")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (spec A.4); empty disables it")
	flag.Parse()

	log := logging.WithComponent("irmd")

	if os.Geteuid() != 0 {
		fmt.Fprintln(os.Stderr, "irmd: must run as root")
		os.Exit(1)
	}

	if err := os.MkdirAll(*runDir, 0755); err != nil {
		log.Error("irmd: create run dir failed", "dir", *runDir, "err", err)
		os.Exit(1)
	}

	reaper := shm.NewStaleMapReaper(*runDir)
	if err := reaper.Acquire(); err != nil {
		log.Error("irmd: refusing to start", "err", err)
		os.Exit(1)
	}
	defer reaper.Release()

	d := irmd.New(irmd.Config{RunDir: *runDir, MaxFlows: *maxFlows, FlowTimeout: *flowTimeout}, log)
	d.Start()
	defer d.Stop()

	srv := irmd.NewServer(d)
	if err := srv.Start(*runDir); err != nil {
		log.Error("irmd: control socket failed", "err", err)
		os.Exit(1)
	}
	defer srv.Stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(d.Mtx.Gatherer(), promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("irmd: metrics server failed", "addr", *metricsAddr, "err", err)
			}
		}()
		defer metricsSrv.Close()
	}

	log.Notice("irmd: running", "run_dir", *runDir, "max_flows", *maxFlows, "flow_timeout", (*flowTimeout).String())

	signal.Ignore(syscall.SIGPIPE)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	for s := range sig {
		log.Notice("irmd: received signal, shutting down", "signal", s.String())
		break
	}

	// give in-flight control-socket calls a brief grace period before
	// the deferred Stop/Release above tear everything down.
	time.Sleep(50 * time.Millisecond)
}
