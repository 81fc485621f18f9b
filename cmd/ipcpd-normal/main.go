// Command ipcpd-normal is a normal IPC Process daemon (spec §2,
// §4.6-§4.10): the process ipcpreg.CreateIPCP forks for ipcp_type
// "normal", bootstrapped and enrolled over its own per-pid control
// socket (spec §6.2) by the parent IRMd.
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

	"ouroboros.dev/ouroboros/internal/config"
	"ouroboros.dev/ouroboros/internal/ipcpctl"
	"ouroboros.dev/ouroboros/internal/logging"
	"ouroboros.dev/ouroboros/internal/normalipcp"
)

func main() {
	runDir := flag.String("run-dir", "/run/ouroboros", "directory holding control sockets")
	parentPID := flag.Int("parent-pid", 0, "pid of the IRMd that forked this daemon")
	name := flag.String("name", "", "application name this IPC process runs as")
	bootstrapConfPath := flag.String("bootstrap-conf", "", "HCL bootstrap configuration file (spec A.3); empty skips auto-bootstrap")
	difStaticInfoPath := flag.String("dif-static-info", "", "HCL DIF static-information document (spec §4.10); requires --bootstrap-conf")
	metricsAddr := flag.String("metrics-addr", "", "address to serve /metrics on (spec A.4); empty disables it")
	flag.Parse()

	log := logging.WithComponent("ipcpd-normal")

	if *name == "" {
		fmt.Fprintln(os.Stderr, "ipcpd-normal: --name is required")
		os.Exit(1)
	}
	if *parentPID == 0 {
		fmt.Fprintln(os.Stderr, "ipcpd-normal: --parent-pid is required")
		os.Exit(1)
	}

	irmSock := *runDir + "/irmd.sock"
	irm, err := normalipcp.DialIRM(irmSock)
	if err != nil {
		log.Error("ipcpd-normal: dial irmd failed", "sock", irmSock, "err", err)
		os.Exit(1)
	}
	defer irm.Close()

	pid := os.Getpid()
	p := normalipcp.New(*name, pid, irm, log)
	defer p.Close()

	srv := ipcpctl.NewServer(p)
	if err := srv.Start(*runDir); err != nil {
		log.Error("ipcpd-normal: control socket failed", "err", err)
		os.Exit(1)
	}
	defer srv.Stop()

	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reg := p.MetricsRegistry()
			if reg == nil {
				http.Error(w, "ipcp not yet bootstrapped", http.StatusServiceUnavailable)
				return
			}
			promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}).ServeHTTP(w, r)
		}))
		metricsSrv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Warn("ipcpd-normal: metrics server failed", "addr", *metricsAddr, "err", err)
			}
		}()
		defer metricsSrv.Close()
	}

	if *bootstrapConfPath != "" {
		conf, err := config.LoadBootstrapConf(*bootstrapConfPath)
		if err != nil {
			log.Error("ipcpd-normal: bootstrap conf load failed", "path", *bootstrapConfPath, "err", err)
			os.Exit(1)
		}
		if _, err := p.Bootstrap(toNormalConf(conf)); err != nil {
			log.Error("ipcpd-normal: auto-bootstrap failed", "err", err)
			os.Exit(1)
		}
		p.ReloadQoSCubes(qosClassesOf(conf))

		if *difStaticInfoPath != "" {
			info, err := config.LoadDIFStaticInfo(*difStaticInfoPath)
			if err != nil {
				log.Error("ipcpd-normal: dif static-info load failed", "path", *difStaticInfoPath, "err", err)
				os.Exit(1)
			}
			if err := p.SeedDIFStaticInfo(*info); err != nil {
				log.Error("ipcpd-normal: dif static-info seed failed", "err", err)
				os.Exit(1)
			}
		}

		watcher, err := config.WatchBootstrapConf(*bootstrapConfPath, log, func(conf *config.BootstrapConf, err error) {
			if err != nil {
				return
			}
			p.ReloadQoSCubes(qosClassesOf(conf))
		})
		if err != nil {
			log.Warn("ipcpd-normal: bootstrap conf hot-reload disabled", "err", err)
		} else {
			defer watcher.Close()
		}
	}

	log.Notice("ipcpd-normal: running", "name", *name, "pid", pid, "parent_pid", *parentPID,
		"sock", ipcpctl.SocketName(pid))

	signal.Ignore(syscall.SIGPIPE)
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	// If the parent IRMd dies, this daemon has no reason to keep
	// running: watch it with the same zero-signal kill probe the
	// reaper uses rather than waiting to notice on the next RPC.
	go watchParent(*parentPID, sig)

	for s := range sig {
		log.Notice("ipcpd-normal: received signal, shutting down", "signal", s.String())
		break
	}
}

// toNormalConf translates the HCL-loaded bootstrap document into the
// wire field-width map normalipcp.Bootstrap expects.
func toNormalConf(conf *config.BootstrapConf) normalipcp.BootstrapConf {
	sizes := map[string]int{
		"addr_size":       conf.AddrSize,
		"cep_id_size":     conf.CepIDSize,
		"pdu_length_size": conf.PDULengthSize,
		"seqno_size":      conf.SeqNoSize,
	}
	if conf.HasTTL {
		sizes["has_ttl"] = 1
	}
	if conf.HasChk {
		sizes["has_chk"] = 1
	}
	return normalipcp.BootstrapConf{DIFName: conf.DIFName, AddrAuth: conf.AddrAuth, Sizes: sizes}
}

func qosClassesOf(conf *config.BootstrapConf) []config.QoSCube {
	return conf.QoSCubes
}

const parentPollInterval = 2 * time.Second

func watchParent(pid int, sig chan<- os.Signal) {
	ticker := time.NewTicker(parentPollInterval)
	defer ticker.Stop()
	for range ticker.C {
		proc, err := os.FindProcess(pid)
		if err != nil || proc.Signal(syscall.Signal(0)) != nil {
			sig <- syscall.SIGTERM
			return
		}
	}
}
