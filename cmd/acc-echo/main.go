package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/asynccomm/pkg/comm"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	Port        uint16
	MetricsAddr string
	ProxyName   string
	Verbose     bool
	ShowVersion bool
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := parseFlags()

	if cfg.ShowVersion {
		fmt.Printf("acc-echo version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	commCfg := comm.DefaultConfig()
	commCfg.Logger = log.With("component", "comm")
	commCfg.LocalProxyName = cfg.ProxyName

	c, err := comm.New(commCfg)
	if err != nil {
		return fmt.Errorf("failed to create comm: %w", err)
	}
	defer c.Close()

	// Echo every request's payload back as the response.
	echo := comm.DispatchFunc(func(ev *comm.Event) {
		switch ev.Kind {
		case comm.EventConnectionEstablished:
			log.Info("peer connected", "peer", ev.Peer)
		case comm.EventDisconnect:
			log.Info("peer disconnected", "peer", ev.Peer, "error", ev.Err)
		case comm.EventMessage:
			if !ev.Header.IsRequest() {
				return
			}
			resp := &comm.Message{Command: ev.Header.Command, Payload: ev.Payload}
			if err := c.SendResponse(ev.Peer, ev.Header.RequestID, resp); err != nil {
				log.Warn("failed to send response", "peer", ev.Peer, "error", err)
			}
		}
	})

	local, err := c.Listen(cfg.Port, echo)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	log.Info("echo responder up", "address", local, "proxy", cfg.ProxyName)

	if cfg.MetricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Error("metrics server error", "error", err)
			}
		}()
		log.Info("metrics server up", "address", cfg.MetricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received shutdown signal", "signal", sig)
	return nil
}

func parseFlags() *config {
	cfg := &config{}

	flag.Uint16Var(&cfg.Port, "port", 38060, "TCP port to listen on (0 picks an ephemeral port)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Prometheus metrics address (empty disables)")
	flag.StringVar(&cfg.ProxyName, "proxy-name", "", "Proxy name this responder is known by")
	flag.BoolVarP(&cfg.Verbose, "verbose", "v", false, "Enable verbose logging")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version and exit")

	flag.Parse()
	return cfg
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.RFC3339,
	}))
}
