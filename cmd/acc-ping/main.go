package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lmittmann/tint"
	flag "github.com/spf13/pflag"

	"github.com/malbeclabs/asynccomm/pkg/comm"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const commandPing = 0x10

type config struct {
	Target      string
	Proxy       string
	Count       int
	Interval    time.Duration
	Timeout     time.Duration
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
		fmt.Printf("acc-ping version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	var target comm.Address
	switch {
	case cfg.Proxy != "":
		target = comm.ProxyAddress(cfg.Proxy)
	case cfg.Target != "":
		ap, err := netip.ParseAddrPort(cfg.Target)
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", cfg.Target, err)
		}
		target = comm.InetAddress(ap)
	default:
		return errors.New("either --target or --proxy is required")
	}

	commCfg := comm.DefaultConfig()
	commCfg.Logger = log.With("component", "comm")

	c, err := comm.New(commCfg)
	if err != nil {
		return fmt.Errorf("failed to create comm: %w", err)
	}
	defer c.Close()

	if cfg.Proxy != "" && cfg.Target != "" {
		ap, err := netip.ParseAddrPort(cfg.Target)
		if err != nil {
			return fmt.Errorf("invalid target %q: %w", cfg.Target, err)
		}
		if err := c.AddProxy(cfg.Proxy, ap); err != nil {
			return fmt.Errorf("failed to add proxy: %w", err)
		}
	}

	established := make(chan error, 1)
	dh := comm.DispatchFunc(func(ev *comm.Event) {
		switch ev.Kind {
		case comm.EventConnectionEstablished:
			select {
			case established <- nil:
			default:
			}
		case comm.EventDisconnect:
			select {
			case established <- ev.Err:
			default:
			}
			log.Info("disconnected", "peer", ev.Peer, "error", ev.Err)
		}
	})

	// The peer may not be up yet; retry the whole connect handshake
	// with exponential backoff.
	ctx := context.Background()
	_, err = backoff.Retry(ctx, func() (struct{}, error) {
		if err := c.Connect(target, cfg.Timeout, dh); err != nil && !errors.Is(err, comm.ErrAlreadyConnected) {
			return struct{}{}, err
		}
		if err := <-established; err != nil {
			return struct{}{}, err
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(5))
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", target, err)
	}
	log.Info("connected", "target", target.String())

	for i := 0; i < cfg.Count; i++ {
		start := time.Now()
		done := make(chan *comm.Event, 1)
		cb := comm.DispatchFunc(func(ev *comm.Event) { done <- ev })

		msg := &comm.Message{Command: commandPing, Payload: []byte("ping")}
		id, err := c.SendRequest(target, cfg.Timeout, msg, cb)
		if err != nil {
			return fmt.Errorf("failed to send request: %w", err)
		}

		ev := <-done
		switch {
		case ev.Err != nil:
			log.Warn("probe failed", "seq", i, "request_id", id, "error", ev.Err)
		default:
			fmt.Printf("reply from %s: seq=%d bytes=%d rtt=%s\n",
				ev.Peer, i, len(ev.Payload), time.Since(start).Round(time.Microsecond))
		}

		if i < cfg.Count-1 {
			time.Sleep(cfg.Interval)
		}
	}
	return nil
}

func parseFlags() *config {
	cfg := &config{}

	flag.StringVar(&cfg.Target, "target", "", "Target address, e.g. 127.0.0.1:38060")
	flag.StringVar(&cfg.Proxy, "proxy", "", "Target proxy name (resolved via --target when given together)")
	flag.IntVarP(&cfg.Count, "count", "c", 5, "Number of probes to send")
	flag.DurationVarP(&cfg.Interval, "interval", "i", time.Second, "Delay between probes")
	flag.DurationVar(&cfg.Timeout, "timeout", 5*time.Second, "Per-probe timeout")
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
