package comm

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultSendQueueBytes = 4 * 1024 * 1024
	defaultConnectTimeout = 30 * time.Second

	// defaultGraceDelay is the interval between decommissioning a
	// handler and closing its socket, protecting callbacks that were
	// already dequeued when the handler went away.
	defaultGraceDelay = 200 * time.Millisecond
)

// Config holds configuration for a Comm instance.
type Config struct {
	Logger *slog.Logger
	Clock  clockwork.Clock

	Reactors       int           // reactor goroutines, default = hardware threads
	Workers        int           // dispatch-pool goroutines, default = 4x reactors
	SendQueueBytes int           // per-connection backpressure limit
	ConnectTimeout time.Duration // default timeout for Connect
	GraceDelay     time.Duration // decommission-to-destruction delay

	TCPNoDelay    bool // set TCP_NODELAY on data connections
	EdgeTriggered bool // use edge-triggered notification (Linux)

	// LocalProxyName, when set, is the proxy name this process is
	// known by; it is echoed in outgoing proxy update frames.
	LocalProxyName string
}

// DefaultConfig returns a Config with the documented defaults.
func DefaultConfig() *Config {
	return &Config{
		Logger:         slog.Default(),
		Clock:          clockwork.NewRealClock(),
		Reactors:       runtime.NumCPU(),
		Workers:        4 * runtime.NumCPU(),
		SendQueueBytes: defaultSendQueueBytes,
		ConnectTimeout: defaultConnectTimeout,
		GraceDelay:     defaultGraceDelay,
		TCPNoDelay:     true,
		EdgeTriggered:  true,
	}
}

// Validate fills unset fields with defaults. The boolean options keep
// whatever the caller set; DefaultConfig enables both.
func (c *Config) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Reactors <= 0 {
		c.Reactors = runtime.NumCPU()
	}
	if c.Workers <= 0 {
		c.Workers = 4 * c.Reactors
	}
	if c.SendQueueBytes <= 0 {
		c.SendQueueBytes = defaultSendQueueBytes
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = defaultConnectTimeout
	}
	if c.GraceDelay <= 0 {
		c.GraceDelay = defaultGraceDelay
	}
	return nil
}
