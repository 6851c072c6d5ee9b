package reactor

import (
	"errors"
	"log/slog"
	"runtime"
)

// PoolConfig holds configuration for a reactor pool.
type PoolConfig struct {
	Logger        *slog.Logger
	Size          int // defaults to the hardware thread count
	EdgeTriggered bool
	MaxEvents     int
}

func (c *PoolConfig) validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Size <= 0 {
		c.Size = runtime.NumCPU()
	}
	return nil
}

// Pool is a fixed set of reactors. A socket is assigned once, by fd,
// and never migrates.
type Pool struct {
	reactors []*Reactor
}

// NewPool opens cfg.Size reactors.
func NewPool(cfg *PoolConfig) (*Pool, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p := &Pool{reactors: make([]*Reactor, 0, cfg.Size)}
	for i := 0; i < cfg.Size; i++ {
		r, err := New(&Config{
			Logger:        cfg.Logger.With("reactor", i),
			EdgeTriggered: cfg.EdgeTriggered,
			MaxEvents:     cfg.MaxEvents,
		})
		if err != nil {
			p.Close()
			return nil, err
		}
		p.reactors = append(p.reactors, r)
	}
	return p, nil
}

// Get returns the reactor a socket is pinned to.
func (p *Pool) Get(fd int) *Reactor {
	return p.reactors[fd%len(p.reactors)]
}

// Size returns the number of reactors.
func (p *Pool) Size() int { return len(p.reactors) }

// Close stops every reactor.
func (p *Pool) Close() {
	for _, r := range p.reactors {
		r.Close()
	}
}
