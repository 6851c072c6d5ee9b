// Package reactor drives socket readiness and timers. Each Reactor owns
// one platform multiplexer (epoll on Linux, edge-triggered) and one
// timer heap, both serviced by a single goroutine. Sockets are pinned
// to a reactor for their whole lifetime; cross-goroutine requests are
// serialized through a submission queue drained at the top of every
// poll pass.
package reactor

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Interest is the poll-interest bitmask for a registered socket.
type Interest uint8

const (
	Readable Interest = 1 << 0
	Writable Interest = 1 << 1
)

// Handler receives readiness notifications for one socket. With an
// edge-triggered multiplexer the handler must drain the socket (read or
// write until EAGAIN) on every call.
type Handler interface {
	FD() int
	OnReadable()
	OnWritable()
	OnError(err error)
}

// readiness is one translated multiplexer event.
type readiness struct {
	fd       int
	readable bool
	writable bool
	errored  bool
}

const defaultMaxEvents = 256

// Config holds configuration for a single Reactor.
type Config struct {
	Logger        *slog.Logger
	EdgeTriggered bool
	MaxEvents     int // readiness records drained per poll pass
}

func (c *Config) validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.MaxEvents <= 0 {
		c.MaxEvents = defaultMaxEvents
	}
	return nil
}

// Reactor is one event loop. All exported methods are safe to call from
// any goroutine.
type Reactor struct {
	log  *slog.Logger
	p    *poller
	edge bool
	max  int

	mu          sync.Mutex
	handlers    map[int]Handler
	submissions []func()
	timers      timerHeap

	owned  atomic.Int64
	epoch  atomic.Uint64 // removal sequencing
	closed atomic.Bool
	done   chan struct{}
}

// New opens the multiplexer and starts the loop goroutine.
func New(cfg *Config) (*Reactor, error) {
	if cfg == nil {
		cfg = &Config{Logger: slog.Default(), EdgeTriggered: true}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	p, err := openPoller()
	if err != nil {
		return nil, err
	}
	r := &Reactor{
		log:      cfg.Logger,
		p:        p,
		edge:     cfg.EdgeTriggered,
		max:      cfg.MaxEvents,
		handlers: make(map[int]Handler),
		done:     make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Register adds a socket with the given interest. Re-registering the
// same fd updates the handler and interest.
func (r *Reactor) Register(h Handler, mask Interest) error {
	fd := h.FD()
	r.mu.Lock()
	_, exists := r.handlers[fd]
	r.handlers[fd] = h
	r.mu.Unlock()

	if exists {
		return r.p.modify(fd, mask, r.edge)
	}
	if err := r.p.add(fd, mask, r.edge); err != nil {
		r.mu.Lock()
		delete(r.handlers, fd)
		r.mu.Unlock()
		return err
	}
	r.owned.Add(1)
	return nil
}

// ModifyInterest atomically replaces the interest mask. A zero mask
// suspends notifications without removing the registration.
func (r *Reactor) ModifyInterest(fd int, mask Interest) error {
	r.mu.Lock()
	_, ok := r.handlers[fd]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("fd %d is not registered", fd)
	}
	return r.p.modify(fd, mask, r.edge)
}

// Deregister removes the socket from the multiplexer. It must be called
// before the socket is closed. A multiplexer removal failure indicates
// a torn invariant and aborts the process.
func (r *Reactor) Deregister(fd int) {
	r.mu.Lock()
	_, ok := r.handlers[fd]
	delete(r.handlers, fd)
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := r.p.remove(fd); err != nil {
		r.log.Error("multiplexer removal failed", "fd", fd, "error", err)
		panic(fmt.Sprintf("reactor: multiplexer removal failed for fd %d: %v", fd, err))
	}
	r.owned.Add(-1)
}

// Submit schedules fn on the reactor goroutine.
func (r *Reactor) Submit(fn func()) {
	r.mu.Lock()
	r.submissions = append(r.submissions, fn)
	r.mu.Unlock()
	r.p.interrupt()
}

// AddTimer fires fn on the reactor goroutine at or after the absolute
// deadline.
func (r *Reactor) AddTimer(deadline time.Time, fn func()) {
	r.mu.Lock()
	r.timers.push(deadline, fn)
	r.mu.Unlock()
	r.p.interrupt()
}

// AfterFunc fires fn on the reactor goroutine after d.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) {
	r.AddTimer(time.Now().Add(d), fn)
}

// ScheduleRemoval runs the drop function after the grace delay and
// returns the removal epoch assigned to it.
func (r *Reactor) ScheduleRemoval(grace time.Duration, drop func()) uint64 {
	epoch := r.epoch.Add(1)
	r.AfterFunc(grace, drop)
	return epoch
}

// OwnedSockets returns the number of registered sockets.
func (r *Reactor) OwnedSockets() int64 { return r.owned.Load() }

// Close stops the loop and releases the multiplexer. Pending timers and
// submissions are discarded.
func (r *Reactor) Close() {
	if r.closed.CompareAndSwap(false, true) {
		r.p.interrupt()
	}
	<-r.done
}

func (r *Reactor) run() {
	defer close(r.done)
	defer r.p.close()

	ready := make([]readiness, r.max)
	for {
		if r.closed.Load() {
			return
		}
		r.drainSubmissions()

		timeoutMS := -1
		r.mu.Lock()
		if deadline, ok := r.timers.peekDeadline(); ok {
			d := time.Until(deadline)
			if d < 0 {
				d = 0
			}
			timeoutMS = int(d.Milliseconds())
			if timeoutMS == 0 && d > 0 {
				timeoutMS = 1 // round sub-millisecond waits up, not to busy-poll
			}
		}
		r.mu.Unlock()

		n, _, err := r.p.wait(timeoutMS, ready)
		if err != nil {
			if r.closed.Load() {
				return
			}
			r.log.Error("multiplexer wait failed", "error", err)
			panic(fmt.Sprintf("reactor: multiplexer wait failed: %v", err))
		}

		r.drainSubmissions()

		for i := 0; i < n; i++ {
			ev := ready[i]
			r.mu.Lock()
			h, ok := r.handlers[ev.fd]
			r.mu.Unlock()
			if !ok {
				continue // removed while the event was in flight
			}
			if ev.errored {
				h.OnError(ErrSocket)
				continue
			}
			if ev.readable {
				h.OnReadable()
			}
			if ev.writable {
				h.OnWritable()
			}
		}

		r.fireExpiredTimers()
	}
}

// ErrSocket is passed to OnError when the multiplexer reports an error
// or hangup condition on the socket.
var ErrSocket = errors.New("socket error condition")

func (r *Reactor) drainSubmissions() {
	r.mu.Lock()
	pending := r.submissions
	r.submissions = nil
	r.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

func (r *Reactor) fireExpiredTimers() {
	for {
		r.mu.Lock()
		expired := r.timers.popExpired(time.Now())
		r.mu.Unlock()
		if len(expired) == 0 {
			return
		}
		for _, e := range expired {
			e.fn()
		}
	}
}
