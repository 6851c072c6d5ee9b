//go:build linux

package reactor

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/sys/unix"
)

// poller wraps an epoll instance plus an eventfd used to interrupt a
// blocked wait. All epoll_ctl calls are safe from any goroutine; only
// the owning reactor goroutine calls wait.
type poller struct {
	epfd   int
	wakefd int
}

func openPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &poller{epfd: epfd, wakefd: wakefd}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, ev); err != nil {
		p.close()
		return nil, fmt.Errorf("epoll_ctl add wakefd: %w", err)
	}
	return p, nil
}

func (p *poller) close() {
	unix.Close(p.wakefd)
	unix.Close(p.epfd)
}

func epollMask(mask Interest, edge bool) uint32 {
	var events uint32 = unix.EPOLLRDHUP
	if mask&Readable != 0 {
		events |= unix.EPOLLIN
	}
	if mask&Writable != 0 {
		events |= unix.EPOLLOUT
	}
	if edge {
		events |= unix.EPOLLET
	}
	return events
}

func (p *poller) add(fd int, mask Interest, edge bool) error {
	ev := &unix.EpollEvent{Events: epollMask(mask, edge), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) modify(fd int, mask Interest, edge bool) error {
	ev := &unix.EpollEvent{Events: epollMask(mask, edge), Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, ev); err != nil {
		return fmt.Errorf("epoll_ctl mod fd %d: %w", fd, err)
	}
	return nil
}

func (p *poller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd %d: %w", fd, err)
	}
	return nil
}

// wait blocks up to timeoutMS (-1 = indefinitely) and translates ready
// epoll events into readiness records. Wake-fd events are drained here
// and reported as interrupted.
func (p *poller) wait(timeoutMS int, out []readiness) (n int, interrupted bool, err error) {
	events := make([]unix.EpollEvent, len(out))
	var ready int
	for {
		ready, err = unix.EpollWait(p.epfd, events, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, false, fmt.Errorf("epoll_wait: %w", err)
		}
		break
	}

	for i := 0; i < ready; i++ {
		ev := events[i]
		fd := int(ev.Fd)
		if fd == p.wakefd {
			var buf [8]byte
			for {
				if _, rerr := unix.Read(p.wakefd, buf[:]); rerr != nil {
					break
				}
			}
			interrupted = true
			continue
		}
		r := readiness{fd: fd}
		if ev.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0 {
			r.readable = true
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			r.writable = true
		}
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			r.errored = true
		}
		out[n] = r
		n++
	}
	return n, interrupted, nil
}

// interrupt wakes a blocked wait.
func (p *poller) interrupt() {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	_, _ = unix.Write(p.wakefd, buf[:])
}
