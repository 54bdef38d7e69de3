// Package dispatcher implements the single-threaded, level-triggered
// readiness loop that drives every Bridge. It is a thin wrapper around
// Linux epoll: one descriptor, one goroutine runs Wait, callbacks are
// invoked synchronously from that goroutine.
package dispatcher

import (
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// Callback is invoked when the registered descriptor becomes ready for
// one or more of the events in its currently watched mask.
type Callback func(events uint32)

// Token identifies a registration. It is the registered file descriptor
// itself: a descriptor is unique among live registrations for the
// lifetime of that registration, so the dispatcher needs no separate
// identifier space, and the Bridge holding the token never has to chase
// a pointer back through the dispatcher.
type Token int

const noToken Token = 0

// waitTimeoutMS bounds each epoll_wait so that Run re-checks for an empty
// registration set even when no descriptor becomes ready.
const waitTimeoutMS = 100

type entry struct {
	fd   int
	mask uint32
	cb   Callback
}

// Dispatcher is a single epoll instance. All its methods are safe to call
// concurrently. Reset/Unregister are normally called from within a
// Callback running on the goroutine executing Run, or from setup code
// before Run starts; an Unregister from another goroutine (such as a
// listener closed on shutdown) is noticed by Run within waitTimeoutMS.
type Dispatcher struct {
	epfd int

	mu      sync.Mutex
	entries map[Token]*entry
}

// New creates a dispatcher backed by a fresh epoll instance.
func New() (*Dispatcher, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	return &Dispatcher{
		epfd:    epfd,
		entries: make(map[Token]*entry),
	}, nil
}

// Register begins watching fd for the events in mask, invoking cb on each
// readiness event delivered for it.
func (d *Dispatcher) Register(fd int, mask uint32, cb Callback) (Token, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tok := Token(fd)
	if _, exists := d.entries[tok]; exists {
		return noToken, fmt.Errorf("fd %d already registered", fd)
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return noToken, fmt.Errorf("epoll_ctl(add, fd=%d): %w", fd, err)
	}
	d.entries[tok] = &entry{fd: fd, mask: mask, cb: cb}
	return tok, nil
}

// Reset changes the watched event mask for an existing registration.
// mask may be 0 to pause delivery without unregistering. A no-op call
// (mask unchanged) costs no syscall.
func (d *Dispatcher) Reset(tok Token, mask uint32) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[tok]
	if !ok {
		return fmt.Errorf("reset: token %d not registered", tok)
	}
	if e.mask == mask {
		return nil
	}
	ev := unix.EpollEvent{Events: mask, Fd: int32(e.fd)}
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_MOD, e.fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl(mod, fd=%d): %w", e.fd, err)
	}
	e.mask = mask
	return nil
}

// Unregister stops watching the descriptor behind tok and releases its
// bookkeeping. Unregistering an already-unregistered (or never
// registered) token is a no-op, so a callback tearing down a Bridge never
// has to guard against double-unregister.
func (d *Dispatcher) Unregister(tok Token) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[tok]
	if !ok {
		return nil
	}
	delete(d.entries, tok)
	if err := unix.EpollCtl(d.epfd, unix.EPOLL_CTL_DEL, e.fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl(del, fd=%d): %w", e.fd, err)
	}
	return nil
}

// Run processes readiness events until no watched descriptors remain. It
// blocks in epoll_wait between batches (waking at least every
// waitTimeoutMS) and never busy-spins.
func (d *Dispatcher) Run() error {
	events := make([]unix.EpollEvent, 128)
	for {
		if d.count() == 0 {
			return nil
		}

		n, err := unix.EpollWait(d.epfd, events, waitTimeoutMS)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return fmt.Errorf("epoll_wait: %w", err)
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			e, ok := d.lookup(Token(fd))
			if !ok {
				// Unregistered by an earlier callback in this same
				// batch (e.g. a Bridge tearing down both its own
				// descriptors from inside a callback).
				continue
			}
			e.cb(events[i].Events)
		}
	}
}

// Close releases the underlying epoll descriptor. Callers must first
// unregister (or let Run exhaust) every watched descriptor.
func (d *Dispatcher) Close() error {
	if err := unix.Close(d.epfd); err != nil {
		return fmt.Errorf("close epoll fd: %w", err)
	}
	return nil
}

func (d *Dispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func (d *Dispatcher) lookup(tok Token) (*entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	e, ok := d.entries[tok]
	return e, ok
}
