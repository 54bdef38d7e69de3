// Package bridge implements the per-connection bridging engine: the
// state machine that owns a pair of non-blocking sockets plus a pair of
// journal files, coordinates half-close propagation, and recomputes
// dispatcher interest after every step.
package bridge

import (
	"fmt"
	"net"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/anthropics/connbridge/internal/dispatcher"
	"github.com/anthropics/connbridge/internal/journal"
	"github.com/anthropics/connbridge/internal/metrics"
	"github.com/anthropics/connbridge/internal/netaddr"
	"github.com/anthropics/connbridge/internal/pipe"
)

type state int

const (
	connecting state = iota
	bridging
	closing
)

// Bridge owns two sockets, two journals, and the two half-duplex pipes
// between them for the lifetime of one accepted connection.
type Bridge struct {
	sourceFD int
	destFD   int

	sourcePeer string
	destLocal  string

	sourceJournal *journal.Journal
	destJournal   *journal.Journal

	srcToDst *pipe.Pipe
	dstToSrc *pipe.Pipe

	disp        *dispatcher.Dispatcher
	sourceToken dispatcher.Token
	destToken   dispatcher.Token
	sourceMask  uint32
	destMask    uint32

	state   state
	metrics *metrics.Metrics
}

// Start begins bridging an already-accepted inbound connection (sourceFD,
// non-blocking, peer address sourcePeer) to dest. On success, ownership of
// sourceFD transfers to the returned Bridge. On error, sourceFD has
// already been closed.
func Start(disp *dispatcher.Dispatcher, sourceFD int, sourcePeer string, dest *net.TCPAddr, journalDir string, m *metrics.Metrics) (*Bridge, error) {
	destSockaddr, family := netaddr.ToSockaddr(dest)
	destFD, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		unix.Close(sourceFD)
		failSetup(m)
		return nil, fmt.Errorf("create destination socket: %w", err)
	}

	connected := false
	switch cerr := unix.Connect(destFD, destSockaddr); {
	case cerr == nil:
		connected = true
	case cerr == unix.EINPROGRESS || cerr == unix.EINTR:
		// Per spec §9's open question on EINTR: treat it identically to
		// EINPROGRESS rather than retrying connect(), since POSIX wants
		// completion observed via writability, not a second connect().
		connected = false
	default:
		unix.Close(destFD)
		unix.Close(sourceFD)
		failSetup(m)
		return nil, fmt.Errorf("connect to destination: %w", cerr)
	}

	sourceJournal, sourceCursor, err := journal.Open(journalDir, sourcePeer)
	if err != nil {
		unix.Close(destFD)
		unix.Close(sourceFD)
		failSetup(m)
		return nil, err
	}

	destLocal, err := localAddr(destFD)
	if err != nil {
		sourceJournal.Close()
		unix.Close(destFD)
		unix.Close(sourceFD)
		failSetup(m)
		return nil, err
	}

	destJournal, destCursor, err := journal.Open(journalDir, destLocal)
	if err != nil {
		sourceJournal.Close()
		unix.Close(destFD)
		unix.Close(sourceFD)
		failSetup(m)
		return nil, err
	}

	b := &Bridge{
		sourceFD:      sourceFD,
		destFD:        destFD,
		sourcePeer:    sourcePeer,
		destLocal:     destLocal,
		sourceJournal: sourceJournal,
		destJournal:   destJournal,
		srcToDst:      pipe.New(sourceFD, destFD, sourceJournal, sourceCursor),
		dstToSrc:      pipe.New(destFD, sourceFD, destJournal, destCursor),
		disp:          disp,
		metrics:       m,
	}

	if connected {
		if err := b.startBridging(); err != nil {
			b.closeResources()
			failSetup(m)
			return nil, err
		}
		if m != nil {
			m.BridgeStarted()
		}
		if err := b.runSteps(); err != nil {
			b.teardown(err)
			return nil, err
		}
		b.reprogram()
		return b, nil
	}

	b.state = connecting
	destTok, err := disp.Register(destFD, unix.EPOLLOUT, b.onDestEvent)
	if err != nil {
		b.closeResources()
		failSetup(m)
		return nil, fmt.Errorf("register destination: %w", err)
	}
	b.destToken, b.destMask = destTok, unix.EPOLLOUT
	if m != nil {
		m.BridgeStarted()
	}
	return b, nil
}

func failSetup(m *metrics.Metrics) {
	if m != nil {
		m.SetupFailed()
	}
}

// startBridging registers both sockets for read-readiness and marks the
// Bridge as Bridging. Used both for a connection that completed
// synchronously and for one completing connect asynchronously.
func (b *Bridge) startBridging() error {
	srcTok, err := b.disp.Register(b.sourceFD, unix.EPOLLIN, b.onSourceEvent)
	if err != nil {
		return fmt.Errorf("register source: %w", err)
	}
	destTok, err := b.disp.Register(b.destFD, unix.EPOLLIN, b.onDestEvent)
	if err != nil {
		b.disp.Unregister(srcTok)
		return fmt.Errorf("register destination: %w", err)
	}
	b.sourceToken, b.sourceMask = srcTok, unix.EPOLLIN
	b.destToken, b.destMask = destTok, unix.EPOLLIN
	b.state = bridging
	return nil
}

func (b *Bridge) onSourceEvent(events uint32) {
	if b.state != bridging {
		return
	}
	if err := b.runSteps(); err != nil {
		b.teardown(err)
		return
	}
	b.reprogram()
}

func (b *Bridge) onDestEvent(events uint32) {
	switch b.state {
	case connecting:
		b.completeConnect()
	case bridging:
		if err := b.runSteps(); err != nil {
			b.teardown(err)
			return
		}
		b.reprogram()
	}
}

func (b *Bridge) completeConnect() {
	errno, err := socketError(b.destFD)
	if err != nil {
		b.teardown(fmt.Errorf("query connect completion: %w", err))
		return
	}
	if errno != 0 {
		b.teardown(fmt.Errorf("connect to destination: %w", unix.Errno(errno)))
		return
	}

	srcTok, err := b.disp.Register(b.sourceFD, unix.EPOLLIN, b.onSourceEvent)
	if err != nil {
		b.teardown(fmt.Errorf("register source: %w", err))
		return
	}
	b.sourceToken, b.sourceMask = srcTok, unix.EPOLLIN

	if err := b.disp.Reset(b.destToken, unix.EPOLLIN); err != nil {
		b.teardown(fmt.Errorf("reset destination interest: %w", err))
		return
	}
	b.destMask = unix.EPOLLIN
	b.state = bridging

	if err := b.runSteps(); err != nil {
		b.teardown(err)
		return
	}
	b.reprogram()
}

// runSteps runs one Step on each direction, source-to-destination first,
// then destination-to-source: the order is not semantically material but
// must be fixed for deterministic tests.
func (b *Bridge) runSteps() error {
	n, err := b.srcToDst.Step()
	if b.metrics != nil {
		b.metrics.BytesForwarded("source_to_dest", n)
	}
	if err != nil {
		return fmt.Errorf("source->destination: %w", err)
	}

	n, err = b.dstToSrc.Step()
	if b.metrics != nil {
		b.metrics.BytesForwarded("dest_to_source", n)
	}
	if err != nil {
		return fmt.Errorf("destination->source: %w", err)
	}
	return nil
}

// reprogram recomputes each socket's desired interest mask from the
// union of its two pipes' contributions and reprograms the dispatcher
// only where the mask actually changed. If both masks go empty, the
// Bridge has nothing left to do and tears itself down.
func (b *Bridge) reprogram() {
	sourceMask := interestMask(b.srcToDst.WantsRead(), b.dstToSrc.WantsWrite())
	destMask := interestMask(b.dstToSrc.WantsRead(), b.srcToDst.WantsWrite())

	if sourceMask != b.sourceMask {
		if err := b.disp.Reset(b.sourceToken, sourceMask); err != nil {
			b.teardown(fmt.Errorf("reset source interest: %w", err))
			return
		}
		b.sourceMask = sourceMask
	}
	if destMask != b.destMask {
		if err := b.disp.Reset(b.destToken, destMask); err != nil {
			b.teardown(fmt.Errorf("reset destination interest: %w", err))
			return
		}
		b.destMask = destMask
	}

	glog.V(2).Infof("DEBUG reprogram: srcWantsRead=%v srcWantsWrite=%v destWantsRead=%v destWantsWrite=%v sourceMask=%x destMask=%x srcDead=%v destDead=%v",
		b.srcToDst.WantsRead(), b.dstToSrc.WantsWrite(), b.dstToSrc.WantsRead(), b.srcToDst.WantsWrite(), sourceMask, destMask, b.srcToDst.Dead(), b.dstToSrc.Dead())

	if sourceMask == 0 && destMask == 0 {
		b.teardown(nil)
	}
}

func interestMask(wantRead, wantWrite bool) uint32 {
	var mask uint32
	if wantRead {
		mask |= unix.EPOLLIN
	}
	if wantWrite {
		mask |= unix.EPOLLOUT
	}
	return mask
}

// teardown unregisters both sockets, closes all four resources, and
// deallocates the Bridge. cause, if non-nil, is logged once; nil means a
// clean mutual completion.
func (b *Bridge) teardown(cause error) {
	if b.state == closing {
		return
	}
	wasConnecting := b.state == connecting
	b.state = closing

	if cause != nil {
		glog.Warningf("bridge source=%s: %v", b.sourcePeer, cause)
	}

	if err := b.disp.Unregister(b.sourceToken); err != nil {
		glog.V(1).Infof("unregister source fd: %v", err)
	}
	if err := b.disp.Unregister(b.destToken); err != nil {
		glog.V(1).Infof("unregister destination fd: %v", err)
	}
	b.closeResources()

	if b.metrics != nil {
		outcome := "bridged"
		switch {
		case cause != nil && wasConnecting:
			outcome = "connect_error"
		case cause != nil:
			outcome = "pipe_error"
		}
		b.metrics.BridgeEnded(outcome)
	}
}

func (b *Bridge) closeResources() {
	if err := unix.Close(b.sourceFD); err != nil {
		glog.V(1).Infof("close source fd: %v", err)
	}
	if err := unix.Close(b.destFD); err != nil {
		glog.V(1).Infof("close destination fd: %v", err)
	}
	if b.sourceJournal != nil {
		if err := b.sourceJournal.Close(); err != nil {
			glog.V(1).Infof("close source journal: %v", err)
		}
	}
	if b.destJournal != nil {
		if err := b.destJournal.Close(); err != nil {
			glog.V(1).Infof("close destination journal: %v", err)
		}
	}
}

func socketError(fd int) (int, error) {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return 0, fmt.Errorf("getsockopt(SO_ERROR): %w", err)
	}
	return errno, nil
}

func localAddr(fd int) (string, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", fmt.Errorf("getsockname: %w", err)
	}
	addr, err := netaddr.FromSockaddr(sa)
	if err != nil {
		return "", err
	}
	return addr, nil
}
