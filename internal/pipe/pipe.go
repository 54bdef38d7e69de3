// Package pipe implements the half-duplex data path within a Bridge: one
// direction's socket-read -> journal-append -> journal-read -> socket-write
// cycle, tracking EOF and flush state so the owning Bridge can compute
// readiness interest and half-close timing.
package pipe

import (
	"fmt"

	"github.com/golang/glog"
	"golang.org/x/sys/unix"

	"github.com/anthropics/connbridge/internal/journal"
)

// Pipe is one direction of a Bridge: bytes flow from producerFD, through
// journal, to consumerFD.
type Pipe struct {
	producerFD int
	consumerFD int
	journal    *journal.Journal
	readCursor int64

	eofFromProducer     bool
	flushed             bool
	consumerWriteClosed bool
}

// New creates a half-duplex pipe reading from producerFD and writing to
// consumerFD, backed by j. readCursor is the journal's initial read
// cursor (the value Open returned).
func New(producerFD, consumerFD int, j *journal.Journal, readCursor int64) *Pipe {
	return &Pipe{
		producerFD: producerFD,
		consumerFD: consumerFD,
		journal:    j,
		readCursor: readCursor,
		flushed:    true,
	}
}

// Step runs one dispatch of this pipe: drain the producer socket into the
// journal, drain the journal into the consumer socket, and half-close the
// consumer's write half once both producer EOF and flush have been
// observed. It returns the number of bytes written to the consumer during
// this call (0 on producer-only activity or a no-op dispatch) and a
// non-nil error only for a fatal, unrecoverable failure.
func (p *Pipe) Step() (int, error) {
	produced := 0
	if !p.eofFromProducer {
		n, err := p.readProducer()
		produced = n
		if err != nil {
			return 0, fmt.Errorf("read producer: %w", err)
		}
	}

	consumed := 0
	if !p.flushed || produced > 0 {
		status, n, err := p.journal.DrainInto(p.consumerFD, &p.readCursor)
		consumed = n
		if err != nil {
			return consumed, fmt.Errorf("drain to consumer: %w", err)
		}
		p.flushed = status == journal.Done
	}

	if p.eofFromProducer && p.flushed {
		p.closeConsumerWriteHalf()
	}
	return consumed, nil
}

// readProducer performs the non-blocking read loop on producerFD,
// appending every chunk read to the journal, until the producer would
// block, returns EOF, or fails. It returns the number of bytes appended.
func (p *Pipe) readProducer() (int, error) {
	buf := make([]byte, journal.ChunkSize)
	total := 0
	for {
		n, err := unix.Read(p.producerFD, buf)
		glog.V(2).Infof("DEBUG readProducer fd=%d n=%d err=%v", p.producerFD, n, err)
		if n > 0 {
			if _, aerr := p.journal.Append(buf[:n]); aerr != nil {
				return total, aerr
			}
			total += n
		}
		switch {
		case err == nil && n > 0:
			continue
		case err == nil && n == 0:
			p.closeProducerReadHalf()
			return total, nil
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN || err == unix.EWOULDBLOCK:
			return total, nil
		default:
			// Non-transient read error: treated as EOF per spec, not a
			// fatal pipe failure.
			glog.V(1).Infof("producer fd %d read error, treating as EOF: %v", p.producerFD, err)
			p.closeProducerReadHalf()
			return total, nil
		}
	}
}

func (p *Pipe) closeProducerReadHalf() {
	p.eofFromProducer = true
	if err := unix.Shutdown(p.producerFD, unix.SHUT_RD); err != nil {
		glog.V(1).Infof("shutdown(producer fd %d, SHUT_RD): %v", p.producerFD, err)
	}
}

func (p *Pipe) closeConsumerWriteHalf() {
	if p.consumerWriteClosed {
		return
	}
	p.consumerWriteClosed = true
	if err := unix.Shutdown(p.consumerFD, unix.SHUT_WR); err != nil {
		glog.V(1).Infof("shutdown(consumer fd %d, SHUT_WR): %v", p.consumerFD, err)
	}
}

// WantsRead reports whether this pipe still wants read-readiness on
// producerFD.
func (p *Pipe) WantsRead() bool {
	return !p.eofFromProducer
}

// WantsWrite reports whether this pipe still wants write-readiness on
// consumerFD.
func (p *Pipe) WantsWrite() bool {
	return !p.flushed
}

// Dead reports whether this pipe has nothing left to do: producer EOF has
// been observed and the backlog has been fully flushed.
func (p *Pipe) Dead() bool {
	return p.eofFromProducer && p.flushed
}
