// Package journal implements the append-only, per-direction byte log that
// backs every half-duplex pipe. Forwarding reads back from the journal
// file rather than from an in-memory buffer, so every byte that crosses
// the bridge has a durable, independently-readable witness on disk.
package journal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// ChunkSize is the unit of I/O for both appends read back by DrainInto and
// (in package pipe) reads from the producer socket.
const ChunkSize = 8192

// Status reports the outcome of a single DrainInto call.
type Status int

const (
	// Done means the read cursor has caught up to the append cursor: the
	// backlog is empty right now. The producer may still append more
	// later; Done says nothing about the logical end of the stream.
	Done Status = iota
	// WouldBlock means the consumer socket returned EAGAIN mid-write. The
	// read cursor has been advanced to reflect exactly the bytes the
	// consumer accepted.
	WouldBlock
	// Error means an unrecoverable I/O failure occurred.
	Error
)

func (s Status) String() string {
	switch s {
	case Done:
		return "done"
	case WouldBlock:
		return "would-block"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("journal.Status(%d)", int(s))
	}
}

// Journal is the append-only on-disk log for one direction of one Bridge.
type Journal struct {
	file *os.File
}

// Open opens (creating if necessary) the journal file for name inside dir
// in append mode. It returns the journal and the read cursor a fresh
// half-duplex pipe should start from: the file's current end-of-file, so
// any pre-existing content from a prior run is never replayed.
func Open(dir, name string) (*Journal, int64, error) {
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("open journal %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat journal %q: %w", path, err)
	}
	return &Journal{file: f}, info.Size(), nil
}

// Append writes p to the append cursor. A single call is atomic with
// respect to the file stream: the file is opened O_APPEND, so the kernel
// serializes the write against any concurrent appender, and a Write(2) on
// a regular file either transfers the whole buffer or fails outright.
func (j *Journal) Append(p []byte) (int, error) {
	n, err := j.file.Write(p)
	if err != nil {
		return n, fmt.Errorf("append to journal: %w", err)
	}
	return n, nil
}

// DrainInto starts at *readCursor and writes chunks read from the journal
// file to the non-blocking socket fd until the file's current content is
// exhausted (Done), fd returns EAGAIN/EWOULDBLOCK mid-write (WouldBlock),
// or an unrecoverable error occurs (Error). *readCursor is advanced to
// reflect exactly the bytes fd accepted, so a subsequent call resumes
// precisely where this one left off. The second return value is the
// number of bytes written to fd during this call.
func (j *Journal) DrainInto(fd int, readCursor *int64) (Status, int, error) {
	buf := make([]byte, ChunkSize)
	totalWritten := 0
	for {
		n, rerr := j.file.ReadAt(buf, *readCursor)
		if n == 0 {
			if rerr == nil || errors.Is(rerr, io.EOF) {
				return Done, totalWritten, nil
			}
			return Error, totalWritten, fmt.Errorf("read journal: %w", rerr)
		}

		chunk := buf[:n]
		written := 0
		for written < len(chunk) {
			wn, werr := unix.Write(fd, chunk[written:])
			if werr != nil {
				if werr == unix.EINTR {
					continue
				}
				*readCursor += int64(written)
				totalWritten += written
				if werr == unix.EAGAIN || werr == unix.EWOULDBLOCK {
					return WouldBlock, totalWritten, nil
				}
				return Error, totalWritten, fmt.Errorf("write to consumer: %w", werr)
			}
			written += wn
		}
		*readCursor += int64(written)
		totalWritten += written

		if errors.Is(rerr, io.EOF) {
			return Done, totalWritten, nil
		}
	}
}

// Close closes the journal's file stream. The on-disk data is retained.
func (j *Journal) Close() error {
	if err := j.file.Close(); err != nil {
		return fmt.Errorf("close journal: %w", err)
	}
	return nil
}
