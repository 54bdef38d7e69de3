package journal

import (
	"bytes"
	"io"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func nonblockingPipe(t *testing.T) (readFD, writeFD int, cleanup func()) {
	t.Helper()
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	rFD, wFD := int(r.Fd()), int(w.Fd())
	if err := unix.SetNonblock(rFD, true); err != nil {
		t.Fatalf("SetNonblock(read): %v", err)
	}
	if err := unix.SetNonblock(wFD, true); err != nil {
		t.Fatalf("SetNonblock(write): %v", err)
	}
	return rFD, wFD, func() {
		r.Close()
		w.Close()
	}
}

func TestAppendThenDrainInto(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, cursor, err := Open(dir, "journal-a")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()
	if cursor != 0 {
		t.Fatalf("cursor = %d, want 0 for a fresh file", cursor)
	}

	want := []byte("hello world")
	if n, err := j.Append(want); err != nil || n != len(want) {
		t.Fatalf("Append: n=%d err=%v", n, err)
	}

	readFD, writeFD, cleanup := nonblockingPipe(t)
	defer cleanup()

	status, n, err := j.DrainInto(writeFD, &cursor)
	if err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if status != Done {
		t.Errorf("status = %v, want Done", status)
	}
	if n != len(want) {
		t.Errorf("n = %d, want %d", n, len(want))
	}
	if cursor != int64(len(want)) {
		t.Errorf("cursor = %d, want %d", cursor, len(want))
	}

	got := make([]byte, len(want))
	if _, err := io.ReadFull(fdReader{readFD}, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("drained %q, want %q", got, want)
	}
}

func TestDrainIntoResumesAcrossCalls(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, cursor, err := Open(dir, "journal-b")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	j.Append([]byte("first-"))
	readFD, writeFD, cleanup := nonblockingPipe(t)
	defer cleanup()

	if _, _, err := j.DrainInto(writeFD, &cursor); err != nil {
		t.Fatalf("DrainInto 1: %v", err)
	}

	j.Append([]byte("second"))
	status, n, err := j.DrainInto(writeFD, &cursor)
	if err != nil {
		t.Fatalf("DrainInto 2: %v", err)
	}
	if status != Done || n != len("second") {
		t.Errorf("DrainInto 2: status=%v n=%d", status, n)
	}

	got := make([]byte, len("first-second"))
	if _, err := io.ReadFull(fdReader{readFD}, got); err != nil {
		t.Fatalf("read back: %v", err)
	}
	if string(got) != "first-second" {
		t.Errorf("drained %q, want %q", got, "first-second")
	}
}

func TestDrainIntoWouldBlock(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, cursor, err := Open(dir, "journal-c")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	// A pipe buffer is finite (commonly 64 KiB on Linux); write well past
	// it so the drain is forced to observe EAGAIN.
	payload := bytes.Repeat([]byte("x"), 256*1024)
	if _, err := j.Append(payload); err != nil {
		t.Fatalf("Append: %v", err)
	}

	_, writeFD, cleanup := nonblockingPipe(t)
	defer cleanup()

	status, n, err := j.DrainInto(writeFD, &cursor)
	if err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if status != WouldBlock {
		t.Errorf("status = %v, want WouldBlock", status)
	}
	if n <= 0 || n >= len(payload) {
		t.Errorf("n = %d, want a partial write strictly between 0 and %d", n, len(payload))
	}
	if cursor != int64(n) {
		t.Errorf("cursor = %d, want %d", cursor, n)
	}
}

func TestDrainIntoEmptyJournalIsDone(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j, cursor, err := Open(dir, "journal-d")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer j.Close()

	_, writeFD, cleanup := nonblockingPipe(t)
	defer cleanup()

	status, n, err := j.DrainInto(writeFD, &cursor)
	if err != nil {
		t.Fatalf("DrainInto: %v", err)
	}
	if status != Done || n != 0 {
		t.Errorf("status=%v n=%d, want Done/0 for an empty journal", status, n)
	}
}

func TestOpenResumesAtExistingEOF(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	j1, _, err := Open(dir, "journal-e")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	j1.Append([]byte("prior content"))
	j1.Close()

	_, cursor, err := Open(dir, "journal-e")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if cursor != int64(len("prior content")) {
		t.Errorf("cursor = %d, want %d (no replay of prior content)", cursor, len("prior content"))
	}
}

// fdReader adapts a raw, possibly non-blocking fd to io.Reader for test
// assertions, retrying on EAGAIN so io.ReadFull can make progress.
type fdReader struct{ fd int }

func (r fdReader) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(r.fd, p)
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			continue
		}
		return n, err
	}
}
