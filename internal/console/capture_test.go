package console

import (
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestCaptureDrainsUntilEOF(t *testing.T) {
	ring := NewRing(10)
	var updates atomic.Int32
	c := NewCapture(strings.NewReader("Starting minecraft server\n\nDone (1.2s)!\r\nno newline"), ring,
		func(string) { updates.Add(1) }, nil)
	c.Start()

	if err := c.Wait(2 * time.Second); err != nil {
		t.Fatalf("Wait: %v", err)
	}

	lines := ring.Lines()
	want := []string{"Starting minecraft server", "", "Done (1.2s)!", "no newline"}
	if len(lines) != len(want) {
		t.Fatalf("expected %d lines, got %v", len(want), lines)
	}
	for i := range want {
		if lines[i] != want[i] {
			t.Errorf("lines[%d] = %q, want %q", i, lines[i], want[i])
		}
	}
	if got := updates.Load(); got != int32(len(want)) {
		t.Errorf("expected %d update notifications, got %d", len(want), got)
	}
}

func TestCaptureStopsWhenUnbound(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()

	ring := NewRing(10)
	var bound atomic.Bool
	bound.Store(true)
	c := NewCapture(pr, ring, func(string) { bound.Store(false) }, bound.Load)
	c.Start()

	pw.Write([]byte("first\n"))

	if err := c.Wait(2 * time.Second); err != nil {
		t.Fatalf("capture should exit once unbound: %v", err)
	}
	if n := len(ring.Lines()); n != 1 {
		t.Errorf("expected 1 line, got %d", n)
	}
}

func TestCaptureWaitTimesOutWhileReadBlocked(t *testing.T) {
	pr, pw := io.Pipe()
	c := NewCapture(pr, NewRing(10), nil, nil)
	c.Start()

	if err := c.Wait(20 * time.Millisecond); !errors.Is(err, ErrWaitTimeout) {
		t.Fatalf("expected ErrWaitTimeout, got %v", err)
	}

	pw.Close()
	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("capture did not exit after stream closed")
	}
}

func TestCaptureReplacesInvalidUTF8(t *testing.T) {
	ring := NewRing(10)
	c := NewCapture(strings.NewReader("bad \xff byte\n"), ring, nil, nil)
	c.Start()
	c.Wait(2 * time.Second)

	lines := ring.Lines()
	if len(lines) != 1 || lines[0] != "bad � byte" {
		t.Errorf("unexpected lines: %q", lines)
	}
}

func TestIsEmptyRead(t *testing.T) {
	if !isEmptyRead(nil, nil) {
		t.Error("zero-byte read without error should be skipped")
	}
	if isEmptyRead(nil, io.EOF) {
		t.Error("EOF is end of stream, not an empty read")
	}
	if isEmptyRead([]byte("\n"), nil) {
		t.Error("a blank line is console output, not an empty read")
	}
}
