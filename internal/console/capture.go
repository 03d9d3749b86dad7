// Package console captures a server's console output.
//
// A Capture drains one output stream into a Ring on a background goroutine.
// The read is blocking and cannot be cancelled: the goroutine ends when the
// stream reaches EOF, which happens once every writer of the pipe has exited
// or the reader is closed.
package console

import (
	"bufio"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
)

// ErrWaitTimeout is returned by Wait when the capture goroutine is still
// blocked in a read after the timeout.
var ErrWaitTimeout = errors.New("console capture did not finish")

// Capture reads lines from a server's output stream into a Ring.
type Capture struct {
	r      *bufio.Reader
	ring   *Ring
	onLine func(string)
	bound  func() bool
	logger *slog.Logger
	done   chan struct{}
}

// NewCapture creates a capture that appends each line read from r to ring
// and then calls onLine. bound reports whether the owning handle is still the
// one this capture was started for; it is checked between reads and must not
// block. Either callback may be nil.
func NewCapture(r io.Reader, ring *Ring, onLine func(string), bound func() bool) *Capture {
	return &Capture{
		r:      bufio.NewReader(r),
		ring:   ring,
		onLine: onLine,
		bound:  bound,
		logger: slog.With("component", "console"),
		done:   make(chan struct{}),
	}
}

// Start launches the capture goroutine.
func (c *Capture) Start() {
	go c.run()
}

// Done is closed when the capture goroutine exits.
func (c *Capture) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until the capture goroutine exits or timeout elapses.
func (c *Capture) Wait(timeout time.Duration) error {
	select {
	case <-c.done:
		return nil
	case <-time.After(timeout):
		return ErrWaitTimeout
	}
}

func (c *Capture) run() {
	defer close(c.done)

	for c.bound == nil || c.bound() {
		raw, err := c.r.ReadBytes('\n')
		if isEmptyRead(raw, err) {
			continue
		}
		if len(raw) > 0 {
			c.emit(decodeLine(raw))
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Debug("console stream closed", "error", err)
			}
			return
		}
	}
}

func (c *Capture) emit(line string) {
	c.ring.Append(line)
	c.logger.Debug(line)
	if c.onLine != nil {
		c.onLine(line)
	}
}

// isEmptyRead reports a read that returned nothing but did not close the
// stream. Some pipe implementations surface these spuriously; they carry no
// console output and are not an end-of-stream condition.
func isEmptyRead(raw []byte, err error) bool {
	return len(raw) == 0 && err == nil
}

func decodeLine(raw []byte) string {
	line := strings.TrimRight(string(raw), "\r\n")
	return strings.ToValidUTF8(line, "�")
}
