// Package capture redirects a loaded module's output channels into per-test buffers.
//
// The module is given stable writers for stdout, stderr and its logging
// channel when it is instantiated. Those writers forward to the live console
// until a Sink is acquired, and to the sink's buffer until it is released:
//
//	sink, err := channels.Acquire("my_test")
//	if err != nil {
//		return err
//	}
//	defer sink.Release()
//
// Only one sink can be held at a time. Writes that bypass the channels, such as
// the scheduler's progress lines, go straight to Console.
package capture

import (
	"bytes"
	"io"
	"sync"

	"github.com/wippyai/wasm-testharness/errors"
)

// Channel names the stream a write arrived on.
type Channel int

const (
	Stdout Channel = iota
	Stderr
	Log
)

func (c Channel) String() string {
	switch c {
	case Stdout:
		return "stdout"
	case Stderr:
		return "stderr"
	case Log:
		return "log"
	}
	return "unknown"
}

// Channels owns the redirectable output streams of one harness run.
type Channels struct {
	stdout io.Writer
	stderr io.Writer
	sink   *Sink
	mu     sync.Mutex
}

// NewChannels creates channels forwarding to the given console writers.
// The logging channel follows stdout when nothing is captured.
func NewChannels(stdout, stderr io.Writer) *Channels {
	return &Channels{stdout: stdout, stderr: stderr}
}

// Console returns the live console writer, never redirected.
func (c *Channels) Console() io.Writer {
	return c.stdout
}

// Stdout returns the module-facing standard output writer.
func (c *Channels) Stdout() io.Writer { return c.Writer(Stdout) }

// Stderr returns the module-facing standard error writer.
func (c *Channels) Stderr() io.Writer { return c.Writer(Stderr) }

// Log returns the module-facing logging writer (console.log and friends).
func (c *Channels) Log() io.Writer { return c.Writer(Log) }

// Writer returns the module-facing writer for ch.
func (c *Channels) Writer(ch Channel) io.Writer { return channelWriter{c, ch} }

// Acquire redirects every channel into a fresh buffer owned by name.
// It fails if another sink is still held.
func (c *Channels) Acquire(name string) (*Sink, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		return nil, errors.SinkHeld(c.sink.name, name)
	}
	s := &Sink{owner: c, name: name}
	c.sink = s
	return s, nil
}

// Held returns the name of the current sink owner, or "" when output is live.
func (c *Channels) Held() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink == nil {
		return ""
	}
	return c.sink.name
}

func (c *Channels) write(ch Channel, p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sink != nil {
		return c.sink.buf.Write(p)
	}
	if ch == Stderr {
		return c.stderr.Write(p)
	}
	return c.stdout.Write(p)
}

type channelWriter struct {
	c  *Channels
	ch Channel
}

func (w channelWriter) Write(p []byte) (int, error) {
	return w.c.write(w.ch, p)
}

// Sink is one test's capture. Its buffer outlives the capture window.
type Sink struct {
	owner    *Channels
	name     string
	buf      bytes.Buffer
	released bool
}

// Name returns the owning test's name.
func (s *Sink) Name() string { return s.name }

// Release restores the console. It is safe to call more than once.
func (s *Sink) Release() {
	c := s.owner
	c.mu.Lock()
	defer c.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	if c.sink == s {
		c.sink = nil
	}
}

// Released reports whether Release has been called.
func (s *Sink) Released() bool {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.released
}

// String returns everything captured so far.
func (s *Sink) String() string {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	return s.buf.String()
}

// Append adds text to the capture after the fact, e.g. a failure reason.
func (s *Sink) Append(text string) {
	s.owner.mu.Lock()
	defer s.owner.mu.Unlock()
	s.buf.WriteString(text)
}
