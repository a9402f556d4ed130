package protocol

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// Gate serializes frame writes to a connection.
// Each frame is encoded into a buffer while the gate is held and written with a single Write,
// so frames from concurrent senders never interleave.
//
// Send must not be called from inside a Send callback. Builds with the replbridge_debug tag panic when that happens;
// other builds deadlock.
type Gate struct {
	mu    sync.Mutex
	guard reentryGuard

	w   io.Writer
	enc Encoding
	buf bytes.Buffer
	err error
}

func NewGate(w io.Writer, enc Encoding) *Gate {
	return &Gate{w: w, enc: enc}
}

// Send writes tag followed by whatever body encodes. body may be nil for bare-tag frames.
// Once a write to the connection fails the gate is broken and every later Send returns that error.
func (g *Gate) Send(tag Tag, body func(w *Writer) error) error {
	g.guard.check()
	g.mu.Lock()
	defer g.mu.Unlock()
	g.guard.acquire()
	defer g.guard.release()

	if g.err != nil {
		return g.err
	}

	g.buf.Reset()
	fw := NewWriter(&g.buf, g.enc)
	if err := fw.WriteTag(tag); err != nil {
		return err
	}
	if body != nil {
		if err := body(fw); err != nil {
			// encoding errors leave the connection untouched
			return fmt.Errorf("encoding %s frame: %w", tag, err)
		}
	}

	if _, err := g.w.Write(g.buf.Bytes()); err != nil {
		g.err = fmt.Errorf("writing %s frame: %w", tag, err)
		return g.err
	}
	return nil
}

// SendTag writes a frame with no payload.
func (g *Gate) SendTag(tag Tag) error {
	return g.Send(tag, nil)
}

// Err returns the write error that broke the gate, if any.
func (g *Gate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}
