package standard

import (
	"strings"
	"sync"
)

// outputBuffer batches stdout writes into fewer STDO frames.
type outputBuffer struct {
	mu    sync.Mutex
	buf   strings.Builder
	limit int
	sink  func(string) error
}

func newOutputBuffer(limit int, sink func(string) error) *outputBuffer {
	return &outputBuffer{limit: limit, sink: sink}
}

func (o *outputBuffer) write(s string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.buf.WriteString(s)
	if o.buf.Len() < o.limit {
		return nil
	}
	return o.flushLocked()
}

func (o *outputBuffer) flush() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.flushLocked()
}

func (o *outputBuffer) flushLocked() error {
	if o.buf.Len() == 0 {
		return nil
	}
	s := o.buf.String()
	o.buf.Reset()
	return o.sink(s)
}
