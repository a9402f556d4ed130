package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrInputClosed is returned by RequestInput once the connection has gone away.
var ErrInputClosed = errors.New("input channel closed")

// InputChannel hands lines typed in the front-end to a command blocked waiting for input.
// It holds at most one pending line: a newer delivery replaces an unconsumed one.
type InputChannel struct {
	// notify tells the front-end that input is wanted.
	notify func() error

	mu    sync.Mutex
	value string
	has   bool

	wake      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func NewInputChannel(notify func() error) *InputChannel {
	return &InputChannel{
		notify: notify,
		wake:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// RequestInput asks the front-end for a line and waits for it.
// A line delivered before the call is returned without waiting.
// Nothing is sent to the front-end once ctx is done.
func (c *InputChannel) RequestInput(ctx context.Context) (string, error) {
	select {
	case <-c.closed:
		return "", ErrInputClosed
	default:
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	if c.notify != nil {
		if err := c.notify(); err != nil {
			return "", fmt.Errorf("requesting input: %w", err)
		}
	}

	for {
		if v, ok := c.take(); ok {
			return v, nil
		}
		select {
		case <-c.wake:
		case <-ctx.Done():
			return "", ctx.Err()
		case <-c.closed:
			return "", ErrInputClosed
		}
	}
}

func (c *InputChannel) take() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.has {
		return "", false
	}
	v := c.value
	c.value, c.has = "", false
	return v, true
}

// Deliver stores a line and wakes a waiting RequestInput. It never blocks.
func (c *InputChannel) Deliver(v string) {
	c.mu.Lock()
	c.value, c.has = v, true
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Close unblocks any pending RequestInput and makes later calls fail.
func (c *InputChannel) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}
