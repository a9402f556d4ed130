package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInputChannel(t *testing.T) {
	t.Run("buffered value is returned immediately", func(t *testing.T) {
		var notified int32
		c := NewInputChannel(func() error { atomic.AddInt32(&notified, 1); return nil })
		c.Deliver("early")

		v, err := c.RequestInput(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "early", v)
		assert.Equal(t, int32(1), atomic.LoadInt32(&notified))
	})

	t.Run("last write wins", func(t *testing.T) {
		c := NewInputChannel(nil)
		c.Deliver("first")
		c.Deliver("second")

		v, err := c.RequestInput(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "second", v)
	})

	t.Run("value is consumed once", func(t *testing.T) {
		c := NewInputChannel(nil)
		c.Deliver("once")
		_, err := c.RequestInput(context.Background())
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = c.RequestInput(ctx)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("waiter is woken by delivery", func(t *testing.T) {
		c := NewInputChannel(nil)
		got := make(chan string, 1)
		go func() {
			v, err := c.RequestInput(context.Background())
			assert.NoError(t, err)
			got <- v
		}()
		time.Sleep(10 * time.Millisecond)
		c.Deliver("late")

		select {
		case v := <-got:
			assert.Equal(t, "late", v)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not woken")
		}
	})

	t.Run("close unblocks waiter", func(t *testing.T) {
		c := NewInputChannel(nil)
		errCh := make(chan error, 1)
		go func() {
			_, err := c.RequestInput(context.Background())
			errCh <- err
		}()
		time.Sleep(10 * time.Millisecond)
		c.Close()
		c.Close()

		select {
		case err := <-errCh:
			assert.ErrorIs(t, err, ErrInputClosed)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter was not unblocked")
		}

		_, err := c.RequestInput(context.Background())
		assert.ErrorIs(t, err, ErrInputClosed)
	})

	t.Run("done context sends nothing", func(t *testing.T) {
		var notified int32
		c := NewInputChannel(func() error { atomic.AddInt32(&notified, 1); return nil })
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := c.RequestInput(ctx)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, int32(0), atomic.LoadInt32(&notified))
	})

	t.Run("notify failure", func(t *testing.T) {
		c := NewInputChannel(func() error { return errors.New("closed pipe") })
		_, err := c.RequestInput(context.Background())
		assert.ErrorContains(t, err, "requesting input: closed pipe")
	})
}
