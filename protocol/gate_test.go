package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkWriter records every Write call separately.
type chunkWriter struct {
	mu     sync.Mutex
	chunks [][]byte
	all    bytes.Buffer
}

func (w *chunkWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.chunks = append(w.chunks, append([]byte(nil), b...))
	w.all.Write(b)
	return len(b), nil
}

func TestGateFramesDoNotInterleave(t *testing.T) {
	w := &chunkWriter{}
	g := NewGate(w, UTF8)

	const senders = 16
	const perSender = 50
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				payload := fmt.Sprintf("sender %d line %d", i, j)
				err := g.Send(TagStdout, func(w *Writer) error { return w.WriteString(payload) })
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, w.chunks, senders*perSender)

	seen := map[string]bool{}
	r := NewReader(&w.all)
	for i := 0; i < senders*perSender; i++ {
		tag, err := r.ReadTag()
		require.NoError(t, err)
		require.Equal(t, TagStdout, tag)
		s, err := r.ReadString()
		require.NoError(t, err)
		seen[s] = true
	}
	assert.Len(t, seen, senders*perSender)
}

type failingWriter struct{ n int }

func (w *failingWriter) Write(b []byte) (int, error) {
	w.n++
	return 0, errors.New("broken pipe")
}

func TestGateBreaksOnWriteError(t *testing.T) {
	w := &failingWriter{}
	g := NewGate(w, UTF8)

	err := g.SendTag(TagDone)
	require.ErrorContains(t, err, "broken pipe")

	err = g.SendTag(TagDone)
	require.ErrorContains(t, err, "broken pipe")
	assert.Equal(t, 1, w.n)
	assert.Error(t, g.Err())
}

func TestGateEncodingErrorLeavesConnectionUsable(t *testing.T) {
	w := &chunkWriter{}
	g := NewGate(w, UTF8)

	err := g.Send(TagStdout, func(w *Writer) error { return errors.New("nope") })
	require.Error(t, err)
	assert.Empty(t, w.chunks)

	require.NoError(t, g.SendTag(TagDone))
	assert.Equal(t, []byte("DONE"), w.all.Bytes())
}
