//go:build replbridge_debug

package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGateReentryPanics(t *testing.T) {
	g := NewGate(&bytes.Buffer{}, UTF8)
	assert.Panics(t, func() {
		_ = g.Send(TagStdout, func(w *Writer) error {
			return g.SendTag(TagDone)
		})
	})
}
