package session

import (
	"context"

	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/protocol"
)

// gateHost sends backend notifications to the front-end through the session's gate.
type gateHost struct {
	gate  *protocol.Gate
	input *InputChannel
	state *stateMachine
}

var _ backend.Host = (*gateHost)(nil)

func (h *gateHost) sendString(tag protocol.Tag, s string) error {
	return h.gate.Send(tag, func(w *protocol.Writer) error { return w.WriteString(s) })
}

func (h *gateHost) WriteStdout(s string) error  { return h.sendString(protocol.TagStdout, s) }
func (h *gateHost) WriteStderr(s string) error  { return h.sendString(protocol.TagStderr, s) }
func (h *gateHost) SendImage(file string) error { return h.sendString(protocol.TagImage, file) }

func (h *gateHost) SendDone() error           { return h.gate.SendTag(protocol.TagDone) }
func (h *gateHost) SendError() error          { return h.gate.SendTag(protocol.TagError) }
func (h *gateHost) SendExit() error           { return h.gate.SendTag(protocol.TagExited) }
func (h *gateHost) SendLocalesChanged() error { return h.gate.SendTag(protocol.TagLocalesChanged) }
func (h *gateHost) SendDetach() error         { return h.gate.SendTag(protocol.TagDetach) }

func (h *gateHost) SendPrompt(ps1, ps2 string, updateAll bool) error {
	return h.gate.Send(protocol.TagPrompt, func(w *protocol.Writer) error {
		if err := w.WriteString(ps1); err != nil {
			return err
		}
		if err := w.WriteString(ps2); err != nil {
			return err
		}
		var all int32
		if updateAll {
			all = 1
		}
		return w.WriteInt32(all)
	})
}

func (h *gateHost) SendPNG(b []byte) error {
	return h.gate.Send(protocol.TagPNG, func(w *protocol.Writer) error { return w.WriteBytes(b) })
}

func (h *gateHost) SendDebugAttached(port int32, id string) error {
	return h.gate.Send(protocol.TagDebugAttached, func(w *protocol.Writer) error {
		if err := w.WriteInt32(port); err != nil {
			return err
		}
		return w.WriteString(id)
	})
}

// ReadLine only moves the session to awaiting_input while a command is executing.
// A call that races the end of its command leaves the state alone.
func (h *gateHost) ReadLine(ctx context.Context) (string, error) {
	if h.state.swap(StateExecuting, StateAwaitingInput) {
		defer h.state.swap(StateAwaitingInput, StateExecuting)
	}
	return h.input.RequestInput(ctx)
}
