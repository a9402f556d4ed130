package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/protocol"
	"go.uber.org/zap"
)

// DefaultIdleTimeout is how long the receive loop waits for a frame before re-checking whether it should stop.
const DefaultIdleTimeout = 10 * time.Second

var errExitRequested = errors.New("exit requested")

type handler func(d *Dispatcher, ctx context.Context) error

// handlers is the fixed table of inbound tags. Anything else is dropped.
var handlers = map[protocol.Tag]handler{
	protocol.TagRun:         (*Dispatcher).handleRun,
	protocol.TagAbort:       (*Dispatcher).handleAbort,
	protocol.TagExit:        (*Dispatcher).handleExit,
	protocol.TagMembers:     (*Dispatcher).handleMembers,
	protocol.TagSignatures:  (*Dispatcher).handleSignatures,
	protocol.TagLocales:     (*Dispatcher).handleLocales,
	protocol.TagSetLocale:   (*Dispatcher).handleSetLocale,
	protocol.TagSetThread:   (*Dispatcher).handleSetThread,
	protocol.TagInput:       (*Dispatcher).handleInput,
	protocol.TagExecuteFile: (*Dispatcher).handleExecuteFile,
	protocol.TagAttach:      (*Dispatcher).handleAttach,
}

// Dispatcher is the receive loop of a session.
// It decodes every frame on the calling goroutine. Interrupts, input and exit are handled immediately;
// everything that touches engine state is queued on the executor, so at most one such call runs at a time.
type Dispatcher struct {
	log     *zap.SugaredLogger
	reader  *protocol.Reader
	gate    *protocol.Gate
	backend backend.Backend
	input   *InputChannel
	exec    *executor
	state   *stateMachine
	idle    time.Duration

	// exitProcess calls Backend.ExitProcess at most once per session.
	exitProcess func()
}

// Run reads frames until the front-end closes the stream, sends exit, or ctx is done, all of which return nil.
// Any other read failure is returned and is fatal to the session.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil || d.state.exiting() {
			return nil
		}

		d.backend.Flush()
		tag, err := d.reader.AwaitTag(d.idle)
		if errors.Is(err, protocol.ErrIdle) {
			continue
		}
		if errors.Is(err, io.EOF) {
			d.log.Debug("front-end closed the stream")
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading tag: %w", err)
		}
		d.backend.Flush()

		h, ok := handlers[tag]
		if !ok {
			d.log.Debugw("ignoring unknown tag", "Tag", tag.String())
			continue
		}
		d.log.Debugw("received frame", "Tag", tag.String())
		if err := h(d, ctx); err != nil {
			if errors.Is(err, errExitRequested) {
				return nil
			}
			return fmt.Errorf("handling %q: %w", tag.String(), err)
		}
	}
}

func (d *Dispatcher) submit(name string, f func(ctx context.Context)) {
	d.exec.enqueue(job{name: name, run: f})
}

// send writes a reply frame. A failed write means the connection is gone, which the receive loop notices on its next read.
func (d *Dispatcher) send(tag protocol.Tag, body func(w *protocol.Writer) error) {
	if err := d.gate.Send(tag, body); err != nil {
		d.log.Debugw("error sending reply", "Tag", tag.String(), "Error", err)
	}
}

// execute runs a long-running command in the executing state.
func (d *Dispatcher) execute(name string, f func() error) {
	d.state.transition(StateExecuting)
	defer d.state.transition(StateReady)
	if err := f(); err != nil {
		d.log.Warnw("command failed", "Command", name, "Error", err)
	}
}

func (d *Dispatcher) handleRun(ctx context.Context) error {
	code, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	d.submit("run", func(ctx context.Context) {
		d.execute("run", func() error { return d.backend.RunCommand(ctx, code) })
	})
	return nil
}

func (d *Dispatcher) handleExecuteFile(ctx context.Context) error {
	file, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	args, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	d.submit("excf", func(ctx context.Context) {
		d.execute("excf", func() error { return d.backend.ExecuteFile(ctx, file, args) })
	})
	return nil
}

func (d *Dispatcher) handleAbort(ctx context.Context) error {
	d.backend.InterruptMain()
	return nil
}

func (d *Dispatcher) handleExit(ctx context.Context) error {
	d.state.transition(StateExiting)
	d.exitProcess()
	return errExitRequested
}

func (d *Dispatcher) handleInput(ctx context.Context) error {
	line, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	d.input.Deliver(line)
	return nil
}

func (d *Dispatcher) handleMembers(ctx context.Context) error {
	expr, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	d.submit("mems", func(ctx context.Context) {
		info, err := d.backend.GetMembers(ctx, expr)
		if err != nil {
			d.log.Debugw("member query failed", "Expression", expr, "Error", err)
			d.send(protocol.TagMemberError, nil)
			return
		}
		d.send(protocol.TagMemberResult, func(w *protocol.Writer) error {
			if err := w.WriteString(info.Name); err != nil {
				return err
			}
			if err := writeMembers(w, info.Instance); err != nil {
				return err
			}
			return writeMembers(w, info.Type)
		})
	})
	return nil
}

func writeMembers(w *protocol.Writer, m map[string]string) error {
	members := backend.SortedMembers(m)
	if err := w.WriteInt64(int64(len(members))); err != nil {
		return err
	}
	for _, mem := range members {
		if err := w.WriteString(mem.Name); err != nil {
			return err
		}
		if err := w.WriteString(mem.TypeName); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleSignatures(ctx context.Context) error {
	expr, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	d.submit("sigs", func(ctx context.Context) {
		sigs, err := d.backend.GetSignatures(ctx, expr)
		if err != nil {
			d.log.Debugw("signature query failed", "Expression", expr, "Error", err)
			d.send(protocol.TagSignatureError, nil)
			return
		}
		d.send(protocol.TagSignatureResult, func(w *protocol.Writer) error {
			return writeSignatures(w, sigs)
		})
	})
	return nil
}

func writeStrings(w *protocol.Writer, ss []string) error {
	if err := w.WriteInt64(int64(len(ss))); err != nil {
		return err
	}
	for _, s := range ss {
		if err := w.WriteString(s); err != nil {
			return err
		}
	}
	return nil
}

func writeSignatures(w *protocol.Writer, sigs []backend.Signature) error {
	if err := w.WriteInt64(int64(len(sigs))); err != nil {
		return err
	}
	for _, sig := range sigs {
		if err := w.WriteString(sig.Doc); err != nil {
			return err
		}
		if err := writeStrings(w, sig.Args); err != nil {
			return err
		}
		if err := w.WriteString(sig.VarArgs); err != nil {
			return err
		}
		if err := w.WriteString(sig.VarKw); err != nil {
			return err
		}
		if err := writeStrings(w, sig.Defaults); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleLocales(ctx context.Context) error {
	d.submit("locs", func(ctx context.Context) {
		locs, err := d.backend.GetLocaleNames(ctx)
		if err != nil {
			d.log.Debugw("locale query failed, sending empty list", "Error", err)
			locs = nil
		}
		sorted := append([]backend.LocaleInfo(nil), locs...)
		backend.SortLocales(sorted)
		d.send(protocol.TagLocaleList, func(w *protocol.Writer) error {
			if err := w.WriteInt64(int64(len(sorted))); err != nil {
				return err
			}
			for _, l := range sorted {
				if err := w.WriteString(l.Name); err != nil {
					return err
				}
				if err := w.WriteString(l.File); err != nil {
					return err
				}
			}
			return nil
		})
	})
	return nil
}

func (d *Dispatcher) handleSetLocale(ctx context.Context) error {
	name, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	d.submit("setl", func(ctx context.Context) {
		if err := d.backend.SetCurrentLocale(ctx, name); err != nil {
			d.log.Warnw("setting locale failed", "Locale", name, "Error", err)
		}
	})
	return nil
}

func (d *Dispatcher) handleSetThread(ctx context.Context) error {
	var ids [3]int64
	for i := range ids {
		v, err := d.reader.ReadInt64()
		if err != nil {
			return err
		}
		ids[i] = v
	}
	d.submit("sett", func(ctx context.Context) {
		if err := d.backend.SetCurrentThreadAndFrame(ctx, ids[0], ids[1], ids[2]); err != nil {
			d.log.Warnw("setting thread and frame failed", "Thread", ids[0], "Frame", ids[1], "Kind", ids[2], "Error", err)
		}
	})
	return nil
}

func (d *Dispatcher) handleAttach(ctx context.Context) error {
	port, err := d.reader.ReadInt32()
	if err != nil {
		return err
	}
	id, err := d.reader.ReadString()
	if err != nil {
		return err
	}
	d.submit("dbga", func(ctx context.Context) {
		if err := d.backend.AttachProcess(ctx, port, id); err != nil {
			d.log.Warnw("attaching debugger failed", "Port", port, "ID", id, "Error", err)
		}
	})
	return nil
}
