// Package session runs one front-end connection: the receive loop, the execution queue,
// pending input, and the lifecycle from connect to teardown.
package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/protocol"
	"go.uber.org/zap"
)

// DefaultGracePeriod is how long teardown waits for a running command to stop before forcing termination.
const DefaultGracePeriod = 2 * time.Second

// Starter is implemented by backends that need to run something, such as a launch file, before the first command.
// Start runs on the execution queue, ahead of any front-end request.
type Starter interface {
	Start(ctx context.Context) error
}

// BackendFactory builds the backend for a session once its host is available.
type BackendFactory func(host backend.Host) (backend.Backend, error)

// Session is a single front-end connection bound to one backend.
type Session struct {
	ID uuid.UUID

	log         *zap.SugaredLogger
	conn        io.ReadWriteCloser
	gate        *protocol.Gate
	input       *InputChannel
	state       *stateMachine
	host        *gateHost
	backend     backend.Backend
	idle        time.Duration
	grace       time.Duration
	encoding    protocol.Encoding
	terminate   func()
	startPrompt bool

	startedAt  time.Time
	remoteAddr string

	exitOnce  sync.Once
	closeOnce sync.Once
}

type Option func(s *Session)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(s *Session) {
		s.log = l
	}
}

// WithIdleTimeout sets how often the receive loop wakes up to check whether it should stop.
func WithIdleTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.idle = d
	}
}

func WithGracePeriod(d time.Duration) Option {
	return func(s *Session) {
		s.grace = d
	}
}

func WithEncoding(e protocol.Encoding) Option {
	return func(s *Session) {
		s.encoding = e
	}
}

// WithTerminateHandler sets what happens when the connection fails and the backend does not stop within the grace period.
// By default nothing happens; the command line installs an exit.
func WithTerminateHandler(f func()) Option {
	return func(s *Session) {
		s.terminate = f
	}
}

// WithStartPrompt controls whether the initial prompt is sent when the session becomes ready.
func WithStartPrompt(b bool) Option {
	return func(s *Session) {
		s.startPrompt = b
	}
}

var exit = os.Exit

// TerminateExit is a terminate handler that exits the process.
func TerminateExit(log *zap.SugaredLogger) func() {
	return func() {
		log.Error("backend did not stop after connection failure, exiting")
		_ = log.Sync()
		exit(1)
	}
}

// New binds conn to a backend built by newBackend. Run must be called to start processing frames.
func New(conn io.ReadWriteCloser, newBackend BackendFactory, opts ...Option) (*Session, error) {
	s := &Session{
		ID:          uuid.New(),
		startedAt:   time.Now(),
		log:         zap.NewNop().Sugar(),
		conn:        conn,
		idle:        DefaultIdleTimeout,
		grace:       DefaultGracePeriod,
		encoding:    protocol.UTF8,
		startPrompt: true,
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.With("Session", s.ID.String())
	if c, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && c.RemoteAddr() != nil {
		s.remoteAddr = c.RemoteAddr().String()
	}

	s.gate = protocol.NewGate(conn, s.encoding)
	s.state = newStateMachine(s.log.Named("state"))
	s.input = NewInputChannel(func() error { return s.gate.SendTag(protocol.TagReadLine) })
	s.host = &gateHost{gate: s.gate, input: s.input, state: s.state}

	b, err := newBackend(s.host)
	if err != nil {
		return nil, fmt.Errorf("building backend: %w", err)
	}
	s.backend = b
	return s, nil
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return s.state.get()
}

// Status is a point-in-time view of a session.
type Status struct {
	ID         string
	State      string
	RemoteAddr string
	StartedAt  time.Time
}

func (s *Session) Status() Status {
	return Status{
		ID:         s.ID.String(),
		State:      s.State().String(),
		RemoteAddr: s.remoteAddr,
		StartedAt:  s.startedAt,
	}
}

func (s *Session) exitProcess() {
	s.exitOnce.Do(func() {
		s.log.Debug("stopping backend")
		s.backend.ExitProcess()
	})
}

// Close tears down the connection, which stops Run.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() { err = s.conn.Close() })
	return err
}

// Run processes frames until the front-end exits or disconnects, the connection fails, or ctx is done.
// It returns an error only for connection failures.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.state.transition(StateReady)
	s.log.Infow("session ready", "RemoteAddr", s.remoteAddr)

	exec := newExecutor(s.log.Named("executor"))
	execDone := make(chan struct{})
	go func() {
		defer close(execDone)
		exec.run(ctx)
	}()

	// A blocked read only returns once the connection is closed.
	loopDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-loopDone:
		}
	}()

	if s.startPrompt {
		if err := s.host.SendPrompt("    ", "", false); err != nil {
			s.log.Debugw("error sending initial prompt", "Error", err)
		}
	}
	if st, ok := s.backend.(Starter); ok {
		exec.enqueue(job{name: "start", run: func(ctx context.Context) {
			s.state.transition(StateExecuting)
			defer s.state.transition(StateReady)
			if err := st.Start(ctx); err != nil {
				s.log.Warnw("backend start failed", "Error", err)
			}
		}})
	}

	d := &Dispatcher{
		log:         s.log.Named("dispatcher"),
		reader:      protocol.NewReader(s.conn),
		gate:        s.gate,
		backend:     s.backend,
		input:       s.input,
		exec:        exec,
		state:       s.state,
		idle:        s.idle,
		exitProcess: s.exitProcess,
	}
	err := d.Run(ctx)
	close(loopDone)

	s.state.transition(StateExiting)
	if err != nil {
		s.log.Errorw("connection failed", "Error", err)
	}
	s.exitProcess()
	s.input.Close()
	cancel()

	select {
	case <-execDone:
	case <-time.After(s.grace):
		s.log.Warnw("backend still running after grace period", "GracePeriod", s.grace)
		if err != nil && s.terminate != nil {
			s.terminate()
		}
	}

	s.Close()
	s.state.transition(StateClosed)
	s.log.Infow("session closed")
	return err
}
