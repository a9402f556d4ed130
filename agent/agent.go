// Package agent accepts front-end connections and runs one session at a time over them.
//
// An agent can listen for raw TCP connections, dial out to a front-end that is waiting for it,
// and serve an HTTP control server with status endpoints and a WebSocket transport for the same protocol.
package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/protocol"
	"github.com/guseggert/replbridge/registry"
	"github.com/guseggert/replbridge/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// ErrSessionActive is returned when a connection arrives while another session is running.
var ErrSessionActive = errors.New("a session is already active")

// DefaultDialAttempts is how many times dial mode tries to reach the front-end.
const DefaultDialAttempts = 10

// Agent owns the listeners and the single active session.
type Agent struct {
	log        *zap.SugaredLogger
	newBackend session.BackendFactory
	backendID  string

	listenAddr string
	httpAddr   string
	dialAddr   string

	certs     *Certs
	serverTLS *tls.Config
	clientTLS *tls.Config

	dialLimiter  *rate.Limiter
	dialAttempts int

	sessionOpts []session.Option

	registry    registry.Registry
	serviceName string

	startedAt time.Time

	mu           sync.Mutex
	claimed      bool
	active       *session.Session
	listener     net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	stop         context.CancelFunc
	ready        chan struct{}
}

type Option func(a *Agent)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(a *Agent) {
		a.log = l
	}
}

// WithListenAddr makes the agent accept raw protocol connections on addr.
func WithListenAddr(addr string) Option {
	return func(a *Agent) {
		a.listenAddr = addr
	}
}

// WithHTTPAddr enables the control server on addr.
func WithHTTPAddr(addr string) Option {
	return func(a *Agent) {
		a.httpAddr = addr
	}
}

// WithDialAddr makes the agent connect to a front-end listening on addr and exit when that session ends.
func WithDialAddr(addr string) Option {
	return func(a *Agent) {
		a.dialAddr = addr
	}
}

// WithDialRetry sets how often and how many times dial mode retries.
func WithDialRetry(every time.Duration, attempts int) Option {
	return func(a *Agent) {
		a.dialLimiter = rate.NewLimiter(rate.Every(every), 1)
		a.dialAttempts = attempts
	}
}

// WithCerts enables TLS on every listener. In dial mode the front-end must present a cert signed by the CA.
func WithCerts(c *Certs) Option {
	return func(a *Agent) {
		a.certs = c
	}
}

// WithSessionOptions passes options to every session the agent starts.
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *Agent) {
		a.sessionOpts = append(a.sessionOpts, opts...)
	}
}

// WithRegistry publishes the listen address under service while the agent runs.
func WithRegistry(r registry.Registry, service string) Option {
	return func(a *Agent) {
		a.registry = r
		a.serviceName = service
	}
}

// New builds an agent whose sessions use backends from newBackend. backendID is only reported.
func New(backendID string, newBackend session.BackendFactory, opts ...Option) (*Agent, error) {
	a := &Agent{
		log:          zap.NewNop().Sugar(),
		backendID:    backendID,
		newBackend:   newBackend,
		dialLimiter:  rate.NewLimiter(rate.Every(500*time.Millisecond), 1),
		dialAttempts: DefaultDialAttempts,
		ready:        make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	if a.listenAddr == "" && a.dialAddr == "" && a.httpAddr == "" {
		return nil, errors.New("agent needs a listen, dial or HTTP address")
	}
	if a.listenAddr != "" && a.dialAddr != "" {
		return nil, errors.New("listen and dial modes are exclusive")
	}
	if a.registry != nil && a.listenAddr == "" && a.httpAddr == "" {
		return nil, errors.New("registry publication needs a listen or HTTP address")
	}
	if a.certs != nil {
		var err error
		if a.serverTLS, err = a.certs.ServerTLSConfig(); err != nil {
			return nil, fmt.Errorf("building server TLS config: %w", err)
		}
		if a.clientTLS, err = a.certs.ClientTLSConfig(); err != nil {
			return nil, fmt.Errorf("building client TLS config: %w", err)
		}
	}
	a.log = a.log.Named("agent")
	return a, nil
}

// Ready is closed once every listener is bound.
func (a *Agent) Ready() <-chan struct{} {
	return a.ready
}

// Addr returns the bound protocol listener address, or nil before Ready or in dial mode.
func (a *Agent) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// HTTPAddr returns the bound control server address, or nil if it is disabled.
func (a *Agent) HTTPAddr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.httpListener == nil {
		return nil
	}
	return a.httpListener.Addr()
}

func (a *Agent) listen(addr string) (net.Listener, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP on %s: %w", addr, err)
	}
	if a.serverTLS != nil {
		l = tls.NewListener(l, a.serverTLS)
	}
	return l, nil
}

// Run serves until ctx is done, Stop is called, a listener fails, or, in dial mode, the session ends.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.startedAt = time.Now()

	a.mu.Lock()
	a.stop = cancel
	a.mu.Unlock()

	g, ctx := errgroup.WithContext(ctx)

	if a.listenAddr != "" {
		l, err := a.listen(a.listenAddr)
		if err != nil {
			return err
		}
		a.mu.Lock()
		a.listener = l
		a.mu.Unlock()
		a.log.Infow("listening", "Addr", l.Addr().String(), "TLS", a.serverTLS != nil)
		g.Go(func() error { return a.acceptLoop(ctx, l) })
	}

	if a.httpAddr != "" {
		l, err := a.listen(a.httpAddr)
		if err != nil {
			cancel()
			a.closeListeners()
			_ = g.Wait()
			return err
		}
		srv := &http.Server{Handler: a.router(ctx), ReadHeaderTimeout: 10 * time.Second}
		a.mu.Lock()
		a.httpListener = l
		a.httpServer = srv
		a.mu.Unlock()
		a.log.Infow("HTTP server listening", "Addr", l.Addr().String())
		g.Go(func() error {
			err := srv.Serve(l)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("serving HTTP: %w", err)
		})
	}

	if a.dialAddr != "" {
		g.Go(func() error {
			err := a.dialAndServe(ctx)
			// dial mode lives exactly as long as its one session
			cancel()
			return err
		})
	}

	if a.registry != nil {
		if err := a.publish(ctx); err != nil {
			a.log.Warnw("registry publication failed", "Error", err)
		}
	}
	close(a.ready)

	g.Go(func() error {
		<-ctx.Done()
		a.shutdown()
		return nil
	})
	return g.Wait()
}

// Stop makes Run return.
func (a *Agent) Stop() {
	a.mu.Lock()
	stop := a.stop
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}

func (a *Agent) closeListeners() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener != nil {
		a.listener.Close()
	}
}

func (a *Agent) shutdown() {
	a.log.Debug("shutting down")
	if a.registry != nil {
		a.unpublish()
	}
	a.closeListeners()

	a.mu.Lock()
	srv := a.httpServer
	active := a.active
	a.mu.Unlock()
	if active != nil {
		active.Close()
	}
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			a.log.Debugw("error shutting down HTTP server", "Error", err)
			srv.Close()
		}
	}
}

func (a *Agent) acceptLoop(ctx context.Context, l net.Listener) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting: %w", err)
		}
		go func() {
			if err := a.serve(ctx, conn); err != nil {
				a.log.Debugw("session ended with error", "RemoteAddr", conn.RemoteAddr().String(), "Error", err)
			}
		}()
	}
}

// dialAndServe connects to the front-end, retrying at the limiter's pace, then runs the session.
func (a *Agent) dialAndServe(ctx context.Context) error {
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	var lastErr error
	for attempt := 1; attempt <= a.dialAttempts; attempt++ {
		if err := a.dialLimiter.Wait(ctx); err != nil {
			return nil
		}
		var conn net.Conn
		var err error
		if a.clientTLS != nil {
			conn, err = (&tls.Dialer{NetDialer: dialer, Config: a.clientTLS}).DialContext(ctx, "tcp", a.dialAddr)
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", a.dialAddr)
		}
		if err != nil {
			lastErr = err
			a.log.Debugw("dial failed", "Addr", a.dialAddr, "Attempt", attempt, "Error", err)
			continue
		}
		a.log.Infow("connected to front-end", "Addr", a.dialAddr)
		return a.serve(ctx, conn)
	}
	return fmt.Errorf("dialing %s after %d attempts: %w", a.dialAddr, a.dialAttempts, lastErr)
}

// claim reserves the session slot. It is taken before the backend is built, so a rejected connection never starts one.
func (a *Agent) claim() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.claimed {
		return false
	}
	a.claimed = true
	return true
}

func (a *Agent) activate(s *session.Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = s
}

func (a *Agent) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.claimed = false
	a.active = nil
}

func (a *Agent) busy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.claimed
}

// serve runs one session on conn, or closes conn if a session is already active.
func (a *Agent) serve(ctx context.Context, conn io.ReadWriteCloser) error {
	if !a.claim() {
		a.log.Warnw("rejecting connection, a session is already active", "RemoteAddr", remoteAddr(conn))
		conn.Close()
		return ErrSessionActive
	}
	defer a.release()

	opts := append([]session.Option{session.WithLogger(a.log.Named("session"))}, a.sessionOpts...)
	s, err := session.New(conn, a.newBackend, opts...)
	if err != nil {
		conn.Close()
		return fmt.Errorf("starting session: %w", err)
	}
	a.activate(s)
	return s.Run(ctx)
}

func remoteAddr(conn interface{}) string {
	if c, ok := conn.(interface{ RemoteAddr() net.Addr }); ok && c.RemoteAddr() != nil {
		return c.RemoteAddr().String()
	}
	return ""
}

// publish registers the listen address, or the HTTP address if the agent only serves WebSockets.
func (a *Agent) publish(ctx context.Context) error {
	ep := a.endpoint()
	return a.registry.Register(ctx, a.serviceName, ep)
}

func (a *Agent) unpublish() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.registry.Deregister(ctx, a.serviceName, a.endpoint().Addr); err != nil {
		a.log.Warnw("error deregistering", "Error", err)
	}
}

func (a *Agent) endpoint() registry.Endpoint {
	ep := registry.Endpoint{Backend: a.backendID, Protocol: protocol.Version}
	if addr := a.Addr(); addr != nil {
		ep.Addr = addr.String()
	}
	if addr := a.HTTPAddr(); addr != nil {
		ep.HTTPAddr = addr.String()
		if ep.Addr == "" {
			ep.Addr = ep.HTTPAddr
		}
	}
	return ep
}

// Status reports the agent and its active session, if any.
func (a *Agent) Status() Status {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	st := Status{
		Protocol: protocol.Version,
		Backend:  a.backendID,
		Uptime:   time.Since(a.startedAt).Round(time.Second).String(),
	}
	if active != nil {
		ss := active.Status()
		st.Session = &ss
	}
	return st
}

// Status is the body of GET /status.
type Status struct {
	Protocol string
	Backend  string
	Uptime   string
	Session  *session.Status `json:",omitempty"`
}

// RegistryFactory adapts a backend registry entry to a session backend factory.
func RegistryFactory(reg *backend.Registry, id string, opts backend.Options) session.BackendFactory {
	return func(host backend.Host) (backend.Backend, error) {
		return reg.New(id, host, opts)
	}
}
