package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guseggert/replbridge/backend"
	"github.com/guseggert/replbridge/backend/standard"
	"github.com/guseggert/replbridge/client"
	inet "github.com/guseggert/replbridge/internal/net"
	"github.com/guseggert/replbridge/protocol"
	"github.com/guseggert/replbridge/registry"
	"github.com/guseggert/replbridge/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log = zap.NewNop().Sugar()

var backends = backend.NewRegistry(map[string]backend.Factory{standard.ID: standard.Factory})

func startAgent(t *testing.T, opts ...Option) (*Agent, chan error) {
	t.Helper()
	return startAgentWith(t, RegistryFactory(backends, standard.ID, backend.Options{}), opts...)
}

func startAgentWith(t *testing.T, factory session.BackendFactory, opts ...Option) (*Agent, chan error) {
	t.Helper()
	opts = append([]Option{
		WithLogger(log),
		WithSessionOptions(session.WithGracePeriod(200 * time.Millisecond)),
	}, opts...)
	a, err := New(standard.ID, factory, opts...)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	t.Cleanup(func() {
		a.Stop()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	select {
	case <-a.Ready():
	case err := <-done:
		t.Fatalf("agent stopped early: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not become ready")
	}
	return a, done
}

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func expectPrompt(t *testing.T, c *client.Client) {
	t.Helper()
	ev, err := c.Next(testCtx(t))
	require.NoError(t, err)
	require.Equal(t, protocol.TagPrompt, ev.Tag)
}

func runEmit(t *testing.T, c *client.Client) {
	t.Helper()
	require.NoError(t, c.Run("emit('hi')"))
	evs, err := c.Collect(testCtx(t), protocol.TagDone)
	require.NoError(t, err)
	require.Len(t, evs, 2)
	assert.Equal(t, protocol.TagStdout, evs[0].Tag)
	assert.Equal(t, "hi\n", evs[0].Text)
	assert.Equal(t, protocol.TagDone, evs[1].Tag)
}

func TestListenRunsCommands(t *testing.T) {
	a, _ := startAgent(t, WithListenAddr("127.0.0.1:0"))

	c, err := client.Dial(testCtx(t), a.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	expectPrompt(t, c)
	runEmit(t, c)

	require.NoError(t, c.Exit())
	evs, err := c.Collect(testCtx(t), protocol.TagExited)
	require.NoError(t, err)
	assert.Equal(t, protocol.TagExited, evs[len(evs)-1].Tag)

	// the slot is free again once the session has closed
	require.Eventually(t, func() bool { return a.Status().Session == nil }, 5*time.Second, 10*time.Millisecond)
	c2, err := client.Dial(testCtx(t), a.Addr().String())
	require.NoError(t, err)
	defer c2.Close()
	expectPrompt(t, c2)
}

func TestSecondConnectionIsRejected(t *testing.T) {
	a, _ := startAgent(t, WithListenAddr("127.0.0.1:0"))

	c1, err := client.Dial(testCtx(t), a.Addr().String())
	require.NoError(t, err)
	defer c1.Close()
	expectPrompt(t, c1)

	c2, err := client.Dial(testCtx(t), a.Addr().String())
	require.NoError(t, err)
	defer c2.Close()
	select {
	case <-c2.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("second connection was not closed")
	}

	runEmit(t, c1)
}

func TestRejectedConnectionBuildsNoBackend(t *testing.T) {
	var builds int32
	building := make(chan struct{})
	unblock := make(chan struct{})
	factory := func(host backend.Host) (backend.Backend, error) {
		if atomic.AddInt32(&builds, 1) == 1 {
			close(building)
			<-unblock
		}
		return standard.Factory(host, backend.Options{})
	}
	a, err := New(standard.ID, factory, WithLogger(log), WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv1, cli1 := net.Pipe()
	defer cli1.Close()
	first := make(chan error, 1)
	go func() { first <- a.serve(ctx, srv1) }()
	select {
	case <-building:
	case <-time.After(5 * time.Second):
		t.Fatal("first backend was not built")
	}

	srv2, cli2 := net.Pipe()
	defer cli2.Close()
	assert.ErrorIs(t, a.serve(ctx, srv2), ErrSessionActive)
	assert.Equal(t, int32(1), atomic.LoadInt32(&builds))

	close(unblock)
	cancel()
	select {
	case <-first:
	case <-time.After(5 * time.Second):
		t.Fatal("first session did not stop")
	}
	assert.False(t, a.busy())
}

func TestHTTPStatusAndWebSocket(t *testing.T) {
	a, _ := startAgent(t, WithHTTPAddr("127.0.0.1:0"))
	base := "http://" + a.HTTPAddr().String()

	sc := client.NewStatusClient(log, base, client.WithWaitInterval(10*time.Millisecond))
	require.NoError(t, sc.WaitForServer(testCtx(t)))
	st, err := sc.Status(testCtx(t))
	require.NoError(t, err)
	assert.Equal(t, protocol.Version, st.Protocol)
	assert.Equal(t, standard.ID, st.Backend)
	assert.Nil(t, st.Session)

	c, err := client.DialWebSocket(testCtx(t), "ws://"+a.HTTPAddr().String()+"/session")
	require.NoError(t, err)
	defer c.Close()
	expectPrompt(t, c)
	runEmit(t, c)

	require.Eventually(t, func() bool {
		st, err = sc.Status(testCtx(t))
		return err == nil && st.Session != nil && st.Session.State == "ready"
	}, 5*time.Second, 10*time.Millisecond)
	assert.NotEmpty(t, st.Session.ID)

	_, err = client.DialWebSocket(testCtx(t), "ws://"+a.HTTPAddr().String()+"/session")
	assert.Error(t, err)
}

func TestIdleWebSocketSessionSurvives(t *testing.T) {
	a, _ := startAgent(t,
		WithHTTPAddr("127.0.0.1:0"),
		WithSessionOptions(session.WithIdleTimeout(20*time.Millisecond)),
	)
	c, err := client.DialWebSocket(testCtx(t), "ws://"+a.HTTPAddr().String()+"/session")
	require.NoError(t, err)
	defer c.Close()
	expectPrompt(t, c)

	time.Sleep(100 * time.Millisecond)
	runEmit(t, c)
}

func TestDialMode(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	_, done := startAgent(t, WithDialAddr(l.Addr().String()), WithDialRetry(10*time.Millisecond, 5))

	conn, err := l.Accept()
	require.NoError(t, err)
	c := client.New(conn)
	defer c.Close()
	expectPrompt(t, c)
	runEmit(t, c)

	require.NoError(t, c.Exit())
	_, err = c.Collect(testCtx(t), protocol.TagExited)
	require.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
		done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("agent did not stop after the dialed session ended")
	}
}

func TestDialGivesUp(t *testing.T) {
	addr, err := inet.GetEphemeralTCPAddr("127.0.0.1")
	require.NoError(t, err)

	a, err := New(standard.ID, RegistryFactory(backends, standard.ID, backend.Options{}),
		WithDialAddr(addr), WithDialRetry(time.Millisecond, 3))
	require.NoError(t, err)
	err = a.Run(testCtx(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestTLS(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	a, _ := startAgent(t, WithListenAddr("127.0.0.1:0"), WithCerts(certs))

	cfg, err := certs.ClientTLSConfig()
	require.NoError(t, err)
	c, err := client.Dial(testCtx(t), a.Addr().String(), client.WithTLSConfig(cfg))
	require.NoError(t, err)
	defer c.Close()
	expectPrompt(t, c)
	runEmit(t, c)

	// a front-end trusting another CA refuses the agent
	other, err := GenerateCerts()
	require.NoError(t, err)
	otherCfg, err := other.ClientTLSConfig()
	require.NoError(t, err)
	_, err = client.Dial(testCtx(t), a.Addr().String(), client.WithTLSConfig(otherCfg))
	assert.Error(t, err)
}

type fakeRegistry struct {
	mu           sync.Mutex
	registered   map[string]registry.Endpoint
	deregistered []string
	failRegister bool
}

func (r *fakeRegistry) Register(ctx context.Context, service string, ep registry.Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRegister {
		return errors.New("etcd down")
	}
	r.registered[service] = ep
	return nil
}

func (r *fakeRegistry) Deregister(ctx context.Context, service, addr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deregistered = append(r.deregistered, fmt.Sprintf("%s/%s", service, addr))
	return nil
}

func (r *fakeRegistry) Lookup(ctx context.Context, service string) ([]registry.Endpoint, error) {
	return nil, nil
}

func (r *fakeRegistry) Close() error { return nil }

func TestRegistryPublication(t *testing.T) {
	reg := &fakeRegistry{registered: map[string]registry.Endpoint{}}
	a, err := New(standard.ID, RegistryFactory(backends, standard.ID, backend.Options{}),
		WithListenAddr("127.0.0.1:0"), WithHTTPAddr("127.0.0.1:0"), WithRegistry(reg, "repl"))
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- a.Run(context.Background()) }()
	<-a.Ready()

	reg.mu.Lock()
	ep := reg.registered["repl"]
	reg.mu.Unlock()
	assert.Equal(t, registry.Endpoint{
		Addr:     a.Addr().String(),
		HTTPAddr: a.HTTPAddr().String(),
		Backend:  standard.ID,
		Protocol: protocol.Version,
	}, ep)

	a.Stop()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"repl/" + ep.Addr}, reg.deregistered)
}

func TestRegistryFailureIsNotFatal(t *testing.T) {
	reg := &fakeRegistry{registered: map[string]registry.Endpoint{}, failRegister: true}
	a, _ := startAgent(t, WithListenAddr("127.0.0.1:0"), WithRegistry(reg, "repl"))
	c, err := client.Dial(testCtx(t), a.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	expectPrompt(t, c)
}

func TestNewValidation(t *testing.T) {
	factory := RegistryFactory(backends, standard.ID, backend.Options{})
	cases := map[string][]Option{
		"no address":        nil,
		"listen and dial":   {WithListenAddr(":0"), WithDialAddr("x:1")},
		"registry for dial": {WithDialAddr("x:1"), WithRegistry(&fakeRegistry{}, "repl")},
		"bad certs":         {WithListenAddr(":0"), WithCerts(&Certs{})},
	}
	for name, opts := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New(standard.ID, factory, opts...)
			assert.Error(t, err)
		})
	}
}

func TestUnknownBackendFailsSession(t *testing.T) {
	a, _ := startAgentWith(t, RegistryFactory(backends, "nope", backend.Options{}), WithListenAddr("127.0.0.1:0"))

	c, err := client.Dial(testCtx(t), a.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("connection was not closed")
	}
}
