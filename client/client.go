// Package client is a front-end for the execution protocol. It sends requests and decodes
// the frames a session sends back into Events.
package client

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
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Prompt is the payload of a PRPC frame.
type Prompt struct {
	PS1       string
	PS2       string
	UpdateAll bool
}

// Event is one decoded frame sent by a session. Only the fields relevant to Tag are set.
type Event struct {
	Tag protocol.Tag

	// Text is set for STDO, STDE and IMGD.
	Text       string
	Members    *backend.MemberInfo
	Signatures []backend.Signature
	Locales    []backend.LocaleInfo
	Prompt     *Prompt
	PNG        []byte

	// Port and DebuggerID are set for DBGA.
	Port       int32
	DebuggerID string
}

type decoder func(r *protocol.Reader, ev *Event) error

// decoders knows the payload of every frame a session sends. Bare-tag frames have no entry.
var decoders = map[protocol.Tag]decoder{
	protocol.TagStdout:          decodeText,
	protocol.TagStderr:          decodeText,
	protocol.TagImage:           decodeText,
	protocol.TagMemberResult:    decodeMembers,
	protocol.TagSignatureResult: decodeSignatures,
	protocol.TagLocaleList:      decodeLocales,
	protocol.TagPrompt:          decodePrompt,
	protocol.TagPNG:             decodePNG,
	protocol.TagDebugAttached:   decodeDebugAttached,
}

var bareTags = map[protocol.Tag]bool{
	protocol.TagReadLine:       true,
	protocol.TagDetach:         true,
	protocol.TagError:          true,
	protocol.TagExited:         true,
	protocol.TagDone:           true,
	protocol.TagLocalesChanged: true,
	protocol.TagMemberError:    true,
	protocol.TagSignatureError: true,
}

// Client is a connection to a session.
type Client struct {
	log    *zap.SugaredLogger
	conn   io.ReadWriteCloser
	gate   *protocol.Gate
	reader *protocol.Reader
	enc    protocol.Encoding
	tls    *tls.Config

	events chan Event
	done   chan struct{}

	errMut sync.Mutex
	err    error

	closeOnce sync.Once
}

type Option func(c *Client)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Client) {
		c.log = l
	}
}

func WithEncoding(e protocol.Encoding) Option {
	return func(c *Client) {
		c.enc = e
	}
}

// WithEventBuffer sets how many undelivered events the client holds before it stops reading from the connection.
func WithEventBuffer(n int) Option {
	return func(c *Client) {
		c.events = make(chan Event, n)
	}
}

// WithTLSConfig makes Dial and DialWebSocket use TLS.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) {
		c.tls = cfg
	}
}

func applyOptions(opts []Option) *Client {
	c := &Client{}
	for _, o := range opts {
		o(c)
	}
	return c
}

// New starts a client on an established connection.
func New(conn io.ReadWriteCloser, opts ...Option) *Client {
	c := &Client{
		log:    zap.NewNop().Sugar(),
		conn:   conn,
		enc:    protocol.UTF8,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.gate = protocol.NewGate(conn, c.enc)
	c.reader = protocol.NewReader(conn)
	go c.recvLoop()
	return c
}

// Dial connects to a session listening on a TCP address.
func Dial(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	var conn net.Conn
	var err error
	netDialer := &net.Dialer{Timeout: 5 * time.Second}
	if cfg := applyOptions(opts).tls; cfg != nil {
		conn, err = (&tls.Dialer{NetDialer: netDialer, Config: cfg}).DialContext(ctx, "tcp", addr)
	} else {
		conn, err = netDialer.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	return New(conn, opts...), nil
}

// DialWebSocket connects to the WebSocket session endpoint at url, such as ws://127.0.0.1:8080/session.
func DialWebSocket(ctx context.Context, url string, opts ...Option) (*Client, error) {
	var dialOpts *websocket.DialOptions
	if cfg := applyOptions(opts).tls; cfg != nil {
		dialOpts = &websocket.DialOptions{HTTPClient: &http.Client{Transport: &http.Transport{TLSClientConfig: cfg}}}
	}
	wsConn, _, err := websocket.Dial(ctx, url, dialOpts)
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	// the stream outlives ctx, which usually only bounds the dial
	return New(websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), opts...), nil
}

// Events returns decoded frames in arrival order. The channel is closed when the connection ends.
func (c *Client) Events() <-chan Event {
	return c.events
}

// Done is closed once the connection has ended.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the receive loop, or nil if the session closed the stream cleanly.
func (c *Client) Err() error {
	c.errMut.Lock()
	defer c.errMut.Unlock()
	return c.err
}

func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() { err = c.conn.Close() })
	return err
}

func (c *Client) recvLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		tag, err := c.reader.ReadTag()
		if errors.Is(err, io.EOF) {
			c.log.Debug("session closed the stream")
			return
		}
		if err != nil {
			c.setErr(fmt.Errorf("reading tag: %w", err))
			return
		}
		ev := Event{Tag: tag}
		if dec, ok := decoders[tag]; ok {
			if err := dec(c.reader, &ev); err != nil {
				c.setErr(fmt.Errorf("decoding %q: %w", tag.String(), err))
				return
			}
		} else if !bareTags[tag] {
			// the payload size is unknown, so the stream cannot be trusted any more
			c.setErr(fmt.Errorf("unknown tag %q", tag.String()))
			return
		}
		c.log.Debugw("received frame", "Tag", tag.String())
		c.events <- ev
	}
}

func (c *Client) setErr(err error) {
	c.errMut.Lock()
	defer c.errMut.Unlock()
	if c.err == nil {
		c.err = err
	}
	c.log.Debugf("receive loop ended: %s", err)
}

// Collect reads events up to and including the first one tagged until.
func (c *Client) Collect(ctx context.Context, until protocol.Tag) ([]Event, error) {
	var events []Event
	for {
		select {
		case <-ctx.Done():
			return events, ctx.Err()
		case ev, ok := <-c.events:
			if !ok {
				if err := c.Err(); err != nil {
					return events, err
				}
				return events, io.EOF
			}
			events = append(events, ev)
			if ev.Tag == until {
				return events, nil
			}
		}
	}
}

// Next returns the next event.
func (c *Client) Next(ctx context.Context) (Event, error) {
	select {
	case <-ctx.Done():
		return Event{}, ctx.Err()
	case ev, ok := <-c.events:
		if !ok {
			if err := c.Err(); err != nil {
				return Event{}, err
			}
			return Event{}, io.EOF
		}
		return ev, nil
	}
}

// Send writes a raw frame.
func (c *Client) Send(tag protocol.Tag, body func(w *protocol.Writer) error) error {
	return c.gate.Send(tag, body)
}

func (c *Client) sendStrings(tag protocol.Tag, ss ...string) error {
	return c.gate.Send(tag, func(w *protocol.Writer) error {
		for _, s := range ss {
			if err := w.WriteString(s); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run asks the session to execute code.
func (c *Client) Run(code string) error { return c.sendStrings(protocol.TagRun, code) }

func (c *Client) ExecuteFile(file, args string) error {
	return c.sendStrings(protocol.TagExecuteFile, file, args)
}

// Abort interrupts the running command.
func (c *Client) Abort() error { return c.gate.SendTag(protocol.TagAbort) }

// Exit asks the session to stop its backend and close.
func (c *Client) Exit() error { return c.gate.SendTag(protocol.TagExit) }

func (c *Client) Members(expr string) error { return c.sendStrings(protocol.TagMembers, expr) }

func (c *Client) Signatures(expr string) error { return c.sendStrings(protocol.TagSignatures, expr) }

func (c *Client) Locales() error { return c.gate.SendTag(protocol.TagLocales) }

func (c *Client) SetLocale(name string) error { return c.sendStrings(protocol.TagSetLocale, name) }

// Input answers a read-line request.
func (c *Client) Input(line string) error { return c.sendStrings(protocol.TagInput, line) }

func (c *Client) SetThread(thread, frame, kind int64) error {
	return c.gate.Send(protocol.TagSetThread, func(w *protocol.Writer) error {
		for _, v := range []int64{thread, frame, kind} {
			if err := w.WriteInt64(v); err != nil {
				return err
			}
		}
		return nil
	})
}

func (c *Client) Attach(port int32, id string) error {
	return c.gate.Send(protocol.TagAttach, func(w *protocol.Writer) error {
		if err := w.WriteInt32(port); err != nil {
			return err
		}
		return w.WriteString(id)
	})
}
