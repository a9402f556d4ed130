package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// ServerStatus mirrors the JSON served by the agent's /status endpoint.
type ServerStatus struct {
	Protocol string
	Backend  string
	Uptime   string
	Session  *SessionStatus `json:",omitempty"`
}

type SessionStatus struct {
	ID         string
	State      string
	RemoteAddr string
	StartedAt  time.Time
}

// StatusClient talks to an agent's HTTP control server.
type StatusClient struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	baseURL                  string
	waitInterval             time.Duration
	tlsConfig                *tls.Config
	customizeRetryableClient func(*retryablehttp.Client)
}

type StatusClientOption func(c *StatusClient)

func WithWaitInterval(d time.Duration) StatusClientOption {
	return func(c *StatusClient) {
		c.waitInterval = d
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) StatusClientOption {
	return func(c *StatusClient) {
		c.customizeRetryableClient = f
	}
}

// WithTLSClientConfig sets the TLS config for an https control server.
func WithTLSClientConfig(cfg *tls.Config) StatusClientOption {
	return func(c *StatusClient) {
		c.tlsConfig = cfg
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewStatusClient builds a client for the control server at baseURL, such as http://127.0.0.1:8080.
func NewStatusClient(log *zap.SugaredLogger, baseURL string, opts ...StatusClientOption) *StatusClient {
	c := &StatusClient{
		Logger:       log.Named("status_client"),
		baseURL:      strings.TrimSuffix(baseURL, "/"),
		waitInterval: 100 * time.Millisecond,
	}
	for _, o := range opts {
		o(c)
	}

	retryClient := retryablehttp.NewClient()
	if c.tlsConfig != nil {
		retryClient.HTTPClient = &http.Client{Transport: &http.Transport{TLSClientConfig: c.tlsConfig}}
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}
	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}
	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *StatusClient) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Close = true

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP error: %w", err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code %d for %s: %s", resp.StatusCode, path, string(b))
	}
	return b, nil
}

func (c *StatusClient) Heartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_, err := c.get(ctx, "/heartbeat")
	return err
}

func (c *StatusClient) Status(ctx context.Context) (ServerStatus, error) {
	var status ServerStatus
	b, err := c.get(ctx, "/status")
	if err != nil {
		return status, err
	}
	if err := json.Unmarshal(b, &status); err != nil {
		return status, fmt.Errorf("decoding status: %w", err)
	}
	return status, nil
}

// WaitForServer polls the heartbeat endpoint until it answers or ctx is done.
func (c *StatusClient) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.Heartbeat(ctx)
			if err == nil {
				c.Logger.Debug("heartbeat succeeded, done waiting for server")
				return nil
			}
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
	}
}
