// Package registry publishes where a session agent can be reached, so front-ends can find it by service name.
//
// Entries live in etcd under /replbridge/{service}/{addr} with a JSON Endpoint value.
// Each entry is bound to a lease that is kept alive while the agent runs, so a crashed agent disappears once the lease expires.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	keyPrefix   = "/replbridge/"
	DefaultTTL  = 10 * time.Second
	dialTimeout = 5 * time.Second
)

// Endpoint is one published agent.
type Endpoint struct {
	Addr     string
	HTTPAddr string `json:",omitempty"`
	Backend  string
	Protocol string
}

// Registry publishes and looks up endpoints.
type Registry interface {
	Register(ctx context.Context, service string, ep Endpoint) error
	Deregister(ctx context.Context, service, addr string) error
	Lookup(ctx context.Context, service string) ([]Endpoint, error)
	Close() error
}

// kv is the part of the etcd client used here.
type kv interface {
	Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error)
	KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error)
	Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error)
	Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error)
	Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error)
	Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error)
	Close() error
}

type Etcd struct {
	log    *zap.SugaredLogger
	client kv
	ttl    time.Duration

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	id     clientv3.LeaseID
	cancel context.CancelFunc
}

type Option func(e *Etcd)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(e *Etcd) {
		e.log = l
	}
}

// WithTTL sets the lease TTL. It is rounded up to whole seconds.
func WithTTL(d time.Duration) Option {
	return func(e *Etcd) {
		e.ttl = d
	}
}

// NewEtcd connects to the given etcd endpoints.
func NewEtcd(endpoints []string, opts ...Option) (*Etcd, error) {
	if len(endpoints) == 0 {
		return nil, errors.New("no etcd endpoints")
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	return newEtcd(c, opts...), nil
}

func newEtcd(c kv, opts ...Option) *Etcd {
	e := &Etcd{
		log:    zap.NewNop().Sugar(),
		client: c,
		ttl:    DefaultTTL,
		leases: map[string]lease{},
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func key(service, addr string) string {
	return keyPrefix + service + "/" + addr
}

func validService(service string) error {
	if service == "" || strings.Contains(service, "/") {
		return fmt.Errorf("invalid service name %q", service)
	}
	return nil
}

// Register publishes ep under service and keeps it alive until Deregister, Close, or ctx is done.
func (e *Etcd) Register(ctx context.Context, service string, ep Endpoint) error {
	if err := validService(service); err != nil {
		return err
	}
	if ep.Addr == "" {
		return errors.New("endpoint has no address")
	}
	ttl := int64((e.ttl + time.Second - 1) / time.Second)
	grant, err := e.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("granting lease: %w", err)
	}
	val, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("encoding endpoint: %w", err)
	}
	k := key(service, ep.Addr)
	if _, err := e.client.Put(ctx, k, string(val), clientv3.WithLease(grant.ID)); err != nil {
		return fmt.Errorf("putting %s: %w", k, err)
	}

	// the keepalive must outlive the registration request
	kaCtx, cancel := context.WithCancel(context.Background())
	ch, err := e.client.KeepAlive(kaCtx, grant.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("keeping lease alive: %w", err)
	}
	go func() {
		for range ch {
		}
		e.log.Debugw("lease keepalive stopped", "Key", k)
	}()

	e.mu.Lock()
	if old, ok := e.leases[k]; ok {
		old.cancel()
	}
	e.leases[k] = lease{id: grant.ID, cancel: cancel}
	e.mu.Unlock()
	e.log.Infow("registered endpoint", "Key", k, "TTL", ttl)
	return nil
}

func (e *Etcd) Deregister(ctx context.Context, service, addr string) error {
	k := key(service, addr)
	e.mu.Lock()
	l, ok := e.leases[k]
	delete(e.leases, k)
	e.mu.Unlock()
	if ok {
		l.cancel()
		if _, err := e.client.Revoke(ctx, l.id); err != nil {
			e.log.Debugw("error revoking lease", "Key", k, "Error", err)
		}
	}
	if _, err := e.client.Delete(ctx, k); err != nil {
		return fmt.Errorf("deleting %s: %w", k, err)
	}
	e.log.Infow("deregistered endpoint", "Key", k)
	return nil
}

// Lookup returns the endpoints published under service, ordered by address. Malformed entries are skipped.
func (e *Etcd) Lookup(ctx context.Context, service string) ([]Endpoint, error) {
	if err := validService(service); err != nil {
		return nil, err
	}
	resp, err := e.client.Get(ctx, keyPrefix+service+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", service, err)
	}
	eps := make([]Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var ep Endpoint
		if err := json.Unmarshal(kv.Value, &ep); err != nil {
			e.log.Debugw("skipping malformed entry", "Key", string(kv.Key), "Error", err)
			continue
		}
		eps = append(eps, ep)
	}
	sort.Slice(eps, func(i, j int) bool { return eps[i].Addr < eps[j].Addr })
	return eps, nil
}

// Close stops all keepalives and closes the etcd client. Published entries expire with their leases.
func (e *Etcd) Close() error {
	e.mu.Lock()
	for k, l := range e.leases {
		l.cancel()
		delete(e.leases, k)
	}
	e.mu.Unlock()
	return e.client.Close()
}
