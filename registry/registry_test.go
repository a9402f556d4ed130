package registry

import (
	"context"
	"os"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/guseggert/replbridge/internal/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// fakeKV is an in-memory stand-in for etcd. Get always matches by prefix.
type fakeKV struct {
	mu        sync.Mutex
	data      map[string]string
	nextLease clientv3.LeaseID
	revoked   []clientv3.LeaseID
	alive     map[clientv3.LeaseID]bool
	closed    bool
}

func newFakeKV() *fakeKV {
	return &fakeKV{data: map[string]string{}, alive: map[clientv3.LeaseID]bool{}}
}

func (f *fakeKV) Grant(ctx context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextLease++
	return &clientv3.LeaseGrantResponse{ID: f.nextLease, TTL: ttl}, nil
}

func (f *fakeKV) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	f.mu.Lock()
	f.alive[id] = true
	f.mu.Unlock()
	ch := make(chan *clientv3.LeaseKeepAliveResponse)
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.alive[id] = false
		f.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (f *fakeKV) isAlive(id clientv3.LeaseID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[id]
}

func (f *fakeKV) Revoke(ctx context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

func (f *fakeKV) Put(ctx context.Context, key, val string, opts ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Get(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.data {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	resp := &clientv3.GetResponse{}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.data[k])})
	}
	return resp, nil
}

func (f *fakeKV) Delete(ctx context.Context, key string, opts ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	return &clientv3.DeleteResponse{}, nil
}

func (f *fakeKV) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestRegisterLookupDeregister(t *testing.T) {
	kv := newFakeKV()
	reg := newEtcd(kv)
	ctx := context.Background()

	a := Endpoint{Addr: "10.0.0.2:9000", Backend: "standard", Protocol: "1"}
	b := Endpoint{Addr: "10.0.0.1:9000", HTTPAddr: "10.0.0.1:8080", Backend: "process", Protocol: "1"}
	require.NoError(t, reg.Register(ctx, "repl", a))
	require.NoError(t, reg.Register(ctx, "repl", b))
	require.NoError(t, reg.Register(ctx, "other", Endpoint{Addr: "x:1"}))

	eps, err := reg.Lookup(ctx, "repl")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{b, a}, eps)
	assert.True(t, kv.isAlive(1))

	require.NoError(t, reg.Deregister(ctx, "repl", a.Addr))
	eps, err = reg.Lookup(ctx, "repl")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{b}, eps)
	assert.Equal(t, []clientv3.LeaseID{1}, kv.revoked)
	assert.Eventually(t, func() bool { return !kv.isAlive(1) }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Close())
	assert.True(t, kv.closed)
	assert.Eventually(t, func() bool { return !kv.isAlive(2) }, time.Second, 5*time.Millisecond)
}

func TestLookupSkipsMalformedEntries(t *testing.T) {
	kv := newFakeKV()
	kv.data["/replbridge/repl/bad"] = "{not json"
	kv.data["/replbridge/repl/good"] = `{"Addr":"good"}`
	eps, err := newEtcd(kv).Lookup(context.Background(), "repl")
	require.NoError(t, err)
	assert.Equal(t, []Endpoint{{Addr: "good"}}, eps)
}

func TestInvalidRegistrations(t *testing.T) {
	reg := newEtcd(newFakeKV())
	ctx := context.Background()
	assert.Error(t, reg.Register(ctx, "", Endpoint{Addr: "a:1"}))
	assert.Error(t, reg.Register(ctx, "a/b", Endpoint{Addr: "a:1"}))
	assert.Error(t, reg.Register(ctx, "repl", Endpoint{}))
	_, err := reg.Lookup(ctx, "")
	assert.Error(t, err)

	_, err = NewEtcd(nil)
	assert.Error(t, err)
}

func TestEtcdIntegration(t *testing.T) {
	test.Integration(t)
	endpoint := os.Getenv("REPLBRIDGE_ETCD")
	if endpoint == "" {
		endpoint = "localhost:2379"
	}
	reg, err := NewEtcd([]string{endpoint}, WithTTL(5*time.Second))
	require.NoError(t, err)
	defer reg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	ep := Endpoint{Addr: "127.0.0.1:7777", Backend: "standard", Protocol: "1"}
	require.NoError(t, reg.Register(ctx, "replbridge-test", ep))
	defer reg.Deregister(ctx, "replbridge-test", ep.Addr)

	eps, err := reg.Lookup(ctx, "replbridge-test")
	require.NoError(t, err)
	assert.Contains(t, eps, ep)
}
