// mock_storage.go - Mock object store and KV implementations for testing
package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/storage"
)

// ErrInjected is returned by mocks when a failure toggle is set.
var ErrInjected = errors.New("injected failure")

// MockObjectStore implements storage.ObjectStore in memory with failure
// toggles and call counters.
type MockObjectStore struct {
	mu       sync.RWMutex
	buckets  map[string]map[string][]byte
	types    map[string]string
	calls    map[string]int
	failSign map[string]bool

	FailList    bool
	FailCreate  bool
	FailUpload  bool
	FailRemove  bool
	FailSignAll bool
	// ListFailures makes the first N ListBuckets calls fail.
	ListFailures int
}

// NewMockObjectStore creates a mock with the given buckets already present.
func NewMockObjectStore(buckets ...string) *MockObjectStore {
	m := &MockObjectStore{
		buckets:  make(map[string]map[string][]byte),
		types:    make(map[string]string),
		calls:    make(map[string]int),
		failSign: make(map[string]bool),
	}
	for _, b := range buckets {
		m.buckets[b] = make(map[string][]byte)
	}
	return m
}

func (m *MockObjectStore) ListBuckets(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["ListBuckets"]++

	if m.FailList {
		return nil, ErrInjected
	}
	if m.ListFailures > 0 {
		m.ListFailures--
		return nil, ErrInjected
	}

	var names []string
	for name := range m.buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MockObjectStore) CreateBucket(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["CreateBucket"]++

	if m.FailCreate {
		return ErrInjected
	}
	if _, ok := m.buckets[name]; !ok {
		m.buckets[name] = make(map[string][]byte)
	}
	return nil
}

func (m *MockObjectStore) Upload(_ context.Context, bucket, key string, body io.Reader, _ int64, contentType string) error {
	m.mu.Lock()
	m.calls["Upload"]++
	fail := m.FailUpload
	_, exists := m.buckets[bucket]
	m.mu.Unlock()

	if fail {
		return ErrInjected
	}
	if !exists {
		return fmt.Errorf("%w: %s", storage.ErrBucketNotFound, bucket)
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.buckets[bucket][key] = data
	m.types[bucket+"/"+key] = contentType
	return nil
}

func (m *MockObjectStore) Remove(_ context.Context, bucket, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["Remove"]++

	if m.FailRemove {
		return ErrInjected
	}
	if objects, ok := m.buckets[bucket]; ok {
		delete(objects, key)
	}
	return nil
}

func (m *MockObjectStore) SignedURL(_ context.Context, bucket, key string, ttl time.Duration) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls["SignedURL"]++

	if m.FailSignAll || m.failSign[key] {
		return "", ErrInjected
	}
	return fmt.Sprintf("https://objects.test/%s/%s?expires=%d", bucket, key, int(ttl.Seconds())), nil
}

var _ storage.ObjectStore = (*MockObjectStore)(nil)

// Test Helper Methods

// FailSignFor makes SignedURL fail for one key.
func (m *MockObjectStore) FailSignFor(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSign[key] = true
}

// Calls returns how many times method was invoked.
func (m *MockObjectStore) Calls(method string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls[method]
}

// Object returns the stored bytes for bucket/key.
func (m *MockObjectStore) Object(bucket, key string) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.buckets[bucket][key]
	return data, ok
}

// ContentType returns the content type an object was uploaded with.
func (m *MockObjectStore) ContentType(bucket, key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.types[bucket+"/"+key]
}

// ObjectCount returns the number of objects in bucket.
func (m *MockObjectStore) ObjectCount(bucket string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets[bucket])
}

// FailingKV wraps a kv.Store and fails selected operations on demand.
type FailingKV struct {
	kv.Store

	mu       sync.Mutex
	failGet  bool
	failSet  bool
	failDel  bool
	failScan bool
}

// NewFailingKV wraps a fresh in-memory store.
func NewFailingKV() *FailingKV {
	return &FailingKV{Store: kv.NewMemoryStore()}
}

// Fail toggles failures. Valid ops are get, set, del and scan.
func (f *FailingKV) Fail(op string, fail bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch op {
	case "get":
		f.failGet = fail
	case "set":
		f.failSet = fail
	case "del":
		f.failDel = fail
	case "scan":
		f.failScan = fail
	}
}

func (f *FailingKV) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	fail := f.failGet
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: %w", kv.ErrBackend, ErrInjected)
	}
	return f.Store.Get(ctx, key)
}

func (f *FailingKV) Set(ctx context.Context, key string, value []byte) error {
	f.mu.Lock()
	fail := f.failSet
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: %w", kv.ErrBackend, ErrInjected)
	}
	return f.Store.Set(ctx, key, value)
}

func (f *FailingKV) Del(ctx context.Context, key string) error {
	f.mu.Lock()
	fail := f.failDel
	f.mu.Unlock()
	if fail {
		return fmt.Errorf("%w: %w", kv.ErrBackend, ErrInjected)
	}
	return f.Store.Del(ctx, key)
}

func (f *FailingKV) GetByPrefix(ctx context.Context, prefix string) ([]kv.Entry, error) {
	f.mu.Lock()
	fail := f.failScan
	f.mu.Unlock()
	if fail {
		return nil, fmt.Errorf("%w: %w", kv.ErrBackend, ErrInjected)
	}
	return f.Store.GetByPrefix(ctx, prefix)
}
