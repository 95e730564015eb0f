// Package objectstoretest provides an in-memory objectstore.Store for
// tests.  It records the order of writes so callers can assert on
// happens-before relationships between keys.
package objectstoretest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/terrpan/gpurun/internal/objectstore"
)

// Memory is a goroutine-safe in-memory Store.
type Memory struct {
	mu      sync.Mutex
	objects map[string]stored
	seq     int
	puts    []string

	// PutErr, when non-nil, is consulted before every Put.  A non-nil
	// return aborts the write.
	PutErr func(key string) error

	// ListErr, when set, is returned by List.
	ListErr error
}

type stored struct {
	data     []byte
	seq      int
	modified time.Time
}

// Compile-time check.
var _ objectstore.Store = (*Memory)(nil)

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string]stored)}
}

func (m *Memory) Put(_ context.Context, key string, body io.Reader, _ int64, _ string) error {
	m.mu.Lock()
	hook := m.PutErr
	m.mu.Unlock()
	if hook != nil {
		if err := hook(key); err != nil {
			return err
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read body for %s: %w", key, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.objects[key] = stored{data: data, seq: m.seq, modified: time.Now()}
	m.puts = append(m.puts, key)
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", key, objectstore.ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *Memory) List(_ context.Context, prefix string) ([]objectstore.ObjectInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ListErr != nil {
		return nil, m.ListErr
	}
	var out []objectstore.ObjectInfo
	for k, v := range m.objects {
		if strings.HasPrefix(k, prefix) {
			out = append(out, objectstore.ObjectInfo{Key: k, Size: int64(len(v.data)), LastModified: v.modified})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Set stores data under key without going through PutErr.
func (m *Memory) Set(key string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.objects[key] = stored{data: data, seq: m.seq, modified: time.Now()}
}

// Data returns the bytes stored under key.
func (m *Memory) Data(key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[key]
	return obj.data, ok
}

// Seq returns the write sequence number of key, or 0 if absent.
// Later writes have larger numbers.
func (m *Memory) Seq(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.objects[key].seq
}

// Puts returns the keys passed to Put, in call order.
func (m *Memory) Puts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.puts))
	copy(out, m.puts)
	return out
}

// Keys returns every stored key in lexical order.
func (m *Memory) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for k := range m.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
