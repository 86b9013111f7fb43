package offline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

var ErrInvalidVersion = errors.New("invalid cache version name")

// Entry is one stored response, keyed by method and URL.
type Entry struct {
	Key        string      `json:"key"`
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body"`
	StoredAt   time.Time   `json:"stored_at"`
}

// Key identifies a request inside a cache version.
func Key(method, rawURL string) string {
	if method == "" {
		method = http.MethodGet
	}
	return strings.ToUpper(method) + " " + rawURL
}

// Response rebuilds a fresh response for req; every call gets its own body.
func (e *Entry) Response(req *http.Request) *http.Response {
	h := e.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	h.Set("Content-Length", strconv.Itoa(len(e.Body)))
	return &http.Response{
		Status:        strconv.Itoa(e.StatusCode) + " " + http.StatusText(e.StatusCode),
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
		Request:       req,
	}
}

func (e *Entry) clone() *Entry {
	c := *e
	c.Header = e.Header.Clone()
	c.Body = append([]byte(nil), e.Body...)
	return &c
}

// Cache is a single named version.
type Cache interface {
	Match(ctx context.Context, key string) (*Entry, bool, error)
	Put(ctx context.Context, e *Entry) error
}

// Storage holds every cache version. Open creates the version when missing.
type Storage interface {
	Open(ctx context.Context, name string) (Cache, error)
	Keys(ctx context.Context) ([]string, error)
	Has(ctx context.Context, name string) (bool, error)
	Delete(ctx context.Context, name string) (bool, error)
	Close() error
}

func validVersion(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return ErrInvalidVersion
	}
	return nil
}

type MemoryStorage struct {
	mu       sync.RWMutex
	versions map[string]map[string]*Entry
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{versions: map[string]map[string]*Entry{}}
}

func (m *MemoryStorage) Open(_ context.Context, name string) (Cache, error) {
	if err := validVersion(name); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versions[name]; !ok {
		m.versions[name] = map[string]*Entry{}
	}
	return &memoryCache{s: m, name: name}, nil
}

func (m *MemoryStorage) Keys(context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.versions))
	for k := range m.versions {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

func (m *MemoryStorage) Has(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.versions[name]
	return ok, nil
}

func (m *MemoryStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.versions[name]
	delete(m.versions, name)
	return ok, nil
}

func (m *MemoryStorage) Close() error { return nil }

type memoryCache struct {
	s    *MemoryStorage
	name string
}

// a version deleted under an open handle behaves as empty
func (c *memoryCache) Match(_ context.Context, key string) (*Entry, bool, error) {
	c.s.mu.RLock()
	defer c.s.mu.RUnlock()
	e, ok := c.s.versions[c.name][key]
	if !ok {
		return nil, false, nil
	}
	return e.clone(), true, nil
}

func (c *memoryCache) Put(_ context.Context, e *Entry) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	v, ok := c.s.versions[c.name]
	if !ok {
		v = map[string]*Entry{}
		c.s.versions[c.name] = v
	}
	v[e.Key] = e.clone()
	return nil
}
