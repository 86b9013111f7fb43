package offline

import (
	"context"
	"errors"
	"net/http"
	"reflect"
	"testing"
	"time"
)

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	disk, err := NewDiskStorage(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sqlite, err := OpenSQL("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"disk":   disk,
		"sqlite": sqlite,
	}
}

func TestStorageBackends(t *testing.T) {
	ctx := context.Background()
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			if ok, err := s.Has(ctx, "v1"); err != nil || ok {
				t.Fatalf("Has before Open = %v, %v", ok, err)
			}
			c, err := s.Open(ctx, "v1")
			if err != nil {
				t.Fatal(err)
			}
			if _, err := s.Open(ctx, "v2"); err != nil {
				t.Fatal(err)
			}

			key := Key("get", "https://radio.example/css/styles.css")
			if _, ok, err := c.Match(ctx, key); err != nil || ok {
				t.Fatalf("Match on empty cache = %v, %v", ok, err)
			}

			e := &Entry{
				Key:        key,
				StatusCode: http.StatusOK,
				Header:     http.Header{"Content-Type": {"text/css"}},
				Body:       []byte("body{}"),
				StoredAt:   time.Date(2026, 1, 28, 12, 0, 0, 0, time.UTC),
			}
			if err := c.Put(ctx, e); err != nil {
				t.Fatal(err)
			}
			e.Body = []byte("body{color:red}")
			if err := c.Put(ctx, e); err != nil {
				t.Fatalf("overwrite: %v", err)
			}

			got, ok, err := c.Match(ctx, key)
			if err != nil || !ok {
				t.Fatalf("Match = %v, %v", ok, err)
			}
			if string(got.Body) != "body{color:red}" || got.StatusCode != 200 || got.Header.Get("Content-Type") != "text/css" {
				t.Fatalf("unexpected entry %+v", got)
			}
			if !got.StoredAt.Equal(e.StoredAt) {
				t.Fatalf("stored at = %v", got.StoredAt)
			}

			keys, err := s.Keys(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if !reflect.DeepEqual(keys, []string{"v1", "v2"}) {
				t.Fatalf("Keys = %v", keys)
			}

			if ok, err := s.Delete(ctx, "v1"); err != nil || !ok {
				t.Fatalf("Delete = %v, %v", ok, err)
			}
			if ok, err := s.Delete(ctx, "v1"); err != nil || ok {
				t.Fatalf("second Delete = %v, %v", ok, err)
			}
			if _, ok, _ := c.Match(ctx, key); ok {
				t.Fatal("entry survived deletion of its version")
			}
			if ok, _ := s.Has(ctx, "v1"); ok {
				t.Fatal("deleted version still listed")
			}
		})
	}
}

func TestStorageRejectsBadVersionNames(t *testing.T) {
	for name, s := range storages(t) {
		for _, v := range []string{"", "..", "a/b", `a\b`} {
			if _, err := s.Open(context.Background(), v); !errors.Is(err, ErrInvalidVersion) {
				t.Errorf("%s: Open(%q) err = %v", name, v, err)
			}
		}
	}
}

func TestEntryResponseHasIndependentBodies(t *testing.T) {
	e := &Entry{Key: Key("", "/x"), StatusCode: 200, Body: []byte("hello")}
	if e.Key != "GET /x" {
		t.Fatalf("Key = %q", e.Key)
	}
	r1 := e.Response(nil)
	r2 := e.Response(nil)
	b1 := make([]byte, 5)
	_, _ = r1.Body.Read(b1)
	b2 := make([]byte, 5)
	_, _ = r2.Body.Read(b2)
	if string(b1) != "hello" || string(b2) != "hello" {
		t.Fatalf("bodies = %q %q", b1, b2)
	}
	if r1.ContentLength != 5 || r1.Header.Get("Content-Length") != "5" {
		t.Fatalf("content length = %d %q", r1.ContentLength, r1.Header.Get("Content-Length"))
	}
}
