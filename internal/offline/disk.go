package offline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// DiskStorage keeps one directory per version and one JSON file per entry,
// named by the sha256 of the entry key.
type DiskStorage struct {
	dir string
}

func NewDiskStorage(dir string) (*DiskStorage, error) {
	if dir == "" {
		dir = "./cache/offline"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskStorage{dir: dir}, nil
}

func (d *DiskStorage) Open(_ context.Context, name string) (Cache, error) {
	if err := validVersion(name); err != nil {
		return nil, err
	}
	p := filepath.Join(d.dir, name)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return nil, err
	}
	return &diskCache{dir: p}, nil
}

func (d *DiskStorage) Keys(context.Context) ([]string, error) {
	des, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	out := []string{}
	for _, de := range des {
		if de.IsDir() {
			out = append(out, de.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

func (d *DiskStorage) Has(_ context.Context, name string) (bool, error) {
	if validVersion(name) != nil {
		return false, nil
	}
	st, err := os.Stat(filepath.Join(d.dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return st.IsDir(), nil
}

func (d *DiskStorage) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := d.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := os.RemoveAll(filepath.Join(d.dir, name)); err != nil {
		return false, err
	}
	return true, nil
}

func (d *DiskStorage) Close() error { return nil }

type diskCache struct {
	dir string
}

func (c *diskCache) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

func (c *diskCache) Match(_ context.Context, key string) (*Entry, bool, error) {
	b, err := os.ReadFile(c.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(b, &e); err != nil {
		return nil, false, fmt.Errorf("decode cache entry: %w", err)
	}
	if e.Key != key {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *diskCache) Put(_ context.Context, e *Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	// the version may have been pruned since Open
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return err
	}

	finalPath := c.path(e.Key)
	tmp := fmt.Sprintf("%s.tmp-%d-%d", finalPath, time.Now().UnixNano(), rand.Intn(999999))
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	// atomic replace
	if err := os.Rename(tmp, finalPath); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
