package prefs

import (
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// VolumeKey is the namespaced key the page has always stored volume under.
const VolumeKey = "radio-supera1-volume"

const DefaultVolume = 80

type Store struct {
	path          string
	defaultVolume int
	log           zerolog.Logger

	mu     sync.Mutex
	values map[string]string
}

// Open reads the preference file. A missing or unreadable file is not an
// error: the store starts empty and defaults apply.
func Open(path string, defaultVolume int, log zerolog.Logger) *Store {
	if defaultVolume < 0 || defaultVolume > 100 {
		defaultVolume = DefaultVolume
	}
	s := &Store{
		path:          path,
		defaultVolume: defaultVolume,
		log:           log,
		values:        map[string]string{},
	}

	b, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(b, &s.values); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("preferences unreadable, using defaults")
			s.values = map[string]string{}
		}
		if s.values == nil {
			s.values = map[string]string{}
		}
	case os.IsNotExist(err):
	default:
		log.Warn().Err(err).Str("path", path).Msg("read preferences")
	}
	s.normalize()
	return s
}

func (s *Store) normalize() {
	for k, v := range s.values {
		nk := strings.TrimSpace(k)
		if nk == "" {
			delete(s.values, k)
			continue
		}
		if nk != k {
			delete(s.values, k)
		}
		s.values[nk] = strings.TrimSpace(v)
	}
}

func (s *Store) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *Store) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.values[key]
	s.values[key] = value
	if err := s.saveLocked(); err != nil {
		if had {
			s.values[key] = prev
		} else {
			delete(s.values, key)
		}
		return err
	}
	return nil
}

func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.values))
	for k := range s.values {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Volume never fails: absent, unparsable or out-of-range values give the
// default.
func (s *Store) Volume() int {
	v, ok := s.Get(VolumeKey)
	if !ok {
		return s.defaultVolume
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil || n < 0 || n > 100 {
		s.log.Debug().Str("value", v).Msg("ignoring stored volume")
		return s.defaultVolume
	}
	return int(n)
}

func (s *Store) SetVolume(percent int) error {
	if percent < 0 || percent > 100 {
		return fmt.Errorf("volume %d out of range", percent)
	}
	return s.Set(VolumeKey, strconv.Itoa(percent))
}

func (s *Store) saveLocked() error {
	b, err := yaml.Marshal(s.values)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.tmp-%d-%d", s.path, time.Now().UnixNano(), rand.Intn(999999))
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	// atomic replace
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
