package prefs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
)

func TestVolumeDefaultsWhenAbsent(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "prefs.yaml"), 80, zerolog.Nop())
	if got := s.Volume(); got != 80 {
		t.Fatalf("expected default 80, got %d", got)
	}
}

func TestVolumeRoundTripsThroughFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "prefs.yaml")
	s := Open(path, 80, zerolog.Nop())

	if err := s.SetVolume(35); err != nil {
		t.Fatalf("SetVolume: %v", err)
	}

	reopened := Open(path, 80, zerolog.Nop())
	if got := reopened.Volume(); got != 35 {
		t.Fatalf("expected persisted 35, got %d", got)
	}
	if v, ok := reopened.Get(VolumeKey); !ok || v != "35" {
		t.Fatalf("expected raw value under %s, got %q %v", VolumeKey, v, ok)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected no temp files left behind, got %d entries", len(entries))
	}
}

func TestVolumeFallsBackOnCorruption(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not yaml", "{{{{"},
		{"not a number", VolumeKey + ": loud\n"},
		{"out of range", VolumeKey + ": \"250\"\n"},
		{"negative", VolumeKey + ": \"-1\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "prefs.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			s := Open(path, 70, zerolog.Nop())
			if got := s.Volume(); got != 70 {
				t.Fatalf("expected default 70, got %d", got)
			}
		})
	}
}

func TestSetVolumeRejectsOutOfRange(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "prefs.yaml"), 80, zerolog.Nop())
	if err := s.SetVolume(101); err == nil {
		t.Fatal("expected error for 101")
	}
	if got := s.Volume(); got != 80 {
		t.Fatalf("rejected write must not change volume, got %d", got)
	}
}

func TestKeysSorted(t *testing.T) {
	s := Open(filepath.Join(t.TempDir(), "prefs.yaml"), 80, zerolog.Nop())
	_ = s.Set("zeta", "1")
	_ = s.Set("alpha", "2")
	keys := s.Keys()
	if len(keys) != 2 || keys[0] != "alpha" || keys[1] != "zeta" {
		t.Fatalf("unexpected keys %v", keys)
	}
}
