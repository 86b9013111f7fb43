package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"permission", fmt.Errorf("stream: %w", ErrPermissionDenied), KindPermissionDenied},
		{"format", ErrFormatUnsupported, KindFormatUnsupported},
		{"stall", ErrStallTimeout, KindStallTimeout},
		{"wake lock", ErrResourceUnavailable, KindResourceUnavailable},
		{"network sentinel", ErrNetwork, KindNetwork},
		{"deadline", context.DeadlineExceeded, KindNetwork},
		{"truncated", io.ErrUnexpectedEOF, KindNetwork},
		{"dial", &net.OpError{Op: "dial", Err: errors.New("refused")}, KindNetwork},
		{"typed", &Error{Kind: KindFormatUnsupported, Op: "decode"}, KindFormatUnsupported},
		{"other", errors.New("boom"), KindUnknown},
		{"nil", nil, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestErrorMatchesSentinel(t *testing.T) {
	err := wrap("play", fmt.Errorf("GET: %w", ErrNetwork))

	if !errors.Is(err, ErrNetwork) {
		t.Fatal("expected errors.Is to match ErrNetwork")
	}
	if errors.Is(err, ErrFormatUnsupported) {
		t.Fatal("unexpected match on ErrFormatUnsupported")
	}
	if err.Error() != "play: network: GET: network error" {
		t.Fatalf("unexpected message %q", err.Error())
	}

	// re-wrapping keeps the kind but takes the new op
	again := wrap("retry", err)
	if again.Kind != KindNetwork || again.Op != "retry" {
		t.Fatalf("unexpected rewrap %+v", again)
	}
}

func TestRetryableKinds(t *testing.T) {
	for k, want := range map[ErrorKind]bool{
		KindNetwork:             true,
		KindStallTimeout:        true,
		KindUnknown:             true,
		KindPermissionDenied:    false,
		KindFormatUnsupported:   false,
		KindResourceUnavailable: false,
	} {
		if got := k.Retryable(); got != want {
			t.Errorf("%s.Retryable() = %v, want %v", k, got, want)
		}
	}
}
