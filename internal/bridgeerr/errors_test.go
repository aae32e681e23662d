package bridgeerr

import (
	"errors"
	"testing"
)

func TestWrapAndIs(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := Wrap(NetworkUnavailable, "ari answer failed", cause).WithSession("sess-1", "ch-1")

	if !Is(err, NetworkUnavailable) {
		t.Fatalf("expected Is(err, NetworkUnavailable) to be true")
	}
	if Is(err, Internal) {
		t.Fatalf("expected Is(err, Internal) to be false")
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find the wrapped cause")
	}
	if err.SessionID != "sess-1" || err.ChannelID != "ch-1" {
		t.Fatalf("expected session/channel annotations to survive WithSession")
	}
}

func TestWithSubkind(t *testing.T) {
	base := New(LiveApiError, "rate limited")
	rl := base.WithSubkind(SubkindRateLimit)

	if base.Subkind != "" {
		t.Fatalf("expected WithSubkind to not mutate the receiver")
	}
	if rl.Subkind != SubkindRateLimit {
		t.Fatalf("expected rl.Subkind == SubkindRateLimit, got %q", rl.Subkind)
	}
}

func TestIsCancelledNeverFailure(t *testing.T) {
	err := New(Cancelled, "session teardown")
	if !IsCancelled(err) {
		t.Fatalf("expected IsCancelled to be true for a Cancelled error")
	}
	if IsCancelled(New(Internal, "boom")) {
		t.Fatalf("expected IsCancelled to be false for a non-Cancelled error")
	}
}
