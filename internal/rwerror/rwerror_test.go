package rwerror

import (
	"errors"
	"testing"
)

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := LostConnectionReusingPooled(cause)
	if err.Code != 1927 {
		t.Fatalf("got code %d, want 1927", err.Code)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected errors.Is to find wrapped cause")
	}
}

func TestReplayAttemptsExceededDistinctFrom1927(t *testing.T) {
	replay := ReplayAttemptsExceeded(2)
	lost := LostConnectionReusingPooled(nil)
	if replay.Code == lost.Code {
		t.Fatalf("replay-exhausted code must differ from lost-pooled-connection code")
	}
}

func TestCausalReadTimeoutCode(t *testing.T) {
	err := ReadOnlyTrxCausalReadTimeout()
	if err.Code != 1792 || err.State != "25006" {
		t.Fatalf("got code=%d state=%s, want 1792/25006", err.Code, err.State)
	}
}
