package engine

import (
	"fmt"
	"testing"

	"audiobookd/internal/runner"
)

func TestErrorPredicatesAreDisjoint(t *testing.T) {
	cases := []struct {
		err     error
		invalid bool
		loading bool
		fault   bool
		host    bool
	}{
		{ErrClientInvalid("bad text"), true, false, false, false},
		{ErrLoading("xtts:local"), false, true, false, false},
		{ErrServerFault("oom"), false, false, true, false},
		{&runner.HostUnavailableError{HostID: "docker:gpu-box"}, false, false, false, true},
		{fmt.Errorf("plain"), false, false, false, false},
	}
	for _, tc := range cases {
		if got := IsClientInvalid(tc.err); got != tc.invalid {
			t.Errorf("IsClientInvalid(%v) = %v", tc.err, got)
		}
		if got := IsLoading(tc.err); got != tc.loading {
			t.Errorf("IsLoading(%v) = %v", tc.err, got)
		}
		if got := IsServerFault(tc.err); got != tc.fault {
			t.Errorf("IsServerFault(%v) = %v", tc.err, got)
		}
		if got := IsHostUnavailable(tc.err); got != tc.host {
			t.Errorf("IsHostUnavailable(%v) = %v", tc.err, got)
		}
	}
}

func TestPredicatesSeeThroughWrapping(t *testing.T) {
	wrapped := fmt.Errorf("calling engine: %w", ErrClientInvalid("bad"))
	if !IsClientInvalid(wrapped) {
		t.Fatal("wrapped client-invalid not detected")
	}
	wrappedHost := fmt.Errorf("claim: %w", &runner.HostUnavailableError{HostID: "docker:x"})
	if !IsHostUnavailable(wrappedHost) {
		t.Fatal("wrapped host-unavailable not detected")
	}
}
