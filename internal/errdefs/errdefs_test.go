package errdefs

import (
	"errors"
	"fmt"
	"testing"
)

func TestSentinelMatching(t *testing.T) {
	t.Parallel()

	err := Newf(KindTimeout, "exec %q", "echo hi")
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected %v to match ErrTimeout", err)
	}
	if errors.Is(err, ErrNotFound) {
		t.Fatalf("did not expect %v to match ErrNotFound", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("disk full")
	err := Wrap(KindIoError, cause, "write descriptor")
	if !errors.Is(err, ErrIoError) {
		t.Fatalf("expected IoError kind, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to survive, got %v", err)
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	t.Parallel()

	if err := Wrap(KindIoError, nil, "noop"); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	cases := []struct {
		err  error
		want Kind
	}{
		{New(KindStateConflict, "paused"), KindStateConflict},
		{fmt.Errorf("outer: %w", New(KindVmmError, "400")), KindVmmError},
		{errors.New("plain"), KindInternal},
	}
	for _, tc := range cases {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestWithDetailDoesNotMutateOriginal(t *testing.T) {
	t.Parallel()

	base := New(KindVmmError, "put /vsock")
	derived := base.WithDetail("status", 400)
	if len(base.Details()) != 0 {
		t.Fatalf("base error mutated: %v", base.Details())
	}
	if got := derived.Details()["status"]; got != 400 {
		t.Fatalf("detail missing, got %v", derived.Details())
	}
}
