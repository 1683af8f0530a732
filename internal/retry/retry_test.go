package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
)

type codedErr struct {
	code int
	msg  string
}

func (e codedErr) Error() string  { return fmt.Sprintf("api error %d: %s", e.code, e.msg) }
func (e codedErr) ErrorCode() int { return e.code }

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Class
	}{
		{"auth code", codedErr{5032, "check failed"}, ClassAuth},
		{"auth status", codedErr{401, "nope"}, ClassAuth},
		{"token text", errors.New("Token expired"), ClassAuth},
		{"unauthorized text", errors.New("UNAUTHORIZED request"), ClassAuth},
		{"deadline", fmt.Errorf("get: %w", context.DeadlineExceeded), ClassConnection},
		{"refused", errors.New("dial tcp: connection refused"), ClassConnection},
		{"eof", errors.New("unexpected EOF"), ClassConnection},
		{"server error", codedErr{503, "busy"}, ClassConnection},
		{"too many requests", codedErr{429, "slow down"}, ClassConnection},
		{"client error", codedErr{404, "no route"}, ClassValidation},
		{"invalid param", codedErr{1001, "invalid parameter"}, ClassValidation},
		{"sentinel", fmt.Errorf("write: %w", ErrValidation), ClassValidation},
		{"unknown", errors.New("something odd"), ClassUnknown},
		{"already classified", &Error{Class: ClassValidation, Err: errors.New("timeout")}, ClassValidation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %s, want %s", tc.err, got, tc.want)
			}
		})
	}
}

func TestErrorMatchesSentinel(t *testing.T) {
	err := Wrap(codedErr{5032, "bad"})
	if !errors.Is(err, ErrAuth) {
		t.Fatalf("expected ErrAuth, got %v", err)
	}
	var api codedErr
	if !errors.As(err, &api) || api.code != 5032 {
		t.Fatalf("expected wrapped api error, got %v", err)
	}
}

func fastPolicy(t *testing.T, attempts int) Policy {
	return Policy{
		InitialInterval: time.Millisecond,
		Multiplier:      2,
		MaxInterval:     5 * time.Millisecond,
		Attempts:        attempts,
		Log:             testr.New(t),
	}
}

func TestDoRetriesConnection(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastPolicy(t, 3), func(context.Context) (int, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 42, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if got != 42 || calls != 3 {
		t.Fatalf("got %d after %d calls", got, calls)
	}
}

func TestDoExhausted(t *testing.T) {
	calls := 0
	err := Run(context.Background(), fastPolicy(t, 2), func(context.Context) error {
		calls++
		return errors.New("network unreachable")
	})
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
	var classified *Error
	if !errors.As(err, &classified) || classified.Class != ClassConnection {
		t.Fatalf("expected connection error, got %v", err)
	}
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("expected ErrConnection, got %v", err)
	}
}

func TestDoUnknownRetried(t *testing.T) {
	calls := 0
	_ = Run(context.Background(), fastPolicy(t, 3), func(context.Context) error {
		calls++
		return errors.New("weird")
	})
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDoPermanentClasses(t *testing.T) {
	for _, failure := range []error{codedErr{5032, "expired"}, codedErr{1001, "invalid parameter"}} {
		calls := 0
		err := Run(context.Background(), fastPolicy(t, 5), func(context.Context) error {
			calls++
			return failure
		})
		if calls != 1 {
			t.Fatalf("%v: expected a single call, got %d", failure, calls)
		}
		if Classify(err) != Classify(failure) {
			t.Fatalf("class changed: %v", err)
		}
	}
}

func TestDoCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Run(ctx, fastPolicy(t, 3), func(context.Context) error {
		return errors.New("connection refused")
	})
	if err == nil {
		t.Fatal("expected error")
	}
}
