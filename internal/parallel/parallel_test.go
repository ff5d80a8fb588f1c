package parallel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"testing"
	"time"
)

func TestRunPartitionsEveryTarget(t *testing.T) {
	targets := make([]int, 50)
	for i := range targets {
		targets[i] = i
	}

	successes, failures, err := Run(context.Background(), targets, 7, func(_ context.Context, n int) (string, error) {
		switch {
		case n%10 == 3:
			return "", fmt.Errorf("target %d failed", n)
		case n%10 == 7:
			panic("boom")
		}
		return fmt.Sprint(n * 2), nil
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(successes)+len(failures) != len(targets) {
		t.Fatalf("%d successes + %d failures != %d targets", len(successes), len(failures), len(targets))
	}

	seen := make([]int, 0, len(targets))
	for _, s := range successes {
		if s.Value != fmt.Sprint(s.Target*2) {
			t.Errorf("target %d returned %q", s.Target, s.Value)
		}
		seen = append(seen, s.Target)
	}
	for _, f := range failures {
		if f.Reason == "" {
			t.Errorf("target %d failed without a reason", f.Target)
		}
		seen = append(seen, f.Target)
	}
	sort.Ints(seen)
	for i, n := range seen {
		if n != i {
			t.Fatalf("target list after partition = %v", seen)
		}
	}
	if len(failures) != 10 {
		t.Errorf("got %d failures, want 10", len(failures))
	}
}

func TestRunRespectsLimit(t *testing.T) {
	const limit = 3
	var inFlight, peak atomic.Int32

	targets := make([]int, 20)
	_, _, err := Run(context.Background(), targets, limit, func(context.Context, int) (struct{}, error) {
		n := inFlight.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return struct{}{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := peak.Load(); got > limit {
		t.Errorf("peak concurrency %d exceeds limit %d", got, limit)
	}
}

func TestRunCompletionOrder(t *testing.T) {
	successes, _, err := Run(context.Background(), []time.Duration{60 * time.Millisecond, 0}, 2,
		func(_ context.Context, d time.Duration) (time.Duration, error) {
			time.Sleep(d)
			return d, nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if len(successes) != 2 || successes[0].Target != 0 {
		t.Errorf("successes not in completion order: %+v", successes)
	}
}

func TestRunInvalidLimit(t *testing.T) {
	_, _, err := Run(context.Background(), []int{1}, 0, func(context.Context, int) (int, error) { return 0, nil })
	if !errors.Is(err, ErrDispatch) {
		t.Errorf("err = %v, want ErrDispatch", err)
	}
}

func TestRunEmpty(t *testing.T) {
	successes, failures, err := Run(context.Background(), nil, 5, func(context.Context, string) (int, error) {
		t.Fatal("op called with no targets")
		return 0, nil
	})
	if err != nil || len(successes) != 0 || len(failures) != 0 {
		t.Errorf("Run(nil) = %v, %v, %v", successes, failures, err)
	}
}
