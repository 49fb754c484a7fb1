package retry

import (
	"testing"
	"time"
)

func TestDefaultPolicyLadder(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()

	tests := []struct {
		retryCount int
		want       time.Duration
		wantOK     bool
	}{
		{retryCount: 0, want: 60_000 * time.Millisecond, wantOK: true},
		{retryCount: 1, want: 300_000 * time.Millisecond, wantOK: true},
		{retryCount: 2, want: 900_000 * time.Millisecond, wantOK: true},
		{retryCount: 3, wantOK: false},
		{retryCount: 7, wantOK: false},
	}

	for _, tt := range tests {
		got, ok := p.NextDelay(tt.retryCount)
		if ok != tt.wantOK {
			t.Fatalf("NextDelay(%d) ok = %v, want %v", tt.retryCount, ok, tt.wantOK)
		}
		if got != tt.want {
			t.Fatalf("NextDelay(%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestPolicyReusesLastStep(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy([]time.Duration{time.Second, 10 * time.Second}, 5)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}

	for retryCount, want := range []time.Duration{time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second, 10 * time.Second} {
		got, ok := p.NextDelay(retryCount)
		if !ok {
			t.Fatalf("NextDelay(%d) terminal, want delay", retryCount)
		}
		if got != want {
			t.Fatalf("NextDelay(%d) = %s, want %s", retryCount, got, want)
		}
	}

	if _, ok := p.NextDelay(5); ok {
		t.Fatal("NextDelay(5) should be terminal with max retries 5")
	}
}

func TestPolicyZeroMaxRetriesIsAlwaysTerminal(t *testing.T) {
	t.Parallel()

	p, err := NewPolicy(DefaultLadder, 0)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	if _, ok := p.NextDelay(0); ok {
		t.Fatal("NextDelay(0) should be terminal with max retries 0")
	}
}

func TestNewPolicyValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewPolicy(nil, 3); err == nil {
		t.Fatal("expected error for empty ladder")
	}
	if _, err := NewPolicy(DefaultLadder, -1); err == nil {
		t.Fatal("expected error for negative max retries")
	}
	if _, err := NewPolicy([]time.Duration{time.Minute, 0}, 3); err == nil {
		t.Fatal("expected error for non-positive step")
	}
}

func TestNewPolicyCopiesLadder(t *testing.T) {
	t.Parallel()

	ladder := []time.Duration{time.Minute}
	p, err := NewPolicy(ladder, 1)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	ladder[0] = time.Hour

	if got, _ := p.NextDelay(0); got != time.Minute {
		t.Fatalf("NextDelay(0) = %s, want 1m after caller mutation", got)
	}
}

func TestPolicyIsZero(t *testing.T) {
	t.Parallel()

	if !(Policy{}).IsZero() {
		t.Fatal("zero Policy should report IsZero")
	}
	if DefaultPolicy().IsZero() {
		t.Fatal("DefaultPolicy() should not report IsZero")
	}

	terminal, err := NewPolicy(DefaultLadder, 0)
	if err != nil {
		t.Fatalf("NewPolicy() error = %v", err)
	}
	if terminal.IsZero() {
		t.Fatal("a policy with zero retries is still configured")
	}
}
