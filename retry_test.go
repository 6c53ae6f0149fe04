package yblocker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
)

func TestBoundedRetry(t *testing.T) {
	errFlaky := errors.New("flaky")

	tests := []struct {
		name      string
		attempts  int
		backOff   backoff.BackOff
		failFor   int
		permanent bool
		wantCalls int
		wantErr   bool
	}{
		{"first try", 3, nil, 0, false, 1, false},
		{"second try", 3, nil, 1, false, 2, false},
		{"exhausted", 3, nil, 10, false, 3, true},
		{"single attempt", 1, nil, 10, false, 1, true},
		{"attempts floor", 0, nil, 10, false, 1, true},
		{"permanent", 5, nil, 10, true, 1, true},
		{"constant backoff", 3, backoff.NewConstantBackOff(time.Millisecond), 2, false, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewRetryPolicy(tt.attempts, tt.backOff)
			p.Logger = discardLogger()

			calls := 0
			err := p.Do(context.Background(), func(context.Context) error {
				calls++
				if calls > tt.failFor {
					return nil
				}
				if tt.permanent {
					return Permanent(errFlaky)
				}
				return errFlaky
			})

			if (err != nil) != tt.wantErr {
				t.Fatalf("Do() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, errFlaky) {
				t.Errorf("Do() error = %v, want %v", err, errFlaky)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
		})
	}
}

func TestBoundedRetry_Reusable(t *testing.T) {
	p := NewRetryPolicy(2, backoff.NewConstantBackOff(time.Millisecond))
	p.Logger = discardLogger()

	for i := range 3 {
		calls := 0
		_ = p.Do(context.Background(), func(context.Context) error {
			calls++
			return errors.New("down")
		})
		if calls != 2 {
			t.Errorf("run %d: calls = %d, want 2", i, calls)
		}
	}
}
