package backoff

import (
	"testing"
	"time"
)

func TestComputeWithRand(t *testing.T) {
	policy := OutboxPolicy()

	tests := []struct {
		name        string
		attempt     int
		randomValue float64
		expected    time.Duration
	}{
		{
			name:        "first attempt at jitter midpoint",
			attempt:     1,
			randomValue: 0.5,
			expected:    5000 * time.Millisecond,
		},
		{
			name:        "second attempt doubles",
			attempt:     2,
			randomValue: 0.5,
			expected:    10000 * time.Millisecond,
		},
		{
			name:        "fourth attempt",
			attempt:     4,
			randomValue: 0.5,
			expected:    40000 * time.Millisecond,
		},
		{
			name:        "low jitter shrinks by 20 percent",
			attempt:     1,
			randomValue: 0,
			expected:    4000 * time.Millisecond,
		},
		{
			name:        "high jitter grows toward 20 percent",
			attempt:     1,
			randomValue: 1,
			expected:    6000 * time.Millisecond,
		},
		{
			name:        "cap at 15 minutes before jitter",
			attempt:     12,
			randomValue: 0.5,
			expected:    900000 * time.Millisecond,
		},
		{
			name:        "zero attempt treated as first",
			attempt:     0,
			randomValue: 0.5,
			expected:    5000 * time.Millisecond,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComputeWithRand(policy, tt.attempt, tt.randomValue)
			if got != tt.expected {
				t.Errorf("ComputeWithRand(attempt=%d, rand=%v) = %v, want %v",
					tt.attempt, tt.randomValue, got, tt.expected)
			}
		})
	}
}

func TestComputeStaysWithinJitterBand(t *testing.T) {
	policy := OutboxPolicy()
	for i := 0; i < 200; i++ {
		d := Compute(policy, 3)
		if d < 16*time.Second || d > 24*time.Second {
			t.Fatalf("attempt 3 backoff %v outside [16s, 24s]", d)
		}
	}
}
