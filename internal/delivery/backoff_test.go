package delivery

import (
	"testing"
	"time"

	"github.com/tchughesiv/self-service-agent-blueprint-sub002/internal/config"
)

func TestBackoff(t *testing.T) {
	tests := []struct {
		strategy string
		attempt  int
		max      time.Duration
		want     time.Duration
	}{
		{config.BackoffFixed, 1, 0, 2 * time.Second},
		{config.BackoffFixed, 5, 0, 2 * time.Second},
		{config.BackoffLinear, 1, 0, 2 * time.Second},
		{config.BackoffLinear, 3, 0, 6 * time.Second},
		{config.BackoffExponential, 1, 0, 2 * time.Second},
		{config.BackoffExponential, 4, 0, 16 * time.Second},
		{config.BackoffExponential, 10, time.Minute, time.Minute},
		{"", 2, 0, 4 * time.Second},
		{config.BackoffExponential, 0, 0, 2 * time.Second},
		{config.BackoffExponential, 200, 2 * time.Minute, 2 * time.Minute},
	}

	for _, tt := range tests {
		policy := config.BackoffConfig{Strategy: tt.strategy, Base: 2 * time.Second, Max: tt.max}
		got := Backoff(policy, tt.attempt)
		if got != tt.want {
			t.Errorf("Backoff(%q, %d, max %v) = %v, want %v", tt.strategy, tt.attempt, tt.max, got, tt.want)
		}
	}
}
