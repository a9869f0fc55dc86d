package repository

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDelay(t *testing.T) {
	tests := []struct {
		name     string
		backoff  Backoff
		attempts int
		want     time.Duration
	}{
		{"disabled", Backoff{}, 3, 0},
		{"first attempt waits base", Backoff{Base: time.Second, Max: time.Minute}, 1, time.Second},
		{"doubles per attempt", Backoff{Base: time.Second, Max: time.Minute}, 4, 8 * time.Second},
		{"capped", Backoff{Base: time.Second, Max: 5 * time.Second}, 4, 5 * time.Second},
		{"zero attempts treated as first", Backoff{Base: time.Second}, 0, time.Second},
		{"uncapped exponent is bounded", Backoff{Base: time.Millisecond}, 1000, time.Millisecond << 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.backoff.Delay(tt.attempts))
		})
	}
	assert.Equal(t, 5*time.Second, Backoff{Base: time.Second, Max: 5 * time.Second}.MaxDelay())
}
