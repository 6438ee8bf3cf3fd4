package messaging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: 2 * time.Second, Factor: 2, Max: 10 * time.Second, Attempts: 5}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 2 * time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{3, 8 * time.Second},
		{4, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	c := ConnectBackoff()
	assert.Equal(t, 5, c.Attempts)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second},
		[]time.Duration{c.Delay(1), c.Delay(2), c.Delay(3), c.Delay(4)})

	p := ProcessingBackoff()
	assert.Equal(t, 3, p.Attempts)
	assert.Equal(t, 2*time.Second, p.Delay(1))
	assert.Equal(t, 4*time.Second, p.Delay(2))
	assert.False(t, p.Exhausted(2))
	assert.True(t, p.Exhausted(3))
}

func TestBackoff_Jitter(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2, Attempts: 3, Jitter: true, Rand: func() float64 { return 0.5 }}
	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))

	b.Rand = nil
	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.Less(t, d, 4*time.Second)
	}
}

func TestBackoff_FlatWhenFactorBelowOne(t *testing.T) {
	b := Backoff{Base: time.Second, Attempts: 3}
	assert.Equal(t, time.Second, b.Delay(3))
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
}
