package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/fiscaldocflow/internal/messaging"
)

type fakeSource struct {
	deliveries chan Delivery
	closed     atomic.Bool
}

func (f *fakeSource) Consume(context.Context) (<-chan Delivery, error) {
	return f.deliveries, nil
}

func (f *fakeSource) Close() error {
	f.closed.Store(true)
	return nil
}

func TestSupervisor_ChannelUnavailable(t *testing.T) {
	w, _ := newTestWorker()
	dial := func(context.Context) (Source, error) {
		return nil, messaging.ErrChannelUnavailable
	}
	s := NewSupervisor(dial, w, discardLogger())

	err := s.Start(context.Background())

	assert.ErrorIs(t, err, messaging.ErrChannelUnavailable)
	assert.Equal(t, StateStopped, s.State())
}

func TestSupervisor_WrapsOtherDialErrors(t *testing.T) {
	w, _ := newTestWorker()
	dial := func(context.Context) (Source, error) {
		return nil, errors.New("tls handshake failed")
	}
	s := NewSupervisor(dial, w, discardLogger())

	err := s.Start(context.Background())

	assert.ErrorIs(t, err, messaging.ErrChannelUnavailable)
	assert.ErrorContains(t, err, "tls handshake failed")
}

func TestSupervisor_RedialsAfterChannelClose(t *testing.T) {
	sink := &flakySink{name: "summary"}
	w, _ := newTestWorker(sink)

	first := &fakeSource{deliveries: make(chan Delivery, 1)}
	first.deliveries <- newDelivery(t, sampleEvent())
	close(first.deliveries)
	second := &fakeSource{deliveries: make(chan Delivery)}

	var mu sync.Mutex
	dials := 0
	dial := func(context.Context) (Source, error) {
		mu.Lock()
		defer mu.Unlock()
		dials++
		switch dials {
		case 1:
			return first, nil
		case 2:
			return second, nil
		}
		return nil, messaging.ErrChannelUnavailable
	}

	s := NewSupervisor(dial, w, discardLogger())
	s.redialPause = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Start(ctx) }()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 2 && s.State() == StateRunning
	}, time.Second, 5*time.Millisecond)
	assert.True(t, first.closed.Load())
	assert.Equal(t, 1, sink.callCount())

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("supervisor did not stop")
	}
	assert.True(t, second.closed.Load())
	assert.Equal(t, StateStopped, s.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "stopped", StateStopped.String())
	assert.Equal(t, "State(9)", State(9).String())
}
