package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/fiscaldocflow/internal/messaging"
	"github.com/Lllllllleong/fiscaldocflow/internal/models"
)

type fakeDelivery struct {
	body []byte

	mu          sync.Mutex
	acks        int
	deadLetters int
}

func newDelivery(t *testing.T, ev models.ProcessedEvent) *fakeDelivery {
	t.Helper()
	body, err := json.Marshal(ev)
	require.NoError(t, err)
	return &fakeDelivery{body: body}
}

func (f *fakeDelivery) Body() []byte      { return f.body }
func (f *fakeDelivery) MessageID() string { return "msg-1" }

func (f *fakeDelivery) Ack() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks++
	return nil
}

func (f *fakeDelivery) DeadLetter() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadLetters++
	return nil
}

func (f *fakeDelivery) settled() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.acks, f.deadLetters
}

// flakySink fails its first failures calls.
type flakySink struct {
	name     string
	failures int

	mu    sync.Mutex
	calls int
	seen  []models.ProcessedEvent
}

func (s *flakySink) Name() string { return s.name }

func (s *flakySink) Handle(_ context.Context, ev models.ProcessedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.seen = append(s.seen, ev)
	if s.calls <= s.failures {
		return errors.New("downstream unavailable")
	}
	return nil
}

func (s *flakySink) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func sampleEvent() models.ProcessedEvent {
	return models.ProcessedEvent{
		EventVersion:   models.ProcessedEventVersion,
		DocumentID:     "doc-1",
		DocumentKey:    "35250112345678901234550010000000011000000019",
		DocumentType:   models.TypeNFe,
		IssuerTaxID:    "12345678901234",
		Region:         "SP",
		TotalValue:     decimal.RequireFromString("1000.00"),
		IssueTimestamp: time.Date(2025, 1, 15, 10, 30, 0, 0, time.UTC),
		ProcessedAt:    time.Date(2025, 1, 15, 10, 31, 0, 0, time.UTC),
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestWorker records requested backoff delays instead of sleeping.
func newTestWorker(sinks ...Sink) (*Worker, *[]time.Duration) {
	w := New(sinks, messaging.ProcessingBackoff(), time.Second, discardLogger())
	var delays []time.Duration
	w.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return w, &delays
}

func TestHandle_SuccessFirstAttempt(t *testing.T) {
	summary := &flakySink{name: "summary"}
	index := &flakySink{name: "index"}
	w, delays := newTestWorker(summary, index)
	d := newDelivery(t, sampleEvent())

	outcome := w.Handle(context.Background(), d)

	assert.Equal(t, OutcomeAcked, outcome)
	acks, dls := d.settled()
	assert.Equal(t, 1, acks)
	assert.Equal(t, 0, dls)
	assert.Equal(t, 1, summary.callCount())
	assert.Equal(t, 1, index.callCount())
	assert.Empty(t, *delays)
	assert.Equal(t, "doc-1", summary.seen[0].DocumentID)
}

func TestHandle_RecoversBeforeCap(t *testing.T) {
	tests := []struct {
		name     string
		failures int
		delays   []time.Duration
	}{
		{"one failure", 1, []time.Duration{2 * time.Second}},
		{"two failures", 2, []time.Duration{2 * time.Second, 4 * time.Second}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &flakySink{name: "summary", failures: tt.failures}
			w, delays := newTestWorker(sink)
			d := newDelivery(t, sampleEvent())

			outcome := w.Handle(context.Background(), d)

			assert.Equal(t, OutcomeAcked, outcome)
			acks, dls := d.settled()
			assert.Equal(t, 1, acks)
			assert.Equal(t, 0, dls)
			assert.Equal(t, tt.failures+1, sink.callCount())
			assert.Equal(t, tt.delays, *delays)
		})
	}
}

func TestHandle_DeadLettersOnceWhenExhausted(t *testing.T) {
	sink := &flakySink{name: "index", failures: 100}
	w, delays := newTestWorker(sink)
	d := newDelivery(t, sampleEvent())

	outcome := w.Handle(context.Background(), d)

	assert.Equal(t, OutcomeDeadLettered, outcome)
	acks, dls := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 1, dls)
	assert.Equal(t, 3, sink.callCount())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, *delays)
}

func TestHandle_StopsAtFirstFailingSink(t *testing.T) {
	first := &flakySink{name: "summary", failures: 100}
	second := &flakySink{name: "index"}
	w, _ := newTestWorker(first, second)

	w.Handle(context.Background(), newDelivery(t, sampleEvent()))

	assert.Equal(t, 3, first.callCount())
	assert.Equal(t, 0, second.callCount())
}

func TestHandle_PoisonMessagesAreDropped(t *testing.T) {
	future := sampleEvent()
	future.EventVersion = models.ProcessedEventVersion + 1
	futureBody, err := json.Marshal(future)
	require.NoError(t, err)

	tests := []struct {
		name string
		body []byte
	}{
		{"not json", []byte("not json")},
		{"json null", []byte("null")},
		{"missing document id", []byte(`{"documentKey":"k"}`)},
		{"unknown version", futureBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &flakySink{name: "summary"}
			w, _ := newTestWorker(sink)
			d := &fakeDelivery{body: tt.body}

			outcome := w.Handle(context.Background(), d)

			assert.Equal(t, OutcomeDropped, outcome)
			acks, dls := d.settled()
			assert.Equal(t, 1, acks)
			assert.Equal(t, 0, dls)
			assert.Equal(t, 0, sink.callCount())
		})
	}
}

func TestHandle_UnversionedEventAccepted(t *testing.T) {
	sink := &flakySink{name: "summary"}
	w, _ := newTestWorker(sink)
	d := &fakeDelivery{body: []byte(`{"documentId":"legacy-1","documentType":"CTe","totalValue":"350.50"}`)}

	assert.Equal(t, OutcomeAcked, w.Handle(context.Background(), d))
	require.Len(t, sink.seen, 1)
	assert.Equal(t, 1, sink.seen[0].EventVersion)
	assert.Equal(t, "350.5", sink.seen[0].TotalValue.String())
}

func TestHandle_CancelledDuringBackoffAbandons(t *testing.T) {
	sink := &flakySink{name: "summary", failures: 100}
	w, _ := newTestWorker(sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := newDelivery(t, sampleEvent())

	outcome := w.Handle(ctx, d)

	assert.Equal(t, OutcomeAbandoned, outcome)
	acks, dls := d.settled()
	assert.Equal(t, 0, acks)
	assert.Equal(t, 0, dls)
	assert.Equal(t, 1, sink.callCount())
}

func TestHandle_AttemptSurvivesCancellation(t *testing.T) {
	var sinkErr error
	sink := sinkFunc(func(ctx context.Context, _ models.ProcessedEvent) error {
		sinkErr = ctx.Err()
		return nil
	})
	w, _ := newTestWorker(sink)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.Equal(t, OutcomeAcked, w.Handle(ctx, newDelivery(t, sampleEvent())))
	assert.NoError(t, sinkErr)
}

func TestHandle_AttemptTimeout(t *testing.T) {
	sink := sinkFunc(func(ctx context.Context, _ models.ProcessedEvent) error {
		<-ctx.Done()
		return ctx.Err()
	})
	w, _ := newTestWorker(sink)
	w.attemptTimeout = 10 * time.Millisecond
	d := newDelivery(t, sampleEvent())

	assert.Equal(t, OutcomeDeadLettered, w.Handle(context.Background(), d))
}

type sinkFunc func(ctx context.Context, ev models.ProcessedEvent) error

func (f sinkFunc) Name() string { return "func" }
func (f sinkFunc) Handle(ctx context.Context, ev models.ProcessedEvent) error {
	return f(ctx, ev)
}

func TestRun(t *testing.T) {
	sink := &flakySink{name: "summary"}
	w, _ := newTestWorker(sink)
	deliveries := make(chan Delivery, 3)
	var ds []*fakeDelivery
	for i := 0; i < 3; i++ {
		d := newDelivery(t, sampleEvent())
		ds = append(ds, d)
		deliveries <- d
	}
	close(deliveries)

	err := w.Run(context.Background(), deliveries)

	assert.ErrorIs(t, err, ErrDeliveriesClosed)
	assert.Equal(t, 3, sink.callCount())
	for _, d := range ds {
		acks, _ := d.settled()
		assert.Equal(t, 1, acks)
	}
}

func TestRun_ReturnsNilOnCancel(t *testing.T) {
	w, _ := newTestWorker()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.NoError(t, w.Run(ctx, make(chan Delivery)))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "acked", OutcomeAcked.String())
	assert.Equal(t, "dead-lettered", OutcomeDeadLettered.String())
	assert.Equal(t, "Outcome(9)", Outcome(9).String())
}
