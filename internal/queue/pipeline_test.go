package queue

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"evolution-crm-bridge/internal/apperrors"
	"evolution-crm-bridge/internal/db"
	"evolution-crm-bridge/internal/events"
	"evolution-crm-bridge/internal/models"
	"evolution-crm-bridge/internal/retry"
	"evolution-crm-bridge/internal/store"
)

// fakeBroker redelivers every published envelope to its consumer.
type fakeBroker struct {
	mu         sync.Mutex
	ch         chan Delivery
	published  []models.QueueEnvelope
	dead       []models.QueueEnvelope
	acks       atomic.Int32
	nacks      atomic.Int32
	publishErr error
	consumeErr error
	stop       chan struct{}
	connected  bool
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{ch: make(chan Delivery, 16), connected: true}
}

func (b *fakeBroker) Publish(_ context.Context, env models.QueueEnvelope) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	b.published = append(b.published, env)
	b.ch <- Delivery{
		Envelope: env,
		Ack:      func() error { b.acks.Add(1); return nil },
		Nack:     func(bool) error { b.nacks.Add(1); return nil },
	}
	return nil
}

func (b *fakeBroker) Consume(ctx context.Context, _ int) (<-chan Delivery, error) {
	b.mu.Lock()
	if b.consumeErr != nil {
		err := b.consumeErr
		b.mu.Unlock()
		return nil, err
	}
	stop := make(chan struct{})
	b.stop = stop
	b.mu.Unlock()

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case d := <-b.ch:
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *fakeBroker) DeadLetter(_ context.Context, env models.QueueEnvelope, _ string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, env)
	return nil
}

// cancelConsumer ends the current consumer the way a channel-level
// exception does. Consume keeps failing with err until allowConsume.
func (b *fakeBroker) cancelConsumer(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumeErr = err
	if b.stop != nil {
		close(b.stop)
		b.stop = nil
	}
}

func (b *fakeBroker) allowConsume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consumeErr = nil
}

func (b *fakeBroker) Connected() bool { return b.connected }
func (b *fakeBroker) Close() error    { return nil }

func (b *fakeBroker) deadLetters() []models.QueueEnvelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.QueueEnvelope(nil), b.dead...)
}

func fastPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func testEnvelope() models.QueueEnvelope {
	return NewEnvelope(models.QueueEnvelope{
		EventKind:    events.MessagesUpsert,
		InstanceName: "acme",
		Data:         json.RawMessage(`{"key":{"id":"M1","remoteJid":"5511@s.whatsapp.net"}}`),
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func runPipeline(t *testing.T, p *Pipeline) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestSuccessIsAcknowledged(t *testing.T) {
	t.Parallel()
	b := newFakeBroker()
	var calls atomic.Int32
	p, err := NewPipeline(b, func(context.Context, models.QueueEnvelope) error {
		calls.Add(1)
		return nil
	}, nil, Config{Concurrency: 2, Policy: fastPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	runPipeline(t, p)

	if err := p.Enqueue(context.Background(), testEnvelope()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Stats().Acknowledged == 1 })
	if calls.Load() != 1 || b.acks.Load() != 1 {
		t.Fatalf("calls = %d, acks = %d", calls.Load(), b.acks.Load())
	}
	if s := p.Stats(); s.Enqueued != 1 || s.InFlight != 0 || s.DeadLettered != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestTransientFailureExhaustsToDeadLetter(t *testing.T) {
	t.Parallel()
	b := newFakeBroker()
	var calls atomic.Int32
	p, err := NewPipeline(b, func(context.Context, models.QueueEnvelope) error {
		calls.Add(1)
		return apperrors.Persistence(errors.New("database is locked"), "failed to persist message")
	}, nil, Config{Concurrency: 1, Policy: fastPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	runPipeline(t, p)

	original := testEnvelope()
	if err := p.Enqueue(context.Background(), original); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Stats().DeadLettered == 1 })

	if calls.Load() != 3 {
		t.Fatalf("handler calls = %d, want 3", calls.Load())
	}
	dead := b.deadLetters()[0]
	if dead.ID != original.ID || string(dead.Data) != string(original.Data) || dead.EventKind != original.EventKind {
		t.Fatalf("dead letter %+v does not carry the original envelope %+v", dead, original)
	}
	if dead.RetryCount != 2 {
		t.Fatalf("retryCount = %d, want 2", dead.RetryCount)
	}
	if s := p.Stats(); s.Requeued != 2 || s.DeadLettered != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestValidationFailureIsNotRetried(t *testing.T) {
	t.Parallel()
	b := newFakeBroker()
	var calls atomic.Int32
	p, _ := NewPipeline(b, func(context.Context, models.QueueEnvelope) error {
		calls.Add(1)
		return apperrors.Validation("bad payload", nil)
	}, nil, Config{Concurrency: 1, Policy: fastPolicy()})
	runPipeline(t, p)

	if err := p.Enqueue(context.Background(), testEnvelope()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Stats().DeadLettered == 1 })
	if calls.Load() != 1 {
		t.Fatalf("handler calls = %d, want 1", calls.Load())
	}
}

func TestSubmitWithoutBrokerRunsInline(t *testing.T) {
	t.Parallel()
	var got models.QueueEnvelope
	p, err := NewPipeline(nil, func(_ context.Context, env models.QueueEnvelope) error {
		got = env
		return nil
	}, nil, Config{Policy: fastPolicy()})
	if err != nil {
		t.Fatal(err)
	}
	queued, err := p.Submit(context.Background(), models.QueueEnvelope{EventKind: events.Call, InstanceName: "acme"})
	if err != nil || queued {
		t.Fatalf("Submit = %v, %v", queued, err)
	}
	if got.ID == "" || got.EnqueuedAt.IsZero() {
		t.Fatalf("envelope not stamped: %+v", got)
	}
	if s := p.Stats(); s.Enabled || s.Synchronous != 1 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestSubmitFallsBackWhenPublishFails(t *testing.T) {
	t.Parallel()
	b := newFakeBroker()
	b.publishErr = errors.New("channel closed")
	var calls atomic.Int32
	p, _ := NewPipeline(b, func(context.Context, models.QueueEnvelope) error {
		calls.Add(1)
		return nil
	}, nil, Config{Policy: fastPolicy()})

	queued, err := p.Submit(context.Background(), testEnvelope())
	if err != nil || queued || calls.Load() != 1 {
		t.Fatalf("Submit = %v, %v after %d calls", queued, err, calls.Load())
	}
}

func TestSubmitQueuesWhenConnected(t *testing.T) {
	t.Parallel()
	b := newFakeBroker()
	p, _ := NewPipeline(b, func(context.Context, models.QueueEnvelope) error {
		t.Error("handler must not run inline")
		return nil
	}, nil, Config{Policy: fastPolicy()})

	queued, err := p.Submit(context.Background(), testEnvelope())
	if err != nil || !queued {
		t.Fatalf("Submit = %v, %v", queued, err)
	}
	if len(b.published) != 1 {
		t.Fatalf("published = %d", len(b.published))
	}
}

func TestStoppedConsumerFallsBackAndResumes(t *testing.T) {
	t.Parallel()
	b := newFakeBroker()
	var calls atomic.Int32
	p, _ := NewPipeline(b, func(context.Context, models.QueueEnvelope) error {
		calls.Add(1)
		return nil
	}, nil, Config{Concurrency: 1, Policy: fastPolicy()})
	runPipeline(t, p)

	if err := p.Enqueue(context.Background(), testEnvelope()); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return p.Stats().Acknowledged == 1 })

	b.cancelConsumer(errors.New("channel closed by server"))
	waitFor(t, func() bool { return !p.Async() })

	queued, err := p.Submit(context.Background(), testEnvelope())
	if err != nil || queued {
		t.Fatalf("Submit = %v, %v", queued, err)
	}
	if calls.Load() != 2 || p.Stats().Synchronous != 1 || p.Stats().Connected {
		t.Fatalf("calls = %d, stats = %+v", calls.Load(), p.Stats())
	}

	b.allowConsume()
	waitFor(t, p.Async)
	queued, err = p.Submit(context.Background(), testEnvelope())
	if err != nil || !queued {
		t.Fatalf("Submit after resume = %v, %v", queued, err)
	}
	waitFor(t, func() bool { return p.Stats().Acknowledged == 2 })
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.DriverSQLite, "file:"+filepath.Join(t.TempDir(), "crm.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := db.Migrate(ctx, conn); err != nil {
		t.Fatal(err)
	}
	st, err := store.New(conn, 0)
	if err != nil {
		t.Fatal(err)
	}
	return st
}

type failingSink struct{}

func (failingSink) DeadLetter(context.Context, models.QueueEnvelope, string) error {
	return errors.New("sink down")
}

func TestStoreSinkAndMultiSink(t *testing.T) {
	t.Parallel()
	st := newTestStore(t)
	sink, err := NewStoreSink(st)
	if err != nil {
		t.Fatal(err)
	}
	env := testEnvelope()
	env.RetryCount = 2

	if err := (MultiSink{failingSink{}, sink}).DeadLetter(context.Background(), env, "exhausted"); err != nil {
		t.Fatalf("MultiSink with one healthy sink: %v", err)
	}
	dl, err := st.GetDeadLetter(context.Background(), env.ID)
	if err != nil {
		t.Fatal(err)
	}
	restored, err := dl.Envelope()
	if err != nil {
		t.Fatal(err)
	}
	if restored.ID != env.ID || string(restored.Data) != string(env.Data) || restored.RetryCount != 2 || dl.Reason != "exhausted" {
		t.Fatalf("restored = %+v (%s)", restored, dl.Reason)
	}

	if err := (MultiSink{failingSink{}}).DeadLetter(context.Background(), env, "x"); err == nil {
		t.Fatal("expected error when every sink fails")
	}
}
