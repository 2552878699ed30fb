package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/scansync/internal/ledger"
	"github.com/cybertec-postgresql/scansync/internal/localstore"
	"github.com/cybertec-postgresql/scansync/internal/model"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	connected atomic.Bool
	delivered []model.QueueItem
	attempts  int
	// hook decides the outcome of an attempt; nil means success
	hook func(n int, item model.QueueItem) error
}

func newFakeDeliverer() *fakeDeliverer {
	d := &fakeDeliverer{}
	d.connected.Store(true)
	return d
}

func (d *fakeDeliverer) Connected() bool { return d.connected.Load() }

func (d *fakeDeliverer) Deliver(_ context.Context, item model.QueueItem) error {
	d.mu.Lock()
	d.attempts++
	n := d.attempts
	hook := d.hook
	d.mu.Unlock()
	if hook != nil {
		if err := hook(n, item); err != nil {
			return err
		}
	}
	d.mu.Lock()
	d.delivered = append(d.delivered, item)
	d.mu.Unlock()
	return nil
}

func (d *fakeDeliverer) Delivered() []model.QueueItem {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]model.QueueItem(nil), d.delivered...)
}

type bulkDeliverer struct {
	*fakeDeliverer
	batches int
}

func (b *bulkDeliverer) DeliverBatch(ctx context.Context, items []model.QueueItem) []error {
	b.batches++
	errs := make([]error, len(items))
	for i, item := range items {
		errs[i] = b.Deliver(ctx, item)
	}
	return errs
}

type fixture struct {
	backend *localstore.MemoryBackend
	store   *localstore.ChunkedStore
	ledger  *ledger.Ledger
	queue   *Queue
}

var today = time.Date(2026, 10, 16, 10, 0, 0, 0, time.UTC)

func newFixture(t *testing.T, d Deliverer, cfg Config) *fixture {
	t.Helper()
	ctx := context.Background()
	backend := localstore.NewMemoryBackend()
	store, err := localstore.Open(ctx, localstore.Options{Namespace: "registrations", Primary: backend})
	require.NoError(t, err)
	l, err := ledger.Open(ctx, backend, today)
	require.NoError(t, err)
	q, err := Open(ctx, Options{
		Backend:    backend,
		Deliverer:  d,
		Ledger:     l,
		Store:      store,
		TerminalID: "A",
		Operation:  model.OpCreateRegistration,
		Config:     cfg,
	})
	require.NoError(t, err)
	return &fixture{backend: backend, store: store, ledger: l, queue: q}
}

func (f *fixture) produce(t *testing.T, id, name string, ts time.Time) model.Record {
	t.Helper()
	ctx := context.Background()
	rec := model.NewRecord("A", id, name, ts)
	require.NoError(t, f.store.Append(ctx, rec))
	_, err := f.queue.Enqueue(ctx, model.OpCreateRegistration, rec)
	require.NoError(t, err)
	return rec
}

func fastConfig() Config {
	return Config{BatchSize: 100, BatchDelay: time.Millisecond, MaxRetries: 3, PeriodicInterval: time.Hour}
}

func TestProcessQueue_SameSubjectSameDay(t *testing.T) {
	d := newFakeDeliverer()
	f := newFixture(t, d, fastConfig())
	for i := 0; i < 3; i++ {
		f.produce(t, "557", "Lian", today.Add(time.Duration(i)*time.Minute))
	}

	res := f.queue.ProcessQueue(context.Background())
	assert.False(t, res.Skipped)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Progress.Skipped)
	assert.Len(t, d.Delivered(), 1, "Only one record per subject and day reaches the coordinator")
	assert.Equal(t, 0, f.queue.Pending())

	recs, err := f.store.LoadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, recs, 3, "All scans stay in the local store")
}

func TestProcessQueue_RetryExhaustion(t *testing.T) {
	d := newFakeDeliverer()
	d.hook = func(int, model.QueueItem) error {
		return model.TransportError("send", errors.New("timeout"))
	}
	f := newFixture(t, d, fastConfig())
	rec := f.produce(t, "1", "Ana", today)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		res := f.queue.ProcessQueue(ctx)
		assert.Equal(t, 1, res.Failed)
		require.Equal(t, 1, f.queue.Pending())
		assert.Equal(t, i, f.queue.Items()[0].RetryCount)
	}
	res := f.queue.ProcessQueue(ctx)
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, f.queue.Pending())

	dead := f.queue.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, rec.ID, dead[0].Item.Record.ID)
	assert.Contains(t, dead[0].Reason, string(model.KindRetryExhausted))
	assert.Equal(t, int64(1), f.queue.Status().DeadLettered)

	recs, err := f.store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, rec.ID, recs[0].ID, "Record remains retrievable")
}

func TestProcessQueue_RejectedIsNotRetried(t *testing.T) {
	d := newFakeDeliverer()
	d.hook = func(int, model.QueueItem) error {
		return model.DeliveryRejected("ack", errors.New("malformed payload"))
	}
	f := newFixture(t, d, fastConfig())
	f.produce(t, "1", "Ana", today)

	res := f.queue.ProcessQueue(context.Background())
	assert.Equal(t, 1, res.Failed)
	assert.Equal(t, 0, f.queue.Pending())
	require.Len(t, f.queue.DeadLetters(), 1)
	assert.Equal(t, 0, f.queue.DeadLetters()[0].Item.RetryCount)
}

func TestManualFlush_LargeBacklog(t *testing.T) {
	d := newFakeDeliverer()
	f := newFixture(t, d, fastConfig())
	ctx := context.Background()
	for i := 0; i < 2500; i++ {
		rec := model.NewRecord("A", fmt.Sprint(i), fmt.Sprintf("student %d", i), today)
		_, err := f.queue.Enqueue(ctx, model.OpCreateRegistration, rec)
		require.NoError(t, err)
	}

	var reports []Progress
	res := f.queue.ManualFlush(ctx, func(p Progress) {
		reports = append(reports, p)
	})

	assert.Len(t, reports, 25)
	for i, p := range reports {
		assert.Equal(t, (i+1)*100, p.Processed+p.Failed)
		assert.Equal(t, 2500, p.Total)
	}
	assert.Equal(t, 2500, res.Processed+res.Failed)
	assert.Equal(t, 0, res.Remaining)
	assert.False(t, res.Interrupted)
	assert.Len(t, d.Delivered(), 2500)
	assert.Equal(t, 0, f.queue.Pending())
}

func TestProcessQueue_SingleFlight(t *testing.T) {
	d := newFakeDeliverer()
	started := make(chan struct{})
	release := make(chan struct{})
	d.hook = func(n int, _ model.QueueItem) error {
		if n == 1 {
			close(started)
			<-release
		}
		return nil
	}
	f := newFixture(t, d, fastConfig())
	f.produce(t, "1", "Ana", today)

	done := make(chan Result)
	go func() { done <- f.queue.ProcessQueue(context.Background()) }()
	<-started

	again := f.queue.ProcessQueue(context.Background())
	assert.True(t, again.Skipped)
	assert.True(t, f.queue.Status().Running)

	close(release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, 1, first.Processed)
	assert.Len(t, d.Delivered(), 1)
}

func TestProcessQueue_StopsWhenDisconnected(t *testing.T) {
	d := newFakeDeliverer()
	d.hook = func(n int, _ model.QueueItem) error {
		if n == 2 {
			d.connected.Store(false)
		}
		return nil
	}
	f := newFixture(t, d, fastConfig())
	for i := 0; i < 5; i++ {
		f.produce(t, fmt.Sprint(i), "s", today)
	}

	ctx := context.Background()
	res := f.queue.ProcessQueue(ctx)
	assert.True(t, res.Interrupted)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 3, f.queue.Pending())

	d.hook = nil
	d.connected.Store(true)
	res = f.queue.ProcessQueue(ctx)
	assert.False(t, res.Interrupted)
	assert.Equal(t, 3, res.Processed)

	seen := map[string]int{}
	for _, item := range d.Delivered() {
		seen[item.Record.ID]++
	}
	assert.Len(t, seen, 5)
	for id, n := range seen {
		assert.Equal(t, 1, n, "record %s delivered once", id)
	}
}

func TestProcessQueue_Offline(t *testing.T) {
	d := newFakeDeliverer()
	d.connected.Store(false)
	f := newFixture(t, d, fastConfig())
	f.produce(t, "1", "Ana", today)

	res := f.queue.ProcessQueue(context.Background())
	assert.True(t, res.Interrupted)
	assert.Equal(t, 0, res.Processed)
	assert.Equal(t, 1, f.queue.Pending())
	assert.Empty(t, d.Delivered())
	assert.Equal(t, 0, f.queue.Items()[0].RetryCount, "Offline runs do not burn retries")
}

func TestForceResync(t *testing.T) {
	d := newFakeDeliverer()
	f := newFixture(t, d, fastConfig())
	ctx := context.Background()
	f.produce(t, "1", "Ana", today)
	f.produce(t, "2", "Bo", today)
	f.queue.ProcessQueue(ctx)
	require.Len(t, d.Delivered(), 2)

	n, err := f.queue.ForceResync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	res := f.queue.ProcessQueue(ctx)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, 0, res.Progress.Skipped, "Forced items bypass the ledger")
	assert.Len(t, d.Delivered(), 4)
}

func TestRetryDeadLetters(t *testing.T) {
	d := newFakeDeliverer()
	d.hook = func(int, model.QueueItem) error {
		return model.DeliveryRejected("ack", errors.New("nope"))
	}
	f := newFixture(t, d, fastConfig())
	ctx := context.Background()
	f.produce(t, "1", "Ana", today)
	f.queue.ProcessQueue(ctx)
	require.Len(t, f.queue.DeadLetters(), 1)

	d.hook = nil
	n, err := f.queue.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, f.queue.DeadLetters())

	res := f.queue.ProcessQueue(ctx)
	assert.Equal(t, 1, res.Processed)
	assert.Len(t, d.Delivered(), 1)
}

func TestBulkDelivery(t *testing.T) {
	d := &bulkDeliverer{fakeDeliverer: newFakeDeliverer()}
	cfg := fastConfig()
	cfg.BatchSize = 10
	f := newFixture(t, d, cfg)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.produce(t, "557", "Lian", today.Add(time.Duration(i)*time.Second))
	}
	for i := 0; i < 12; i++ {
		f.produce(t, fmt.Sprint(i), "s", today)
	}

	res := f.queue.ProcessQueue(ctx)
	assert.Equal(t, 2, d.batches)
	assert.Equal(t, 15, res.Processed)
	assert.Equal(t, 2, res.Progress.Skipped, "Same-key items of one batch settle with the item that was sent")
	assert.Equal(t, 0, res.Remaining)
	assert.Equal(t, 0, f.queue.Pending())
	assert.Len(t, d.Delivered(), 13)
}

func TestBulkDelivery_SameKeyFailure(t *testing.T) {
	d := &bulkDeliverer{fakeDeliverer: newFakeDeliverer()}
	d.hook = func(_ int, item model.QueueItem) error {
		if item.Record.SubjectID == "557" {
			return model.TransportError("send", errors.New("timeout"))
		}
		return nil
	}
	cfg := fastConfig()
	cfg.BatchSize = 10
	f := newFixture(t, d, cfg)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		f.produce(t, "557", "Lian", today.Add(time.Duration(i)*time.Second))
	}
	f.produce(t, "1", "Ana", today)

	var last Progress
	res := f.queue.ManualFlush(ctx, func(p Progress) { last = p })
	assert.Equal(t, 1, res.Processed)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, res.Total, last.Processed+last.Failed, "Every item of the run is accounted for")
	assert.Equal(t, 0, last.Remaining)

	items := f.queue.Items()
	require.Len(t, items, 3)
	for _, item := range items {
		assert.Equal(t, 1, item.RetryCount)
	}
}

func TestQueue_SegmentedPersistence(t *testing.T) {
	d := newFakeDeliverer()
	d.connected.Store(false)
	f := newFixture(t, d, fastConfig())
	ctx := context.Background()
	n := 2*segmentCapacity + 10
	for i := 0; i < n; i++ {
		rec := model.NewRecord("A", fmt.Sprint(i), "s", today)
		_, err := f.queue.Enqueue(ctx, model.OpCreateRegistration, rec)
		require.NoError(t, err)
	}
	keys, err := f.backend.Keys(ctx, queueSegmentPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 3)

	d.connected.Store(true)
	cfg := fastConfig()
	cfg.BatchSize = segmentCapacity
	f.queue.cfg = cfg
	d.hook = func(n int, _ model.QueueItem) error {
		if n > segmentCapacity+5 {
			d.connected.Store(false)
		}
		return nil
	}
	res := f.queue.ProcessQueue(ctx)
	assert.True(t, res.Interrupted)
	assert.Equal(t, segmentCapacity+6, res.Processed)

	keys, err = f.backend.Keys(ctx, queueSegmentPrefix)
	require.NoError(t, err)
	assert.Len(t, keys, 2, "Drained segments are deleted")

	reopened, err := Open(ctx, Options{Backend: f.backend, Deliverer: d, Ledger: f.ledger, TerminalID: "A"})
	require.NoError(t, err)
	require.Equal(t, n-segmentCapacity-6, reopened.Pending())
	assert.Equal(t, fmt.Sprint(segmentCapacity+6), reopened.Items()[0].Record.SubjectID, "Order survives a restart")
}

func TestManualFlush_ScalesLinearly(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping backlog timing in short mode")
	}
	run := func(n int) time.Duration {
		d := newFakeDeliverer()
		f := newFixture(t, d, Config{BatchSize: 100, MaxRetries: 3, PeriodicInterval: time.Hour})
		ctx := context.Background()
		items := make([]model.QueueItem, n)
		for i := range items {
			items[i] = model.NewQueueItem(model.OpCreateRegistration, model.NewRecord("A", fmt.Sprint(i), "s", today), "A", 3, today)
		}
		require.NoError(t, f.queue.push(ctx, items...))
		started := time.Now()
		res := f.queue.ManualFlush(ctx, nil)
		require.Equal(t, n, res.Processed)
		return time.Since(started)
	}
	small := run(10000)
	large := run(40000)
	// quadratic growth would be 16x; leave room for noise
	assert.Less(t, large, 10*small+time.Second, "10k took %s, 40k took %s", small, large)
}

func TestQueue_SurvivesRestart(t *testing.T) {
	d := newFakeDeliverer()
	d.connected.Store(false)
	f := newFixture(t, d, fastConfig())
	f.produce(t, "1", "Ana", today)
	f.produce(t, "2", "Bo", today)

	ctx := context.Background()
	reopened, err := Open(ctx, Options{Backend: f.backend, Deliverer: d, Ledger: f.ledger, TerminalID: "A"})
	require.NoError(t, err)
	assert.Equal(t, 2, reopened.Pending())

	d.connected.Store(true)
	res := reopened.ProcessQueue(ctx)
	assert.Equal(t, 2, res.Processed)
	assert.False(t, reopened.Status().LastSuccessfulSync.IsZero())
}

func TestRun_Trigger(t *testing.T) {
	d := newFakeDeliverer()
	f := newFixture(t, d, fastConfig())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- f.queue.Run(ctx) }()

	f.produce(t, "1", "Ana", today)
	f.queue.Trigger()
	f.queue.Trigger()

	require.Eventually(t, func() bool { return f.queue.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, d.Delivered(), 1)

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}

func TestEnqueue_Validation(t *testing.T) {
	f := newFixture(t, newFakeDeliverer(), fastConfig())
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, model.OpCreateStudent, model.NewRecord("A", "1", "x", today))
	assert.Error(t, err)

	item, err := f.queue.EnqueueStudent(ctx, model.Student{ID: "9", Name: "Zoe"})
	require.NoError(t, err)
	assert.Equal(t, model.OpCreateStudent, item.Operation)
	_, err = f.queue.EnqueueStudent(ctx, model.Student{ID: "9"})
	assert.Error(t, err)
	assert.Equal(t, 1, f.queue.Pending())
}
