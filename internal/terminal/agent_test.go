package terminal

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/scansync/internal/localstore"
	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/protocol"
	"github.com/cybertec-postgresql/scansync/internal/syncqueue"
	"github.com/cybertec-postgresql/scansync/internal/transport"
)

type fakeDeliverer struct {
	mu        sync.Mutex
	connected atomic.Bool
	delivered []model.QueueItem
}

func (d *fakeDeliverer) Connected() bool { return d.connected.Load() }

func (d *fakeDeliverer) Deliver(_ context.Context, item model.QueueItem) error {
	if !d.connected.Load() {
		return model.TransportError("deliver", transport.ErrNotConnected)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delivered = append(d.delivered, item)
	return nil
}

func (d *fakeDeliverer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.delivered)
}

type fakeLink struct {
	events     chan transport.Event
	reconnects atomic.Int32
	ran        atomic.Bool
}

func newFakeLink() *fakeLink {
	return &fakeLink{events: make(chan transport.Event, 8)}
}

func (l *fakeLink) Run(ctx context.Context) error {
	l.ran.Store(true)
	<-ctx.Done()
	return ctx.Err()
}

func (l *fakeLink) Events() <-chan transport.Event { return l.events }
func (l *fakeLink) State() transport.State         { return transport.Connected }
func (l *fakeLink) ReconnectionAttempts() int      { return 0 }
func (l *fakeLink) ManualReconnect()               { l.reconnects.Add(1) }

type failingBackend struct {
	*localstore.MemoryBackend
	fail atomic.Bool
}

func (b *failingBackend) Put(ctx context.Context, key string, value []byte) error {
	if b.fail.Load() {
		return errors.New("disk full")
	}
	return b.MemoryBackend.Put(ctx, key, value)
}

func openStore(t *testing.T, primary localstore.Backend, backups ...localstore.Backend) *localstore.ChunkedStore {
	t.Helper()
	s, err := localstore.Open(context.Background(), localstore.Options{
		Namespace: model.RoleEntry.Namespace(),
		Capacity:  10,
		Primary:   primary,
		Backups:   backups,
	})
	require.NoError(t, err)
	return s
}

func openAgent(t *testing.T, store *localstore.ChunkedStore, d *fakeDeliverer, link Link) *Agent {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SettleDelay = 20 * time.Millisecond
	cfg.BackupInterval = 20 * time.Millisecond
	cfg.Queue.BatchDelay = 0
	a, err := Open(context.Background(), Options{
		Role:      model.RoleEntry,
		Name:      "Gate-1",
		Store:     store,
		Deliverer: d,
		Link:      link,
		Config:    cfg,
	})
	require.NoError(t, err)
	return a
}

func TestOpen_Validation(t *testing.T) {
	store := openStore(t, localstore.NewMemoryBackend())
	d := &fakeDeliverer{}
	_, err := Open(context.Background(), Options{Role: "janitor", Name: "x", Store: store, Deliverer: d})
	assert.Error(t, err)
	_, err = Open(context.Background(), Options{Role: model.RoleEntry, Name: " ", Store: store, Deliverer: d})
	assert.Error(t, err)
	_, err = Open(context.Background(), Options{Role: model.RoleEntry, Name: "x", Deliverer: d})
	assert.Error(t, err)
}

func TestProduce_Offline(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, localstore.NewMemoryBackend())
	require.NoError(t, store.ReplaceReferenceDirectory(ctx, []model.Student{{ID: "557", Name: "Lian"}}))
	d := &fakeDeliverer{}
	a := openAgent(t, store, d, nil)

	rec, err := a.Produce(ctx, "557", "", map[string]any{"gate": "north"})
	require.NoError(t, err)
	assert.Equal(t, "Lian", rec.SubjectName, "Name comes from the local directory")
	assert.True(t, rec.Offline)
	assert.Equal(t, "Gate-1", rec.TerminalID)

	all, err := store.LoadAll(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, rec.ID, all[0].ID)
	assert.Equal(t, 1, a.Queue().Pending())

	_, err = a.Produce(ctx, "", "", nil)
	assert.True(t, model.IsRejected(err))
	assert.Equal(t, 1, a.Queue().Pending())
}

func TestProduce_PersistenceFailure(t *testing.T) {
	backend := &failingBackend{MemoryBackend: localstore.NewMemoryBackend()}
	store := openStore(t, backend)
	a := openAgent(t, store, &fakeDeliverer{}, nil)

	backend.fail.Store(true)
	_, err := a.Produce(context.Background(), "1", "Ana", nil)
	require.Error(t, err)
	assert.True(t, model.IsPersistence(err))
	assert.Equal(t, 0, a.Queue().Pending(), "Nothing is queued when the record was not stored")
}

func TestProduce_ObserverRejected(t *testing.T) {
	store := openStore(t, localstore.NewMemoryBackend())
	a, err := Open(context.Background(), Options{Role: model.RoleAdmin, Name: "Desk", Store: store, Deliverer: &fakeDeliverer{}})
	require.NoError(t, err)
	_, err = a.Produce(context.Background(), "1", "Ana", nil)
	assert.Error(t, err)
}

func TestFlushAfterReconnect(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, localstore.NewMemoryBackend())
	d := &fakeDeliverer{}
	a := openAgent(t, store, d, nil)

	for _, id := range []string{"1", "2", "3"} {
		_, err := a.Produce(ctx, id, "Student "+id, nil)
		require.NoError(t, err)
	}
	res := a.Flush(ctx, nil)
	assert.True(t, res.Interrupted)
	assert.Zero(t, res.Processed)
	assert.Equal(t, 3, a.Queue().Pending())

	d.connected.Store(true)
	var progress []int
	res = a.Flush(ctx, func(p syncqueue.Progress) { progress = append(progress, p.Processed) })
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 0, a.Queue().Pending())
	assert.Equal(t, 3, d.count())
	assert.NotEmpty(t, progress)

	st := a.Status(ctx)
	assert.Equal(t, 3, st.SentToday)
	assert.Equal(t, "http", st.State)
	assert.True(t, st.Connected)

	// a second flush finds everything already sent
	res = a.Flush(ctx, nil)
	assert.Equal(t, 0, res.Total)
	assert.Equal(t, 3, d.count())
}

func TestForceResyncResends(t *testing.T) {
	ctx := context.Background()
	store := openStore(t, localstore.NewMemoryBackend())
	d := &fakeDeliverer{}
	d.connected.Store(true)
	a := openAgent(t, store, d, nil)

	_, err := a.Produce(ctx, "1", "Ana", nil)
	require.NoError(t, err)
	a.Flush(ctx, nil)
	require.Equal(t, 1, d.count())

	n, err := a.ForceResync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	a.Flush(ctx, nil)
	assert.Equal(t, 2, d.count(), "Forced items bypass the ledger")
}

func TestRun_SettleDirectoryAndBackup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	backup := localstore.NewMemoryBackend()
	store := openStore(t, localstore.NewMemoryBackend(), backup)
	d := &fakeDeliverer{}
	link := newFakeLink()
	a := openAgent(t, store, d, link)

	_, err := a.Produce(ctx, "557", "Lian", nil)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	require.Eventually(t, link.ran.Load, time.Second, 5*time.Millisecond)

	d.connected.Store(true)
	link.events <- transport.Event{Kind: transport.EventConnected, At: time.Now()}
	require.Eventually(t, func() bool { return d.count() == 1 }, 2*time.Second, 10*time.Millisecond,
		"Queue is reconciled once the connection settled")

	link.events <- transport.Event{Kind: transport.EventDirectoryUpdate, Directory: &protocol.StudentCacheUpdate{
		Cache:         []model.Student{{ID: "557", Name: "Lian Wu"}, {ID: "558", Name: "Bo"}},
		TotalStudents: 2,
		UpdateReason:  "new_student",
	}}
	require.Eventually(t, func() bool { return len(store.ReferenceDirectory(ctx)) == 2 }, time.Second, 10*time.Millisecond)
	s, ok := store.Lookup(ctx, "557")
	require.True(t, ok)
	assert.Equal(t, "Lian Wu", s.Name)
	assert.False(t, a.Status(ctx).LastDirectoryUpdate.IsZero())

	require.Eventually(t, func() bool { return backup.Len() > 0 }, time.Second, 10*time.Millisecond,
		"Backups are written periodically")

	a.Reconnect()
	assert.EqualValues(t, 1, link.reconnects.Load())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("agent did not stop")
	}
}
