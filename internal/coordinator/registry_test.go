package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cybertec-postgresql/scansync/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakePresence struct {
	mu        sync.Mutex
	published []string
	refreshed int
	withdrawn []string
}

func (p *fakePresence) Publish(_ context.Context, d model.DeviceSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, d.Name)
	return nil
}

func (p *fakePresence) Refresh(context.Context, model.DeviceSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refreshed++
	return nil
}

func (p *fakePresence) Withdraw(_ context.Context, d model.DeviceSession) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.withdrawn = append(p.withdrawn, d.Name)
	return nil
}

func newTestRegistry(dwell time.Duration) (*Registry, *fakeClock) {
	r := NewRegistry(RegistryConfig{SweepInterval: time.Second, LivenessTimeout: 90 * time.Second, StatusDwell: dwell})
	clock := newFakeClock()
	r.now = clock.Now
	return r, clock
}

func TestRegistry_RegisterTouchUnregister(t *testing.T) {
	r, clock := newTestRegistry(0)
	presence := &fakePresence{}
	r.SetPresence(presence)

	d, err := r.Register("c1", model.RoleEntry, "A", 2)
	require.NoError(t, err)
	assert.True(t, d.Alive)
	assert.Equal(t, 2, d.ReconnectionAttempts)
	_, err = r.Register("c2", model.RoleExit, "B", 0)
	require.NoError(t, err)

	_, err = r.Register("c3", "janitor", "C", 0)
	assert.Error(t, err)
	_, err = r.Register("c3", model.RoleAdmin, "", 0)
	assert.Error(t, err)

	clock.Advance(31 * time.Second)
	assert.True(t, r.Touch("c1"))
	assert.False(t, r.Touch("unknown"))
	got, ok := r.Lookup("c1")
	require.True(t, ok)
	assert.Equal(t, clock.Now(), got.LastSeen)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "A", snap[0].Name)
	assert.Equal(t, "B", snap[1].Name)

	_, ok = r.Unregister("c2")
	assert.True(t, ok)
	_, ok = r.Unregister("c2")
	assert.False(t, ok)
	assert.Len(t, r.Snapshot(), 1)

	r.drainPresence(context.Background())
	assert.Equal(t, []string{"A", "B"}, presence.published)
	assert.Equal(t, 1, presence.refreshed)
	assert.Equal(t, []string{"B"}, presence.withdrawn)
}

// slowPresence blocks every call until release is closed
type slowPresence struct {
	fakePresence
	release chan struct{}
}

func (p *slowPresence) Refresh(ctx context.Context, d model.DeviceSession) error {
	select {
	case <-p.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.fakePresence.Refresh(ctx, d)
}

func TestRegistry_PresenceRefreshIsThrottledAndAsync(t *testing.T) {
	r, clock := newTestRegistry(0)
	presence := &slowPresence{release: make(chan struct{})}
	r.SetPresence(presence)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.runPresence(ctx)

	_, err := r.Register("c1", model.RoleEntry, "A", 0)
	require.NoError(t, err)

	touched := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			clock.Advance(time.Second)
			r.Touch("c1")
		}
		close(touched)
	}()
	select {
	case <-touched:
	case <-time.After(2 * time.Second):
		t.Fatal("Touch blocked on a slow presence sink")
	}

	close(presence.release)
	require.Eventually(t, func() bool {
		presence.mu.Lock()
		defer presence.mu.Unlock()
		return presence.refreshed == 1
	}, 2*time.Second, 10*time.Millisecond, "50 frames over 50s refresh once per 30s window")
}

func TestRegistry_ReRegisterKeepsConnectedAt(t *testing.T) {
	r, clock := newTestRegistry(0)
	first, err := r.Register("c1", model.RoleEntry, "A", 0)
	require.NoError(t, err)
	clock.Advance(time.Minute)
	second, err := r.Register("c1", model.RoleEntry, "A", 0)
	require.NoError(t, err)
	assert.Equal(t, first.ConnectedAt, second.ConnectedAt)
	assert.Len(t, r.Snapshot(), 1, "One session per connection")
}

func TestRegistry_SweepEvictsOnce(t *testing.T) {
	r, clock := newTestRegistry(0)
	var timeouts []model.DeviceSession
	r.OnTimeout = func(d model.DeviceSession) { timeouts = append(timeouts, d) }

	_, err := r.Register("c1", model.RoleEntry, "A", 0)
	require.NoError(t, err)
	_, err = r.Register("c2", model.RoleExit, "B", 0)
	require.NoError(t, err)

	clock.Advance(60 * time.Second)
	r.Touch("c2")
	assert.Empty(t, r.Sweep(), "Nobody is past the timeout yet")

	clock.Advance(31 * time.Second)
	evicted := r.Sweep()
	require.Len(t, evicted, 1)
	assert.Equal(t, "A", evicted[0].Name)
	assert.False(t, evicted[0].Alive)

	assert.Empty(t, r.Sweep())
	require.Len(t, timeouts, 1, "device_timeout fires exactly once")
	assert.Equal(t, model.RoleEntry, timeouts[0].Role)

	snap := r.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "B", snap[0].Name)
}

func TestRegistry_NetworkStatusDwell(t *testing.T) {
	r, clock := newTestRegistry(5 * time.Second)
	var reports []bool
	r.OnNetworkStatus = func(online bool) { reports = append(reports, online) }

	_, err := r.Register("adm", model.RoleAdmin, "Desk", 0)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	r.CheckStatus()
	assert.False(t, r.NetworkOnline(), "Admins alone do not make the network online")

	_, err = r.Register("c1", model.RoleEntry, "A", 0)
	require.NoError(t, err)
	assert.False(t, r.NetworkOnline(), "Status holds until the dwell elapsed")

	clock.Advance(3 * time.Second)
	r.CheckStatus()
	assert.False(t, r.NetworkOnline())

	clock.Advance(2 * time.Second)
	r.CheckStatus()
	assert.True(t, r.NetworkOnline())
	assert.Equal(t, []bool{true}, reports)

	// a drop followed by a quick reconnect is not reported
	r.Unregister("c1")
	clock.Advance(time.Second)
	_, err = r.Register("c2", model.RoleEntry, "A", 1)
	require.NoError(t, err)
	clock.Advance(10 * time.Second)
	r.CheckStatus()
	assert.Equal(t, []bool{true}, reports)

	r.Unregister("c2")
	clock.Advance(5 * time.Second)
	r.CheckStatus()
	assert.False(t, r.NetworkOnline())
	assert.Equal(t, []bool{true, false}, reports)
}

func TestRegistry_Start(t *testing.T) {
	r := NewRegistry(RegistryConfig{SweepInterval: 20 * time.Millisecond, LivenessTimeout: 30 * time.Millisecond})
	evicted := make(chan model.DeviceSession, 1)
	r.OnTimeout = func(d model.DeviceSession) { evicted <- d }
	_, err := r.Register("c1", model.RoleEntry, "A", 0)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	select {
	case d := <-evicted:
		assert.Equal(t, "A", d.Name)
	case <-time.After(2 * time.Second):
		t.Fatal("session was not evicted")
	}
}
