// Package coordinator implements the central side of scansync: the device registry, the
// websocket hub that fans messages out to terminals, record ingestion and the HTTP API.
package coordinator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/log"
	"github.com/cybertec-postgresql/scansync/internal/model"
)

// PresenceSink mirrors device sessions outside the process, e.g. into etcd
type PresenceSink interface {
	Publish(ctx context.Context, d model.DeviceSession) error
	Refresh(ctx context.Context, d model.DeviceSession) error
	Withdraw(ctx context.Context, d model.DeviceSession) error
}

// RegistryConfig holds the registry timings
type RegistryConfig struct {
	SweepInterval   time.Duration
	LivenessTimeout time.Duration
	StatusDwell     time.Duration
	// PresenceRefresh is the minimum gap between two presence refreshes of one connection
	PresenceRefresh time.Duration
}

// DefaultRegistryConfig returns the coordinator defaults
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		SweepInterval:   10 * time.Second,
		LivenessTimeout: 90 * time.Second,
		StatusDwell:     5 * time.Second,
	}
}

// Registry tracks one DeviceSession per live connection
type Registry struct {
	cfg      RegistryConfig
	presence PresenceSink
	log      *logrus.Entry
	now      func() time.Time

	// OnTimeout is called once for every evicted session
	OnTimeout func(model.DeviceSession)
	// OnNetworkStatus is called when the aggregate status changed and held for StatusDwell
	OnNetworkStatus func(online bool)
	// OnChange is called after a session was added or removed
	OnChange func()

	mu           sync.Mutex
	sessions     map[string]*model.DeviceSession
	refreshed    map[string]time.Time
	reported     bool
	pending      bool
	pendingValue bool
	pendingSince time.Time

	// presence calls run on their own goroutine so a slow sink never stalls a connection
	presenceMu  sync.Mutex
	presenceOps []presenceOp
	presenceSig chan struct{}
}

type presenceOp func(context.Context, PresenceSink) error

// NewRegistry creates an empty registry
func NewRegistry(cfg RegistryConfig) *Registry {
	def := DefaultRegistryConfig()
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = def.LivenessTimeout
	}
	if cfg.StatusDwell < 0 {
		cfg.StatusDwell = 0
	}
	if cfg.PresenceRefresh <= 0 {
		cfg.PresenceRefresh = cfg.LivenessTimeout / 3
	}
	return &Registry{
		cfg:         cfg,
		log:         log.Component("registry"),
		now:         time.Now,
		sessions:    make(map[string]*model.DeviceSession),
		refreshed:   make(map[string]time.Time),
		presenceSig: make(chan struct{}, 1),
	}
}

// SetPresence mirrors every session change into sink
func (r *Registry) SetPresence(sink PresenceSink) {
	r.presence = sink
}

// Register creates or replaces the session of connID
func (r *Registry) Register(connID string, role model.Role, name string, attempts int) (model.DeviceSession, error) {
	if !role.Valid() {
		return model.DeviceSession{}, fmt.Errorf("unknown role %q", role)
	}
	if name == "" {
		return model.DeviceSession{}, fmt.Errorf("device name is empty")
	}
	now := r.now()
	d := model.DeviceSession{
		ConnID:               connID,
		Role:                 role,
		Name:                 name,
		ConnectedAt:          now,
		LastSeen:             now,
		Alive:                true,
		ReconnectionAttempts: attempts,
	}

	r.mu.Lock()
	if old, ok := r.sessions[connID]; ok {
		d.ConnectedAt = old.ConnectedAt
		d.RemoteAddr = old.RemoteAddr
	}
	r.sessions[connID] = &d
	r.refreshed[connID] = now
	changed, online := r.evaluateLocked(now)
	r.mu.Unlock()

	r.log.WithFields(logrus.Fields{
		"device":   name,
		"role":     role,
		"attempts": attempts,
	}).Info("Device registered")

	r.mirror(func(ctx context.Context, p PresenceSink) error { return p.Publish(ctx, d) })
	r.notify(changed, online)
	if r.OnChange != nil {
		r.OnChange()
	}
	return d, nil
}

// SetRemoteAddr records where a connection comes from
func (r *Registry) SetRemoteAddr(connID, addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if d, ok := r.sessions[connID]; ok {
		d.RemoteAddr = addr
	}
}

// Touch refreshes the last-seen time. It reports false for unknown connections.
func (r *Registry) Touch(connID string) bool {
	now := r.now()
	r.mu.Lock()
	d, ok := r.sessions[connID]
	var (
		snap    model.DeviceSession
		refresh bool
	)
	if ok {
		d.LastSeen = now
		d.Alive = true
		snap = *d
		if now.Sub(r.refreshed[connID]) >= r.cfg.PresenceRefresh {
			r.refreshed[connID] = now
			refresh = true
		}
	}
	changed, online := r.evaluateLocked(now)
	r.mu.Unlock()

	if refresh {
		r.mirror(func(ctx context.Context, p PresenceSink) error { return p.Refresh(ctx, snap) })
	}
	r.notify(changed, online)
	return ok
}

// Unregister removes the session of a closed connection
func (r *Registry) Unregister(connID string) (model.DeviceSession, bool) {
	now := r.now()
	r.mu.Lock()
	d, ok := r.sessions[connID]
	var snap model.DeviceSession
	if ok {
		snap = *d
		delete(r.sessions, connID)
		delete(r.refreshed, connID)
	}
	changed, online := r.evaluateLocked(now)
	r.mu.Unlock()

	if ok {
		r.log.WithField("device", snap.Name).Info("Device disconnected")
		r.mirror(func(ctx context.Context, p PresenceSink) error { return p.Withdraw(ctx, snap) })
		if r.OnChange != nil {
			r.OnChange()
		}
	}
	r.notify(changed, online)
	return snap, ok
}

// Sweep evicts every session silent for longer than the liveness timeout
func (r *Registry) Sweep() []model.DeviceSession {
	now := r.now()
	r.mu.Lock()
	var evicted []model.DeviceSession
	for id, d := range r.sessions {
		if d.Age(now) > r.cfg.LivenessTimeout {
			d.Alive = false
			evicted = append(evicted, *d)
			delete(r.sessions, id)
			delete(r.refreshed, id)
		}
	}
	changed, online := r.evaluateLocked(now)
	r.mu.Unlock()

	sort.Slice(evicted, func(i, j int) bool { return evicted[i].Name < evicted[j].Name })
	for _, d := range evicted {
		d := d
		r.log.WithFields(logrus.Fields{
			"device":    d.Name,
			"role":      d.Role,
			"last_seen": d.LastSeen,
		}).Warn("Device timed out")
		r.mirror(func(ctx context.Context, p PresenceSink) error { return p.Withdraw(ctx, d) })
		if r.OnTimeout != nil {
			r.OnTimeout(d)
		}
	}
	if len(evicted) > 0 && r.OnChange != nil {
		r.OnChange()
	}
	r.notify(changed, online)
	return evicted
}

// Snapshot returns the live sessions ordered by name
func (r *Registry) Snapshot() []model.DeviceSession {
	r.mu.Lock()
	out := make([]model.DeviceSession, 0, len(r.sessions))
	for _, d := range r.sessions {
		out = append(out, *d)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name == out[j].Name {
			return out[i].ConnID < out[j].ConnID
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Lookup returns the session of connID
func (r *Registry) Lookup(connID string) (model.DeviceSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.sessions[connID]
	if !ok {
		return model.DeviceSession{}, false
	}
	return *d, true
}

// NetworkOnline returns the last reported aggregate status
func (r *Registry) NetworkOnline() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reported
}

// CheckStatus re-evaluates the aggregate status so a dwell can complete without traffic
func (r *Registry) CheckStatus() {
	r.mu.Lock()
	changed, online := r.evaluateLocked(r.now())
	r.mu.Unlock()
	r.notify(changed, online)
}

// Start sweeps until ctx is done
func (r *Registry) Start(ctx context.Context) {
	sweep := time.NewTicker(r.cfg.SweepInterval)
	defer sweep.Stop()
	dwell := r.cfg.StatusDwell
	if dwell <= 0 || dwell > r.cfg.SweepInterval {
		dwell = r.cfg.SweepInterval
	}
	status := time.NewTicker(dwell)
	defer status.Stop()
	go r.runPresence(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-sweep.C:
			r.Sweep()
		case <-status.C:
			r.CheckStatus()
		}
	}
}

// onlineLocked reports whether a non-admin session is inside the timeout window
func (r *Registry) onlineLocked(now time.Time) bool {
	for _, d := range r.sessions {
		if !d.Role.Observer() && d.Age(now) <= r.cfg.LivenessTimeout {
			return true
		}
	}
	return false
}

// evaluateLocked applies the dwell rule and reports a status change to publish
func (r *Registry) evaluateLocked(now time.Time) (bool, bool) {
	current := r.onlineLocked(now)
	if current == r.reported {
		r.pending = false
		return false, current
	}
	if !r.pending || r.pendingValue != current {
		r.pending = true
		r.pendingValue = current
		r.pendingSince = now
	}
	if now.Sub(r.pendingSince) < r.cfg.StatusDwell {
		return false, current
	}
	r.pending = false
	r.reported = current
	return true, current
}

func (r *Registry) notify(changed, online bool) {
	if !changed {
		return
	}
	r.log.WithField("online", online).Info("Network status changed")
	if r.OnNetworkStatus != nil {
		r.OnNetworkStatus(online)
	}
}

// mirror queues a presence call for the presence goroutine
func (r *Registry) mirror(op presenceOp) {
	if r.presence == nil {
		return
	}
	r.presenceMu.Lock()
	r.presenceOps = append(r.presenceOps, op)
	r.presenceMu.Unlock()
	select {
	case r.presenceSig <- struct{}{}:
	default:
	}
}

func (r *Registry) runPresence(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.presenceSig:
			r.drainPresence(ctx)
		}
	}
}

// drainPresence runs queued presence calls in order until none are left
func (r *Registry) drainPresence(ctx context.Context) {
	for {
		r.presenceMu.Lock()
		ops := r.presenceOps
		r.presenceOps = nil
		r.presenceMu.Unlock()
		if len(ops) == 0 {
			return
		}
		for _, op := range ops {
			opCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := op(opCtx, r.presence)
			cancel()
			if err != nil {
				r.log.WithError(err).Warn("Failed to mirror device presence")
			}
		}
	}
}
