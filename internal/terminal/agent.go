// Package terminal runs the offline-first side of a scanning terminal: records are persisted
// locally first and reconciled with the coordinator whenever a connection is available.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/ledger"
	"github.com/cybertec-postgresql/scansync/internal/localstore"
	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/syncqueue"
	"github.com/cybertec-postgresql/scansync/internal/transport"
)

// Link is the websocket session as seen by the agent. *transport.Session implements it.
type Link interface {
	Run(ctx context.Context) error
	Events() <-chan transport.Event
	State() transport.State
	ReconnectionAttempts() int
	ManualReconnect()
}

// Config holds the agent timings
type Config struct {
	SettleDelay      time.Duration
	BackupInterval   time.Duration
	RolloverInterval time.Duration
	Queue            syncqueue.Config
}

// DefaultConfig returns the production timings
func DefaultConfig() Config {
	return Config{
		SettleDelay:      2 * time.Second,
		BackupInterval:   30 * time.Second,
		RolloverInterval: time.Minute,
		Queue:            syncqueue.DefaultConfig(),
	}
}

// Options wires an Agent. Link is nil when deliveries go over plain HTTP.
type Options struct {
	Role      model.Role
	Name      string
	Store     *localstore.ChunkedStore
	Deliverer syncqueue.Deliverer
	Link      Link
	Config    Config
}

// Status is the terminal state reported to operators
type Status struct {
	Role                 model.Role             `json:"role"`
	Name                 string                 `json:"name"`
	Connected            bool                   `json:"connected"`
	State                string                 `json:"state"`
	ReconnectionAttempts int                    `json:"reconnectionAttempts"`
	Chunks               int                    `json:"chunks"`
	DirectoryEntries     int                    `json:"directoryEntries"`
	SentToday            int                    `json:"sentToday"`
	Sync                 syncqueue.StatusReport `json:"sync"`
	LastDirectoryUpdate  time.Time              `json:"lastDirectoryUpdate"`
}

// Agent owns the local store, the dedup ledger, the sync queue and the coordinator link of
// one terminal
type Agent struct {
	role      model.Role
	name      string
	store     *localstore.ChunkedStore
	ledger    *ledger.Ledger
	queue     *syncqueue.Queue
	deliverer syncqueue.Deliverer
	link      Link
	cfg       Config
	now       func() time.Time
	log       *logrus.Entry

	mu          sync.Mutex
	lastDirPush time.Time
}

// Open loads the ledger and the queue from the store's primary backend
func Open(ctx context.Context, opts Options) (*Agent, error) {
	if !opts.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", opts.Role)
	}
	if strings.TrimSpace(opts.Name) == "" {
		return nil, errors.New("terminal name is required")
	}
	if opts.Store == nil || opts.Deliverer == nil {
		return nil, errors.New("store and deliverer are required")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.SettleDelay <= 0 {
		cfg.SettleDelay = def.SettleDelay
	}
	if cfg.BackupInterval <= 0 {
		cfg.BackupInterval = def.BackupInterval
	}
	if cfg.RolloverInterval <= 0 {
		cfg.RolloverInterval = def.RolloverInterval
	}

	l, err := ledger.Open(ctx, opts.Store.Primary(), time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to open dedup ledger: %w", err)
	}
	q, err := syncqueue.Open(ctx, syncqueue.Options{
		Backend:    opts.Store.Primary(),
		Deliverer:  opts.Deliverer,
		Ledger:     l,
		Store:      opts.Store,
		TerminalID: opts.Name,
		Operation:  opts.Role.RecordOperation(),
		Config:     cfg.Queue,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open sync queue: %w", err)
	}
	a := &Agent{
		role:      opts.Role,
		name:      opts.Name,
		store:     opts.Store,
		ledger:    l,
		queue:     q,
		deliverer: opts.Deliverer,
		link:      opts.Link,
		cfg:       cfg,
		now:       time.Now,
		log:       logrus.WithFields(logrus.Fields{"component": "terminal", "device": opts.Name, "role": opts.Role}),
	}
	a.log.WithFields(logrus.Fields{
		"pending":     q.Pending(),
		"deadLetters": len(q.DeadLetters()),
		"sentToday":   l.Len(),
	}).Info("Terminal state recovered")
	return a, nil
}

// Queue exposes the sync queue
func (a *Agent) Queue() *syncqueue.Queue {
	return a.queue
}

// Produce records a scan. The record is durable once Produce returns; delivery happens in the
// background. A local persistence failure is returned immediately.
func (a *Agent) Produce(ctx context.Context, subjectID, subjectName string, payload map[string]any) (model.Record, error) {
	if a.role.Observer() {
		return model.Record{}, fmt.Errorf("role %s does not produce records", a.role)
	}
	if subjectName == "" && subjectID != "" {
		if s, ok := a.store.Lookup(ctx, subjectID); ok {
			subjectName = s.Name
		}
	}
	rec := model.NewRecord(a.name, subjectID, subjectName, a.now())
	rec.Payload = payload
	rec.Offline = !a.deliverer.Connected()
	if err := rec.Validate(); err != nil {
		return model.Record{}, model.DeliveryRejected("produce", err)
	}

	if err := a.store.Append(ctx, rec); err != nil {
		return model.Record{}, err
	}
	if _, err := a.queue.Enqueue(ctx, a.role.RecordOperation(), rec); err != nil {
		return rec, fmt.Errorf("failed to enqueue record %s: %w", rec.ID, err)
	}
	a.log.WithFields(logrus.Fields{
		"record":  rec.ID,
		"subject": rec.SubjectID,
		"offline": rec.Offline,
	}).Debug("Record stored")
	if !rec.Offline {
		a.queue.Trigger()
	}
	return rec, nil
}

// AddStudent queues a new directory entry for the coordinator
func (a *Agent) AddStudent(ctx context.Context, s model.Student) (model.QueueItem, error) {
	item, err := a.queue.EnqueueStudent(ctx, s)
	if err != nil {
		return item, err
	}
	if a.deliverer.Connected() {
		a.queue.Trigger()
	}
	return item, nil
}

// Flush runs the reconciler now and reports progress after every batch
func (a *Agent) Flush(ctx context.Context, onProgress func(syncqueue.Progress)) syncqueue.Result {
	return a.queue.ManualFlush(ctx, onProgress)
}

// ForceResync re-sends every stored record regardless of the dedup ledger
func (a *Agent) ForceResync(ctx context.Context) (int, error) {
	return a.queue.ForceResync(ctx)
}

// RetryDeadLetters gives dead-lettered items a fresh retry budget
func (a *Agent) RetryDeadLetters(ctx context.Context) (int, error) {
	return a.queue.RetryDeadLetters(ctx)
}

// Reconnect restarts the reconnection schedule of the websocket link
func (a *Agent) Reconnect() {
	if a.link != nil {
		a.link.ManualReconnect()
	}
}

// Status reports the terminal state
func (a *Agent) Status(ctx context.Context) Status {
	st := Status{
		Role:             a.role,
		Name:             a.name,
		Connected:        a.deliverer.Connected(),
		State:            "http",
		Chunks:           a.store.ChunkCount(),
		DirectoryEntries: len(a.store.ReferenceDirectory(ctx)),
		SentToday:        a.ledger.Len(),
		Sync:             a.queue.Status(),
	}
	if a.link != nil {
		st.State = a.link.State().String()
		st.ReconnectionAttempts = a.link.ReconnectionAttempts()
	}
	a.mu.Lock()
	st.LastDirectoryUpdate = a.lastDirPush
	a.mu.Unlock()
	return st
}

// Run drives the terminal until ctx is done
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = a.queue.Run(ctx)
	}()
	var events <-chan transport.Event
	if a.link != nil {
		events = a.link.Events()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.link.Run(ctx)
		}()
	} else if a.deliverer.Connected() {
		a.queue.Trigger()
	}
	defer wg.Wait()

	backup := time.NewTicker(a.cfg.BackupInterval)
	defer backup.Stop()
	rollover := time.NewTicker(a.cfg.RolloverInterval)
	defer rollover.Stop()
	var settle *time.Timer
	var settleC <-chan time.Time
	stopSettle := func() {
		if settle != nil {
			settle.Stop()
			settle, settleC = nil, nil
		}
	}
	defer stopSettle()

	a.log.Info("Terminal agent started")
	for {
		select {
		case <-ctx.Done():
			a.backup(context.Background())
			a.log.Info("Terminal agent stopped")
			return ctx.Err()
		case ev := <-events:
			switch ev.Kind {
			case transport.EventConnected:
				stopSettle()
				settle = time.NewTimer(a.cfg.SettleDelay)
				settleC = settle.C
			case transport.EventDisconnected, transport.EventGaveUp:
				stopSettle()
			}
			a.handle(ctx, ev)
		case <-settleC:
			settle, settleC = nil, nil
			if a.queue.Pending() > 0 {
				a.log.WithField("pending", a.queue.Pending()).Info("Connection settled, reconciling queue")
				a.queue.Trigger()
			}
		case <-backup.C:
			a.backup(ctx)
		case <-rollover.C:
			if _, err := a.ledger.ResetForNewDay(ctx, a.now()); err != nil {
				a.log.WithError(err).Error("Failed to roll over dedup ledger")
			}
		}
	}
}

func (a *Agent) backup(ctx context.Context) {
	if err := a.store.Snapshot(ctx); err != nil {
		a.log.WithError(err).Warn("Backup snapshot failed")
	}
}

func (a *Agent) handle(ctx context.Context, ev transport.Event) {
	switch ev.Kind {
	case transport.EventConnected:
		a.log.Info("Connected to coordinator")
	case transport.EventDisconnected:
		a.log.WithError(ev.Err).Warn("Disconnected from coordinator, working offline")
	case transport.EventGaveUp:
		a.log.Error("Coordinator unreachable, reconnect manually")
	case transport.EventDirectoryUpdate:
		if ev.Directory == nil {
			return
		}
		if err := a.store.ReplaceReferenceDirectory(ctx, ev.Directory.Cache); err != nil {
			a.log.WithError(err).Error("Failed to store directory update")
			return
		}
		a.mu.Lock()
		a.lastDirPush = a.now()
		a.mu.Unlock()
		a.log.WithFields(logrus.Fields{
			"entries": len(ev.Directory.Cache),
			"reason":  ev.Directory.UpdateReason,
		}).Info("Directory updated")
	case transport.EventDeviceTimeout:
		if ev.Device != nil {
			a.log.WithFields(logrus.Fields{"peer": ev.Device.Name, "peerRole": ev.Device.Role}).Warn("Device timed out")
		}
	case transport.EventNetworkStatus:
		switch {
		case ev.Network != nil:
			a.log.WithFields(logrus.Fields{"online": ev.Network.NetworkStatus.Online, "devices": len(ev.Network.NetworkStatus.Devices)}).Info("Network status")
		case ev.Discovery != nil:
			a.log.WithField("devices", len(ev.Discovery.ConnectedDevices)).Debug("Device discovery")
		}
	case transport.EventRecordSynced:
		if ev.Synced != nil {
			a.log.WithFields(logrus.Fields{
				"record":   ev.Synced.RecordID,
				"terminal": ev.Synced.TerminalID,
				"dup":      ev.Synced.Duplicate,
			}).Debug("Record synced")
		}
	}
}
