// Package syncqueue holds pending deliveries and reconciles them with the coordinator.
package syncqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/localstore"
	"github.com/cybertec-postgresql/scansync/internal/model"
)

const (
	queueSegmentPrefix = "sync:queue:"
	deadLetterKey      = "sync:deadletter"
	statusKey          = "sync:status"
	// segmentCapacity bounds the bytes rewritten by one Enqueue
	segmentCapacity = 256
)

// Deliverer ships one item to the coordinator and waits for its acknowledgment
type Deliverer interface {
	Deliver(ctx context.Context, item model.QueueItem) error
	Connected() bool
}

// BulkDeliverer ships a batch in one call. The returned slice is aligned with items.
type BulkDeliverer interface {
	DeliverBatch(ctx context.Context, items []model.QueueItem) []error
}

// Ledger is the dedup ledger as seen by the reconciler
type Ledger interface {
	HasBeenSent(key model.DedupKey) bool
	MarkSent(ctx context.Context, keys ...model.DedupKey) error
}

// Config tunes batching and retries
type Config struct {
	BatchSize        int
	BatchDelay       time.Duration
	MaxRetries       int
	PeriodicInterval time.Duration
}

// DefaultConfig returns the production defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:        100,
		BatchDelay:       250 * time.Millisecond,
		MaxRetries:       3,
		PeriodicInterval: 2 * time.Minute,
	}
}

// Options wires a Queue
type Options struct {
	Backend    localstore.Backend
	Deliverer  Deliverer
	Ledger     Ledger
	Store      localstore.DurableStore
	TerminalID string
	// Operation is used for records re-enqueued by ForceResync
	Operation model.OperationKind
	Config    Config
}

// Queue is the persisted, ordered list of pending operations
type Queue struct {
	mu       sync.Mutex
	backend  localstore.Backend
	segs     []*segment
	pending  int
	nextSeq  int
	dead     []model.DeadLetter
	status   model.SyncStatus
	progress Progress

	running   atomic.Bool
	trigger   chan struct{}
	deliverer Deliverer
	ledger    Ledger
	store     localstore.DurableStore

	terminalID string
	operation  model.OperationKind
	cfg        Config
	now        func() time.Time
	log        *logrus.Entry
}

// Open loads the persisted queue, dead letters and status
func Open(ctx context.Context, opts Options) (*Queue, error) {
	if opts.Backend == nil || opts.Deliverer == nil || opts.Ledger == nil {
		return nil, errors.New("backend, deliverer and ledger are required")
	}
	cfg := opts.Config
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.PeriodicInterval <= 0 {
		cfg.PeriodicInterval = def.PeriodicInterval
	}
	if opts.Operation == "" {
		opts.Operation = model.OpCreateRegistration
	}
	q := &Queue{
		backend:    opts.Backend,
		trigger:    make(chan struct{}, 1),
		deliverer:  opts.Deliverer,
		ledger:     opts.Ledger,
		store:      opts.Store,
		terminalID: opts.TerminalID,
		operation:  opts.Operation,
		cfg:        cfg,
		now:        time.Now,
		log:        logrus.WithFields(logrus.Fields{"component": "syncqueue", "terminal": opts.TerminalID}),
	}
	if err := q.loadSegments(ctx); err != nil {
		return nil, err
	}
	if err := load(ctx, q.backend, deadLetterKey, &q.dead); err != nil {
		return nil, err
	}
	if err := load(ctx, q.backend, statusKey, &q.status); err != nil {
		return nil, err
	}
	return q, nil
}

func load(ctx context.Context, b localstore.Backend, key string, v any) error {
	data, err := b.Get(ctx, key)
	if errors.Is(err, localstore.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return nil
}

func (q *Queue) save(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	if err := q.backend.Put(ctx, key, data); err != nil {
		return model.PersistenceFailure("save "+key, err)
	}
	return nil
}

// Enqueue persists a record delivery. The item is durable once Enqueue returns.
func (q *Queue) Enqueue(ctx context.Context, op model.OperationKind, rec model.Record) (model.QueueItem, error) {
	if !op.IsRecord() {
		return model.QueueItem{}, fmt.Errorf("operation %q does not carry a record", op)
	}
	item := model.NewQueueItem(op, rec, q.terminalID, q.cfg.MaxRetries, q.now())
	return item, q.push(ctx, item)
}

// EnqueueStudent persists a directory mutation for delivery
func (q *Queue) EnqueueStudent(ctx context.Context, s model.Student) (model.QueueItem, error) {
	if err := s.Validate(); err != nil {
		return model.QueueItem{}, err
	}
	item := model.NewStudentItem(s, q.terminalID, q.cfg.MaxRetries, q.now())
	return item, q.push(ctx, item)
}

func (q *Queue) push(ctx context.Context, items ...model.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pushLocked(ctx, items)
}

// Pending returns the number of queued items
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending
}

// Items returns a copy of the queue in delivery order
func (q *Queue) Items() []model.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.itemsLocked()
}

// DeadLetters returns items that will no longer be delivered automatically
func (q *Queue) DeadLetters() []model.DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.DeadLetter(nil), q.dead...)
}

// RetryDeadLetters moves every dead letter back into the queue with a fresh retry budget
func (q *Queue) RetryDeadLetters(ctx context.Context) (int, error) {
	q.mu.Lock()
	if len(q.dead) == 0 {
		q.mu.Unlock()
		return 0, nil
	}
	revived := make([]model.QueueItem, 0, len(q.dead))
	for _, d := range q.dead {
		item := d.Item
		item.RetryCount = 0
		item.LastError = ""
		revived = append(revived, item)
	}
	if err := q.pushLocked(ctx, revived); err != nil {
		q.mu.Unlock()
		return 0, err
	}
	// revived items are queued already, keeping the list would deliver them twice
	q.dead = nil
	if err := q.save(ctx, deadLetterKey, q.dead); err != nil {
		q.log.WithError(err).Error("Failed to persist emptied dead-letter list")
	}
	q.mu.Unlock()

	q.log.WithField("items", len(revived)).Info("Dead letters re-queued")
	q.Trigger()
	return len(revived), nil
}

// ForceResync re-enqueues every stored record, bypassing the dedup ledger
func (q *Queue) ForceResync(ctx context.Context) (int, error) {
	if q.store == nil {
		return 0, errors.New("no durable store configured")
	}
	recs, err := q.store.LoadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load records: %w", err)
	}
	now := q.now()
	items := make([]model.QueueItem, 0, len(recs))
	for _, r := range recs {
		item := model.NewQueueItem(q.operation, r, q.terminalID, q.cfg.MaxRetries, now)
		item.Force = true
		items = append(items, item)
	}
	if err := q.push(ctx, items...); err != nil {
		return 0, err
	}
	q.log.WithField("records", len(items)).Warn("Forced resync bypasses the dedup ledger and may create duplicates centrally")
	q.Trigger()
	return len(items), nil
}

// StatusReport is the caller-visible sync state
type StatusReport struct {
	model.SyncStatus
	Pending     int      `json:"pending"`
	DeadLetters int      `json:"deadLetters"`
	Running     bool     `json:"running"`
	Progress    Progress `json:"progress"`
}

// Status returns the persisted summary together with live counters
func (q *Queue) Status() StatusReport {
	q.mu.Lock()
	defer q.mu.Unlock()
	return StatusReport{
		SyncStatus:  q.status,
		Pending:     q.pending,
		DeadLetters: len(q.dead),
		Running:     q.running.Load(),
		Progress:    q.progress,
	}
}

// Trigger requests a reconciliation run. Calls coalesce while one is pending.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

// Run processes the queue on triggers and on the periodic interval until ctx is done
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.cfg.PeriodicInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.trigger:
		case <-ticker.C:
			if q.Pending() == 0 || !q.deliverer.Connected() {
				continue
			}
		}
		res := q.ProcessQueue(ctx)
		if res.Total > 0 {
			q.log.WithFields(logrus.Fields{
				"processed":   res.Processed,
				"failed":      res.Failed,
				"skipped":     res.Progress.Skipped,
				"remaining":   res.Remaining,
				"interrupted": res.Interrupted,
			}).Info("Reconciliation finished")
		}
	}
}
