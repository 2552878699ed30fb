package syncqueue

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/model"
)

// Progress describes a reconciliation run in flight
type Progress struct {
	Processed          int           `json:"processed"`
	Failed             int           `json:"failed"`
	Skipped            int           `json:"skipped"`
	Total              int           `json:"total"`
	Remaining          int           `json:"remaining"`
	EstimatedRemaining time.Duration `json:"estimatedRemaining"`
}

// Result is the outcome of ProcessQueue
type Result struct {
	Progress
	// Skipped is set when another run was already in flight; Progress.Skipped counts ledger hits.
	Skipped bool
	// Interrupted is set when the transport went away before the snapshot was drained
	Interrupted bool
}

var errMissingResult = errors.New("no result for item in batch response")

type outcome int

const (
	delivered outcome = iota
	alreadySent
	retried
	deadLettered
)

// ProcessQueue drains a snapshot of the queue. It never runs concurrently with itself.
func (q *Queue) ProcessQueue(ctx context.Context) Result {
	return q.process(ctx, nil)
}

// ManualFlush runs the reconciler and reports progress after every batch
func (q *Queue) ManualFlush(ctx context.Context, onProgress func(Progress)) Result {
	return q.process(ctx, onProgress)
}

func (q *Queue) process(ctx context.Context, onProgress func(Progress)) Result {
	if !q.running.CompareAndSwap(false, true) {
		q.log.Debug("Reconciliation already running")
		return Result{Skipped: true}
	}
	defer q.running.Store(false)

	q.mu.Lock()
	snapshot := q.itemsLocked()
	q.mu.Unlock()

	res := Result{Progress: Progress{Total: len(snapshot), Remaining: len(snapshot)}}
	if len(snapshot) == 0 {
		q.finish(ctx, res)
		return res
	}
	q.log.WithField("items", len(snapshot)).Info("Starting reconciliation")

	started := time.Now()
	for start := 0; start < len(snapshot); start += q.cfg.BatchSize {
		if ctx.Err() != nil || !q.deliverer.Connected() {
			res.Interrupted = true
			break
		}
		if start > 0 && q.cfg.BatchDelay > 0 {
			select {
			case <-ctx.Done():
				res.Interrupted = true
			case <-time.After(q.cfg.BatchDelay):
			}
			if res.Interrupted {
				break
			}
		}
		end := min(start+q.cfg.BatchSize, len(snapshot))
		b := newBatch()
		if !q.processBatch(ctx, snapshot[start:end], b, &res) {
			res.Interrupted = true
		}
		q.commit(ctx, b)

		res.EstimatedRemaining = estimate(time.Since(started), res.Total-res.Remaining, res.Remaining)
		q.mu.Lock()
		q.progress = res.Progress
		q.mu.Unlock()
		if onProgress != nil {
			onProgress(res.Progress)
		}
		if res.Interrupted {
			break
		}
	}
	q.finish(ctx, res)
	return res
}

func estimate(elapsed time.Duration, done, remaining int) time.Duration {
	if done == 0 {
		return 0
	}
	return elapsed / time.Duration(done) * time.Duration(remaining)
}

// batch collects the outcome of one batch so the ledger, the queue and the dead-letter list
// are each written once per batch
type batch struct {
	settled map[string]struct{}
	sent    []model.DedupKey
	sentSet map[model.DedupKey]struct{}
	requeue []model.QueueItem
	dead    []model.DeadLetter
}

func newBatch() *batch {
	return &batch{
		settled: make(map[string]struct{}),
		sentSet: make(map[model.DedupKey]struct{}),
	}
}

func (q *Queue) alreadySent(b *batch, item model.QueueItem) bool {
	key, ok := item.DedupKey()
	if !ok || item.Force {
		return false
	}
	if _, ok := b.sentSet[key]; ok {
		return true
	}
	return q.ledger.HasBeenSent(key)
}

// processBatch returns false when the transport dropped mid-batch
func (q *Queue) processBatch(ctx context.Context, items []model.QueueItem, b *batch, res *Result) bool {
	bulk, isBulk := q.deliverer.(BulkDeliverer)
	send := make([]model.QueueItem, 0, len(items))
	var held []model.QueueItem
	inBatch := make(map[model.DedupKey]struct{}, len(items))
	for _, item := range items {
		if q.alreadySent(b, item) {
			q.apply(item, alreadySent, nil, b, res)
			continue
		}
		if key, ok := item.DedupKey(); ok && !item.Force && isBulk {
			if _, dup := inBatch[key]; dup {
				held = append(held, item)
				continue
			}
			inBatch[key] = struct{}{}
		}
		send = append(send, item)
	}
	if len(send) == 0 {
		return true
	}

	if isBulk {
		errs := bulk.DeliverBatch(ctx, send)
		failed := make(map[model.DedupKey]error)
		for i, item := range send {
			var err error
			if i < len(errs) {
				err = errs[i]
			} else {
				err = model.TransportError("deliver batch", errMissingResult)
			}
			if key, ok := item.DedupKey(); ok && err != nil {
				failed[key] = err
			}
			q.settle(item, err, b, res)
		}
		// same-key items share the outcome of the one that was sent
		for _, item := range held {
			key, _ := item.DedupKey()
			if err, ok := failed[key]; ok && !q.alreadySent(b, item) {
				q.settle(item, err, b, res)
				continue
			}
			q.apply(item, alreadySent, nil, b, res)
		}
		return q.deliverer.Connected()
	}

	for _, item := range send {
		// an earlier item of this batch may have delivered the same key
		if q.alreadySent(b, item) {
			q.apply(item, alreadySent, nil, b, res)
			continue
		}
		if ctx.Err() != nil || !q.deliverer.Connected() {
			return false
		}
		q.settle(item, q.deliverer.Deliver(ctx, item), b, res)
	}
	return true
}

func (q *Queue) settle(item model.QueueItem, err error, b *batch, res *Result) {
	switch {
	case err == nil:
		q.apply(item, delivered, nil, b, res)
	case model.IsRejected(err):
		q.apply(item, deadLettered, err, b, res)
	default:
		item.RetryCount++
		item.LastError = err.Error()
		if item.Exhausted() {
			q.apply(item, deadLettered, model.RetryExhausted("deliver "+item.ID, err), b, res)
			return
		}
		q.apply(item, retried, err, b, res)
	}
}

func (q *Queue) apply(item model.QueueItem, o outcome, cause error, b *batch, res *Result) {
	b.settled[item.ID] = struct{}{}
	res.Remaining--

	q.mu.Lock()
	defer q.mu.Unlock()
	switch o {
	case delivered:
		res.Processed++
		q.status.Delivered++
		if key, ok := item.DedupKey(); ok {
			if _, dup := b.sentSet[key]; !dup {
				b.sentSet[key] = struct{}{}
				b.sent = append(b.sent, key)
			}
		}
	case alreadySent:
		res.Processed++
		res.Progress.Skipped++
		q.status.Skipped++
	case retried:
		res.Failed++
		q.status.Failed++
		b.requeue = append(b.requeue, item)
		q.log.WithError(cause).WithFields(logrus.Fields{"item": item.ID, "retry": item.RetryCount}).Warn("Delivery failed, item re-queued")
	case deadLettered:
		res.Failed++
		q.status.Failed++
		q.status.DeadLettered++
		item.LastError = cause.Error()
		b.dead = append(b.dead, model.DeadLetter{Item: item, Reason: cause.Error(), FailedAt: q.now()})
		q.log.WithError(cause).WithField("item", item.ID).Error("Item moved to dead-letter list")
	}
}

// commit persists a batch. The ledger goes first: a crash afterwards leaves items queued
// that the ledger already skips.
func (q *Queue) commit(ctx context.Context, b *batch) {
	if len(b.sent) > 0 {
		if err := q.ledger.MarkSent(ctx, b.sent...); err != nil {
			q.log.WithError(err).WithField("keys", len(b.sent)).Warn("Failed to mark items as sent")
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.removeLocked(ctx, b.settled); err != nil {
		q.log.WithError(err).Error("Failed to persist queue")
	}
	if err := q.pushLocked(ctx, b.requeue); err != nil {
		q.log.WithError(err).WithField("items", len(b.requeue)).Error("Failed to re-queue items")
	}
	if len(b.dead) > 0 {
		q.dead = append(q.dead, b.dead...)
		if err := q.save(ctx, deadLetterKey, q.dead); err != nil {
			q.log.WithError(err).Error("Failed to persist dead-letter list")
		}
	}
}

func (q *Queue) finish(ctx context.Context, res Result) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	q.status.LastRunAt = now
	if !res.Interrupted && res.Failed == 0 {
		q.status.LastSuccessfulSync = now
	}
	q.progress = res.Progress
	if err := q.save(ctx, statusKey, q.status); err != nil {
		q.log.WithError(err).Error("Failed to persist sync status")
	}
}
