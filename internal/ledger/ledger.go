// Package ledger remembers which dedup keys were delivered today.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/localstore"
	"github.com/cybertec-postgresql/scansync/internal/model"
)

const (
	segmentPrefix  = "dedup:seg:"
	lastClearedKey = "dedup:last_cleared"
	// compactAfter bounds the number of segments read on Open
	compactAfter = 256
)

// Ledger is the persisted set of dedup keys sent since the last daily reset.
// Every MarkSent call appends one segment; segments are merged once compactAfter is reached.
type Ledger struct {
	mu          sync.Mutex
	backend     localstore.Backend
	sent        map[model.DedupKey]struct{}
	segments    []string
	nextSeg     int
	lastCleared string
	location    *time.Location
	log         *logrus.Entry
}

// Open loads the ledger and applies the daily rollover for now
func Open(ctx context.Context, backend localstore.Backend, now time.Time) (*Ledger, error) {
	l := &Ledger{
		backend:  backend,
		sent:     make(map[model.DedupKey]struct{}),
		location: now.Location(),
		log:      logrus.WithField("component", "ledger"),
	}
	keys, err := backend.Keys(ctx, segmentPrefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list ledger segments: %w", err)
	}
	for _, k := range keys {
		if n, err := strconv.Atoi(strings.TrimPrefix(k, segmentPrefix)); err == nil && n >= l.nextSeg {
			l.nextSeg = n + 1
		}
		l.segments = append(l.segments, k)
		data, err := backend.Get(ctx, k)
		if err != nil {
			return nil, fmt.Errorf("failed to read ledger segment %s: %w", k, err)
		}
		var seg []model.DedupKey
		if err := json.Unmarshal(data, &seg); err != nil {
			// an unreadable segment only risks duplicates the coordinator absorbs by record id
			l.log.WithError(err).WithField("segment", k).Warn("Dedup ledger segment unreadable, skipping")
			continue
		}
		for _, key := range seg {
			l.sent[key] = struct{}{}
		}
	}
	if data, err := backend.Get(ctx, lastClearedKey); err == nil {
		if err := json.Unmarshal(data, &l.lastCleared); err != nil {
			l.lastCleared = string(data)
		}
	} else if !errors.Is(err, localstore.ErrNotFound) {
		return nil, fmt.Errorf("failed to read ledger reset date: %w", err)
	}
	if _, err := l.ResetForNewDay(ctx, now); err != nil {
		return nil, err
	}
	return l, nil
}

func segmentKey(n int) string {
	return fmt.Sprintf("%s%010d", segmentPrefix, n)
}

// HasBeenSent reports whether key was delivered since the last reset
func (l *Ledger) HasBeenSent(key model.DedupKey) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.sent[key]
	return ok
}

// MarkSent records successful deliveries. Keys already present are ignored; the rest are
// persisted in a single write.
func (l *Ledger) MarkSent(ctx context.Context, keys ...model.DedupKey) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	fresh := make([]model.DedupKey, 0, len(keys))
	seen := make(map[model.DedupKey]struct{}, len(keys))
	for _, k := range keys {
		if _, ok := l.sent[k]; ok {
			continue
		}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		fresh = append(fresh, k)
	}
	if len(fresh) == 0 {
		return nil
	}
	if err := l.appendSegmentLocked(ctx, fresh); err != nil {
		return err
	}
	for _, k := range fresh {
		l.sent[k] = struct{}{}
	}
	if len(l.segments) >= compactAfter {
		if err := l.compactLocked(ctx); err != nil {
			// the segments written so far stay valid
			l.log.WithError(err).Warn("Failed to compact dedup ledger")
		}
	}
	return nil
}

func (l *Ledger) appendSegmentLocked(ctx context.Context, keys []model.DedupKey) error {
	data, err := json.Marshal(keys)
	if err != nil {
		return fmt.Errorf("failed to encode ledger segment: %w", err)
	}
	k := segmentKey(l.nextSeg)
	if err := l.backend.Put(ctx, k, data); err != nil {
		return model.PersistenceFailure("ledger", err)
	}
	l.nextSeg++
	l.segments = append(l.segments, k)
	return nil
}

// compactLocked rewrites the whole set as one segment and drops the old ones. The merged
// segment is written first so a crash in between only leaves duplicates behind.
func (l *Ledger) compactLocked(ctx context.Context) error {
	old := l.segments
	l.segments = nil
	all := make([]model.DedupKey, 0, len(l.sent))
	for k := range l.sent {
		all = append(all, k)
	}
	if err := l.appendSegmentLocked(ctx, all); err != nil {
		l.segments = old
		return err
	}
	for i, k := range old {
		if err := l.backend.Delete(ctx, k); err != nil {
			l.segments = append(l.segments, old[i:]...)
			return fmt.Errorf("failed to delete ledger segment %s: %w", k, err)
		}
	}
	l.log.WithFields(logrus.Fields{"segments": len(old), "keys": len(all)}).Debug("Dedup ledger compacted")
	return nil
}

// ResetForNewDay clears the ledger when the local date of now differs from the last reset.
// It reports whether a reset happened.
func (l *Ledger) ResetForNewDay(ctx context.Context, now time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	today := now.In(l.location).Format(model.DateLayout)
	if today == l.lastCleared {
		return false, nil
	}
	for i, k := range l.segments {
		if err := l.backend.Delete(ctx, k); err != nil {
			l.segments = l.segments[i:]
			return false, model.PersistenceFailure("ledger reset", err)
		}
	}
	dropped := len(l.sent)
	l.segments = nil
	l.sent = make(map[model.DedupKey]struct{})
	data, err := json.Marshal(today)
	if err != nil {
		return false, fmt.Errorf("failed to encode ledger reset date: %w", err)
	}
	if err := l.backend.Put(ctx, lastClearedKey, data); err != nil {
		return false, fmt.Errorf("failed to persist ledger reset date: %w", err)
	}
	l.log.WithFields(logrus.Fields{"previous": l.lastCleared, "today": today, "dropped": dropped}).
		Info("Dedup ledger reset for new day")
	l.lastCleared = today
	return true, nil
}

// Len returns the number of keys sent since the last reset
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.sent)
}
