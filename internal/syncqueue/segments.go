package syncqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cybertec-postgresql/scansync/internal/model"
)

// segment is a contiguous run of the queue persisted under one key
type segment struct {
	seq   int
	items []model.QueueItem
}

func segmentKey(seq int) string {
	return fmt.Sprintf("%s%010d", queueSegmentPrefix, seq)
}

func (q *Queue) loadSegments(ctx context.Context) error {
	keys, err := q.backend.Keys(ctx, queueSegmentPrefix)
	if err != nil {
		return fmt.Errorf("failed to list queue segments: %w", err)
	}
	for _, k := range keys {
		seq, err := strconv.Atoi(strings.TrimPrefix(k, queueSegmentPrefix))
		if err != nil {
			continue
		}
		var items []model.QueueItem
		if err := load(ctx, q.backend, k, &items); err != nil {
			return err
		}
		if seq >= q.nextSeq {
			q.nextSeq = seq + 1
		}
		if len(items) == 0 {
			continue
		}
		q.segs = append(q.segs, &segment{seq: seq, items: items})
		q.pending += len(items)
	}
	sort.Slice(q.segs, func(i, j int) bool { return q.segs[i].seq < q.segs[j].seq })
	return nil
}

func (q *Queue) itemsLocked() []model.QueueItem {
	out := make([]model.QueueItem, 0, q.pending)
	for _, s := range q.segs {
		out = append(out, s.items...)
	}
	return out
}

func (q *Queue) writeSegment(ctx context.Context, s *segment) error {
	if len(s.items) == 0 {
		return q.backend.Delete(ctx, segmentKey(s.seq))
	}
	return q.save(ctx, segmentKey(s.seq), s.items)
}

// pushLocked appends items to the tail segment, opening new segments as they fill up.
// Only the segments that changed are written.
func (q *Queue) pushLocked(ctx context.Context, items []model.QueueItem) error {
	if len(items) == 0 {
		return nil
	}
	segs := len(q.segs)
	var (
		touched []*segment
		before  = map[*segment][]model.QueueItem{}
	)
	for _, it := range items {
		var tail *segment
		if n := len(q.segs); n > 0 && len(q.segs[n-1].items) < segmentCapacity {
			tail = q.segs[n-1]
		} else {
			tail = &segment{seq: q.nextSeq}
			q.nextSeq++
			q.segs = append(q.segs, tail)
		}
		if _, ok := before[tail]; !ok {
			before[tail] = tail.items
			touched = append(touched, tail)
		}
		tail.items = append(tail.items, it)
	}

	for i, s := range touched {
		err := q.writeSegment(ctx, s)
		if err == nil {
			continue
		}
		for _, t := range touched {
			t.items = before[t]
		}
		// best effort: undo the segments already written
		for _, t := range touched[:i] {
			if uerr := q.writeSegment(ctx, t); uerr != nil {
				q.log.WithError(uerr).WithField("segment", t.seq).Error("Failed to roll back queue segment")
			}
		}
		q.segs = q.segs[:segs]
		return model.PersistenceFailure("enqueue", err)
	}
	q.pending += len(items)
	return nil
}

// removeLocked drops the first occurrence of every id in settled. Settled items sit at the
// head of the queue, so the scan stops after the segments holding them.
func (q *Queue) removeLocked(ctx context.Context, settled map[string]struct{}) error {
	if len(settled) == 0 {
		return nil
	}
	left := make(map[string]struct{}, len(settled))
	for id := range settled {
		left[id] = struct{}{}
	}
	var touched []*segment
	for _, s := range q.segs {
		if len(left) == 0 {
			break
		}
		kept := s.items[:0:0]
		removed := 0
		for _, it := range s.items {
			if _, ok := left[it.ID]; ok {
				delete(left, it.ID)
				removed++
				continue
			}
			kept = append(kept, it)
		}
		if removed > 0 {
			s.items = kept
			q.pending -= removed
			touched = append(touched, s)
		}
	}

	var errs []error
	for _, s := range touched {
		if err := q.writeSegment(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("segment %d: %w", s.seq, err))
		}
	}
	live := q.segs[:0]
	for _, s := range q.segs {
		if len(s.items) > 0 {
			live = append(live, s)
		}
	}
	clear(q.segs[len(live):])
	q.segs = live
	return errors.Join(errs...)
}
