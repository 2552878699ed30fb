package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/model"
)

const (
	// DefaultChunkCapacity is the number of records per chunk
	DefaultChunkCapacity = 1000
	directoryKey         = "directory"
)

// DurableStore is what producers and the reconciler depend on
type DurableStore interface {
	Append(ctx context.Context, rec model.Record) error
	LoadAll(ctx context.Context) ([]model.Record, error)
	ReplaceReferenceDirectory(ctx context.Context, entries []model.Student) error
}

// Options configures a ChunkedStore
type Options struct {
	Namespace string
	Capacity  int
	Primary   Backend
	// Emergency receives single records when the primary write fails
	Emergency Backend
	// Backups receive the primary keys changed since the previous Snapshot
	Backups []Backend
}

// ChunkedStore appends records into fixed-size chunks on a primary backend
type ChunkedStore struct {
	mu        sync.Mutex
	snapMu    sync.Mutex
	ns        string
	capacity  int
	primary   *trackedBackend
	emergency Backend
	backups   []Backend

	cursor    int
	tail      []model.Record
	chunks    int
	directory map[string]model.Student
	dirOrder  []string
	log       *logrus.Entry
}

// Open creates the store and recovers its state from the primary backend
func Open(ctx context.Context, opts Options) (*ChunkedStore, error) {
	if opts.Primary == nil {
		return nil, errors.New("primary backend is required")
	}
	if opts.Namespace == "" {
		opts.Namespace = "records"
	}
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultChunkCapacity
	}
	s := &ChunkedStore{
		ns:        opts.Namespace,
		capacity:  opts.Capacity,
		primary:   newTrackedBackend(opts.Primary),
		emergency: opts.Emergency,
		backups:   opts.Backups,
		log:       logrus.WithFields(logrus.Fields{"component": "localstore", "namespace": opts.Namespace}),
	}
	if _, err := s.LoadAll(ctx); err != nil {
		return nil, err
	}
	// the first snapshot brings every backup up to date
	if keys, err := opts.Primary.Keys(ctx, ""); err == nil {
		s.primary.mark(keys...)
	} else {
		s.log.WithError(err).Warn("Failed to list primary keys, first snapshot copies changes only")
	}
	if err := s.loadDirectory(ctx); err != nil {
		s.log.WithError(err).Warn("Reference directory unreadable, starting empty")
	}
	return s, nil
}

func (s *ChunkedStore) chunkPrefix() string     { return s.ns + ":chunk:" }
func (s *ChunkedStore) chunkKey(i int) string   { return s.chunkPrefix() + strconv.Itoa(i) }
func (s *ChunkedStore) cursorKey() string       { return s.ns + ":cursor" }
func (s *ChunkedStore) emergencyPrefix() string { return s.ns + ":emergency:" }

// Namespace returns the record namespace
func (s *ChunkedStore) Namespace() string {
	return s.ns
}

// Primary exposes the primary backend so the ledger and queue share it. Writes through it
// are picked up by the next Snapshot.
func (s *ChunkedStore) Primary() Backend {
	return s.primary
}

// ChunkCount returns the number of chunks holding records
func (s *ChunkedStore) ChunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chunks
}

// Append adds rec to the writable chunk, falling back to the emergency backend
func (s *ChunkedStore) Append(ctx context.Context, rec model.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.appendPrimary(ctx, rec)
	if err == nil {
		return nil
	}
	s.log.WithError(err).WithField("record", rec.ID).Warn("Primary write failed, using emergency storage")
	if s.emergency == nil {
		return model.PersistenceFailure("append", err)
	}
	data, merr := json.Marshal(rec)
	if merr != nil {
		return model.PersistenceFailure("append", merr)
	}
	if eerr := s.emergency.Put(ctx, s.emergencyPrefix()+rec.ID, data); eerr != nil {
		return model.PersistenceFailure("append", errors.Join(err, eerr))
	}
	return nil
}

func (s *ChunkedStore) appendPrimary(ctx context.Context, rec model.Record) error {
	cursor := s.cursor
	next := make([]model.Record, 0, len(s.tail)+1)
	next = append(next, s.tail...)
	if len(s.tail) >= s.capacity {
		cursor++
		next = next[:0]
	}
	next = append(next, rec)

	data, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("failed to encode chunk: %w", err)
	}
	if err := s.primary.Put(ctx, s.chunkKey(cursor), data); err != nil {
		return err
	}
	if cursor != s.cursor {
		if err := s.primary.Put(ctx, s.cursorKey(), []byte(strconv.Itoa(cursor))); err != nil {
			// chunk keys are scanned on load, the cursor is only a hint
			s.log.WithError(err).Warn("Failed to advance cursor")
		}
	}
	s.cursor = cursor
	s.tail = next
	s.chunks = cursor + 1
	return nil
}

// LoadAll returns every record in append order. Chunks that are unreadable or missing are
// restored one by one from the backups first, and records parked in emergency storage are
// moved back into the primary.
func (s *ChunkedStore) LoadAll(ctx context.Context) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, corrupt, err := readChunks(ctx, s.primary, s.chunkPrefix())
	if err != nil {
		return nil, model.PersistenceFailure("load", err)
	}
	missing := gaps(chunks, corrupt)
	if len(corrupt) > 0 || len(missing) > 0 {
		s.log.WithFields(logrus.Fields{"corrupt": corrupt, "missing": missing}).Error("Primary chunks damaged, restoring from backup")
		restored, err := s.repairLocked(ctx, corrupt, missing)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, restored...)
		sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
	}
	s.resetTail(chunks)

	records := flatten(chunks)
	merged, err := s.mergeEmergencyLocked(ctx, records)
	if err != nil {
		s.log.WithError(err).Warn("Emergency merge incomplete")
	}
	return append(records, merged...), nil
}

type chunk struct {
	index   int
	records []model.Record
}

// readChunks decodes every chunk under prefix. Chunks that cannot be read or decoded are
// reported by index instead of failing the whole read.
func readChunks(ctx context.Context, b Backend, prefix string) (chunks []chunk, corrupt []int, err error) {
	keys, err := b.Keys(ctx, prefix)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list chunks: %w", err)
	}
	chunks = make([]chunk, 0, len(keys))
	for _, k := range keys {
		idx, err := strconv.Atoi(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		recs, err := readChunk(ctx, b, k)
		if err != nil {
			logrus.WithError(err).WithField("chunk", k).Warn("Chunk unreadable")
			corrupt = append(corrupt, idx)
			continue
		}
		chunks = append(chunks, chunk{index: idx, records: recs})
	}
	sort.Slice(chunks, func(i, j int) bool { return chunks[i].index < chunks[j].index })
	sort.Ints(corrupt)
	return chunks, corrupt, nil
}

func readChunk(ctx context.Context, b Backend, key string) ([]model.Record, error) {
	data, err := b.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk %s: %w", key, err)
	}
	return decodeChunk(key, data)
}

func decodeChunk(key string, data []byte) ([]model.Record, error) {
	var recs []model.Record
	if err := json.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("failed to decode chunk %s: %w", key, err)
	}
	return recs, nil
}

// gaps lists chunk indexes below the highest known one that the primary does not hold
func gaps(chunks []chunk, corrupt []int) []int {
	have := make(map[int]struct{}, len(chunks)+len(corrupt))
	highest := -1
	for _, c := range chunks {
		have[c.index] = struct{}{}
		highest = max(highest, c.index)
	}
	for _, i := range corrupt {
		have[i] = struct{}{}
		highest = max(highest, i)
	}
	var out []int
	for i := 0; i < highest; i++ {
		if _, ok := have[i]; !ok {
			out = append(out, i)
		}
	}
	return out
}

func flatten(chunks []chunk) []model.Record {
	n := 0
	for _, c := range chunks {
		n += len(c.records)
	}
	out := make([]model.Record, 0, n)
	for _, c := range chunks {
		out = append(out, c.records...)
	}
	return out
}

func (s *ChunkedStore) resetTail(chunks []chunk) {
	if len(chunks) == 0 {
		s.cursor, s.tail, s.chunks = 0, nil, 0
		return
	}
	last := chunks[len(chunks)-1]
	s.cursor = last.index
	s.tail = last.records
	s.chunks = last.index + 1
}

// repairLocked restores the listed chunks and leaves every intact primary chunk alone.
// A corrupt chunk without a usable backup copy fails the load; a missing one is only logged.
func (s *ChunkedStore) repairLocked(ctx context.Context, corrupt, missing []int) ([]chunk, error) {
	restored := make([]chunk, 0, len(corrupt)+len(missing))
	var errs []error
	for _, idx := range corrupt {
		c, err := s.restoreChunkLocked(ctx, idx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		restored = append(restored, c)
	}
	if len(errs) > 0 {
		return nil, model.PersistenceFailure("restore", errors.Join(errs...))
	}
	for _, idx := range missing {
		c, err := s.restoreChunkLocked(ctx, idx)
		if err != nil {
			s.log.WithError(err).WithField("chunk", idx).Error("Missing chunk has no backup copy")
			continue
		}
		restored = append(restored, c)
	}
	return restored, nil
}

// restoreChunkLocked copies chunk idx back from the first backup whose copy decodes
func (s *ChunkedStore) restoreChunkLocked(ctx context.Context, idx int) (chunk, error) {
	key := s.chunkKey(idx)
	var errs []error
	for i, b := range s.backups {
		data, err := b.Get(ctx, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup %d: %w", i, err))
			continue
		}
		recs, err := decodeChunk(key, data)
		if err != nil {
			errs = append(errs, fmt.Errorf("backup %d: %w", i, err))
			continue
		}
		if err := s.primary.Put(ctx, key, data); err != nil {
			return chunk{}, fmt.Errorf("failed to restore chunk %s: %w", key, err)
		}
		s.log.WithFields(logrus.Fields{"backup": i, "chunk": idx, "records": len(recs)}).Warn("Chunk restored from backup")
		return chunk{index: idx, records: recs}, nil
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no backups configured"))
	}
	return chunk{}, fmt.Errorf("chunk %s: %w", key, errors.Join(errs...))
}

func (s *ChunkedStore) mergeEmergencyLocked(ctx context.Context, have []model.Record) ([]model.Record, error) {
	if s.emergency == nil {
		return nil, nil
	}
	keys, err := s.emergency.Keys(ctx, s.emergencyPrefix())
	if err != nil || len(keys) == 0 {
		return nil, err
	}
	seen := make(map[string]struct{}, len(have))
	for _, r := range have {
		seen[r.ID] = struct{}{}
	}
	merged := make([]model.Record, 0, len(keys))
	for _, k := range keys {
		data, err := s.emergency.Get(ctx, k)
		if err != nil {
			return merged, err
		}
		var rec model.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			s.log.WithError(err).WithField("key", k).Error("Dropping undecodable emergency entry")
			_ = s.emergency.Delete(ctx, k)
			continue
		}
		if _, dup := seen[rec.ID]; !dup {
			if err := s.appendPrimary(ctx, rec); err != nil {
				return merged, err
			}
			merged = append(merged, rec)
			seen[rec.ID] = struct{}{}
		}
		if err := s.emergency.Delete(ctx, k); err != nil {
			return merged, err
		}
	}
	if len(merged) > 0 {
		s.log.WithField("records", len(merged)).Info("Merged emergency records into primary storage")
	}
	return merged, nil
}

// Snapshot copies the primary keys changed since the previous snapshot into every backup.
// A value that does not decode is not copied, so the backups keep their last good version.
// Appends are not blocked while backups are written.
func (s *ChunkedStore) Snapshot(ctx context.Context) error {
	if len(s.backups) == 0 {
		return nil
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	var (
		errs  []error
		again []string
	)
	keys := s.primary.take()
	for _, k := range keys {
		data, err := s.primary.Get(ctx, k)
		if errors.Is(err, ErrNotFound) {
			for i, b := range s.backups {
				if err := b.Delete(ctx, k); err != nil {
					errs = append(errs, fmt.Errorf("backup %d: %w", i, err))
					again = append(again, k)
				}
			}
			continue
		}
		if err != nil {
			errs = append(errs, err)
			again = append(again, k)
			continue
		}
		if err := s.checkValue(k, data); err != nil {
			s.log.WithError(err).WithField("key", k).Error("Primary value is corrupt, backups keep their previous copy")
			errs = append(errs, model.PersistenceFailure("snapshot", err))
			continue
		}
		for i, b := range s.backups {
			if err := b.Put(ctx, k, data); err != nil {
				errs = append(errs, fmt.Errorf("backup %d: %w", i, err))
				again = append(again, k)
			}
		}
	}
	s.primary.mark(again...)
	if len(keys) > 0 {
		s.log.WithFields(logrus.Fields{"keys": len(keys), "failed": len(errs)}).Debug("Snapshot written")
	}
	return errors.Join(errs...)
}

// checkValue rejects values a restore could not use. Everything in the primary is JSON.
func (s *ChunkedStore) checkValue(key string, data []byte) error {
	if strings.HasPrefix(key, s.chunkPrefix()) {
		_, err := decodeChunk(key, data)
		return err
	}
	if !json.Valid(data) {
		return fmt.Errorf("value of %s is not valid JSON", key)
	}
	return nil
}

// ReplaceReferenceDirectory overwrites the local directory mirror
func (s *ChunkedStore) ReplaceReferenceDirectory(ctx context.Context, entries []model.Student) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode directory: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.primary.Put(ctx, directoryKey, data); err != nil {
		return model.PersistenceFailure("replace directory", err)
	}
	s.setDirectory(entries)
	return nil
}

func (s *ChunkedStore) loadDirectory(ctx context.Context) error {
	data, err := s.primary.Get(ctx, directoryKey)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var entries []model.Student
	if err := json.Unmarshal(data, &entries); err != nil {
		return err
	}
	s.mu.Lock()
	s.setDirectory(entries)
	s.mu.Unlock()
	return nil
}

func (s *ChunkedStore) setDirectory(entries []model.Student) {
	s.directory = make(map[string]model.Student, len(entries))
	s.dirOrder = make([]string, 0, len(entries))
	for _, e := range entries {
		if _, ok := s.directory[e.ID]; !ok {
			s.dirOrder = append(s.dirOrder, e.ID)
		}
		s.directory[e.ID] = e.Clone()
	}
}

// ReferenceDirectory returns the mirrored directory
func (s *ChunkedStore) ReferenceDirectory(_ context.Context) []model.Student {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Student, 0, len(s.dirOrder))
	for _, id := range s.dirOrder {
		out = append(out, s.directory[id].Clone())
	}
	return out
}

// Lookup finds a directory entry by id
func (s *ChunkedStore) Lookup(_ context.Context, subjectID string) (model.Student, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.directory[subjectID]
	if !ok {
		return model.Student{}, false
	}
	return st.Clone(), true
}
