package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/log"
	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/protocol"
)

// Notifier learns about everything the ingestor committed
type Notifier interface {
	RecordIngested(terminalID string, kind model.OperationKind, rec model.Record, duplicate bool)
	DirectoryChanged(reason string)
}

// Ingestor is the write path into the system of record
type Ingestor struct {
	repo     Repository
	notifier Notifier
	log      *logrus.Entry
	now      func() time.Time
}

// NewIngestor creates an ingestor on top of repo
func NewIngestor(repo Repository) *Ingestor {
	return &Ingestor{repo: repo, log: log.Component("ingest"), now: time.Now}
}

// SetNotifier registers the receiver of ingestion events
func (i *Ingestor) SetNotifier(n Notifier) {
	i.notifier = n
}

// Repository returns the underlying store
func (i *Ingestor) Repository() Repository {
	return i.repo
}

func normalizePolicy(p string) (string, error) {
	switch p {
	case "", protocol.PolicyLocalWins:
		return protocol.PolicyLocalWins, nil
	case protocol.PolicyServerWins:
		return protocol.PolicyServerWins, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", p)
}

func rejected(format string, args ...any) protocol.Result {
	return protocol.Result{Rejected: true, Error: fmt.Sprintf(format, args...)}
}

// decodeRecord validates a registration or validation payload
func decodeRecord(op protocol.Operation) (model.Record, error) {
	var rec model.Record
	if err := json.Unmarshal(op.Data, &rec); err != nil {
		return rec, fmt.Errorf("malformed record: %w", err)
	}
	if err := rec.Validate(); err != nil {
		return rec, err
	}
	if _, err := uuid.Parse(rec.ID); err != nil {
		return rec, fmt.Errorf("record id %q is not a uuid", rec.ID)
	}
	if rec.TerminalID == "" {
		rec.TerminalID = op.TerminalID
	}
	return rec, nil
}

// ApplyOperation ingests one operation
func (i *Ingestor) ApplyOperation(ctx context.Context, op protocol.Operation) protocol.Result {
	policy, err := normalizePolicy(op.Policy)
	if err != nil {
		return rejected("%v", err)
	}
	switch {
	case op.Kind.IsRecord():
		rec, err := decodeRecord(op)
		if err != nil {
			return rejected("%v", err)
		}
		return i.appendRecord(ctx, op, rec)
	case op.Kind == model.OpCreateStudent:
		var s model.Student
		if err := json.Unmarshal(op.Data, &s); err != nil {
			return rejected("malformed student: %v", err)
		}
		if err := s.Validate(); err != nil {
			return rejected("%v", err)
		}
		resolved, err := i.applyStudent(ctx, s, policy)
		if err != nil {
			return protocol.Result{Error: err.Error()}
		}
		i.directoryChanged("new_student")
		return protocol.Result{Success: true, Student: &resolved}
	}
	return rejected("unknown operation %q", op.Kind)
}

func (i *Ingestor) appendRecord(ctx context.Context, op protocol.Operation, rec model.Record) protocol.Result {
	inserted, err := i.repo.InsertRecord(ctx, op.Kind, rec)
	if err != nil {
		i.log.WithError(err).WithField("record", rec.ID).Error("Failed to ingest record")
		return protocol.Result{Error: err.Error(), RecordID: rec.ID}
	}
	i.recordIngested(op, rec, !inserted)
	return protocol.Result{Success: true, Duplicate: !inserted, RecordID: rec.ID}
}

// applyStudent resolves s against the central version and stores the outcome
func (i *Ingestor) applyStudent(ctx context.Context, s model.Student, policy string) (model.Student, error) {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	central, err := i.repo.GetStudent(ctx, s.ID)
	if err != nil {
		return model.Student{}, err
	}
	resolved := ResolveConflict(s, central, policy)
	if resolved.UpdatedAt.IsZero() {
		resolved.UpdatedAt = i.now()
	}
	if err := i.repo.UpsertStudent(ctx, resolved); err != nil {
		return model.Student{}, err
	}
	if central != nil {
		i.log.WithFields(logrus.Fields{
			"student": s.ID,
			"policy":  policy,
		}).Info("Resolved directory conflict")
	}
	return resolved, nil
}

type pendingRecord struct {
	idx int
	rec model.Record
}

// ApplyBulk ingests a batch. Results line up with ops by index.
func (i *Ingestor) ApplyBulk(ctx context.Context, ops []protocol.Operation) []protocol.Result {
	results := make([]protocol.Result, len(ops))

	var records []pendingRecord
	seen := make(map[string]int)
	for n, op := range ops {
		if !op.Kind.IsRecord() {
			continue
		}
		if _, err := normalizePolicy(op.Policy); err != nil {
			results[n] = rejected("%v", err)
			continue
		}
		rec, err := decodeRecord(op)
		if err != nil {
			results[n] = rejected("%v", err)
			continue
		}
		if _, dup := seen[rec.ID]; dup {
			results[n] = protocol.Result{Success: true, Duplicate: true, RecordID: rec.ID}
			continue
		}
		seen[rec.ID] = n
		records = append(records, pendingRecord{idx: n, rec: rec})
	}

	if len(records) > 0 {
		if err := i.copyNew(ctx, ops, records, results); err != nil {
			i.log.WithError(err).Warn("Bulk copy failed, ingesting records one by one")
			for _, p := range records {
				results[p.idx] = i.appendRecord(ctx, ops[p.idx], p.rec)
			}
		}
	}

	for n, op := range ops {
		if op.Kind.IsRecord() {
			continue
		}
		results[n] = i.ApplyOperation(ctx, op)
	}
	return results
}

// copyNew loads records that are not stored yet with COPY and fills their results
func (i *Ingestor) copyNew(ctx context.Context, ops []protocol.Operation, records []pendingRecord, results []protocol.Result) error {
	ids := make([]string, len(records))
	for n, p := range records {
		ids[n] = p.rec.ID
	}
	existing, err := i.repo.ExistingRecordIDs(ctx, ids)
	if err != nil {
		return err
	}

	byKind := make(map[model.OperationKind][]model.Record)
	for _, p := range records {
		if existing[p.rec.ID] {
			continue
		}
		kind := ops[p.idx].Kind
		byKind[kind] = append(byKind[kind], p.rec)
	}
	for _, kind := range []model.OperationKind{model.OpCreateRegistration, model.OpCreateValidation} {
		if len(byKind[kind]) == 0 {
			continue
		}
		if _, err := i.repo.CopyRecords(ctx, kind, byKind[kind]); err != nil {
			return err
		}
	}

	for _, p := range records {
		dup := existing[p.rec.ID]
		results[p.idx] = protocol.Result{Success: true, Duplicate: dup, RecordID: p.rec.ID}
		i.recordIngested(ops[p.idx], p.rec, dup)
	}
	i.log.WithFields(logrus.Fields{
		"records":    len(records),
		"duplicates": len(existing),
	}).Debug("Bulk ingested records")
	return nil
}

// ResolveConflicts applies a batch of terminal-side directory entries with one policy
func (i *Ingestor) ResolveConflicts(ctx context.Context, req protocol.ResolveRequest) ([]model.Student, error) {
	policy, err := normalizePolicy(req.Resolution)
	if err != nil {
		return nil, model.DeliveryRejected("resolve conflicts", err)
	}
	resolved := make([]model.Student, 0, len(req.Conflicts))
	for _, c := range req.Conflicts {
		local := c.LocalData
		if local.ID == "" {
			local.ID = c.ID
		}
		if err := local.Validate(); err != nil {
			return nil, model.DeliveryRejected("resolve conflicts", err)
		}
		central, err := i.repo.GetStudent(ctx, local.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load central student %s: %w", local.ID, err)
		}
		if central == nil {
			central = c.ServerData
		}
		s := ResolveConflict(local, central, policy)
		if s.UpdatedAt.IsZero() {
			s.UpdatedAt = i.now()
		}
		if err := i.repo.UpsertStudent(ctx, s); err != nil {
			return nil, fmt.Errorf("failed to store resolved student %s: %w", s.ID, err)
		}
		resolved = append(resolved, s)
	}
	if len(resolved) > 0 {
		i.log.WithFields(logrus.Fields{
			"device":   req.DeviceName,
			"count":    len(resolved),
			"strategy": policy,
		}).Info("Resolved directory conflicts")
		i.directoryChanged("conflict_resolution")
	}
	return resolved, nil
}

// ResolveConflict merges a terminal-side entry with the central one. The policy's side keeps
// every field it has; the other side only fills what the winner left empty.
func ResolveConflict(local model.Student, central *model.Student, policy string) model.Student {
	if central == nil {
		return local.Clone()
	}
	winner, loser := local.Clone(), central.Clone()
	if policy == protocol.PolicyServerWins {
		winner, loser = loser, winner
	}
	if winner.ID == "" {
		winner.ID = loser.ID
	}
	if winner.Name == "" {
		winner.Name = loser.Name
	}
	if winner.Group == "" {
		winner.Group = loser.Group
	}
	if winner.Email == "" {
		winner.Email = loser.Email
	}
	if winner.Phone == "" {
		winner.Phone = loser.Phone
	}
	if len(loser.Attributes) > 0 {
		merged := loser.Attributes
		for k, v := range winner.Attributes {
			merged[k] = v
		}
		winner.Attributes = merged
	}
	if winner.UpdatedAt.IsZero() {
		winner.UpdatedAt = loser.UpdatedAt
	}
	return winner
}

func (i *Ingestor) recordIngested(op protocol.Operation, rec model.Record, duplicate bool) {
	if i.notifier != nil {
		i.notifier.RecordIngested(rec.TerminalID, op.Kind, rec, duplicate)
	}
}

func (i *Ingestor) directoryChanged(reason string) {
	if i.notifier != nil {
		i.notifier.DirectoryChanged(reason)
	}
}
