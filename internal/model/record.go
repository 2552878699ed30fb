// Package model holds the data shapes shared by terminals and the coordinator.
package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the calendar date format used by dedup keys and the ledger rollover
const DateLayout = "2006-01-02"

// Role identifies what a terminal does
type Role string

const (
	RoleEntry Role = "entry-producer"
	RoleExit  Role = "exit-validator"
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles
func (r Role) Valid() bool {
	switch r {
	case RoleEntry, RoleExit, RoleAdmin:
		return true
	}
	return false
}

// Observer reports whether the role only watches the system without producing records
func (r Role) Observer() bool {
	return r == RoleAdmin
}

// Namespace returns the local store namespace records of this role live under
func (r Role) Namespace() string {
	switch r {
	case RoleEntry:
		return "registrations"
	case RoleExit:
		return "validations"
	default:
		return "records"
	}
}

// RecordOperation returns the queue operation used to ship records produced by this role
func (r Role) RecordOperation() OperationKind {
	if r == RoleExit {
		return OpCreateValidation
	}
	return OpCreateRegistration
}

// OperationKind names a sync operation
type OperationKind string

const (
	OpCreateStudent      OperationKind = "create_student"
	OpCreateRegistration OperationKind = "create_registration"
	OpCreateValidation   OperationKind = "create_validation"
)

// Valid reports whether k is a known operation
func (k OperationKind) Valid() bool {
	switch k {
	case OpCreateStudent, OpCreateRegistration, OpCreateValidation:
		return true
	}
	return false
}

// IsRecord reports whether the operation carries a Record rather than a Student
func (k OperationKind) IsRecord() bool {
	return k == OpCreateRegistration || k == OpCreateValidation
}

// Record is an immutable registration or validation event produced by a terminal.
// Corrections are new records, never in-place edits.
type Record struct {
	ID          string         `json:"id"`
	TerminalID  string         `json:"terminalId"`
	SubjectID   string         `json:"subjectId"`
	SubjectName string         `json:"subjectName"`
	Payload     map[string]any `json:"payload,omitempty"`
	Timestamp   time.Time      `json:"timestamp"`
	Offline     bool           `json:"offline"`
	Method      string         `json:"method,omitempty"`
}

// NewRecord stamps a record with a fresh id
func NewRecord(terminalID, subjectID, subjectName string, ts time.Time) Record {
	return Record{
		ID:          uuid.NewString(),
		TerminalID:  terminalID,
		SubjectID:   subjectID,
		SubjectName: subjectName,
		Timestamp:   ts,
	}
}

// Validate checks the fields ingestion relies on
func (r Record) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("record id is empty")
	}
	if strings.TrimSpace(r.SubjectID) == "" && strings.TrimSpace(r.SubjectName) == "" {
		return fmt.Errorf("record %s has neither subject id nor subject name", r.ID)
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record %s has no timestamp", r.ID)
	}
	return nil
}

// DedupKey returns the composite identity used to suppress duplicate delivery
func (r Record) DedupKey() DedupKey {
	return DedupKey{
		SubjectID:   r.SubjectID,
		SubjectName: r.SubjectName,
		Date:        r.Timestamp.Format(DateLayout),
	}
}

// DedupKey is (subject id, subject name, calendar date of the record timestamp)
type DedupKey struct {
	SubjectID   string `json:"subjectId"`
	SubjectName string `json:"subjectName"`
	Date        string `json:"date"`
}

var dedupEscaper = strings.NewReplacer(`\`, `\\`, "|", `\|`)

// String renders the key with "|" between fields. Separators inside a field are escaped.
func (k DedupKey) String() string {
	return dedupEscaper.Replace(k.SubjectID) + "|" + dedupEscaper.Replace(k.SubjectName) + "|" + dedupEscaper.Replace(k.Date)
}

// ParseDedupKey is the inverse of DedupKey.String
func ParseDedupKey(s string) (DedupKey, error) {
	var (
		parts []string
		cur   strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case c == '|':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	parts = append(parts, cur.String())
	if len(parts) != 3 {
		return DedupKey{}, fmt.Errorf("malformed dedup key %q", s)
	}
	return DedupKey{SubjectID: parts[0], SubjectName: parts[1], Date: parts[2]}, nil
}
