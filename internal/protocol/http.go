package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/scansync/internal/model"
)

// Conflict policies for directory mutations
const (
	PolicyLocalWins  = "local_wins"
	PolicyServerWins = "server_wins"
)

// Operation is one ingestion request, sent alone to /sync or in bulk to /sync/bulk
type Operation struct {
	Kind       model.OperationKind `json:"operation"`
	Data       json.RawMessage     `json:"data"`
	TerminalID string              `json:"deviceName"`
	Timestamp  time.Time           `json:"timestamp"`
	Policy     string              `json:"policy,omitempty"`
}

// OperationFromItem builds the request for a queue item
func OperationFromItem(item model.QueueItem, policy string) (Operation, error) {
	var payload any
	switch {
	case item.Operation.IsRecord() && item.Record != nil:
		payload = item.Record
	case item.Operation == model.OpCreateStudent && item.Student != nil:
		payload = item.Student
	default:
		return Operation{}, fmt.Errorf("queue item %s has no payload for %s", item.ID, item.Operation)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Operation{}, fmt.Errorf("failed to encode item %s: %w", item.ID, err)
	}
	return Operation{
		Kind:       item.Operation,
		Data:       data,
		TerminalID: item.TerminalID,
		Timestamp:  item.CreatedAt,
		Policy:     policy,
	}, nil
}

// Result reports the outcome of one Operation
type Result struct {
	Success   bool           `json:"success"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Rejected  bool           `json:"rejected,omitempty"`
	Error     string         `json:"error,omitempty"`
	RecordID  string         `json:"recordId,omitempty"`
	Student   *model.Student `json:"student,omitempty"`
}

type BulkRequest struct {
	Items      []Operation `json:"items"`
	DeviceName string      `json:"deviceName,omitempty"`
}

type BulkResponse struct {
	Results []Result `json:"results"`
}

// Conflict pairs a terminal-side directory entry with the version the terminal last saw centrally
type Conflict struct {
	ID         string         `json:"id"`
	LocalData  model.Student  `json:"localData"`
	ServerData *model.Student `json:"serverData,omitempty"`
}

// ResolveRequest asks the coordinator to reconcile terminal-side directory entries.
// Resolution is a conflict policy; empty means local_wins.
type ResolveRequest struct {
	Conflicts  []Conflict `json:"conflicts"`
	Resolution string     `json:"resolution,omitempty"`
	DeviceName string     `json:"deviceName,omitempty"`
}

type ResolveResponse struct {
	Resolved []model.Student `json:"resolved"`
}

// StatusResponse is served by GET /sync/status
type StatusResponse struct {
	Online        bool                  `json:"online"`
	Devices       []model.DeviceSession `json:"devices"`
	TotalStudents int                   `json:"totalStudents"`
	TotalRecords  int64                 `json:"totalRecords"`
	ServerTime    time.Time             `json:"serverTime"`
}
