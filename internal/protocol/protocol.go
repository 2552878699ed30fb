// Package protocol defines the JSON messages exchanged between terminals and the coordinator.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/scansync/internal/model"
)

// Type tags an Envelope
type Type string

const (
	TypeRegisterDevice      Type = "register_device"
	TypeHeartbeat           Type = "heartbeat"
	TypeHeartbeatResponse   Type = "heartbeat_response"
	TypeStudentRegistered   Type = "student_registered"
	TypeNewStudent          Type = "new_student"
	TypeSyncAck             Type = "sync_ack"
	TypeStudentCacheUpdate  Type = "student_cache_update"
	TypeNetworkScanRequest  Type = "network_scan_request"
	TypeNetworkScanResponse Type = "network_scan_response"
	TypeDeviceDiscovery     Type = "device_discovery"
	TypeDeviceTimeout       Type = "device_timeout"
	TypeRecordSynced        Type = "record_synced"
)

// Envelope is the frame every websocket message travels in
type Envelope struct {
	Type Type            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Encode wraps payload into a framed message
func Encode(t Type, payload any) ([]byte, error) {
	env := Envelope{Type: t}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s payload: %w", t, err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode parses a frame. The payload stays raw until DecodeData.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("frame has no type")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s frame has no data", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}

type RegisterDevice struct {
	Role                 model.Role `json:"role"`
	Name                 string     `json:"name"`
	ReconnectionAttempts int        `json:"reconnectionAttempts"`
	LastDisconnect       *time.Time `json:"lastDisconnect,omitempty"`
}

type Heartbeat struct {
	Name      string    `json:"name"`
	Timestamp time.Time `json:"timestamp"`
}

type HeartbeatResponse struct {
	Timestamp time.Time `json:"timestamp"`
}

// StudentRegistered carries a registration or validation record
type StudentRegistered struct {
	RequestID       string              `json:"requestId"`
	Operation       model.OperationKind `json:"operation"`
	Record          model.Record        `json:"record"`
	Policy          string              `json:"policy,omitempty"`
	FromOfflineSync bool                `json:"fromOfflineSync,omitempty"`
}

// NewStudent carries a directory mutation made on a terminal
type NewStudent struct {
	RequestID string        `json:"requestId"`
	Student   model.Student `json:"student"`
	Policy    string        `json:"policy,omitempty"`
}

// SyncAck answers StudentRegistered and NewStudent
type SyncAck struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Rejected  bool   `json:"rejected,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

// StudentCacheUpdate pushes the full reference directory
type StudentCacheUpdate struct {
	Cache         []model.Student `json:"cache"`
	TotalStudents int             `json:"totalStudents"`
	UpdateReason  string          `json:"updateReason"`
}

type NetworkScanRequest struct {
	RequestedBy string `json:"requestedBy"`
}

// NetworkStatus is the coordinator's aggregate view of the terminal network
type NetworkStatus struct {
	Online    bool                  `json:"online"`
	Devices   []model.DeviceSession `json:"devices"`
	CheckedAt time.Time             `json:"checkedAt"`
}

type NetworkScanResponse struct {
	NetworkStatus NetworkStatus `json:"networkStatus"`
}

type ServerInfo struct {
	Name      string    `json:"name"`
	StartedAt time.Time `json:"startedAt"`
}

// DeviceDiscovery is pushed to admins whenever the set of connected devices changes
type DeviceDiscovery struct {
	ServerInfo       ServerInfo            `json:"serverInfo"`
	ConnectedDevices []model.DeviceSession `json:"connectedDevices"`
}

type DeviceTimeout struct {
	Name string     `json:"name"`
	Role model.Role `json:"role"`
}

// RecordSynced is the stat event admins receive for each ingested record
type RecordSynced struct {
	TerminalID string              `json:"terminalId"`
	Operation  model.OperationKind `json:"operation"`
	RecordID   string              `json:"recordId"`
	SubjectID  string              `json:"subjectId"`
	Duplicate  bool                `json:"duplicate"`
	Timestamp  time.Time           `json:"timestamp"`
}
