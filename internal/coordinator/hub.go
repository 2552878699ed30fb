package coordinator

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/log"
	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 1 << 20
)

// DirectoryBumper announces local directory changes to other coordinators
type DirectoryBumper interface {
	Bump(ctx context.Context) error
}

// HubConfig holds the hub settings
type HubConfig struct {
	Name              string
	DirectoryDebounce time.Duration
	SendBuffer        int
}

// DefaultHubConfig returns the coordinator defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Name:              "scansync-coordinator",
		DirectoryDebounce: 500 * time.Millisecond,
		SendBuffer:        256,
	}
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	hub  *Hub

	role       model.Role
	name       string
	registered bool
	closeOnce  sync.Once
}

// Hub keeps the connected terminals and fans messages out to them
type Hub struct {
	cfg      HubConfig
	registry *Registry
	ingestor *Ingestor
	log      *logrus.Entry
	started  time.Time
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[string]*wsClient

	dirMu     sync.Mutex
	dirTimer  *time.Timer
	dirReason string
	dirBump   bool
	bumper    DirectoryBumper
}

// NewHub wires the hub into the registry and ingestor callbacks
func NewHub(cfg HubConfig, registry *Registry, ingestor *Ingestor) *Hub {
	def := DefaultHubConfig()
	if cfg.Name == "" {
		cfg.Name = def.Name
	}
	if cfg.DirectoryDebounce <= 0 {
		cfg.DirectoryDebounce = def.DirectoryDebounce
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	h := &Hub{
		cfg:      cfg,
		registry: registry,
		ingestor: ingestor,
		log:      log.Component("hub"),
		started:  time.Now(),
		clients:  make(map[string]*wsClient),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	registry.OnTimeout = h.deviceTimedOut
	registry.OnNetworkStatus = h.networkStatusChanged
	registry.OnChange = h.devicesChanged
	ingestor.SetNotifier(h)
	return h
}

// SetDirectoryBumper mirrors local directory changes, e.g. into etcd
func (h *Hub) SetDirectoryBumper(b DirectoryBumper) {
	h.dirMu.Lock()
	defer h.dirMu.Unlock()
	h.bumper = b
}

// ServeWS upgrades the request and serves the terminal until it disconnects
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("Failed to upgrade websocket")
		return
	}
	c := &wsClient{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.cfg.SendBuffer),
		done: make(chan struct{}),
		hub:  h,
	}
	h.mu.Lock()
	h.clients[c.id] = c
	total := len(h.clients)
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"conn": c.id, "remote": r.RemoteAddr, "total": total}).Debug("Client connected")

	go c.writePump()
	go c.readPump(r.RemoteAddr)
}

// Clients returns the number of open connections
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BroadcastToRoles sends a message to every registered client with one of roles; no roles
// means every registered client
func (h *Hub) BroadcastToRoles(t protocol.Type, payload any, roles ...model.Role) int {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		h.log.WithError(err).Error("Failed to encode broadcast")
		return 0
	}

	h.mu.RLock()
	targets := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		if c.registered && matchRole(c.role, roles) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			sent++
		}
	}
	h.log.WithFields(logrus.Fields{"type": t, "clients": sent}).Debug("Broadcast")
	return sent
}

func matchRole(role model.Role, roles []model.Role) bool {
	if len(roles) == 0 {
		return true
	}
	for _, r := range roles {
		if r == role {
			return true
		}
	}
	return false
}

// RecordIngested sends the record_synced stat event to admins
func (h *Hub) RecordIngested(terminalID string, kind model.OperationKind, rec model.Record, duplicate bool) {
	h.BroadcastToRoles(protocol.TypeRecordSynced, protocol.RecordSynced{
		TerminalID: terminalID,
		Operation:  kind,
		RecordID:   rec.ID,
		SubjectID:  rec.SubjectID,
		Duplicate:  duplicate,
		Timestamp:  rec.Timestamp,
	}, model.RoleAdmin)
}

// DirectoryChanged schedules one coalesced directory broadcast and announces the change
func (h *Hub) DirectoryChanged(reason string) {
	h.scheduleDirectory(reason, true)
}

// RemoteDirectoryChanged rebroadcasts after another coordinator changed the directory
func (h *Hub) RemoteDirectoryChanged() {
	h.scheduleDirectory("remote_update", false)
}

func (h *Hub) scheduleDirectory(reason string, bump bool) {
	h.dirMu.Lock()
	defer h.dirMu.Unlock()
	h.dirReason = reason
	h.dirBump = h.dirBump || bump
	if h.dirTimer == nil {
		h.dirTimer = time.AfterFunc(h.cfg.DirectoryDebounce, h.flushDirectory)
	}
}

func (h *Hub) flushDirectory() {
	h.dirMu.Lock()
	reason, bump, bumper := h.dirReason, h.dirBump, h.bumper
	h.dirTimer = nil
	h.dirBump = false
	h.dirMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.BroadcastDirectory(ctx, reason, model.RoleEntry, model.RoleExit); err != nil {
		h.log.WithError(err).Error("Failed to broadcast directory")
	}
	if bump && bumper != nil {
		if err := bumper.Bump(ctx); err != nil {
			h.log.WithError(err).Warn("Failed to announce directory change")
		}
	}
}

// BroadcastDirectory pushes the full directory to roles
func (h *Hub) BroadcastDirectory(ctx context.Context, reason string, roles ...model.Role) error {
	students, err := h.ingestor.Repository().ListStudents(ctx)
	if err != nil {
		return err
	}
	h.BroadcastToRoles(protocol.TypeStudentCacheUpdate, protocol.StudentCacheUpdate{
		Cache:         students,
		TotalStudents: len(students),
		UpdateReason:  reason,
	}, roles...)
	return nil
}

// Close disconnects every client and cancels a pending directory broadcast
func (h *Hub) Close() {
	h.dirMu.Lock()
	if h.dirTimer != nil {
		h.dirTimer.Stop()
		h.dirTimer = nil
	}
	h.dirMu.Unlock()

	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		c.close()
	}
}

func (h *Hub) deviceTimedOut(d model.DeviceSession) {
	h.BroadcastToRoles(protocol.TypeDeviceTimeout, protocol.DeviceTimeout{Name: d.Name, Role: d.Role}, model.RoleAdmin)
	h.mu.RLock()
	c, ok := h.clients[d.ConnID]
	h.mu.RUnlock()
	if ok {
		c.close()
	}
}

func (h *Hub) networkStatus() protocol.NetworkStatus {
	return protocol.NetworkStatus{
		Online:    h.registry.NetworkOnline(),
		Devices:   h.registry.Snapshot(),
		CheckedAt: time.Now(),
	}
}

func (h *Hub) networkStatusChanged(bool) {
	h.BroadcastToRoles(protocol.TypeNetworkScanResponse, protocol.NetworkScanResponse{NetworkStatus: h.networkStatus()}, model.RoleAdmin)
}

func (h *Hub) devicesChanged() {
	h.BroadcastToRoles(protocol.TypeDeviceDiscovery, protocol.DeviceDiscovery{
		ServerInfo:       protocol.ServerInfo{Name: h.cfg.Name, StartedAt: h.started},
		ConnectedDevices: h.registry.Snapshot(),
	}, model.RoleAdmin)
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	_, ok := h.clients[c.id]
	delete(h.clients, c.id)
	h.mu.Unlock()
	if ok {
		h.registry.Unregister(c.id)
	}
}

// enqueue hands a frame to the write pump; a client that cannot keep up is dropped
func (c *wsClient) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	case <-c.done:
		return false
	default:
		c.hub.log.WithField("conn", c.id).Warn("Client send buffer full, disconnecting")
		c.close()
		return false
	}
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *wsClient) readPump(remote string) {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.hub.registry.Touch(c.id)
		return nil
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.hub.log.WithError(err).WithField("device", c.name).Debug("Read error")
			}
			return
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			c.hub.log.WithError(err).Warn("Invalid message format")
			continue
		}
		c.handle(env, remote)
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *wsClient) reply(t protocol.Type, payload any) {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		c.hub.log.WithError(err).Error("Failed to encode reply")
		return
	}
	c.enqueue(frame)
}

func (c *wsClient) handle(env protocol.Envelope, remote string) {
	h := c.hub
	h.registry.Touch(c.id)

	switch env.Type {
	case protocol.TypeRegisterDevice:
		var reg protocol.RegisterDevice
		if err := env.DecodeData(&reg); err != nil {
			h.log.WithError(err).Warn("Bad registration")
			return
		}
		h.mu.Lock()
		c.role, c.name = reg.Role, reg.Name
		h.mu.Unlock()
		if _, err := h.registry.Register(c.id, reg.Role, reg.Name, reg.ReconnectionAttempts); err != nil {
			h.log.WithError(err).WithField("device", reg.Name).Warn("Rejected registration")
			return
		}
		h.registry.SetRemoteAddr(c.id, remote)
		h.mu.Lock()
		c.registered = true
		h.mu.Unlock()
		if !reg.Role.Observer() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			students, err := h.ingestor.Repository().ListStudents(ctx)
			cancel()
			if err != nil {
				h.log.WithError(err).Error("Failed to load directory for new device")
				return
			}
			c.reply(protocol.TypeStudentCacheUpdate, protocol.StudentCacheUpdate{
				Cache:         students,
				TotalStudents: len(students),
				UpdateReason:  "initial_sync",
			})
		}

	case protocol.TypeHeartbeat:
		c.reply(protocol.TypeHeartbeatResponse, protocol.HeartbeatResponse{Timestamp: time.Now()})

	case protocol.TypeHeartbeatResponse:
		// touched above

	case protocol.TypeStudentRegistered:
		var msg protocol.StudentRegistered
		if err := env.DecodeData(&msg); err != nil {
			c.reply(protocol.TypeSyncAck, protocol.SyncAck{Rejected: true, Error: err.Error()})
			return
		}
		kind := msg.Operation
		if kind == "" {
			kind = c.role.RecordOperation()
		}
		data, _ := json.Marshal(msg.Record)
		c.ack(msg.RequestID, protocol.Operation{Kind: kind, Data: data, TerminalID: c.name, Timestamp: time.Now(), Policy: msg.Policy})

	case protocol.TypeNewStudent:
		var msg protocol.NewStudent
		if err := env.DecodeData(&msg); err != nil {
			c.reply(protocol.TypeSyncAck, protocol.SyncAck{Rejected: true, Error: err.Error()})
			return
		}
		data, _ := json.Marshal(msg.Student)
		c.ack(msg.RequestID, protocol.Operation{Kind: model.OpCreateStudent, Data: data, TerminalID: c.name, Timestamp: time.Now(), Policy: msg.Policy})

	case protocol.TypeNetworkScanRequest:
		c.reply(protocol.TypeNetworkScanResponse, protocol.NetworkScanResponse{NetworkStatus: h.networkStatus()})

	default:
		h.log.WithField("type", env.Type).Debug("Ignoring message")
	}
}

func (c *wsClient) ack(requestID string, op protocol.Operation) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	res := c.hub.ingestor.ApplyOperation(ctx, op)
	c.reply(protocol.TypeSyncAck, protocol.SyncAck{
		RequestID: requestID,
		Success:   res.Success,
		Rejected:  res.Rejected,
		Duplicate: res.Duplicate,
		Error:     res.Error,
	})
}
