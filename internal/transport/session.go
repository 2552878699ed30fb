package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/protocol"
	"github.com/cybertec-postgresql/scansync/internal/retry"
)

// State of a Session
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var transitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Connected, Disconnected},
	Connected:    {Disconnected},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrNotConnected   = errors.New("session is not connected")
	ErrAckTimeout     = errors.New("timed out waiting for acknowledgment")
	ErrConnectionLost = errors.New("connection lost before acknowledgment")
)

// EventKind classifies session events
type EventKind string

const (
	EventConnected       EventKind = "connected"
	EventDisconnected    EventKind = "disconnected"
	EventGaveUp          EventKind = "gave_up"
	EventDirectoryUpdate EventKind = "directory_update"
	EventDeviceTimeout   EventKind = "device_timeout"
	EventNetworkStatus   EventKind = "network_status"
	EventRecordSynced    EventKind = "record_synced"
)

// Event is published on Session.Events
type Event struct {
	Kind      EventKind
	At        time.Time
	Err       error
	Directory *protocol.StudentCacheUpdate
	Device    *protocol.DeviceTimeout
	Network   *protocol.NetworkScanResponse
	Discovery *protocol.DeviceDiscovery
	Synced    *protocol.RecordSynced
}

// Config for a Session
type Config struct {
	Role              model.Role
	Name              string
	HeartbeatInterval time.Duration
	LivenessTimeout   time.Duration
	AckTimeout        time.Duration
	Policy            string
	Reconnect         *retry.Config
}

// DefaultConfig returns production timings for the given identity
func DefaultConfig(role model.Role, name string) Config {
	return Config{
		Role:              role,
		Name:              name,
		HeartbeatInterval: 30 * time.Second,
		LivenessTimeout:   90 * time.Second,
		AckTimeout:        15 * time.Second,
		Policy:            protocol.PolicyLocalWins,
		Reconnect:         retry.TransportDefaults(),
	}
}

// Session is the terminal side of the coordinator connection
type Session struct {
	cfg    Config
	dialer Dialer

	mu             sync.Mutex
	state          State
	conn           Conn
	attempts       int
	lastDisconnect *time.Time
	pending        map[string]chan protocol.SyncAck

	events    chan Event
	reconnect chan struct{}
	log       *logrus.Entry
}

// NewSession creates a disconnected session
func NewSession(cfg Config, dialer Dialer) *Session {
	def := DefaultConfig(cfg.Role, cfg.Name)
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.LivenessTimeout <= 0 {
		cfg.LivenessTimeout = 3 * cfg.HeartbeatInterval
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = def.AckTimeout
	}
	if cfg.Policy == "" {
		cfg.Policy = def.Policy
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = def.Reconnect
	}
	return &Session{
		cfg:       cfg,
		dialer:    dialer,
		pending:   make(map[string]chan protocol.SyncAck),
		events:    make(chan Event, 64),
		reconnect: make(chan struct{}, 1),
		log:       logrus.WithFields(logrus.Fields{"component": "transport", "device": cfg.Name, "role": cfg.Role}),
	}
}

// Events delivers connection and coordinator notifications
func (s *Session) Events() <-chan Event {
	return s.events
}

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether deliveries can be attempted
func (s *Session) Connected() bool {
	return s.State() == Connected
}

// ReconnectionAttempts returns the failed attempts since the last successful connection
func (s *Session) ReconnectionAttempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// ManualReconnect restarts the reconnection schedule after it gave up, or skips the current wait
func (s *Session) ManualReconnect() {
	select {
	case s.reconnect <- struct{}{}:
	default:
	}
}

func (s *Session) setStateLocked(to State) error {
	if !canTransition(s.state, to) {
		err := fmt.Errorf("invalid transition %s -> %s", s.state, to)
		s.log.WithError(err).Error("Rejected state change")
		return err
	}
	s.log.WithFields(logrus.Fields{"from": s.state.String(), "to": to.String()}).Debug("State change")
	s.state = to
	return nil
}

func (s *Session) emit(ev Event) {
	ev.At = time.Now()
	select {
	case s.events <- ev:
	default:
		s.log.WithField("event", ev.Kind).Warn("Event channel full, dropping event")
	}
}

// Run connects and keeps reconnecting until ctx is done
func (s *Session) Run(ctx context.Context) error {
	backoff := s.cfg.Reconnect.CreateBackoff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn, err := s.dial(ctx)
		if err == nil {
			backoff = s.cfg.Reconnect.CreateBackoff()
			s.serve(ctx, conn)
		} else {
			s.log.WithError(err).Warn("Connection attempt failed")
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		delay, stop := backoff.Next()
		if stop {
			s.log.WithField("attempts", attempt).Error("Giving up automatic reconnection, waiting for manual reconnect")
			s.emit(Event{Kind: EventGaveUp})
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-s.reconnect:
			}
			backoff = s.cfg.Reconnect.CreateBackoff()
			continue
		}
		s.log.WithFields(logrus.Fields{"attempt": attempt, "delay": delay}).Info("Scheduling reconnection")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		case <-s.reconnect:
			timer.Stop()
		}
	}
}

func (s *Session) dial(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	if err := s.setStateLocked(Connecting); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.mu.Unlock()

	conn, err := s.dialer.Dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		_ = s.setStateLocked(Disconnected)
		return nil, model.TransportError("dial", err)
	}
	if err := s.setStateLocked(Connected); err != nil {
		_ = conn.Close()
		return nil, err
	}
	s.conn = conn
	return conn, nil
}

// serve runs one connection until it drops
func (s *Session) serve(ctx context.Context, conn Conn) {
	s.mu.Lock()
	register := protocol.RegisterDevice{
		Role:                 s.cfg.Role,
		Name:                 s.cfg.Name,
		ReconnectionAttempts: s.attempts,
		LastDisconnect:       s.lastDisconnect,
	}
	s.attempts = 0
	s.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acks := make(chan struct{}, 1)
	readErr := make(chan error, 1)
	go func() { readErr <- s.readLoop(conn, acks) }()

	if err := s.write(conn, protocol.TypeRegisterDevice, register); err != nil {
		s.log.WithError(err).Warn("Failed to register device")
	} else {
		s.log.WithField("reconnectionAttempts", register.ReconnectionAttempts).Info("Connected to coordinator")
		s.emit(Event{Kind: EventConnected})
	}

	heartbeat := time.NewTicker(s.cfg.HeartbeatInterval)
	watchdog := time.NewTimer(s.cfg.LivenessTimeout)
	defer heartbeat.Stop()
	defer watchdog.Stop()

	var cause error
loop:
	for {
		select {
		case <-connCtx.Done():
			cause = connCtx.Err()
			break loop
		case err := <-readErr:
			cause = err
			readErr = nil
			break loop
		case <-acks:
			if !watchdog.Stop() {
				select {
				case <-watchdog.C:
				default:
				}
			}
			watchdog.Reset(s.cfg.LivenessTimeout)
		case <-watchdog.C:
			cause = fmt.Errorf("no heartbeat response within %s", s.cfg.LivenessTimeout)
			s.log.WithError(cause).Warn("Liveness watchdog fired")
			break loop
		case <-heartbeat.C:
			if err := s.write(conn, protocol.TypeHeartbeat, protocol.Heartbeat{Name: s.cfg.Name, Timestamp: time.Now()}); err != nil {
				cause = err
				break loop
			}
		}
	}

	_ = conn.Close()
	if readErr != nil {
		<-readErr
	}
	s.disconnected(cause)
}

func (s *Session) disconnected(cause error) {
	now := time.Now()
	s.mu.Lock()
	_ = s.setStateLocked(Disconnected)
	s.conn = nil
	s.lastDisconnect = &now
	pending := s.pending
	s.pending = make(map[string]chan protocol.SyncAck)
	s.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	s.log.WithError(cause).Warn("Disconnected from coordinator")
	s.emit(Event{Kind: EventDisconnected, Err: model.TransportError("connection", cause)})
}

func (s *Session) readLoop(conn Conn, acks chan<- struct{}) error {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			s.log.WithError(err).Warn("Dropping malformed frame")
			continue
		}
		s.dispatch(env, acks)
	}
}

func (s *Session) dispatch(env protocol.Envelope, acks chan<- struct{}) {
	switch env.Type {
	case protocol.TypeHeartbeatResponse:
		select {
		case acks <- struct{}{}:
		default:
		}
	case protocol.TypeSyncAck:
		var ack protocol.SyncAck
		if err := env.DecodeData(&ack); err != nil {
			s.log.WithError(err).Warn("Bad sync_ack")
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[ack.RequestID]
		delete(s.pending, ack.RequestID)
		s.mu.Unlock()
		if ok {
			ch <- ack
		}
	case protocol.TypeStudentCacheUpdate:
		var upd protocol.StudentCacheUpdate
		if err := env.DecodeData(&upd); err != nil {
			s.log.WithError(err).Warn("Bad directory update")
			return
		}
		s.emit(Event{Kind: EventDirectoryUpdate, Directory: &upd})
	case protocol.TypeDeviceTimeout:
		var dt protocol.DeviceTimeout
		if err := env.DecodeData(&dt); err == nil {
			s.emit(Event{Kind: EventDeviceTimeout, Device: &dt})
		}
	case protocol.TypeNetworkScanResponse:
		var ns protocol.NetworkScanResponse
		if err := env.DecodeData(&ns); err == nil {
			s.emit(Event{Kind: EventNetworkStatus, Network: &ns})
		}
	case protocol.TypeDeviceDiscovery:
		var dd protocol.DeviceDiscovery
		if err := env.DecodeData(&dd); err == nil {
			s.emit(Event{Kind: EventNetworkStatus, Discovery: &dd})
		}
	case protocol.TypeRecordSynced:
		var rs protocol.RecordSynced
		if err := env.DecodeData(&rs); err == nil {
			s.emit(Event{Kind: EventRecordSynced, Synced: &rs})
		}
	default:
		s.log.WithField("type", env.Type).Debug("Ignoring message")
	}
}

func (s *Session) write(conn Conn, t protocol.Type, payload any) error {
	frame, err := protocol.Encode(t, payload)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(frame); err != nil {
		return model.TransportError("write "+string(t), err)
	}
	return nil
}

// Send writes an arbitrary message on the live connection
func (s *Session) Send(t protocol.Type, payload any) error {
	s.mu.Lock()
	conn, state := s.conn, s.state
	s.mu.Unlock()
	if state != Connected || conn == nil {
		return model.TransportError("send "+string(t), ErrNotConnected)
	}
	return s.write(conn, t, payload)
}

// Deliver sends item and waits for the coordinator acknowledgment
func (s *Session) Deliver(ctx context.Context, item model.QueueItem) error {
	reqID := uuid.NewString()
	var (
		t       protocol.Type
		payload any
	)
	switch {
	case item.Operation.IsRecord() && item.Record != nil:
		t = protocol.TypeStudentRegistered
		payload = protocol.StudentRegistered{RequestID: reqID, Operation: item.Operation, Record: *item.Record, Policy: s.cfg.Policy, FromOfflineSync: item.Record.Offline}
	case item.Operation == model.OpCreateStudent && item.Student != nil:
		t = protocol.TypeNewStudent
		payload = protocol.NewStudent{RequestID: reqID, Student: *item.Student, Policy: s.cfg.Policy}
	default:
		return model.DeliveryRejected("deliver", fmt.Errorf("queue item %s has no payload", item.ID))
	}

	ch := make(chan protocol.SyncAck, 1)
	s.mu.Lock()
	conn := s.conn
	if s.state != Connected || conn == nil {
		s.mu.Unlock()
		return model.TransportError("deliver", ErrNotConnected)
	}
	s.pending[reqID] = ch
	s.mu.Unlock()

	if err := s.write(conn, t, payload); err != nil {
		s.forget(reqID)
		return err
	}

	timer := time.NewTimer(s.cfg.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			return model.TransportError("deliver", ErrConnectionLost)
		}
		switch {
		case ack.Success:
			return nil
		case ack.Rejected:
			return model.DeliveryRejected("deliver", errors.New(ack.Error))
		default:
			return fmt.Errorf("coordinator failed to apply %s: %s", item.ID, ack.Error)
		}
	case <-timer.C:
		s.forget(reqID)
		return model.TransportError("deliver", ErrAckTimeout)
	case <-ctx.Done():
		s.forget(reqID)
		return model.TransportError("deliver", ctx.Err())
	}
}

func (s *Session) forget(reqID string) {
	s.mu.Lock()
	delete(s.pending, reqID)
	s.mu.Unlock()
}
