package model

import "time"

// DeviceSession is the coordinator-side view of a connected terminal
type DeviceSession struct {
	ConnID               string    `json:"connId"`
	Role                 Role      `json:"role"`
	Name                 string    `json:"name"`
	ConnectedAt          time.Time `json:"connectedAt"`
	LastSeen             time.Time `json:"lastSeen"`
	Alive                bool      `json:"alive"`
	ReconnectionAttempts int       `json:"reconnectionAttempts"`
	RemoteAddr           string    `json:"remoteAddr,omitempty"`
}

// Age returns how long the session has been silent
func (d DeviceSession) Age(now time.Time) time.Duration {
	return now.Sub(d.LastSeen)
}
