package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/cybertec-postgresql/scansync/internal/model"
)

// PresenceMirror publishes live device sessions under <prefix>/devices/<role>/<name>.
// Every entry is bound to a lease so a crashed coordinator's devices disappear after ttl.
type PresenceMirror struct {
	client *Client
	ttl    time.Duration

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // connID -> lease
}

// NewPresenceMirror creates a mirror whose entries expire ttl after the last refresh
func NewPresenceMirror(client *Client, ttl time.Duration) *PresenceMirror {
	if ttl <= 0 {
		ttl = 90 * time.Second
	}
	return &PresenceMirror{client: client, ttl: ttl, leases: make(map[string]clientv3.LeaseID)}
}

func presenceKey(prefix string, d model.DeviceSession) string {
	return joinKey(prefix, "devices", string(d.Role), d.Name)
}

// Publish writes d with a fresh lease, replacing an older lease of the same connection
func (p *PresenceMirror) Publish(ctx context.Context, d model.DeviceSession) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("failed to encode device %s: %w", d.Name, err)
	}
	lease, err := p.client.PutWithTTL(ctx, presenceKey(p.client.Prefix(), d), string(data), p.ttl)
	if err != nil {
		return err
	}

	p.mu.Lock()
	old, had := p.leases[d.ConnID]
	p.leases[d.ConnID] = lease
	p.mu.Unlock()

	if had && old != lease {
		if err := p.client.Revoke(ctx, old); err != nil {
			logrus.WithError(err).WithField("device", d.Name).Debug("Stale presence lease not revoked")
		}
	}
	return nil
}

// Refresh keeps the lease of a published connection alive
func (p *PresenceMirror) Refresh(ctx context.Context, d model.DeviceSession) error {
	p.mu.Lock()
	lease, ok := p.leases[d.ConnID]
	p.mu.Unlock()
	if !ok {
		return p.Publish(ctx, d)
	}
	return p.client.KeepAlive(ctx, lease)
}

// Withdraw removes the entry of a departed connection
func (p *PresenceMirror) Withdraw(ctx context.Context, d model.DeviceSession) error {
	p.mu.Lock()
	lease, ok := p.leases[d.ConnID]
	delete(p.leases, d.ConnID)
	p.mu.Unlock()
	if ok {
		return p.client.Revoke(ctx, lease)
	}
	_, err := p.client.Delete(ctx, presenceKey(p.client.Prefix(), d))
	return err
}

// List returns every device any coordinator currently mirrors
func (p *PresenceMirror) List(ctx context.Context) ([]model.DeviceSession, error) {
	pairs, err := p.client.GetAllKeys(ctx, joinKey(p.client.Prefix(), "devices")+"/")
	if err != nil {
		return nil, err
	}
	return decodePresence(pairs), nil
}

func decodePresence(pairs []KeyValuePair) []model.DeviceSession {
	devices := make([]model.DeviceSession, 0, len(pairs))
	for _, kv := range pairs {
		var d model.DeviceSession
		if err := json.Unmarshal([]byte(kv.Value), &d); err != nil {
			logrus.WithError(err).WithField("key", kv.Key).Warn("Skipping malformed presence entry")
			continue
		}
		if d.Name == "" {
			d.Name = kv.Key[strings.LastIndex(kv.Key, "/")+1:]
		}
		devices = append(devices, d)
	}
	return devices
}
