// Package etcd mirrors coordinator state into etcd so several coordinators can share device
// presence and directory-change notifications.
package etcd

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Client wraps the etcd v3 client with the key prefix taken from the DSN
type Client struct {
	client *clientv3.Client
	prefix string
}

// NewClient creates a new etcd client with DSN parsing
func NewClient(dsn string) (*Client, error) {
	config, err := parseEtcdDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse etcd DSN: %w", err)
	}

	client, err := clientv3.New(*config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	logrus.WithField("endpoints", config.Endpoints).Info("Connected to etcd successfully")

	return &Client{
		client: client,
		prefix: GetPrefix(dsn),
	}, nil
}

// Close closes the etcd client connection
func (c *Client) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Prefix returns the key prefix every mirrored key lives under
func (c *Client) Prefix() string {
	return c.prefix
}

// Key joins parts below the client prefix
func (c *Client) Key(parts ...string) string {
	return joinKey(c.prefix, parts...)
}

func joinKey(prefix string, parts ...string) string {
	return strings.TrimRight(prefix, "/") + "/" + strings.Join(parts, "/")
}

// WatchPrefix sets up a watch for all keys with the given prefix
func (c *Client) WatchPrefix(ctx context.Context, prefix string, startRevision int64) clientv3.WatchChan {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if startRevision > 0 {
		opts = append(opts, clientv3.WithRev(startRevision+1))
	}

	watchChan := c.client.Watch(ctx, prefix, opts...)
	logrus.WithFields(logrus.Fields{
		"prefix":   prefix,
		"revision": startRevision,
	}).Info("Started etcd watch")

	return watchChan
}

// GetAllKeys retrieves all key-value pairs with the given prefix
func (c *Client) GetAllKeys(ctx context.Context, prefix string) ([]KeyValuePair, error) {
	resp, err := c.client.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("failed to get all keys: %w", err)
	}

	pairs := make([]KeyValuePair, len(resp.Kvs))
	for i, kv := range resp.Kvs {
		pairs[i] = KeyValuePair{
			Key:      string(kv.Key),
			Value:    string(kv.Value),
			Revision: kv.ModRevision,
			Lease:    kv.Lease,
		}
	}

	logrus.WithFields(logrus.Fields{
		"prefix":          prefix,
		"count":           len(pairs),
		"header_revision": resp.Header.Revision,
	}).Debug("Retrieved keys from etcd")

	return pairs, nil
}

// Put stores a key-value pair in etcd
func (c *Client) Put(ctx context.Context, key, value string) (*clientv3.PutResponse, error) {
	resp, err := c.client.Put(ctx, key, value)
	if err != nil {
		return nil, fmt.Errorf("failed to put key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
	}).Debug("Put key to etcd")

	return resp, nil
}

// PutWithTTL stores a key bound to a fresh lease that expires after ttl
func (c *Client) PutWithTTL(ctx context.Context, key, value string, ttl time.Duration) (clientv3.LeaseID, error) {
	seconds := int64(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	lease, err := c.client.Grant(ctx, seconds)
	if err != nil {
		return 0, fmt.Errorf("failed to grant lease for %s: %w", key, err)
	}
	if _, err := c.client.Put(ctx, key, value, clientv3.WithLease(lease.ID)); err != nil {
		return 0, fmt.Errorf("failed to put key %s: %w", key, err)
	}
	return lease.ID, nil
}

// KeepAlive renews a lease once
func (c *Client) KeepAlive(ctx context.Context, lease clientv3.LeaseID) error {
	if _, err := c.client.KeepAliveOnce(ctx, lease); err != nil {
		return fmt.Errorf("failed to renew lease %x: %w", int64(lease), err)
	}
	return nil
}

// Revoke drops a lease and every key attached to it
func (c *Client) Revoke(ctx context.Context, lease clientv3.LeaseID) error {
	if _, err := c.client.Revoke(ctx, lease); err != nil {
		return fmt.Errorf("failed to revoke lease %x: %w", int64(lease), err)
	}
	return nil
}

// Delete removes a key from etcd
func (c *Client) Delete(ctx context.Context, key string) (*clientv3.DeleteResponse, error) {
	resp, err := c.client.Delete(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to delete key %s: %w", key, err)
	}

	logrus.WithFields(logrus.Fields{
		"key":      key,
		"revision": resp.Header.Revision,
		"deleted":  resp.Deleted,
	}).Debug("Deleted key from etcd")

	return resp, nil
}

// Get retrieves a single key from etcd
func (c *Client) Get(ctx context.Context, key string) (*KeyValuePair, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if len(resp.Kvs) == 0 {
		return nil, nil // Key not found
	}

	kv := resp.Kvs[0]
	return &KeyValuePair{
		Key:      string(kv.Key),
		Value:    string(kv.Value),
		Revision: kv.ModRevision,
		Lease:    kv.Lease,
	}, nil
}

// KeyValuePair represents a key-value pair from etcd
type KeyValuePair struct {
	Key      string
	Value    string
	Revision int64
	Lease    int64
}

// parseEtcdDSN parses etcd DSN format: etcd://host1:port1[,host2:port2]/[prefix]?param=value
func parseEtcdDSN(dsn string) (*clientv3.Config, error) {
	if dsn == "" {
		return &clientv3.Config{
			Endpoints:   []string{"127.0.0.1:2379"},
			DialTimeout: 5 * time.Second,
		}, nil
	}

	if !strings.HasPrefix(dsn, "etcd://") {
		return nil, fmt.Errorf("etcd DSN must start with etcd://")
	}

	dsn = strings.TrimPrefix(dsn, "etcd://")

	// Parse as URL to handle query parameters
	u, err := url.Parse("dummy://" + dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse DSN: %w", err)
	}

	endpoints := strings.Split(u.Host, ",")
	for i, endpoint := range endpoints {
		if !strings.Contains(endpoint, ":") {
			endpoints[i] = endpoint + ":2379" // Default etcd port
		}
	}

	config := &clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	}

	params := u.Query()

	if timeout := params.Get("dial_timeout"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.DialTimeout = d
		}
	}

	if username := params.Get("username"); username != "" {
		config.Username = username
	}

	if password := params.Get("password"); password != "" {
		config.Password = password
	}

	if tlsParam := params.Get("tls"); tlsParam == "enabled" {
		config.TLS = &tls.Config{
			InsecureSkipVerify: params.Get("tls_verify") == "disabled",
		}
	}

	return config, nil
}

// GetPrefix extracts the prefix from the etcd DSN path
func GetPrefix(dsn string) string {
	if dsn == "" || !strings.HasPrefix(dsn, "etcd://") {
		return "/scansync"
	}

	u, err := url.Parse(dsn)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "/scansync"
	}

	return u.Path
}
