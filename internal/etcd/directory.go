package etcd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DirectoryVersion is the value stored under <prefix>/directory/version
type DirectoryVersion struct {
	Origin string    `json:"origin"`
	At     time.Time `json:"at"`
}

// DirectoryNotifier tells other coordinators that the student directory changed
type DirectoryNotifier struct {
	client *Client
	origin string
}

// NewDirectoryNotifier creates a notifier; origin identifies this coordinator
func NewDirectoryNotifier(client *Client, origin string) *DirectoryNotifier {
	return &DirectoryNotifier{client: client, origin: origin}
}

func (n *DirectoryNotifier) key() string {
	return n.client.Key("directory", "version")
}

// Bump records a directory change made by this coordinator
func (n *DirectoryNotifier) Bump(ctx context.Context) error {
	data, err := json.Marshal(DirectoryVersion{Origin: n.origin, At: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to encode directory version: %w", err)
	}
	_, err = n.client.Put(ctx, n.key(), string(data))
	return err
}

// Watch calls onChange for every directory change made by another coordinator until ctx ends
func (n *DirectoryNotifier) Watch(ctx context.Context, onChange func(DirectoryVersion)) {
	for resp := range n.client.WatchWithRecovery(ctx, n.key(), 0) {
		for _, ev := range resp.Events {
			if ev.Kv == nil || len(ev.Kv.Value) == 0 {
				continue
			}
			v, ok := n.foreign(ev.Kv.Value)
			if !ok {
				continue
			}
			logrus.WithField("origin", v.Origin).Debug("Directory changed on another coordinator")
			onChange(v)
		}
	}
}

// foreign decodes a version value and reports whether another origin wrote it
func (n *DirectoryNotifier) foreign(value []byte) (DirectoryVersion, bool) {
	var v DirectoryVersion
	if err := json.Unmarshal(value, &v); err != nil {
		logrus.WithError(err).Warn("Ignoring malformed directory version")
		return v, false
	}
	return v, v.Origin != n.origin
}
