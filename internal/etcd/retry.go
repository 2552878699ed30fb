// Connection retry and watch recovery for etcd clients.
package etcd

import (
	"context"
	"time"

	"github.com/cybertec-postgresql/scansync/internal/retry"
	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// NewClientWithRetry creates a new etcd client with retry logic
func NewClientWithRetry(ctx context.Context, dsn string) (*Client, error) {
	config := retry.EtcdDefaults()

	var client *Client
	err := retry.WithOperation(ctx, config, func() error {
		var attemptErr error
		client, attemptErr = NewClient(dsn)
		if attemptErr != nil {
			return attemptErr
		}

		// Test the connection
		if _, testErr := client.Get(ctx, client.Key("healthcheck")); testErr != nil {
			client.Close()
			return testErr
		}

		return nil
	}, "etcd connect")

	if err != nil {
		logrus.WithError(err).Error("Failed to establish etcd connection after all retries")
		return nil, err
	}

	return client, nil
}

// WatchWithRecovery wraps the etcd watch functionality with automatic recovery
func (c *Client) WatchWithRecovery(ctx context.Context, prefix string, startRevision int64) <-chan clientv3.WatchResponse {
	watchChan := make(chan clientv3.WatchResponse)

	go func() {
		defer close(watchChan)

		currentRevision := startRevision

		for {
			if ctx.Err() != nil {
				return
			}
			innerWatchChan := c.WatchPrefix(ctx, prefix, currentRevision)

		inner:
			for {
				select {
				case <-ctx.Done():
					return
				case watchResp, ok := <-innerWatchChan:
					if !ok {
						logrus.Warn("etcd watch channel closed, attempting to restart")
						break inner
					}
					if watchResp.Canceled {
						logrus.Warn("etcd watch was canceled, attempting to restart")
						break inner
					}
					if err := watchResp.Err(); err != nil {
						logrus.WithError(err).Error("etcd watch error, attempting to restart")
						break inner
					}

					for _, event := range watchResp.Events {
						if event.Kv.ModRevision > currentRevision {
							currentRevision = event.Kv.ModRevision
						}
					}

					select {
					case watchChan <- watchResp:
					case <-ctx.Done():
						return
					}
				}
			}

			logrus.WithField("revision", currentRevision).Info("Restarting etcd watch")
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}()

	return watchChan
}

// RetryEtcdOperation retries an etcd operation with exponential backoff
func RetryEtcdOperation(ctx context.Context, operation func() error, operationName string) error {
	config := retry.EtcdDefaults()
	return retry.WithOperation(ctx, config, operation, operationName)
}
