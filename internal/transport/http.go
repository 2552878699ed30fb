package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/scansync/internal/model"
	"github.com/cybertec-postgresql/scansync/internal/protocol"
)

// HTTPClient delivers queue items over the coordinator's REST surface
type HTTPClient struct {
	base          string
	client        *http.Client
	policy        string
	checkInterval time.Duration

	online    atomic.Bool
	checkMu   sync.Mutex
	lastCheck time.Time
}

// NewHTTPClient targets a coordinator base URL such as http://coordinator:8080
func NewHTTPClient(base string, timeout time.Duration, policy string) *HTTPClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if policy == "" {
		policy = protocol.PolicyLocalWins
	}
	return &HTTPClient{
		base:          strings.TrimRight(base, "/"),
		client:        &http.Client{Timeout: timeout},
		policy:        policy,
		checkInterval: 5 * time.Second,
	}
}

// Connected checks GET /sync/status at most once per check interval
func (c *HTTPClient) Connected() bool {
	c.checkMu.Lock()
	defer c.checkMu.Unlock()
	if time.Since(c.lastCheck) < c.checkInterval {
		return c.online.Load()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := c.Status(ctx)
	c.lastCheck = time.Now()
	c.online.Store(err == nil)
	return err == nil
}

// Status fetches the coordinator status
func (c *HTTPClient) Status(ctx context.Context) (protocol.StatusResponse, error) {
	var out protocol.StatusResponse
	err := c.do(ctx, http.MethodGet, "/sync/status", nil, &out)
	return out, err
}

// Deliver posts one item to /sync
func (c *HTTPClient) Deliver(ctx context.Context, item model.QueueItem) error {
	op, err := protocol.OperationFromItem(item, c.policy)
	if err != nil {
		return model.DeliveryRejected("deliver", err)
	}
	var res protocol.Result
	if err := c.do(ctx, http.MethodPost, "/sync", op, &res); err != nil {
		return err
	}
	return resultError(item, res)
}

// DeliverBatch posts items to /sync/bulk
func (c *HTTPClient) DeliverBatch(ctx context.Context, items []model.QueueItem) []error {
	errs := make([]error, len(items))
	req := protocol.BulkRequest{Items: make([]protocol.Operation, 0, len(items))}
	index := make([]int, 0, len(items))
	for i, item := range items {
		op, err := protocol.OperationFromItem(item, c.policy)
		if err != nil {
			errs[i] = model.DeliveryRejected("deliver", err)
			continue
		}
		req.Items = append(req.Items, op)
		req.DeviceName = item.TerminalID
		index = append(index, i)
	}
	if len(index) == 0 {
		return errs
	}

	var res protocol.BulkResponse
	if err := c.do(ctx, http.MethodPost, "/sync/bulk", req, &res); err != nil {
		for _, i := range index {
			errs[i] = err
		}
		return errs
	}
	for n, i := range index {
		if n >= len(res.Results) {
			errs[i] = model.TransportError("deliver batch", errMissingResult)
			continue
		}
		errs[i] = resultError(items[i], res.Results[n])
	}
	return errs
}

var errMissingResult = errors.New("bulk response is missing a result")

func resultError(item model.QueueItem, res protocol.Result) error {
	switch {
	case res.Success:
		return nil
	case res.Rejected:
		return model.DeliveryRejected("deliver", errors.New(res.Error))
	default:
		return fmt.Errorf("coordinator failed to apply %s: %s", item.ID, res.Error)
	}
}

// ResolveConflicts asks the coordinator to reconcile directory entries
func (c *HTTPClient) ResolveConflicts(ctx context.Context, device string, conflicts []protocol.Conflict) ([]model.Student, error) {
	req := protocol.ResolveRequest{Conflicts: conflicts, Resolution: c.policy, DeviceName: device}
	var res protocol.ResolveResponse
	if err := c.do(ctx, http.MethodPost, "/sync/resolve-conflicts", req, &res); err != nil {
		return nil, err
	}
	return res.Resolved, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.online.Store(false)
		return model.TransportError(method+" "+path, err)
	}
	defer resp.Body.Close()
	c.online.Store(true)

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.TransportError(method+" "+path, err)
	}
	switch {
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return model.DeliveryRejected(method+" "+path, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	case resp.StatusCode >= 300:
		logrus.WithFields(logrus.Fields{"path": path, "status": resp.StatusCode}).Warn("Coordinator request failed")
		return fmt.Errorf("coordinator returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
