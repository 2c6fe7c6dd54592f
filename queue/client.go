package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// WorkerClient is the producer-side view of a queue living in another
// process: it speaks to the worker's HTTP surface. In local queue mode
// this is the only way the API process can reach the fabric, because
// the in-process queue exists only inside the worker.
type WorkerClient struct {
	baseURL string
	client  *http.Client
}

// NewWorkerClient builds a client for the worker surface at baseURL.
func NewWorkerClient(baseURL string) *WorkerClient {
	return &WorkerClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *WorkerClient) call(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("worker unreachable: %w", err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("malformed worker response: %w", err)
	}
	if env.Error != nil {
		return fmt.Errorf("worker refused %s %s: %s", method, path, env.Error.Message)
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("malformed worker payload: %w", err)
		}
	}
	return nil
}

// Enqueue submits a job through POST /jobs/enqueue.
func (c *WorkerClient) Enqueue(ctx context.Context, jobType string, payload any, opts *EnqueueOptions) (string, error) {
	req := map[string]any{"type": jobType, "payload": payload}
	if opts != nil {
		options := map[string]any{}
		if opts.MaxAttempts > 0 {
			options["maxAttempts"] = opts.MaxAttempts
		}
		if opts.Delay > 0 {
			options["delaySeconds"] = int(opts.Delay / time.Second)
		}
		if opts.ScheduledFor != nil {
			options["scheduledFor"] = opts.ScheduledFor
		}
		req["options"] = options
	}
	var out struct {
		JobID string `json:"jobId"`
	}
	if err := c.call(ctx, http.MethodPost, "/jobs/enqueue", req, &out); err != nil {
		return "", err
	}
	return out.JobID, nil
}

// Dequeue is not available through the HTTP surface; consumption
// happens inside the worker process.
func (c *WorkerClient) Dequeue(ctx context.Context) (*Job, error) {
	return nil, fmt.Errorf("dequeue is not supported over the worker surface")
}

func (c *WorkerClient) Complete(ctx context.Context, job *Job) error {
	return fmt.Errorf("complete is not supported over the worker surface")
}

func (c *WorkerClient) Fail(ctx context.Context, job *Job, reason error, retryable bool) error {
	return fmt.Errorf("fail is not supported over the worker surface")
}

// Stats proxies GET /worker/queue/stats.
func (c *WorkerClient) Stats(ctx context.Context) (Stats, error) {
	var out Stats
	if err := c.call(ctx, http.MethodGet, "/worker/queue/stats", nil, &out); err != nil {
		return Stats{}, err
	}
	return out, nil
}

// Pending proxies the worker stats rollup.
func (c *WorkerClient) Pending(ctx context.Context) ([]Job, error) {
	var out struct {
		Pending []Job `json:"pending"`
	}
	if err := c.call(ctx, http.MethodGet, "/worker/stats", nil, &out); err != nil {
		return nil, err
	}
	return out.Pending, nil
}

// DeadLetters proxies the worker stats rollup.
func (c *WorkerClient) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out struct {
		DeadLetters []DeadLetter `json:"deadLetters"`
	}
	if err := c.call(ctx, http.MethodGet, "/worker/stats", nil, &out); err != nil {
		return nil, err
	}
	return out.DeadLetters, nil
}

// Shutdown releases idle connections.
func (c *WorkerClient) Shutdown(ctx context.Context) error {
	c.client.CloseIdleConnections()
	return nil
}

var _ Queue = (*WorkerClient)(nil)
