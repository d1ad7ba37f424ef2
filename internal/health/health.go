package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// QueueSizer reports how many work items remain unclaimed.
type QueueSizer interface {
	Size() int
}

// PoolChecker reports whether the extraction pool still accepts work.
type PoolChecker interface {
	Healthy() bool
}

// ObjectStore is the minimal storage capability the workspace probe needs.
type ObjectStore interface {
	Put(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
}

// Checker aggregates readiness checks for the pipeline's dependencies.
type Checker struct {
	store      ObjectStore
	workspace  string
	backendURL string
	queue      QueueSizer
	pool       PoolChecker
	httpClient *http.Client
}

// Options configures the Checker.
type Options struct {
	Store      ObjectStore
	Workspace  string
	BackendURL string
	Queue      QueueSizer
	Pool       PoolChecker
	HTTPClient *http.Client
}

// Status represents the readiness of a subsystem.
type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

// Summary bundles all subsystem statuses for the health endpoint.
type Summary struct {
	Backend    Status `json:"backend"`
	Workspace  Status `json:"workspace"`
	Queue      Status `json:"queue"`
	Extraction Status `json:"extraction"`
}

// Healthy reports whether every subsystem is ready.
func (s Summary) Healthy() bool {
	return s.Backend.OK && s.Workspace.OK && s.Queue.OK && s.Extraction.OK
}

// New creates a new Checker with the provided options.
func New(opts Options) *Checker {
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &Checker{
		store:      opts.Store,
		workspace:  strings.TrimSuffix(opts.Workspace, "/"),
		backendURL: strings.TrimSuffix(opts.BackendURL, "/"),
		queue:      opts.Queue,
		pool:       opts.Pool,
		httpClient: client,
	}
}

// Summary returns the current status snapshot.
func (c *Checker) Summary(ctx context.Context) Summary {
	return Summary{
		Backend:    c.checkBackend(ctx),
		Workspace:  c.checkWorkspace(ctx),
		Queue:      c.checkQueue(),
		Extraction: c.checkExtraction(),
	}
}

// Handler serves the summary as JSON: 200 when everything is ready,
// 503 otherwise.
func (c *Checker) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sum := c.Summary(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if !sum.Healthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(sum)
	})
}

// checkBackend probes the serving backend's models endpoint. A body
// without a "data" field means the server accepts connections but
// cannot answer yet, which counts as down.
func (c *Checker) checkBackend(ctx context.Context) Status {
	if c.backendURL == "" {
		return Status{OK: false, Message: "backend not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.backendURL+"/v1/models", nil)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Status{OK: false, Message: fmt.Sprintf("HTTP %d", resp.StatusCode)}
	}
	var body map[string]json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Status{OK: false, Message: "unparseable models response"}
	}
	if _, ok := body["data"]; !ok {
		return Status{OK: false, Message: "no models loaded"}
	}
	return Status{OK: true, Message: "Serving"}
}

// checkWorkspace writes and removes a probe object so a revoked
// credential or a read-only mount shows up here instead of at the end
// of a work item.
func (c *Checker) checkWorkspace(ctx context.Context) Status {
	if c.store == nil || c.workspace == "" {
		return Status{OK: false, Message: "workspace not configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	probe := c.workspace + "/health/.probe"
	if err := c.store.Put(ctx, probe, []byte("ok")); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	if err := c.store.Delete(ctx, probe); err != nil {
		return Status{OK: false, Message: trimError(err)}
	}
	return Status{OK: true, Message: "Writable"}
}

func (c *Checker) checkQueue() Status {
	if c.queue == nil {
		return Status{OK: false, Message: "queue unavailable"}
	}
	return Status{OK: true, Message: fmt.Sprintf("%d items remaining", c.queue.Size())}
}

func (c *Checker) checkExtraction() Status {
	if c.pool == nil {
		return Status{OK: false, Message: "pool unavailable"}
	}
	if !c.pool.Healthy() {
		return Status{OK: false, Message: "pool broken"}
	}
	return Status{OK: true, Message: "Running"}
}

func trimError(err error) string {
	if err == nil {
		return ""
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timeout"
	}
	msg := err.Error()
	if len(msg) > 120 {
		return msg[:120]
	}
	return msg
}
