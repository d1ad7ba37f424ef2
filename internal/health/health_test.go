package health

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type fakeStore struct {
	mu      sync.Mutex
	puts    []string
	deletes []string
	putErr  error
}

func (f *fakeStore) Put(_ context.Context, path string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.putErr != nil {
		return f.putErr
	}
	f.puts = append(f.puts, path)
	return nil
}

func (f *fakeStore) Delete(_ context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, path)
	return nil
}

type fakeQueue struct{ size int }

func (f *fakeQueue) Size() int { return f.size }

type fakePool struct{ healthy bool }

func (f *fakePool) Healthy() bool { return f.healthy }

func servingBackend(t *testing.T, body string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/models" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
}

func TestSummaryAllHealthy(t *testing.T) {
	backend := servingBackend(t, `{"object":"list","data":[{"id":"document-ocr"}]}`, http.StatusOK)
	defer backend.Close()

	store := &fakeStore{}
	c := New(Options{
		Store:      store,
		Workspace:  "s3://bucket/workspace/",
		BackendURL: backend.URL,
		Queue:      &fakeQueue{size: 12},
		Pool:       &fakePool{healthy: true},
	})

	sum := c.Summary(context.Background())
	if !sum.Healthy() {
		t.Fatalf("expected healthy summary, got %+v", sum)
	}
	if !strings.Contains(sum.Queue.Message, "12") {
		t.Errorf("queue message should carry the depth, got %q", sum.Queue.Message)
	}
	if len(store.puts) != 1 || store.puts[0] != "s3://bucket/workspace/health/.probe" {
		t.Errorf("unexpected probe writes %v", store.puts)
	}
	if len(store.deletes) != 1 || store.deletes[0] != store.puts[0] {
		t.Errorf("probe object should be removed after the check, got %v", store.deletes)
	}
}

func TestSummaryDegraded(t *testing.T) {
	tests := []struct {
		name string
		opts func(base Options) Options
		pick func(Summary) Status
		msg  string
	}{
		{
			name: "workspace write refused",
			opts: func(o Options) Options {
				o.Store = &fakeStore{putErr: errors.New("access denied")}
				return o
			},
			pick: func(s Summary) Status { return s.Workspace },
			msg:  "access denied",
		},
		{
			name: "workspace unset",
			opts: func(o Options) Options { o.Workspace = ""; return o },
			pick: func(s Summary) Status { return s.Workspace },
			msg:  "not configured",
		},
		{
			name: "queue missing",
			opts: func(o Options) Options { o.Queue = nil; return o },
			pick: func(s Summary) Status { return s.Queue },
			msg:  "unavailable",
		},
		{
			name: "pool broken",
			opts: func(o Options) Options { o.Pool = &fakePool{healthy: false}; return o },
			pick: func(s Summary) Status { return s.Extraction },
			msg:  "broken",
		},
	}

	backend := servingBackend(t, `{"data":[]}`, http.StatusOK)
	defer backend.Close()
	base := Options{
		Store:      &fakeStore{},
		Workspace:  "/tmp/workspace",
		BackendURL: backend.URL,
		Queue:      &fakeQueue{},
		Pool:       &fakePool{healthy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sum := New(tt.opts(base)).Summary(context.Background())
			if sum.Healthy() {
				t.Fatal("expected degraded summary")
			}
			st := tt.pick(sum)
			if st.OK {
				t.Errorf("expected subsystem down, got %+v", st)
			}
			if !strings.Contains(st.Message, tt.msg) {
				t.Errorf("expected message containing %q, got %q", tt.msg, st.Message)
			}
		})
	}
}

func TestCheckBackend(t *testing.T) {
	t.Run("no models loaded", func(t *testing.T) {
		backend := servingBackend(t, `{"object":"list"}`, http.StatusOK)
		defer backend.Close()
		st := New(Options{BackendURL: backend.URL}).checkBackend(context.Background())
		if st.OK || !strings.Contains(st.Message, "no models") {
			t.Errorf("a data-less body must not count as serving: %+v", st)
		}
	})

	t.Run("http error", func(t *testing.T) {
		backend := servingBackend(t, "loading", http.StatusServiceUnavailable)
		defer backend.Close()
		st := New(Options{BackendURL: backend.URL}).checkBackend(context.Background())
		if st.OK || st.Message != "HTTP 503" {
			t.Errorf("expected HTTP 503 status, got %+v", st)
		}
	})

	t.Run("unreachable", func(t *testing.T) {
		st := New(Options{BackendURL: "http://127.0.0.1:1"}).checkBackend(context.Background())
		if st.OK {
			t.Errorf("expected down status, got %+v", st)
		}
	})
}

func TestHandler(t *testing.T) {
	backend := servingBackend(t, `{"data":[]}`, http.StatusOK)
	defer backend.Close()

	opts := Options{
		Store:      &fakeStore{},
		Workspace:  "/tmp/workspace",
		BackendURL: backend.URL,
		Queue:      &fakeQueue{size: 3},
		Pool:       &fakePool{healthy: true},
	}

	rec := httptest.NewRecorder()
	New(opts).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var sum Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode summary: %v", err)
	}
	if !sum.Healthy() {
		t.Errorf("expected healthy body, got %+v", sum)
	}

	opts.Pool = &fakePool{healthy: false}
	rec = httptest.NewRecorder()
	New(opts).Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 for a broken pool, got %d", rec.Code)
	}
}

func TestTrimError(t *testing.T) {
	long := errors.New(strings.Repeat("x", 500))
	if got := trimError(long); len(got) != 120 {
		t.Errorf("expected 120-char truncation, got %d", len(got))
	}
	if got := trimError(nil); got != "" {
		t.Errorf("expected empty string for nil, got %q", got)
	}
}
