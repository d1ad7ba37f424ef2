package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/storage"
)

func tenPages(ctx context.Context, src string) (int, error) { return 10, nil }

func sources(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("s3://corpus/doc_%03d.pdf", i)
	}
	return out
}

func TestItemHash(t *testing.T) {
	a := itemHash([]string{"s3://b/one.pdf", "s3://b/two.pdf"})
	b := itemHash([]string{"s3://b/two.pdf", "s3://b/one.pdf"})
	if a != b {
		t.Errorf("hash must not depend on member order: %s != %s", a, b)
	}
	c := itemHash([]string{"s3://b/one.pdf"})
	if a == c {
		t.Error("different member sets must hash differently")
	}
	if len(a) != 40 {
		t.Errorf("expected 40 hex chars, got %d", len(a))
	}
}

func TestDecodeItem(t *testing.T) {
	it, err := decodeItem("abcd,s3://b/x.pdf,s3://b/y.pdf")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if it.Hash != "abcd" || len(it.Sources) != 2 {
		t.Errorf("unexpected item: %+v", it)
	}
	if _, err := decodeItem("justonefield"); err == nil {
		t.Error("expected error for malformed line")
	}
}

func TestPlanBatchesSizing(t *testing.T) {
	items := planBatches(context.Background(), sources(120), 500, tenPages)
	// 10 pages per doc against a 500-page target gives 50 docs per batch.
	if len(items) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(items))
	}
	var covered []string
	for _, it := range items {
		if it.Hash != itemHash(it.Sources) {
			t.Errorf("batch hash does not match its members")
		}
		covered = append(covered, it.Sources...)
	}
	if len(covered) != 120 {
		t.Errorf("expected all 120 sources batched, got %d", len(covered))
	}
	sort.Strings(covered)
	want := sources(120)
	sort.Strings(want)
	for i := range want {
		if covered[i] != want[i] {
			t.Fatalf("source %q missing or duplicated in batches", want[i])
		}
	}
}

func TestPlanBatchesDeterministic(t *testing.T) {
	// Shuffled input, flaky-free counter: the derived batches must be
	// identical run to run and order to order.
	in := sources(40)
	reversed := make([]string, len(in))
	for i, s := range in {
		reversed[len(in)-1-i] = s
	}
	a := planBatches(context.Background(), in, 100, tenPages)
	b := planBatches(context.Background(), reversed, 100, tenPages)
	if len(a) != len(b) {
		t.Fatalf("batch counts differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i].Hash != b[i].Hash {
			t.Errorf("batch %d hash differs across input orders", i)
		}
	}
}

func TestPlanBatchesUnreadableSample(t *testing.T) {
	broken := func(ctx context.Context, src string) (int, error) {
		return 0, errors.New("unreadable")
	}
	items := planBatches(context.Background(), sources(30), 500, broken)
	// Default assumption is 10 pages per doc: 50 docs per batch, so one batch.
	if len(items) != 1 {
		t.Errorf("expected a single batch under the default estimate, got %d", len(items))
	}
}

func drain(t *testing.T, ctx context.Context, q Queue) []*Item {
	t.Helper()
	var out []*Item
	for {
		it, err := q.GetWork(ctx)
		if err != nil {
			t.Fatalf("get work: %v", err)
		}
		if it == nil {
			return out
		}
		out = append(out, it)
	}
}

// queueFactory builds a fresh queue over the same workspace for contract
// tests shared between the local and store-backed implementations.
type queueFactory func(t *testing.T, workspace string) Queue

func testQueueContract(t *testing.T, fresh queueFactory) {
	ctx := context.Background()
	ws := t.TempDir()
	srcs := sources(8)

	q := fresh(t, ws)
	if err := q.Populate(ctx, srcs, 40); err != nil {
		t.Fatalf("populate: %v", err)
	}
	n, err := q.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	// 10 pages per doc, 40-page target: 4 docs per batch, 2 batches.
	if n != 2 {
		t.Fatalf("expected 2 items, got %d", n)
	}
	if q.Size() != 2 {
		t.Errorf("expected size 2, got %d", q.Size())
	}

	items := drain(t, ctx, q)
	if len(items) != 2 {
		t.Fatalf("expected to claim 2 items, got %d", len(items))
	}
	if q.Size() != 0 {
		t.Errorf("expected drained queue, size %d", q.Size())
	}

	// Finish one item; marking twice must be harmless.
	if err := q.MarkDone(ctx, items[0]); err != nil {
		t.Fatalf("mark done: %v", err)
	}
	if err := q.MarkDone(ctx, items[0]); err != nil {
		t.Fatalf("second mark done: %v", err)
	}

	// A restarted fleet sees only the unfinished item.
	q2 := fresh(t, ws)
	n, err = q2.Initialize(ctx)
	if err != nil {
		t.Fatalf("re-initialize: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 remaining item after completion, got %d", n)
	}
	left := drain(t, ctx, q2)
	if len(left) != 1 || left[0].Hash != items[1].Hash {
		t.Errorf("expected to claim only %s, got %v", items[1].Hash, left)
	}

	// Re-populating the same sources must not create new batches.
	q3 := fresh(t, ws)
	if err := q3.Populate(ctx, srcs, 40); err != nil {
		t.Fatalf("re-populate: %v", err)
	}
	n, err = q3.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize after re-populate: %v", err)
	}
	if n != 1 {
		t.Errorf("re-populate must be a no-op, got %d remaining", n)
	}

	// New sources extend the index without touching existing batches.
	more := append(append([]string(nil), srcs...), "s3://corpus/extra_1.pdf", "s3://corpus/extra_2.pdf")
	if err := q3.Populate(ctx, more, 40); err != nil {
		t.Fatalf("populate with extras: %v", err)
	}
	q4 := fresh(t, ws)
	n, err = q4.Initialize(ctx)
	if err != nil {
		t.Fatalf("initialize after extras: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 1 old + 1 new item remaining, got %d", n)
	}
}

func TestLocalQueueContract(t *testing.T) {
	testQueueContract(t, func(t *testing.T, ws string) Queue {
		return NewLocalQueue(ws, tenPages)
	})
}

func TestStoreQueueContract(t *testing.T) {
	testQueueContract(t, func(t *testing.T, ws string) Queue {
		st := storage.New(config.StorageConfig{SyncWorkers: 2, RetryAttempts: 2, RetryBase: time.Millisecond})
		return NewStoreQueue(st, ws, tenPages)
	})
}

func TestGetWorkSkipsItemFinishedElsewhere(t *testing.T) {
	ctx := context.Background()
	ws := t.TempDir()
	q := NewLocalQueue(ws, tenPages)
	if err := q.Populate(ctx, sources(8), 40); err != nil {
		t.Fatal(err)
	}
	if _, err := q.Initialize(ctx); err != nil {
		t.Fatal(err)
	}

	// Another worker finishes every indexed item after our Initialize.
	other := NewLocalQueue(ws, tenPages)
	if _, err := other.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	for _, it := range drain(t, ctx, other) {
		if err := other.MarkDone(ctx, it); err != nil {
			t.Fatal(err)
		}
	}

	if got := drain(t, ctx, q); len(got) != 0 {
		t.Errorf("expected every claim to be skipped as done, got %d items", len(got))
	}
}

func TestHashFromMarker(t *testing.T) {
	tests := []struct {
		key  string
		hash string
		ok   bool
	}{
		{"ws/done_flags/done_abc123.flag", "abc123", true},
		{"done_abc123.flag", "abc123", true},
		{"ws/done_flags/stray.txt", "", false},
		{"done_.flag", "", false},
	}
	for _, tt := range tests {
		hash, ok := hashFromMarker(tt.key)
		if hash != tt.hash || ok != tt.ok {
			t.Errorf("hashFromMarker(%q) = (%q, %v), want (%q, %v)", tt.key, hash, ok, tt.hash, tt.ok)
		}
	}
}
