package workqueue

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog/log"
)

// LocalQueue is the single-machine variant: the index and done markers
// live on the local filesystem, no store client involved. The observable
// contract matches StoreQueue exactly.
type LocalQueue struct {
	workspace string
	counter   PageCounter

	mu        sync.Mutex
	remaining []*Item
}

func NewLocalQueue(workspace string, counter PageCounter) *LocalQueue {
	return &LocalQueue{workspace: workspace, counter: counter}
}

func (q *LocalQueue) indexPath() string {
	return filepath.Join(q.workspace, indexName)
}

func (q *LocalQueue) donePath(hash string) string {
	return filepath.Join(q.workspace, doneDirName, doneMarkerName(hash))
}

func (q *LocalQueue) Populate(ctx context.Context, sources []string, targetPagesPerBatch int) error {
	lines, err := q.readIndex()
	if err != nil {
		return err
	}
	existing, err := decodeAll(lines)
	if err != nil {
		return err
	}

	fresh := filterNew(sources, existing)
	if len(fresh) == 0 {
		log.Info().Int("indexed", len(existing)).Msg("no new sources to add to the work index")
		return nil
	}

	for _, it := range planBatches(ctx, fresh, targetPagesPerBatch, q.counter) {
		lines = append(lines, encodeItem(it))
	}
	if err := q.writeIndex(lines); err != nil {
		return err
	}
	log.Info().
		Int("new_sources", len(fresh)).
		Int("total_items", len(lines)).
		Str("index", q.indexPath()).
		Msg("work index updated")
	return nil
}

func (q *LocalQueue) Initialize(ctx context.Context) (int, error) {
	lines, err := q.readIndex()
	if err != nil {
		return 0, err
	}
	items, err := decodeAll(lines)
	if err != nil {
		return 0, err
	}

	var remaining []*Item
	for i := range items {
		if _, err := os.Stat(q.donePath(items[i].Hash)); err == nil {
			continue
		}
		it := items[i]
		remaining = append(remaining, &it)
	}
	shuffleItems(remaining)

	q.mu.Lock()
	q.remaining = remaining
	q.mu.Unlock()

	log.Info().
		Int("indexed", len(items)).
		Int("remaining", len(remaining)).
		Msg("local work queue initialized")
	return len(remaining), nil
}

func (q *LocalQueue) GetWork(ctx context.Context) (*Item, error) {
	for {
		q.mu.Lock()
		if len(q.remaining) == 0 {
			q.mu.Unlock()
			return nil, nil
		}
		it := q.remaining[0]
		q.remaining = q.remaining[1:]
		q.mu.Unlock()

		if _, err := os.Stat(q.donePath(it.Hash)); err == nil {
			log.Debug().Str("work", it.Hash).Msg("skipping item already completed")
			continue
		}
		return it, nil
	}
}

func (q *LocalQueue) MarkDone(ctx context.Context, item *Item) error {
	path := q.donePath(item.Hash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create done dir: %w", err)
	}
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		return fmt.Errorf("write done marker for %s: %w", item.Hash, err)
	}
	return nil
}

func (q *LocalQueue) ClearDone(ctx context.Context, hash string) error {
	if err := os.Remove(q.donePath(hash)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clear done marker for %s: %w", hash, err)
	}
	return nil
}

func (q *LocalQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.remaining)
}

func (q *LocalQueue) readIndex() ([]string, error) {
	data, err := os.ReadFile(q.indexPath())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read work index: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress work index: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (q *LocalQueue) writeIndex(lines []string) error {
	if err := os.MkdirAll(q.workspace, 0o755); err != nil {
		return fmt.Errorf("create workspace dir: %w", err)
	}
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return fmt.Errorf("create zstd encoder: %w", err)
	}
	if _, err := enc.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		enc.Close()
		return fmt.Errorf("compress work index: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush work index: %w", err)
	}
	if err := os.WriteFile(q.indexPath(), buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write work index: %w", err)
	}
	return nil
}
