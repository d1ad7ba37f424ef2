package workqueue

import (
	"context"
	"fmt"
	"path"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/errs"
	"github.com/local/ocrpipeline/internal/storage"
)

// StoreQueue keeps the work index and done markers as objects in the
// workspace, so any number of workers sharing the bucket coordinate
// through it without a broker.
type StoreQueue struct {
	store     *storage.Store
	workspace string
	counter   PageCounter

	mu        sync.Mutex
	remaining []*Item
}

func NewStoreQueue(store *storage.Store, workspace string, counter PageCounter) *StoreQueue {
	return &StoreQueue{store: store, workspace: workspace, counter: counter}
}

func (q *StoreQueue) indexPath() string {
	return storage.JoinPath(q.workspace, indexName)
}

func (q *StoreQueue) donePath(hash string) string {
	return storage.JoinPath(q.workspace, doneDirName, doneMarkerName(hash))
}

func (q *StoreQueue) Populate(ctx context.Context, sources []string, targetPagesPerBatch int) error {
	lines, err := q.store.ReadLines(ctx, q.indexPath())
	if err != nil {
		return fmt.Errorf("read work index: %w", err)
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
	if err := q.store.WriteLines(ctx, q.indexPath(), lines); err != nil {
		return fmt.Errorf("write work index: %w", err)
	}
	log.Info().
		Int("new_sources", len(fresh)).
		Int("total_items", len(lines)).
		Str("index", q.indexPath()).
		Msg("work index updated")
	return nil
}

func (q *StoreQueue) Initialize(ctx context.Context) (int, error) {
	lines, err := q.store.ReadLines(ctx, q.indexPath())
	if err != nil {
		return 0, fmt.Errorf("read work index: %w", err)
	}
	items, err := decodeAll(lines)
	if err != nil {
		return 0, err
	}

	done := make(map[string]struct{})
	donePrefix := storage.JoinPath(q.workspace, doneDirName) + "/"
	err = q.store.List(ctx, donePrefix, func(e storage.Entry) error {
		if hash, ok := hashFromMarker(e.Key); ok {
			done[hash] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("list done markers: %w", err)
	}

	var remaining []*Item
	for i := range items {
		if _, ok := done[items[i].Hash]; !ok {
			it := items[i]
			remaining = append(remaining, &it)
		}
	}
	shuffleItems(remaining)

	q.mu.Lock()
	q.remaining = remaining
	q.mu.Unlock()

	log.Info().
		Int("indexed", len(items)).
		Int("done", len(done)).
		Int("remaining", len(remaining)).
		Msg("work queue initialized")
	return len(remaining), nil
}

func (q *StoreQueue) GetWork(ctx context.Context) (*Item, error) {
	for {
		it := q.pop()
		if it == nil {
			return nil, nil
		}
		if q.isDone(ctx, it.Hash) {
			log.Debug().Str("work", it.Hash).Msg("skipping item already completed elsewhere")
			continue
		}
		return it, nil
	}
}

func (q *StoreQueue) MarkDone(ctx context.Context, item *Item) error {
	if err := q.store.Put(ctx, q.donePath(item.Hash), nil); err != nil {
		return fmt.Errorf("write done marker for %s: %w", item.Hash, err)
	}
	return nil
}

func (q *StoreQueue) ClearDone(ctx context.Context, hash string) error {
	if err := q.store.Delete(ctx, q.donePath(hash)); err != nil && !errs.IsNotFound(err) {
		return fmt.Errorf("clear done marker for %s: %w", hash, err)
	}
	return nil
}

func (q *StoreQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.remaining)
}

func (q *StoreQueue) pop() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.remaining) == 0 {
		return nil
	}
	it := q.remaining[0]
	q.remaining = q.remaining[1:]
	return it
}

func (q *StoreQueue) isDone(ctx context.Context, hash string) bool {
	_, err := q.store.Stat(ctx, q.donePath(hash))
	if err == nil {
		return true
	}
	if !errs.IsNotFound(err) {
		// Can't tell; claim it anyway, the contract is at-least-once.
		log.Warn().Str("work", hash).Err(err).Msg("done marker check failed, claiming item")
	}
	return false
}

func decodeAll(lines []string) ([]Item, error) {
	items := make([]Item, 0, len(lines))
	for _, line := range lines {
		it, err := decodeItem(line)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
	}
	return items, nil
}

// hashFromMarker recovers the work hash from a done-marker key.
func hashFromMarker(key string) (string, bool) {
	base := path.Base(key)
	if !strings.HasPrefix(base, "done_") || !strings.HasSuffix(base, ".flag") {
		return "", false
	}
	hash := base[len("done_") : len(base)-len(".flag")]
	return hash, hash != ""
}
