package workqueue

import (
	"context"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/rand"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/config"
	"github.com/local/ocrpipeline/internal/storage"
)

// Item is one claimable unit of work: a batch of source documents
// identified by a hash derived from its member list.
type Item struct {
	Hash    string
	Sources []string
}

// Queue is the work-distribution contract. Claiming is advisory: two
// workers may process the same item concurrently and the done marker
// written by MarkDone is what retires it. Every implementation shares
// this at-least-once behavior.
type Queue interface {
	// Populate batches sources into work items and records them in the
	// queue's index. Already-indexed sources keep their existing
	// batches; only unseen sources form new ones.
	Populate(ctx context.Context, sources []string, targetPagesPerBatch int) error
	// Initialize loads the index, drops items with a done marker, and
	// builds the in-memory claim order. Returns the remaining count.
	Initialize(ctx context.Context) (int, error)
	// GetWork claims the next item not yet marked done. Returns nil
	// when the queue is drained.
	GetWork(ctx context.Context) (*Item, error)
	// MarkDone writes the durable completion marker for the item.
	// Idempotent: marking twice is harmless.
	MarkDone(ctx context.Context, item *Item) error
	// ClearDone removes the completion marker so the item is claimable
	// again. Repair tooling calls it on damaged results; clearing an
	// absent marker is not an error.
	ClearDone(ctx context.Context, hash string) error
	// Size reports how many unclaimed items remain in memory.
	Size() int
}

// PageCounter reports the page count of one source document. Populate
// samples the corpus through it to size batches.
type PageCounter func(ctx context.Context, src string) (int, error)

const (
	indexName   = "work_index_list.csv.zstd"
	doneDirName = "done_flags"

	populateSampleSize = 100
	// Used when no sampled document could be read.
	defaultAvgPages = 10.0
)

// NewFromWorkspace selects the queue implementation by workspace scheme:
// redis:// runs the index and markers in Redis, remote object schemes run
// them through the store, and anything else uses the local filesystem.
func NewFromWorkspace(cfg config.WorkspaceConfig, store *storage.Store, counter PageCounter) (Queue, error) {
	switch {
	case strings.HasPrefix(cfg.Path, "redis://"):
		return NewRedisQueue(cfg.Path, counter)
	case !storage.Parse(cfg.Path).IsLocal():
		return NewStoreQueue(store, cfg.Path, counter), nil
	default:
		return NewLocalQueue(cfg.Path, counter), nil
	}
}

// itemHash derives the content hash of a batch: SHA-1 over the
// comma-joined member list in sorted order.
func itemHash(sources []string) string {
	sorted := append([]string(nil), sources...)
	sort.Strings(sorted)
	sum := sha1.Sum([]byte(strings.Join(sorted, ",")))
	return hex.EncodeToString(sum[:])
}

func encodeItem(it Item) string {
	return it.Hash + "," + strings.Join(it.Sources, ",")
}

func decodeItem(line string) (Item, error) {
	parts := strings.Split(line, ",")
	if len(parts) < 2 {
		return Item{}, fmt.Errorf("malformed index line %q", line)
	}
	return Item{Hash: parts[0], Sources: parts[1:]}, nil
}

func doneMarkerName(hash string) string {
	return "done_" + hash + ".flag"
}

// planBatches partitions sources into batches sized so each holds about
// targetPages pages, estimating the corpus average from a sample. The
// RNG is seeded from the sorted input set, so the same sources always
// produce the same batches and therefore the same hashes.
func planBatches(ctx context.Context, sources []string, targetPages int, counter PageCounter) []Item {
	if len(sources) == 0 {
		return nil
	}
	sorted := append([]string(nil), sources...)
	sort.Strings(sorted)
	rng := rand.New(rand.NewSource(seedFrom(sorted)))

	avg := defaultAvgPages
	if counter != nil {
		sampleSize := populateSampleSize
		if sampleSize > len(sorted) {
			sampleSize = len(sorted)
		}
		var counts []int
		for _, idx := range rng.Perm(len(sorted))[:sampleSize] {
			n, err := counter(ctx, sorted[idx])
			if err != nil {
				log.Warn().Str("source", sorted[idx]).Err(err).Msg("could not count pages for batch sizing")
				continue
			}
			counts = append(counts, n)
		}
		if len(counts) > 0 {
			total := 0
			for _, n := range counts {
				total += n
			}
			avg = float64(total) / float64(len(counts))
		} else {
			log.Warn().Msg("no sampled document was readable, assuming default page count")
		}
	}

	perBatch := int(float64(targetPages) / avg)
	if perBatch < 1 {
		perBatch = 1
	}
	log.Info().
		Float64("avg_pages", avg).
		Int("docs_per_batch", perBatch).
		Int("sources", len(sorted)).
		Msg("batch size derived from sampled page counts")

	var items []Item
	for start := 0; start < len(sorted); start += perBatch {
		end := start + perBatch
		if end > len(sorted) {
			end = len(sorted)
		}
		members := sorted[start:end]
		items = append(items, Item{Hash: itemHash(members), Sources: members})
	}
	return items
}

func seedFrom(sorted []string) int64 {
	sum := sha1.Sum([]byte(strings.Join(sorted, "\n")))
	return int64(binary.BigEndian.Uint64(sum[:8]))
}

// filterNew drops sources already present in any indexed batch.
func filterNew(sources []string, existing []Item) []string {
	seen := make(map[string]struct{})
	for _, it := range existing {
		for _, src := range it.Sources {
			seen[src] = struct{}{}
		}
	}
	var fresh []string
	for _, src := range sources {
		if _, ok := seen[src]; !ok {
			fresh = append(fresh, src)
		}
	}
	return fresh
}

// shuffleItems randomizes claim order so a restarted fleet doesn't dogpile
// the same leading items.
func shuffleItems(items []*Item) {
	rand.Shuffle(len(items), func(i, j int) {
		items[i], items[j] = items[j], items[i]
	})
}
