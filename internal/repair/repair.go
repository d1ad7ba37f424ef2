package repair

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/storage"
)

// MarkerClearer removes the completion marker for a work hash. The
// queue implementations provide it; repair never builds marker paths
// itself.
type MarkerClearer interface {
	ClearDone(ctx context.Context, hash string) error
}

// Report summarizes one sweep.
type Report struct {
	Scanned int
	Damaged []string // work hashes with a zero-byte result
	Cleared int      // results actually removed (0 on a dry run)
}

// Sweep scans the results tree for zero-byte output objects. A result
// is written in a single put, so an empty-but-indexed object with its
// hash in the name means a writer died mid-commit on a backend that
// surfaced the partial state. Each damaged result is removed together
// with its completion marker, which puts the item back into play for
// the next run. With dryRun set the sweep only reports.
func Sweep(ctx context.Context, store *storage.Store, resultsBase string, markers MarkerClearer, dryRun bool) (*Report, error) {
	rep := &Report{}
	prefix := storage.JoinPath(resultsBase, "results") + "/"

	type victim struct {
		path string
		hash string
	}
	var victims []victim
	err := store.List(ctx, prefix, func(e storage.Entry) error {
		hash, ok := hashFromResult(e.Key)
		if !ok {
			return nil
		}
		rep.Scanned++
		if e.Size != 0 {
			return nil
		}
		rep.Damaged = append(rep.Damaged, hash)
		victims = append(victims, victim{path: e.Path, hash: hash})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", prefix, err)
	}

	for _, v := range victims {
		if dryRun {
			log.Info().Str("result", v.path).Str("work", v.hash).Msg("zero-byte result found (dry run, keeping)")
			continue
		}
		if err := store.Delete(ctx, v.path); err != nil {
			return rep, fmt.Errorf("delete damaged result %s: %w", v.path, err)
		}
		if err := markers.ClearDone(ctx, v.hash); err != nil {
			return rep, err
		}
		rep.Cleared++
		log.Info().Str("result", v.path).Str("work", v.hash).Msg("zero-byte result removed, item requeued")
	}
	return rep, nil
}

// hashFromResult recovers the work hash from a result key shaped like
// .../output_{hash}.jsonl.
func hashFromResult(key string) (string, bool) {
	base := key
	if i := strings.LastIndexByte(key, '/'); i >= 0 {
		base = key[i+1:]
	}
	if !strings.HasPrefix(base, "output_") || !strings.HasSuffix(base, ".jsonl") {
		return "", false
	}
	hash := base[len("output_") : len(base)-len(".jsonl")]
	if hash == "" {
		return "", false
	}
	return hash, true
}
