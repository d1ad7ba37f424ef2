package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/local/ocrpipeline/internal/pipeline"
	"github.com/local/ocrpipeline/internal/storage"
	"github.com/local/ocrpipeline/internal/workqueue"
)

// resultsBase is the workspace the results and markdown trees live
// under. Redis workspaces hold only queue state, so they configure a
// separate results path.
func (m *Manager) resultsBase() string {
	if m.workspace.ResultsPath != "" {
		return m.workspace.ResultsPath
	}
	return m.workspace.Path
}

// writeResults serializes the item's documents as NDJSON and writes them
// in one put to results/output_{hash}.jsonl. An item whose documents were
// all skipped still writes its (empty) object: the done marker means
// "attempted and accounted for", not "produced output". When a results
// password is configured the object is sealed before the write.
func (m *Manager) writeResults(ctx context.Context, item *workqueue.Item, docs []*pipeline.Document) error {
	var buf bytes.Buffer
	for _, doc := range docs {
		line, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encode document %s: %w", doc.ID, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	data := buf.Bytes()
	if m.workspace.ResultsPassword != "" {
		sealed, err := storage.Seal(data, m.workspace.ResultsPassword)
		if err != nil {
			return fmt.Errorf("seal results: %w", err)
		}
		data = sealed
	}

	dest := storage.JoinPath(m.resultsBase(), "results", "output_"+item.Hash+".jsonl")
	if err := m.store.Put(ctx, dest, data); err != nil {
		return err
	}
	log.Info().Str("path", dest).Int("documents", len(docs)).Int("bytes", len(data)).Msg("results written")
	return nil
}

// mirrorMarkdown writes each document's text under the markdown tree,
// keyed by its source layout. Mirrors are plain text regardless of the
// results password.
func (m *Manager) mirrorMarkdown(ctx context.Context, docs []*pipeline.Document) error {
	for _, doc := range docs {
		dest := markdownPath(m.resultsBase(), doc.Metadata.SourceFile)
		if err := m.store.Put(ctx, dest, []byte(doc.Text)); err != nil {
			return fmt.Errorf("mirror %s: %w", doc.Metadata.SourceFile, err)
		}
	}
	return nil
}

// markdownPath maps a source ref into the markdown tree: the key keeps
// its directory layout, the file keeps its stem with a .md extension.
func markdownPath(base, source string) string {
	key := strings.TrimPrefix(storage.Parse(source).Key, "/")
	stem := strings.TrimSuffix(path.Base(key), path.Ext(key))
	if dir := path.Dir(key); dir != "." {
		return storage.JoinPath(base, "markdown", dir, stem+".md")
	}
	return storage.JoinPath(base, "markdown", stem+".md")
}
