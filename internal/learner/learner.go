// Package learner absorbs served interactions into the index.
package learner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ohmlabs/datasheetd/internal/index"
	"github.com/ohmlabs/datasheetd/internal/vectorstore"
)

// Learner converts each served (query, answer) pair into one new indexed
// node. Interactions are append-only: nothing is ever edited or removed.
type Learner struct {
	manager    *index.Manager
	learnedDir string
	logger     *zap.Logger
}

// New creates a learner. learnedDir may be empty to skip interaction files.
func New(manager *index.Manager, learnedDir string, logger *zap.Logger) *Learner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Learner{
		manager:    manager,
		learnedDir: learnedDir,
		logger:     logger,
	}
}

// Learn builds the Q/A node, embeds it and inserts it into the live index
// as one atomic write. The interaction is also saved as a corpus file so a
// full rebuild re-ingests it; that write is best-effort. Existing nodes are
// untouched; a snapshot persist failure is reported to operators by the
// index manager, not to the caller.
func (l *Learner) Learn(ctx context.Context, query, answer string) error {
	text := FormatInteraction(query, answer)
	now := time.Now().UTC()

	l.saveInteractionFile(text, now)

	vectors, err := l.manager.Embedder().EmbedDocuments(ctx, []string{text})
	if err != nil {
		return fmt.Errorf("embedding interaction: %w", err)
	}

	node := vectorstore.Node{
		ID:         uuid.NewString(),
		Text:       text,
		DocumentID: fmt.Sprintf("interaction-%d", now.UnixNano()),
		End:        len(text),
		Metadata: map[string]string{
			"corpus":    "learned",
			"timestamp": now.Format(time.RFC3339),
		},
	}
	if err := l.manager.Insert([]vectorstore.Node{node}, vectors); err != nil {
		return fmt.Errorf("inserting interaction node: %w", err)
	}

	l.logger.Info("learned from interaction",
		zap.String("node_id", node.ID),
		zap.Int("index_nodes", l.manager.NodeCount()))
	return nil
}

// FormatInteraction renders the canonical Q/A text for an interaction.
func FormatInteraction(query, answer string) string {
	return fmt.Sprintf("Q: %s\nA: %s", query, answer)
}

// saveInteractionFile writes the interaction to the learned corpus so full
// rebuilds see it. Failure costs rebuild completeness, not the request.
func (l *Learner) saveInteractionFile(text string, now time.Time) {
	if l.learnedDir == "" {
		return
	}
	if err := os.MkdirAll(l.learnedDir, 0o755); err != nil {
		l.logger.Warn("creating learned corpus directory failed", zap.Error(err))
		return
	}
	path := filepath.Join(l.learnedDir, fmt.Sprintf("interaction_%d.txt", now.UnixNano()))
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		l.logger.Warn("writing interaction file failed",
			zap.String("path", path), zap.Error(err))
	}
}
