// Package watcher hot-ingests datasheets dropped into the corpus directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/ohmlabs/datasheetd/internal/corpus"
)

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// defaultSettleDelay is how long a file must stay quiet before ingestion.
// Copies into the watched directory arrive as a burst of write events; the
// delay resets on each one so only the completed file is ingested.
const defaultSettleDelay = 500 * time.Millisecond

// Ingestor adds a document to the live index; implemented by index.Manager.
type Ingestor interface {
	IngestDocument(ctx context.Context, doc corpus.Document) (int, error)
}

// Watcher watches the datasheet directory and ingests files as they appear.
// Each path is ingested at most once per process; editing an already
// indexed file requires a full rebuild.
type Watcher struct {
	dir      string
	loader   *corpus.Loader
	ingestor Ingestor
	watcher  *fsnotify.Watcher
	stop     chan struct{}
	logger   *zap.Logger
	settle   time.Duration

	mu        sync.Mutex
	pending   map[string]*time.Timer
	processed map[string]bool
}

// New creates a watcher for dir.
func New(dir string, loader *corpus.Loader, ingestor Ingestor, logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	return &Watcher{
		dir:       dir,
		loader:    loader,
		ingestor:  ingestor,
		watcher:   fsw,
		stop:      make(chan struct{}),
		logger:    logger,
		settle:    defaultSettleDelay,
		pending:   make(map[string]*time.Timer),
		processed: make(map[string]bool),
	}, nil
}

// Start begins watching. Events are processed in a background goroutine
// until Stop is called or ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Info("watching corpus directory", zap.String("dir", w.dir))

	go w.processEvents(ctx)
	return nil
}

// Stop stops the watcher and cleans up resources.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
		return
	default:
		close(w.stop)
		_ = w.watcher.Close()
	}
	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.pending = make(map[string]*time.Timer)
	w.mu.Unlock()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !w.eligible(event.Name) {
				continue
			}
			w.scheduleIngest(ctx, event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

// eligible filters to plain files directly inside the watched directory,
// mirroring the loader's corpus rules.
func (w *Watcher) eligible(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	w.mu.Lock()
	done := w.processed[path]
	w.mu.Unlock()
	return !done
}

// scheduleIngest (re)arms the settle timer for path.
func (w *Watcher) scheduleIngest(ctx context.Context, path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.pending[path]; ok {
		t.Reset(w.settle)
		return
	}
	w.pending[path] = time.AfterFunc(w.settle, func() {
		w.ingest(ctx, path)
	})
}

func (w *Watcher) ingest(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.pending, path)
	if w.processed[path] {
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	select {
	case <-w.stop:
		return
	case <-ctx.Done():
		return
	default:
	}

	doc, err := w.loader.LoadFile(path, "datasheets")
	if err != nil {
		w.logger.Warn("skipping unreadable file", zap.String("path", path), zap.Error(err))
		return
	}
	if doc.Text == "" {
		return
	}

	count, err := w.ingestor.IngestDocument(ctx, doc)
	if err != nil {
		w.logger.Error("hot ingest failed", zap.String("path", path), zap.Error(err))
		return
	}

	w.mu.Lock()
	w.processed[path] = true
	w.mu.Unlock()

	w.logger.Info("ingested new datasheet",
		zap.String("path", path),
		zap.Int("nodes", count))
}
