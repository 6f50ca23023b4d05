package corpus

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// maxDocumentSize caps a single source file at 16MB.
const maxDocumentSize = 16 * 1024 * 1024

// Loader reads text documents from corpus directories.
type Loader struct {
	logger *zap.Logger
}

// NewLoader creates a document loader.
func NewLoader(logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{logger: logger}
}

// LoadDir reads every regular file in dir (non-recursive) into a Document.
// Subdirectories and hidden files are skipped; unreadable or binary files
// are skipped with a warning rather than failing the whole load. A missing
// directory yields an empty slice.
func (l *Loader) LoadDir(dir, corpusName string) ([]Document, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading corpus directory %s: %w", dir, err)
	}

	var docs []Document
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		doc, err := l.LoadFile(path, corpusName)
		if err != nil {
			l.logger.Warn("skipping unreadable corpus file",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		if doc.Text == "" {
			continue
		}
		docs = append(docs, doc)
	}

	l.logger.Debug("corpus loaded",
		zap.String("dir", dir),
		zap.String("corpus", corpusName),
		zap.Int("documents", len(docs)))

	return docs, nil
}

// LoadFile reads a single file into a Document.
func (l *Loader) LoadFile(path, corpusName string) (Document, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Document{}, err
	}
	if info.Size() > maxDocumentSize {
		return Document{}, fmt.Errorf("file %s exceeds %d bytes", path, maxDocumentSize)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Document{}, err
	}
	text := strings.TrimSpace(string(raw))
	if text != "" && !utf8.ValidString(text) {
		return Document{}, fmt.Errorf("file %s is not valid UTF-8 text", path)
	}

	return Document{
		ID:         uuid.NewString(),
		Text:       text,
		SourcePath: path,
		Metadata:   map[string]string{"corpus": corpusName, "file": filepath.Base(path)},
	}, nil
}
