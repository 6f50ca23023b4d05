package vectorstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Snapshot directory layout, under the snapshot root:
//
//	CURRENT             pointer file naming the live snapshot directory
//	snapshot-<id>/      one complete snapshot
//	    vectors.dat     binary embedding matrix with header
//	    nodes.json      node records in insertion order
//	    manifest.json   dimension, count, creation time
//	staging-<rand>/     in-flight write, never referenced by CURRENT
//
// Publication is staging-then-rename: all files are written and flushed into
// a staging directory, the directory is renamed to its final snapshot name,
// and finally CURRENT is replaced via an atomic file rename. A crash at any
// point leaves the previously published snapshot untouched.

const (
	currentFile   = "CURRENT"
	vectorsFile   = "vectors.dat"
	nodesFile     = "nodes.json"
	manifestFile  = "manifest.json"
	snapshotPref  = "snapshot-"
	stagingPref   = "staging-"
	vectorsMagic  = "DSVEC1"
	manifestVers  = 1
	maxVectorRows = 1 << 24 // sanity bound on persisted node count
	maxVectorDim  = 1 << 16 // sanity bound on embedding dimension
)

// manifest is the index-metadata file.
type manifest struct {
	Version   int       `json:"version"`
	Dimension int       `json:"dimension"`
	Count     int       `json:"count"`
	CreatedAt time.Time `json:"created_at"`
}

// nodesDocument is the node/document-store file.
type nodesDocument struct {
	Nodes []Node `json:"nodes"`
}

// Snapshotter persists and restores stores under a root directory.
type Snapshotter struct {
	root   string
	logger *zap.Logger
}

// NewSnapshotter creates a snapshotter rooted at dir, creating it if needed.
func NewSnapshotter(root string, logger *zap.Logger) (*Snapshotter, error) {
	if root == "" {
		return nil, fmt.Errorf("snapshot root is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating snapshot root %s: %w", root, err)
	}
	return &Snapshotter{root: root, logger: logger}, nil
}

// Save writes a complete snapshot of the store and publishes it atomically.
// On success, older snapshots and leftover staging directories are garbage
// collected best-effort.
func (sn *Snapshotter) Save(store *Store) error {
	staging, err := os.MkdirTemp(sn.root, stagingPref)
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	// Staging survives only until publication; remove it on any error path.
	defer os.RemoveAll(staging)

	if err := writeVectors(filepath.Join(staging, vectorsFile), store); err != nil {
		return err
	}
	if err := writeJSONFile(filepath.Join(staging, nodesFile), nodesDocument{Nodes: store.nodes}); err != nil {
		return err
	}
	m := manifest{
		Version:   manifestVers,
		Dimension: store.dimension,
		Count:     store.Len(),
		CreatedAt: time.Now().UTC(),
	}
	if err := writeJSONFile(filepath.Join(staging, manifestFile), m); err != nil {
		return err
	}

	name := snapshotPref + uuid.NewString()
	final := filepath.Join(sn.root, name)
	if err := os.Rename(staging, final); err != nil {
		return fmt.Errorf("publishing snapshot directory: %w", err)
	}

	if err := sn.publishCurrent(name); err != nil {
		// The snapshot directory exists but was never referenced; GC
		// removes it on the next successful save.
		return err
	}
	syncDir(sn.root)

	sn.gc(name)

	sn.logger.Debug("snapshot saved",
		zap.String("name", name),
		zap.Int("nodes", m.Count),
		zap.Int("dimension", m.Dimension))
	return nil
}

// Load restores the store referenced by CURRENT.
//
// Returns ErrNoSnapshot when nothing has ever been published, and
// ErrCorruptSnapshot (wrapped with detail) when any required file is
// missing, unparsable, or the files disagree on node count or dimension.
func (sn *Snapshotter) Load() (*Store, error) {
	nameRaw, err := os.ReadFile(filepath.Join(sn.root, currentFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("%w: reading CURRENT: %v", ErrCorruptSnapshot, err)
	}
	name := strings.TrimSpace(string(nameRaw))
	if !strings.HasPrefix(name, snapshotPref) || strings.ContainsAny(name, `/\`) {
		return nil, fmt.Errorf("%w: CURRENT names invalid snapshot %q", ErrCorruptSnapshot, name)
	}
	dir := filepath.Join(sn.root, name)

	var m manifest
	if err := readJSONFile(filepath.Join(dir, manifestFile), &m); err != nil {
		return nil, fmt.Errorf("%w: manifest: %v", ErrCorruptSnapshot, err)
	}
	if m.Version != manifestVers || m.Dimension <= 0 || m.Count < 0 {
		return nil, fmt.Errorf("%w: manifest has version=%d dimension=%d count=%d",
			ErrCorruptSnapshot, m.Version, m.Dimension, m.Count)
	}

	var nd nodesDocument
	if err := readJSONFile(filepath.Join(dir, nodesFile), &nd); err != nil {
		return nil, fmt.Errorf("%w: nodes: %v", ErrCorruptSnapshot, err)
	}

	dim, vectors, err := readVectors(filepath.Join(dir, vectorsFile))
	if err != nil {
		return nil, fmt.Errorf("%w: vectors: %v", ErrCorruptSnapshot, err)
	}

	if dim != m.Dimension {
		return nil, fmt.Errorf("%w: vector file dimension %d disagrees with manifest %d",
			ErrCorruptSnapshot, dim, m.Dimension)
	}
	if len(vectors) != m.Count || len(nd.Nodes) != m.Count {
		return nil, fmt.Errorf("%w: counts disagree: manifest=%d vectors=%d nodes=%d",
			ErrCorruptSnapshot, m.Count, len(vectors), len(nd.Nodes))
	}

	store, err := New(m.Dimension)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if m.Count > 0 {
		if err := store.Add(nd.Nodes, vectors); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	}

	sn.logger.Debug("snapshot loaded",
		zap.String("name", name),
		zap.Int("nodes", store.Len()))
	return store, nil
}

// publishCurrent atomically replaces the CURRENT pointer.
func (sn *Snapshotter) publishCurrent(name string) error {
	tmp, err := os.CreateTemp(sn.root, currentFile+".tmp-")
	if err != nil {
		return fmt.Errorf("creating CURRENT temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.WriteString(name + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("writing CURRENT: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing CURRENT: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing CURRENT: %w", err)
	}
	if err := os.Rename(tmpName, filepath.Join(sn.root, currentFile)); err != nil {
		return fmt.Errorf("publishing CURRENT: %w", err)
	}
	return nil
}

// gc removes snapshots other than current and any leftover staging
// directories. Failures are logged, never returned: stale directories cost
// disk, not correctness.
func (sn *Snapshotter) gc(current string) {
	entries, err := os.ReadDir(sn.root)
	if err != nil {
		sn.logger.Warn("snapshot gc: reading root", zap.Error(err))
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		if name == current {
			continue
		}
		if strings.HasPrefix(name, snapshotPref) || strings.HasPrefix(name, stagingPref) {
			if err := os.RemoveAll(filepath.Join(sn.root, name)); err != nil {
				sn.logger.Warn("snapshot gc: removing stale directory",
					zap.String("name", name), zap.Error(err))
			}
		}
	}
}

// writeVectors writes the embedding matrix: a magic string, dimension and
// row count as uint32 little-endian, then row-major float32 data. The file
// is flushed to disk before returning.
func writeVectors(path string, store *Store) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.WriteString(vectorsMagic); err != nil {
		return fmt.Errorf("writing vector header: %w", err)
	}
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:4], uint32(store.dimension))
	binary.LittleEndian.PutUint32(header[4:8], uint32(store.Len()))
	if _, err := f.Write(header); err != nil {
		return fmt.Errorf("writing vector header: %w", err)
	}

	row := make([]byte, 4*store.dimension)
	for _, vec := range store.embeddings {
		for i, v := range vec {
			binary.LittleEndian.PutUint32(row[4*i:], math.Float32bits(v))
		}
		if _, err := f.Write(row); err != nil {
			return fmt.Errorf("writing vector row: %w", err)
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}

// readVectors parses a vectors.dat file, returning dimension and rows.
func readVectors(path string) (int, [][]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, nil, err
	}
	defer f.Close()

	magic := make([]byte, len(vectorsMagic))
	if _, err := io.ReadFull(f, magic); err != nil {
		return 0, nil, fmt.Errorf("reading magic: %w", err)
	}
	if string(magic) != vectorsMagic {
		return 0, nil, fmt.Errorf("bad magic %q", magic)
	}

	header := make([]byte, 8)
	if _, err := io.ReadFull(f, header); err != nil {
		return 0, nil, fmt.Errorf("reading header: %w", err)
	}
	dim := int(binary.LittleEndian.Uint32(header[0:4]))
	count := int(binary.LittleEndian.Uint32(header[4:8]))
	// Bound both header fields before sizing any buffer from them, so a
	// corrupt header cannot drive a huge allocation.
	if dim <= 0 || dim > maxVectorDim || count < 0 || count > maxVectorRows {
		return 0, nil, fmt.Errorf("implausible header: dimension=%d count=%d", dim, count)
	}

	vectors := make([][]float32, count)
	row := make([]byte, 4*dim)
	for i := 0; i < count; i++ {
		if _, err := io.ReadFull(f, row); err != nil {
			return 0, nil, fmt.Errorf("reading row %d: %w", i, err)
		}
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(row[4*j:]))
		}
		vectors[i] = vec
	}

	// Trailing garbage means the file does not match its own header.
	if n, _ := f.Read(make([]byte, 1)); n != 0 {
		return 0, nil, fmt.Errorf("trailing data after %d rows", count)
	}

	return dim, vectors, nil
}

func writeJSONFile(path string, v any) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", path, err)
	}
	return nil
}

func readJSONFile(path string, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// syncDir fsyncs a directory so renames inside it are durable. Best-effort:
// some filesystems reject directory fsync.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
