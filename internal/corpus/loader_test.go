package corpus

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadDirMissingDirectory(t *testing.T) {
	l := NewLoader(zap.NewNop())
	docs, err := l.LoadDir(filepath.Join(t.TempDir(), "absent"), "datasheets")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestLoadDirReadsRegularFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "lm317.txt"), []byte("Adjustable regulator.\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ne555.md"), []byte("Timer IC."), 0o644))
	// Hidden files and subdirectories are skipped.
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".hidden"), []byte("nope"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "learned"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "learned", "x.txt"), []byte("nested"), 0o644))

	l := NewLoader(zap.NewNop())
	docs, err := l.LoadDir(dir, "datasheets")
	require.NoError(t, err)
	require.Len(t, docs, 2)

	texts := []string{docs[0].Text, docs[1].Text}
	assert.Contains(t, texts, "Adjustable regulator.")
	assert.Contains(t, texts, "Timer IC.")
	for _, d := range docs {
		assert.NotEmpty(t, d.ID)
		assert.Equal(t, "datasheets", d.Metadata["corpus"])
		assert.NotEmpty(t, d.Metadata["file"])
	}
}

func TestLoadDirSkipsEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.txt"), []byte("  \n "), 0o644))

	docs, err := NewLoader(nil).LoadDir(dir, "datasheets")
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestLoadFileRejectsInvalidUTF8(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "blob.bin")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))

	_, err := NewLoader(nil).LoadFile(path, "datasheets")
	assert.Error(t, err)
}
