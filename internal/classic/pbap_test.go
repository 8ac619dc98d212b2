package classic

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountVCardEntriesCountsBeginMarkers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pb.vcf")
	content := "BEGIN:VCARD\nFN:Alice\nEND:VCARD\nbegin:vcard\nFN:Bob\nEND:VCARD\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	n, err := countVCardEntries(path)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFinalizePullMovesAndHashes(t *testing.T) {
	srcDir := t.TempDir()
	destDir := t.TempDir()
	src := filepath.Join(srcDir, "telecom-pb.vcf")
	require.NoError(t, os.WriteFile(src, []byte("BEGIN:VCARD\nFN:Alice\nEND:VCARD\n"), 0o644))

	res, err := finalizePull(src, destDir)
	require.NoError(t, err)
	assert.Equal(t, 1, res.EntryCount)
	assert.NotEmpty(t, res.ContentHash)
	assert.FileExists(t, res.DestPath)
	assert.NoFileExists(t, src)
}

func TestFinalizePullMissingSourceErrors(t *testing.T) {
	_, err := finalizePull(filepath.Join(t.TempDir(), "missing.vcf"), t.TempDir())
	assert.Error(t, err)
}
