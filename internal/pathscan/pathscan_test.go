package pathscan

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestScanFindsExistingArtifacts(t *testing.T) {
	work := t.TempDir()
	touch(t, filepath.Join(work, "report.pdf"))
	touch(t, filepath.Join(work, "out", "summary.md"))

	output := "Wrote report.pdf and out/summary.md, skipped missing.csv"
	found := Scan(output, work)
	require.Equal(t, []string{
		filepath.Join(work, "report.pdf"),
		filepath.Join(work, "out", "summary.md"),
	}, found)
}

func TestScanIgnoresOutsideWorkDir(t *testing.T) {
	work := t.TempDir()
	outside := filepath.Join(t.TempDir(), "leak.pdf")
	touch(t, outside)

	require.Empty(t, Scan("see "+outside, work))
	require.Empty(t, Scan("see ../escape.pdf", work))
}

func TestScanIgnoresURLsSourceFilesAndDirs(t *testing.T) {
	work := t.TempDir()
	touch(t, filepath.Join(work, "main.go"))
	require.NoError(t, os.MkdirAll(filepath.Join(work, "dir.html"), 0o755))

	output := "built main.go, see https://example.com/doc.pdf and dir.html"
	require.Empty(t, Scan(output, work))
}

func TestScanDeduplicates(t *testing.T) {
	work := t.TempDir()
	touch(t, filepath.Join(work, "chart.png"))

	found := Scan("chart.png then chart.png again", work)
	require.Len(t, found, 1)
}
