package artifacts

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectAndArchive(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "final_temperature.csv"), []byte("x,T\n0,0\n"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "plots"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "plots", "profile.txt"), []byte("plot"), 0o644))

	has, err := store.HasArtifacts("job-1")
	require.NoError(t, err)
	assert.False(t, has, "missing directory has no artifacts")

	n, err := store.Collect("job-1", src)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	has, err = store.HasArtifacts("job-1")
	require.NoError(t, err)
	assert.True(t, has)

	var buf bytes.Buffer
	require.NoError(t, store.WriteArchive(context.Background(), "job-1", &buf))

	gz, err := gzip.NewReader(&buf)
	require.NoError(t, err)
	tr := tar.NewReader(gz)

	files := map[string]string{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			require.NoError(t, err)
			files[hdr.Name] = string(data)
		}
	}
	assert.Equal(t, "x,T\n0,0\n", files["final_temperature.csv"])
	assert.Equal(t, "plot", files["plots/profile.txt"])
}

func TestPrepareIsEmpty(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Prepare("job-2")
	require.NoError(t, err)
	has, err := store.HasArtifacts("job-2")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.Remove("job-2"))
	_, err = os.Stat(filepath.Join(store.Root(), "job-2"))
	assert.True(t, os.IsNotExist(err))
}

func TestRejectsTraversal(t *testing.T) {
	store, err := NewStore(t.TempDir())
	require.NoError(t, err)

	for _, id := range []string{"../etc", "a/b", "", ".hidden"} {
		_, err := store.Prepare(id)
		assert.Error(t, err, id)
	}
}
