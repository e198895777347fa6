// Package local_test tests the local filesystem blob store.
package local_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/processing"
	"github.com/JakeFAU/geotile-pipeline/internal/storage"
	"github.com/JakeFAU/geotile-pipeline/internal/storage/local"
)

func TestNew(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		store, err := local.New(local.Config{BaseDir: t.TempDir()})
		require.NoError(t, err)
		assert.NotNil(t, store)
	})

	t.Run("CreatesMissingDir", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "a", "b")
		_, err := local.New(local.Config{BaseDir: dir})
		require.NoError(t, err)
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	})

	t.Run("MissingBaseDir", func(t *testing.T) {
		_, err := local.New(local.Config{})
		assert.Error(t, err)
	})

	t.Run("BaseDirIsNotADirectory", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "file")
		require.NoError(t, os.WriteFile(file, []byte("x"), 0o600))
		_, err := local.New(local.Config{BaseDir: file})
		assert.Error(t, err)
	})

	t.Run("BaseDirNotWritable", func(t *testing.T) {
		if os.Geteuid() == 0 {
			t.Skip("root ignores directory permissions")
		}
		tempDir := t.TempDir()
		// #nosec G302 -- directory permissions adjusted intentionally for test coverage.
		require.NoError(t, os.Chmod(tempDir, 0o500))
		t.Cleanup(func() {
			// #nosec G302 -- reverting permissions to allow cleanup.
			_ = os.Chmod(tempDir, 0o700)
		})
		_, err := local.New(local.Config{BaseDir: tempDir})
		assert.Error(t, err)
	})
}

func TestPutObject(t *testing.T) {
	tempDir := t.TempDir()
	store, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	t.Run("NestedPath", func(t *testing.T) {
		path := "run/sentinel-2/r0000_c0001.bsq"
		data := []byte("tile bytes")
		uri, err := store.PutObject(context.Background(), path, processing.ContentType, bytes.NewReader(data))
		require.NoError(t, err)
		assert.Equal(t, "file://"+filepath.Join(tempDir, path), uri)

		// #nosec G304 -- test reads from the controlled temp directory.
		readData, err := os.ReadFile(filepath.Join(tempDir, path))
		require.NoError(t, err)
		assert.Equal(t, data, readData)

		entries, err := os.ReadDir(filepath.Join(tempDir, "run", "sentinel-2"))
		require.NoError(t, err)
		for _, e := range entries {
			assert.False(t, strings.HasPrefix(e.Name(), ".tmp-"), "temp file left behind")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "x.bsq", "", bytes.NewReader([]byte("one")))
		require.NoError(t, err)
		_, err = store.PutObject(context.Background(), "x.bsq", "", bytes.NewReader([]byte("two")))
		require.NoError(t, err)
		// #nosec G304 -- test reads from the controlled temp directory.
		got, err := os.ReadFile(filepath.Join(tempDir, "x.bsq"))
		require.NoError(t, err)
		assert.Equal(t, "two", string(got))
	})

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "", "", bytes.NewReader([]byte("data")))
		assert.Error(t, err)
	})

	t.Run("Traversal", func(t *testing.T) {
		_, err := store.PutObject(context.Background(), "../escape.bsq", "", bytes.NewReader([]byte("data")))
		assert.ErrorContains(t, err, "path traversal")
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := store.PutObject(ctx, "late.bsq", "", bytes.NewReader([]byte("data")))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestTileWriterRoundTripOnDisk(t *testing.T) {
	tempDir := t.TempDir()
	blobs, err := local.New(local.Config{BaseDir: tempDir})
	require.NoError(t, err)

	tile := pipeline.ProcessedTile{
		Key:    pipeline.TileKey{Row: 1, Col: 3},
		Sensor: "landsat-8",
		Width:  1,
		Height: 2,
		Bands:  []pipeline.BandData{{Name: "SR_B2", Values: []float64{0.25, 0.5}}},
		Valid:  []bool{true, true},
	}
	uri, err := storage.NewTileWriter(blobs, "tiles", nil).WriteTile(context.Background(), "run-9", tile)
	require.NoError(t, err)

	path := strings.TrimPrefix(uri, "file://")
	// #nosec G304 -- path comes from the store rooted in the temp directory.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	decoded, err := processing.DecodeTile(data)
	require.NoError(t, err)
	require.Equal(t, tile.Key, decoded.Key)
	require.InDeltaSlice(t, []float64{0.25, 0.5}, decoded.Bands[0].Values, 1e-6)
}
