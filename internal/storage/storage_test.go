package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
	"github.com/JakeFAU/geotile-pipeline/internal/processing"
)

func sampleTile() pipeline.ProcessedTile {
	return pipeline.ProcessedTile{
		Key:        pipeline.TileKey{Row: 2, Col: 7},
		Sensor:     "sentinel-2",
		AcquiredAt: time.Date(2025, 5, 4, 10, 30, 0, 0, time.UTC),
		Width:      2,
		Height:     1,
		Bands: []pipeline.BandData{
			{Name: "B02", Values: []float64{0.1, 0.2}},
		},
		Valid:   []bool{true, false},
		Sources: []string{"S2A_1"},
	}
}

func TestTilePath(t *testing.T) {
	t.Parallel()

	require.Equal(t, "tiles/run-1/sentinel-2/r0002_c0007.bsq", TilePath("tiles", "run-1", sampleTile()))
	tile := sampleTile()
	tile.Sensor = ""
	require.Equal(t, "run-1/unknown/r0002_c0007.bsq", TilePath("", "run-1", tile))
}

func TestTileWriterEncodesAndPuts(t *testing.T) {
	t.Parallel()

	blobs := &MockBlobStore{}
	tile := sampleTile()
	blobs.On("PutObject", mock.Anything, "out/run-1/sentinel-2/r0002_c0007.bsq", processing.ContentType, mock.MatchedBy(func(data []byte) bool {
		decoded, err := processing.DecodeTile(data)
		return err == nil && decoded.Key == tile.Key && decoded.Width == 2
	})).Return("memory://out/run-1/sentinel-2/r0002_c0007.bsq", nil).Once()

	uri, err := NewTileWriter(blobs, "out", nil).WriteTile(context.Background(), "run-1", tile)
	require.NoError(t, err)
	require.Equal(t, "memory://out/run-1/sentinel-2/r0002_c0007.bsq", uri)
	blobs.AssertExpectations(t)
}

func TestTileWriterWrapsStoreErrors(t *testing.T) {
	t.Parallel()

	blobs := &MockBlobStore{}
	blobs.On("PutObject", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", errors.New("quota"))

	_, err := NewTileWriter(blobs, "", nil).WriteTile(context.Background(), "run-1", sampleTile())
	require.ErrorContains(t, err, "put tile r0002_c0007: quota")

	_, err = NewTileWriter(nil, "", nil).WriteTile(context.Background(), "run-1", sampleTile())
	require.Error(t, err)
}
