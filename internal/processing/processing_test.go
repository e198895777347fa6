package processing

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

func float(v float64) *float64 { return &v }

func TestDefaultRegistry(t *testing.T) {
	t.Parallel()

	reg := DefaultRegistry()
	require.Equal(t, []string{"generic", "landsat-8", "landsat-9", "sentinel-2"}, reg.IDs())

	s2, err := reg.Get("sentinel-2")
	require.NoError(t, err)
	require.Equal(t, []string{"B02", "B03", "B04", "B08"}, s2.BandNames())
	require.Equal(t, MaskThreshold, s2.Mask.Kind)

	l9, err := reg.Get("landsat-9")
	require.NoError(t, err)
	require.Equal(t, MaskRatio, l9.Mask.Kind)

	_, err = reg.Get("spot-7")
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)
}

func TestLoadProfilesRejectsInvalid(t *testing.T) {
	t.Parallel()

	doc := `
profiles:
  - id: broken
    bands:
      - {name: b1, gain: 1}
    mask:
      kind: threshold
      band: b9
      max: 10
`
	_, err := LoadProfiles(strings.NewReader(doc))
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)

	_, err = LoadProfiles(strings.NewReader("profiles:\n  - id: x\n    colour: red\n"))
	require.Error(t, err)
}

func TestDecodeScenePNGWithAlpha(t *testing.T) {
	t.Parallel()

	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 40, G: 50, B: 60, A: 0})
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	profile, err := DefaultRegistry().Get("generic")
	require.NoError(t, err)
	scene, err := DecodeScene(buf.Bytes(), profile)
	require.NoError(t, err)

	require.Equal(t, 2, scene.Width)
	require.Equal(t, 1, scene.Height)
	require.Equal(t, []float64{10, 40}, scene.Bands[0])
	require.Equal(t, 30.0, scene.Bands[2][0])
	require.Equal(t, []bool{true, false}, scene.Valid)
}

func TestDecodeSceneTIFF16WithNoData(t *testing.T) {
	t.Parallel()

	img := image.NewGray16(image.Rect(0, 0, 3, 1))
	img.SetGray16(0, 0, color.Gray16{Y: 1200})
	img.SetGray16(1, 0, color.Gray16{Y: 0})
	img.SetGray16(2, 0, color.Gray16{Y: 40000})
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))

	profile := SensorProfile{ID: "pan", Bands: []BandSpec{{Name: "pan", Gain: 1}}, NoData: float(0)}
	scene, err := DecodeScene(buf.Bytes(), profile)
	require.NoError(t, err)
	require.Equal(t, []float64{1200, 0, 40000}, scene.Bands[0])
	require.Equal(t, []bool{true, false, true}, scene.Valid)
}

func TestDecodeSceneTooFewChannels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewGray(image.Rect(0, 0, 1, 1))))
	profile, err := DefaultRegistry().Get("sentinel-2")
	require.NoError(t, err)
	_, err = DecodeScene(buf.Bytes(), profile)
	require.ErrorContains(t, err, "needs 4")

	_, err = DecodeScene([]byte("not an image"), profile)
	require.Error(t, err)
}

func newScene(id string, at time.Time, bands [][]float64, valid []bool) Scene {
	return Scene{ID: id, AcquiredAt: at, Width: len(valid), Height: 1, Bands: bands, Valid: valid}
}

func TestMaskThresholdAndRatio(t *testing.T) {
	t.Parallel()

	threshold := SensorProfile{
		ID:    "t",
		Bands: []BandSpec{{Name: "blue", Gain: 1}},
		Mask:  MaskRule{Kind: MaskThreshold, Band: "blue", Min: 10, Max: 100},
	}
	s := newScene("a", time.Time{}, [][]float64{{5, 50, 150, 60}}, []bool{true, true, true, false})
	require.Equal(t, 2, Mask(&s, threshold))
	require.Equal(t, []bool{false, true, false, false}, s.Valid)
	require.Equal(t, []float64{5, 50, 150, 60}, s.Bands[0], "mask never alters values")

	ratio := SensorProfile{
		ID:    "r",
		Bands: []BandSpec{{Name: "blue", Gain: 1}, {Name: "nir", Gain: 1}},
		Mask:  MaskRule{Kind: MaskRatio, Numerator: "blue", Denominator: "nir", Max: 0.9},
	}
	s = newScene("b", time.Time{}, [][]float64{{10, 95, 3}, {100, 100, 0}}, []bool{true, true, true})
	require.Equal(t, 2, Mask(&s, ratio))
	require.Equal(t, []bool{true, false, false}, s.Valid)
}

func TestScale(t *testing.T) {
	t.Parallel()

	profile, err := DefaultRegistry().Get("sentinel-2")
	require.NoError(t, err)
	s := newScene("a", time.Time{}, [][]float64{{2000}, {1000}, {3000}, {11000}}, []bool{true})
	Scale(&s, profile)
	require.InDelta(t, 0.1, s.Bands[0][0], 1e-9)
	require.InDelta(t, 0.0, s.Bands[1][0], 1e-9)
	require.InDelta(t, 1.0, s.Bands[3][0], 1e-9)
}

func TestMosaicMostRecentValidPixel(t *testing.T) {
	t.Parallel()

	profile := SensorProfile{ID: "p", Bands: []BandSpec{{Name: "b", Gain: 1}}}
	jan := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	mar := time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	old := newScene("old", jan, [][]float64{{1, 1, 1, 1}}, []bool{true, true, false, true})
	recent := newScene("new", mar, [][]float64{{2, 2, 2, 2}}, []bool{true, false, false, true})

	key := pipeline.TileKey{Row: 3, Col: 4}
	forward, err := Mosaic(key, profile, []Scene{old, recent})
	require.NoError(t, err)
	backward, err := Mosaic(key, profile, []Scene{recent, old})
	require.NoError(t, err)

	for _, tile := range []pipeline.ProcessedTile{forward, backward} {
		v := tile.Bands[0].Values
		require.Equal(t, 2.0, v[0])
		require.Equal(t, 1.0, v[1])
		require.Equal(t, 2.0, v[2], "uncovered pixel keeps the latest scene's value")
		require.Equal(t, 2.0, v[3])
		require.Equal(t, []bool{true, true, false, true}, tile.Valid)
		require.Equal(t, mar, tile.AcquiredAt)
		require.False(t, tile.AllInvalid)
		require.Equal(t, key, tile.Key)
	}
	require.Equal(t, forward.Sources, backward.Sources)
}

func TestMosaicSizeMismatch(t *testing.T) {
	t.Parallel()

	profile := SensorProfile{ID: "p", Bands: []BandSpec{{Name: "b", Gain: 1}}}
	a := newScene("a", time.Time{}, [][]float64{{1, 2}}, []bool{true, true})
	b := newScene("b", time.Time{}, [][]float64{{1}}, []bool{true})
	_, err := Mosaic(pipeline.TileKey{}, profile, []Scene{a, b})
	require.ErrorIs(t, err, ErrSizeMismatch)

	_, err = Mosaic(pipeline.TileKey{}, profile, nil)
	require.Error(t, err)
}

func TestProcessFullyCloudedTileIsNotAnError(t *testing.T) {
	t.Parallel()

	p, err := New(nil, "sentinel-2", nil)
	require.NoError(t, err)

	req := pipeline.TileRequest{Key: pipeline.TileKey{Row: 0, Col: 1}, Width: 2, Height: 1}
	cloudy := Scene{
		ID: "S2A_1", AcquiredAt: time.Now(), Width: 2, Height: 1,
		Bands: [][]float64{{9000, 8000}, {7000, 7000}, {7000, 7000}, {7000, 7000}},
		Valid: []bool{true, true},
	}
	tile, err := p.Process(req, []Scene{cloudy})
	require.NoError(t, err)
	require.True(t, tile.AllInvalid)
	require.Zero(t, tile.ValidCount())
	require.Equal(t, []bool{false, false}, tile.Valid)
	require.InDelta(t, 0.8, tile.Bands[0].Values[0], 1e-9)
	require.InDelta(t, 0.7, tile.Bands[0].Values[1], 1e-9)
	require.Equal(t, "sentinel-2", tile.Sensor)
	require.Equal(t, []string{"S2A_1"}, tile.Sources)
}

func TestProcessScalesClearPixels(t *testing.T) {
	t.Parallel()

	p, err := New(nil, "sentinel-2", nil)
	require.NoError(t, err)
	req := pipeline.TileRequest{Key: pipeline.TileKey{}, Width: 2, Height: 1}
	scene := Scene{
		ID: "S2B_2", AcquiredAt: time.Now(), Width: 2, Height: 1,
		Bands: [][]float64{{1500, 9000}, {1600, 1600}, {1700, 1700}, {4000, 4000}},
		Valid: []bool{true, true},
	}
	tile, err := p.Process(req, []Scene{scene})
	require.NoError(t, err)
	require.False(t, tile.AllInvalid)
	require.Equal(t, []bool{true, false}, tile.Valid)
	require.InDelta(t, 0.05, tile.Bands[0].Values[0], 1e-9)

	_, err = p.Process(pipeline.TileRequest{Width: 3, Height: 3}, []Scene{scene})
	require.ErrorIs(t, err, ErrSizeMismatch)
}

func TestNewUnknownSensor(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "modis", nil)
	require.ErrorIs(t, err, pipeline.ErrInvalidConfig)
}

func TestEncodeDecodeTile(t *testing.T) {
	t.Parallel()

	tile := pipeline.ProcessedTile{
		Key:        pipeline.TileKey{Row: 1, Col: 2},
		Sensor:     "landsat-9",
		AcquiredAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Width:      3,
		Height:     3,
		Bands: []pipeline.BandData{
			{Name: "SR_B2", Values: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, math.NaN()}},
		},
		Valid:   []bool{true, true, true, true, true, true, true, true, false},
		Sources: []string{"LC09_a"},
	}
	data, err := Encode(tile)
	require.NoError(t, err)

	got, err := DecodeTile(data)
	require.NoError(t, err)
	require.Equal(t, tile.Key, got.Key)
	require.Equal(t, tile.Valid, got.Valid)
	require.InDelta(t, 0.5, got.Bands[0].Values[4], 1e-6)
	require.True(t, math.IsNaN(got.Bands[0].Values[8]))

	_, err = DecodeTile(append(data, 0))
	require.Error(t, err)

	tile.Valid = tile.Valid[:2]
	_, err = Encode(tile)
	require.Error(t, err)
}
