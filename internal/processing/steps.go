package processing

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// ErrSizeMismatch is returned when scenes disagree on raster dimensions.
var ErrSizeMismatch = errors.New("scene size mismatch")

// Mask marks pixels failing rule as invalid. Values are left untouched.
func Mask(scene *Scene, profile SensorProfile) int {
	rule := profile.Mask
	masked := 0
	switch rule.Kind {
	case MaskThreshold:
		band := scene.Bands[profile.bandIndex(rule.Band)]
		for i, ok := range scene.Valid {
			if ok && outside(band[i], rule.Min, rule.Max) {
				scene.Valid[i] = false
				masked++
			}
		}
	case MaskRatio:
		num := scene.Bands[profile.bandIndex(rule.Numerator)]
		den := scene.Bands[profile.bandIndex(rule.Denominator)]
		for i, ok := range scene.Valid {
			if !ok {
				continue
			}
			if den[i] == 0 || outside(num[i]/den[i], rule.Min, rule.Max) {
				scene.Valid[i] = false
				masked++
			}
		}
	}
	return masked
}

func outside(v, lo, hi float64) bool {
	return (hi > 0 && v > hi) || (lo > 0 && v < lo)
}

// Scale converts raw digital numbers to physical units in place.
func Scale(scene *Scene, profile SensorProfile) {
	for b, bs := range profile.Bands {
		values := scene.Bands[b]
		for i := range values {
			values[i] = values[i]*bs.Gain + bs.Offset
		}
	}
}

// Mosaic combines scenes by the most-recent-valid-pixel rule: for every pixel
// the latest acquisition with a valid value wins. Scenes with equal timestamps
// are ordered by ID so the output does not depend on input order. A pixel no
// scene has valid is marked invalid and keeps the latest scene's value.
func Mosaic(key pipeline.TileKey, profile SensorProfile, scenes []Scene) (pipeline.ProcessedTile, error) {
	if len(scenes) == 0 {
		return pipeline.ProcessedTile{}, errors.New("mosaic needs at least one scene")
	}
	w, h := scenes[0].Width, scenes[0].Height
	for _, s := range scenes[1:] {
		if s.Width != w || s.Height != h {
			return pipeline.ProcessedTile{}, fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch, s.Width, s.Height, w, h)
		}
	}

	ordered := append([]Scene(nil), scenes...)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].AcquiredAt.Equal(ordered[j].AcquiredAt) {
			return ordered[i].AcquiredAt.After(ordered[j].AcquiredAt)
		}
		return ordered[i].ID > ordered[j].ID
	})

	tile := pipeline.ProcessedTile{
		Key:    key,
		Sensor: profile.ID,
		Width:  w,
		Height: h,
		Bands:  make([]pipeline.BandData, len(profile.Bands)),
		Valid:  make([]bool, w*h),
	}
	for b, bs := range profile.Bands {
		values := append([]float64(nil), ordered[0].Bands[b]...)
		tile.Bands[b] = pipeline.BandData{Name: bs.Name, Values: values}
	}

	used := make([]bool, len(ordered))
	for i := 0; i < w*h; i++ {
		for s := range ordered {
			if !ordered[s].Valid[i] {
				continue
			}
			for b := range tile.Bands {
				tile.Bands[b].Values[i] = ordered[s].Bands[b][i]
			}
			tile.Valid[i] = true
			used[s] = true
			break
		}
	}

	var latest time.Time
	for s, scene := range ordered {
		tile.Sources = append(tile.Sources, scene.ID)
		if used[s] && scene.AcquiredAt.After(latest) {
			latest = scene.AcquiredAt
		}
	}
	tile.AcquiredAt = latest
	tile.AllInvalid = tile.ValidCount() == 0
	return tile, nil
}
