package worker

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// TileJobs builds one job per tile. Every tile mosaics the same scene list.
func TileJobs(tiles []pipeline.TileRequest, scenes []pipeline.SceneRef) []*pipeline.FetchJob {
	jobs := make([]*pipeline.FetchJob, 0, len(tiles))
	for i := range tiles {
		tile := tiles[i]
		jobs = append(jobs, &pipeline.FetchJob{
			ID:     "tile-" + tile.Key.String(),
			Kind:   pipeline.JobKindTile,
			Target: pipeline.Target{Tile: &tile},
			Scenes: append([]pipeline.SceneRef(nil), scenes...),
		})
	}
	return jobs
}

// PageJobs builds one job per dataset page URL. Blank and repeated URLs are skipped.
func PageJobs(urls []string) []*pipeline.FetchJob {
	seen := make(map[string]struct{}, len(urls))
	jobs := make([]*pipeline.FetchJob, 0, len(urls))
	for _, raw := range urls {
		u := strings.TrimSpace(raw)
		if u == "" {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		jobs = append(jobs, &pipeline.FetchJob{
			ID:     fmt.Sprintf("page-%04d", len(jobs)),
			Kind:   pipeline.JobKindPage,
			Target: pipeline.Target{URL: u},
		})
	}
	return jobs
}

// ExpandURL fills a scene URL template for one tile. Supported placeholders:
// {scene} {row} {col} {key} {minx} {miny} {maxx} {maxy} {width} {height} {bands}.
func ExpandURL(template string, tile pipeline.TileRequest, scene pipeline.SceneRef) string {
	coord := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	r := strings.NewReplacer(
		"{scene}", scene.ID,
		"{row}", strconv.Itoa(tile.Key.Row),
		"{col}", strconv.Itoa(tile.Key.Col),
		"{key}", tile.Key.String(),
		"{minx}", coord(tile.BBox.MinX),
		"{miny}", coord(tile.BBox.MinY),
		"{maxx}", coord(tile.BBox.MaxX),
		"{maxy}", coord(tile.BBox.MaxY),
		"{width}", strconv.Itoa(tile.Width),
		"{height}", strconv.Itoa(tile.Height),
		"{bands}", strings.Join(tile.Bands, ","),
	)
	return r.Replace(template)
}

// sceneJob derives the fetch job for one scene of a tile job.
func sceneJob(parent *pipeline.FetchJob, scene pipeline.SceneRef) *pipeline.FetchJob {
	ref := scene
	byteRange := parent.Target.ByteRange
	if scene.ByteRange != "" {
		byteRange = ExpandURL(scene.ByteRange, *parent.Target.Tile, scene)
	}
	return &pipeline.FetchJob{
		ID:   parent.ID + "/" + scene.ID,
		Kind: pipeline.JobKindTile,
		Target: pipeline.Target{
			URL:       ExpandURL(scene.URLTemplate, *parent.Target.Tile, scene),
			Tile:      parent.Target.Tile,
			Scene:     &ref,
			ByteRange: byteRange,
		},
		Requeues: parent.Requeues,
	}
}
