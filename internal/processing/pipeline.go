package processing

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/geotile-pipeline/internal/metrics"
	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Pipeline applies mask, scale and mosaic for one sensor.
type Pipeline struct {
	profile SensorProfile
	logger  *zap.Logger
}

// New resolves sensor in registry and returns a Pipeline for it.
func New(registry *Registry, sensor string, logger *zap.Logger) (*Pipeline, error) {
	if registry == nil {
		registry = DefaultRegistry()
	}
	profile, err := registry.Get(sensor)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{profile: profile, logger: logger.With(zap.String("sensor", sensor))}, nil
}

// Profile returns the sensor profile in use.
func (p *Pipeline) Profile() SensorProfile { return p.profile }

// Decode decodes one fetched scene payload with the pipeline's profile.
func (p *Pipeline) Decode(ref pipeline.SceneRef, payload []byte) (Scene, error) {
	scene, err := DecodeScene(payload, p.profile)
	if err != nil {
		return Scene{}, fmt.Errorf("scene %s: %w", ref.ID, err)
	}
	scene.ID = ref.ID
	scene.AcquiredAt = ref.AcquiredAt
	return scene, nil
}

// Process masks and scales every scene and mosaics them into the tile. A tile
// whose pixels are all masked is returned with AllInvalid set, not an error.
// Scenes are modified in place.
func (p *Pipeline) Process(req pipeline.TileRequest, scenes []Scene) (pipeline.ProcessedTile, error) {
	for _, s := range scenes {
		if req.Width > 0 && req.Height > 0 && (s.Width != req.Width || s.Height != req.Height) {
			return pipeline.ProcessedTile{}, fmt.Errorf("tile %s scene %s: %w: got %dx%d, want %dx%d",
				req.Key, s.ID, ErrSizeMismatch, s.Width, s.Height, req.Width, req.Height)
		}
	}
	for i := range scenes {
		masked := Mask(&scenes[i], p.profile)
		Scale(&scenes[i], p.profile)
		p.logger.Debug("scene prepared",
			zap.String("tile", req.Key.String()),
			zap.String("scene", scenes[i].ID),
			zap.Int("masked", masked),
		)
	}
	tile, err := Mosaic(req.Key, p.profile, scenes)
	if err != nil {
		return pipeline.ProcessedTile{}, fmt.Errorf("tile %s: %w", req.Key, err)
	}
	metrics.ObserveTile(p.profile.ID, tile.AllInvalid)
	if tile.AllInvalid {
		p.logger.Info("tile fully masked", zap.String("tile", req.Key.String()), zap.Int("scenes", len(scenes)))
	}
	return tile, nil
}
