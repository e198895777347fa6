// Package memory keeps resume checkpoints in process memory.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/geotile-pipeline/internal/pipeline"
)

// Checkpoint is an in-memory pipeline.Checkpoint.
type Checkpoint struct {
	mu   sync.RWMutex
	runs map[string]map[pipeline.TileKey]bool
}

// New returns an empty Checkpoint.
func New() *Checkpoint {
	return &Checkpoint{runs: make(map[string]map[pipeline.TileKey]bool)}
}

// Completed returns a copy of the completed tile set for runKey.
func (c *Checkpoint) Completed(_ context.Context, runKey string) (map[pipeline.TileKey]bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[pipeline.TileKey]bool, len(c.runs[runKey]))
	for k := range c.runs[runKey] {
		out[k] = true
	}
	return out, nil
}

// MarkCompleted adds key to runKey's completed set.
func (c *Checkpoint) MarkCompleted(_ context.Context, runKey string, key pipeline.TileKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	set := c.runs[runKey]
	if set == nil {
		set = make(map[pipeline.TileKey]bool)
		c.runs[runKey] = set
	}
	set[key] = true
	return nil
}
