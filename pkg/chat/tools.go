package chat

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/odvcencio/threadline/pkg/model"
	"github.com/odvcencio/threadline/pkg/tool"
)

// toolCache holds the backend tool list. Concurrent misses share one
// request; Reset forces the next caller to fetch again.
type toolCache struct {
	svc   ChatService
	group singleflight.Group

	mu         sync.RWMutex
	tools      []model.Tool
	loaded     bool
	generation uint64
}

func (c *toolCache) get(ctx context.Context) ([]model.Tool, error) {
	c.mu.RLock()
	if c.loaded {
		tools := c.tools
		c.mu.RUnlock()
		return tools, nil
	}
	gen := c.generation
	c.mu.RUnlock()

	v, err, _ := c.group.Do("tools", func() (any, error) {
		tools, err := c.svc.AvailableTools(ctx)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		if c.generation == gen {
			c.tools = tools
			c.loaded = true
		}
		c.mu.Unlock()
		return tools, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]model.Tool), nil
}

func (c *toolCache) reset() {
	c.mu.Lock()
	c.tools = nil
	c.loaded = false
	c.generation++
	c.mu.Unlock()
	c.group.Forget("tools")
}

// forMode returns the tools to send for mode. Quick mode never touches the
// backend.
func (c *toolCache) forMode(ctx context.Context, mode tool.Mode) ([]model.Tool, error) {
	if mode == tool.ModeQuick {
		return nil, nil
	}
	tools, err := c.get(ctx)
	if err != nil {
		return nil, err
	}
	return tool.ForMode(tools, mode), nil
}
