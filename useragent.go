package flarebypass

import (
	"context"
	"fmt"
	"sync"
)

// UserAgentCache remembers the browser user agent so that it is read from a
// session only once. The cached value is dropped when the session parameters
// that can change it differ from those it was read with.
type UserAgentCache struct {
	mu        sync.Mutex
	key       string
	userAgent string
}

// NewUserAgentCache creates an empty cache.
func NewUserAgentCache() *UserAgentCache {
	return &UserAgentCache{}
}

func userAgentKey(opts SessionOptions) string {
	return fmt.Sprintf("headless=%t;disable-gpu=%t", opts.Headless, opts.DisableGPU)
}

// Get returns the cached user agent for opts, calling fetch on a miss.
func (c *UserAgentCache) Get(ctx context.Context, opts SessionOptions, fetch func(context.Context) (string, error)) (string, error) {
	key := userAgentKey(opts)

	c.mu.Lock()
	if c.userAgent != "" && c.key == key {
		ua := c.userAgent
		c.mu.Unlock()
		return ua, nil
	}
	c.mu.Unlock()

	ua, err := fetch(ctx)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.key = key
	c.userAgent = ua
	c.mu.Unlock()
	return ua, nil
}

// Reset drops the cached value.
func (c *UserAgentCache) Reset() {
	c.mu.Lock()
	c.key = ""
	c.userAgent = ""
	c.mu.Unlock()
}
