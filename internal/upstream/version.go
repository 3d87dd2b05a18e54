package upstream

import (
	"context"
	"sync"

	"github.com/wagate/wagate/internal/log"
)

// FallbackVersion is used when version resolution fails, so socket
// construction is never blocked on a flaky lookup.
var FallbackVersion = Version{2, 3000, 1015901307}

// VersionResolver resolves the current upstream protocol version.
type VersionResolver interface {
	ResolveVersion(ctx context.Context) (Version, error)
}

// CachedVersionResolver memoises the first successful resolution for the
// process lifetime and falls back to FallbackVersion on failure.
type CachedVersionResolver struct {
	Inner VersionResolver

	mu       sync.Mutex
	resolved bool
	version  Version
}

func (c *CachedVersionResolver) ResolveVersion(ctx context.Context) (Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolved {
		return c.version, nil
	}

	v, err := c.Inner.ResolveVersion(ctx)
	if err != nil {
		logger := log.WithComponent("upstream")
		logger.Warn().
			Err(err).
			Msg("version lookup failed, using fallback")
		return FallbackVersion, nil
	}

	c.resolved = true
	c.version = v
	return v, nil
}
