package recurrence

import (
	"time"
)

// EngineConfig holds configuration options for the recurrence engine
type EngineConfig struct {
	// MaxTimeSpan bounds the expansion of open-ended windows.
	MaxTimeSpan time.Duration
	Cache       CacheConfig
}

// DefaultEngineConfig expands two years and caches expansions.
var DefaultEngineConfig = EngineConfig{
	MaxTimeSpan: 2 * 365 * 24 * time.Hour,
	Cache:       DefaultCacheConfig,
}

// DisabledCacheConfig turns off caching entirely
var DisabledCacheConfig = EngineConfig{
	MaxTimeSpan: 2 * 365 * 24 * time.Hour,
}

// NewEngineWithConfig creates a new recurrence engine with custom configuration
func NewEngineWithConfig(config EngineConfig) *Engine {
	e := &Engine{MaxTimeSpan: config.MaxTimeSpan}
	if config.Cache.MaxEntries > 0 {
		e.cache = NewExpansionCache(config.Cache)
	}
	return e
}
