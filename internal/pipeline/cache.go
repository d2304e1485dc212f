package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/patrickmn/go-cache"
)

// CaptionCache remembers photo descriptions keyed by image digest, so
// redoing a portrait from the same photo skips the describe call.
type CaptionCache interface {
	Get(key string) (string, bool)
	Set(key, description string)
}

type memoryCaptionCache struct {
	c *cache.Cache
}

// NewCaptionCache returns an in-memory cache. cleanup <= 0 disables the
// background janitor; expired entries are then dropped lazily on Get.
func NewCaptionCache(ttl, cleanup time.Duration) CaptionCache {
	return &memoryCaptionCache{c: cache.New(ttl, cleanup)}
}

func (m *memoryCaptionCache) Get(key string) (string, bool) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (m *memoryCaptionCache) Set(key, description string) {
	m.c.Set(key, description, cache.DefaultExpiration)
}

func captionKey(data []byte) string {
	sum := sha256.Sum256(data)
	return "caption:" + hex.EncodeToString(sum[:])
}
