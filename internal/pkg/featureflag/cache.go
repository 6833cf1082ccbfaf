package featureflag

import (
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/haruworks/subsync/app/models"
	"github.com/haruworks/subsync/internal/pkg/cache"
)

const (
	flagCachePrefix = "feature_flag:"
	flagCacheTTL    = 5 * time.Minute
)

func flagCacheKey(key string) string {
	return flagCachePrefix + key
}

// flagCacheEntry carries the raw JSON columns explicitly, since the model
// hides them from its API representation.
type flagCacheEntry struct {
	ID                uint      `json:"id"`
	Key               string    `json:"key"`
	Description       string    `json:"description"`
	Enabled           bool      `json:"enabled"`
	RolloutPercentage int       `json:"rollout_percentage"`
	UserSegmentsJSON  string    `json:"user_segments_json"`
	ConditionsJSON    string    `json:"conditions_json"`
	MetadataJSON      string    `json:"metadata_json"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// cachedFlag returns the cached flag definition, or nil on a miss or a cache
// error. Cache failures are never fatal; the caller falls back to the store.
func cachedFlag(key string) *models.FeatureFlag {
	raw, err := cache.Get(flagCacheKey(key))
	if err != nil {
		return nil
	}
	var entry flagCacheEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		log.Warnf("[FeatureFlag] Dropping corrupt cache entry for %s: %v", key, err)
		_ = cache.Delete(flagCacheKey(key))
		return nil
	}
	return &models.FeatureFlag{
		ID:                entry.ID,
		Key:               entry.Key,
		Description:       entry.Description,
		Enabled:           entry.Enabled,
		RolloutPercentage: entry.RolloutPercentage,
		UserSegmentsJSON:  entry.UserSegmentsJSON,
		ConditionsJSON:    entry.ConditionsJSON,
		MetadataJSON:      entry.MetadataJSON,
		CreatedAt:         entry.CreatedAt,
		UpdatedAt:         entry.UpdatedAt,
	}
}

// storeCachedFlag replaces the cache entry after a store write or a cold read.
func storeCachedFlag(flag *models.FeatureFlag) {
	entry := flagCacheEntry{
		ID:                flag.ID,
		Key:               flag.Key,
		Description:       flag.Description,
		Enabled:           flag.Enabled,
		RolloutPercentage: flag.RolloutPercentage,
		UserSegmentsJSON:  flag.UserSegmentsJSON,
		ConditionsJSON:    flag.ConditionsJSON,
		MetadataJSON:      flag.MetadataJSON,
		CreatedAt:         flag.CreatedAt,
		UpdatedAt:         flag.UpdatedAt,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		log.Warnf("[FeatureFlag] Cannot serialize flag %s for cache: %v", flag.Key, err)
		return
	}
	if err := cache.Set(flagCacheKey(flag.Key), string(data), flagCacheTTL); err != nil {
		log.Warnf("[FeatureFlag] Cannot cache flag %s: %v", flag.Key, err)
	}
}
