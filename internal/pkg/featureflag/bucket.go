package featureflag

import (
	"fmt"
	"hash/fnv"

	"github.com/haruworks/subsync/app/models"
)

// Bucket folds (userKey, flagKey) into a stable value in [0,100). The same
// pair always lands in the same bucket, so raising a rollout percentage can
// only add users, never remove already-enabled ones.
func Bucket(userKey, flagKey string) int {
	h := fnv.New32a()
	h.Write([]byte(userKey + ":" + flagKey))
	return int(h.Sum32() % 100)
}

// VariantForBucket maps a bucket to its A/B variant. Variant percentages must
// sum to exactly 100; they partition [0,100) into contiguous ranges in the
// declared order.
func VariantForBucket(bucket int, variants []models.ABVariant) (string, error) {
	total := 0
	for _, v := range variants {
		total += v.Percentage
	}
	if total != 100 {
		return "", fmt.Errorf("variant percentages sum to %d, expected 100", total)
	}

	upper := 0
	for _, v := range variants {
		upper += v.Percentage
		if bucket < upper {
			return v.Name, nil
		}
	}
	return "", fmt.Errorf("bucket %d not covered by variants", bucket)
}
