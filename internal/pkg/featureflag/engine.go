package featureflag

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/haruworks/subsync/app/models"
	"github.com/haruworks/subsync/internal/pkg/billing"
)

const anonymousUserKey = "anonymous"

// TierSource resolves a user's subscription tier for segment checks.
// *billing.Service satisfies it.
type TierSource interface {
	TierForUser(userID uint) billing.Tier
}

// EvalResult is the outcome of one flag evaluation.
type EvalResult struct {
	Enabled  bool                 `json:"enabled"`
	Reason   string               `json:"reason"`
	Metadata *models.FlagMetadata `json:"metadata,omitempty"`
}

// Engine evaluates feature flags. Reads go through a TTL cache with a
// cold-start fallback to the store; writes are write-through.
type Engine struct {
	store Repository
	tiers TierSource
}

func NewEngine(store Repository, tiers TierSource) *Engine {
	return &Engine{store: store, tiers: tiers}
}

// IsFeatureEnabled decides whether a flag is on for a user. It never returns
// an error: any internal failure fails closed with reason "evaluation error".
// userID 0 means anonymous. evalCtx supplies email and custom condition
// fields.
func (e *Engine) IsFeatureEnabled(key string, userID uint, evalCtx map[string]string) EvalResult {
	flag := cachedFlag(key)
	if flag == nil {
		stored, err := e.store.GetFlag(key)
		if err != nil {
			var nfe *billing.NotFoundError
			if errors.As(err, &nfe) {
				return EvalResult{Enabled: false, Reason: "not found"}
			}
			log.Errorf("[FeatureFlag] Loading flag %s failed: %v", key, err)
			return EvalResult{Enabled: false, Reason: "evaluation error"}
		}
		flag = stored
		storeCachedFlag(flag)
	}

	meta, err := flag.Metadata()
	if err != nil {
		log.Errorf("[FeatureFlag] Flag %s has corrupt metadata: %v", key, err)
		return EvalResult{Enabled: false, Reason: "evaluation error"}
	}

	// Global kill switch short-circuits everything else.
	if !flag.Enabled {
		return EvalResult{Enabled: false, Reason: "disabled globally", Metadata: meta}
	}

	userKey := anonymousUserKey
	if userID != 0 {
		userKey = strconv.FormatUint(uint64(userID), 10)
	}

	if flag.RolloutPercentage < 100 {
		if Bucket(userKey, flag.Key) >= flag.RolloutPercentage {
			return EvalResult{Enabled: false, Reason: "not in rollout percentage", Metadata: meta}
		}
	}

	segments, err := flag.UserSegments()
	if err != nil {
		log.Errorf("[FeatureFlag] Flag %s has corrupt segments: %v", key, err)
		return EvalResult{Enabled: false, Reason: "evaluation error"}
	}
	tier := e.tierFor(userID)
	if len(segments) > 0 && !containsString(segments, string(tier)) {
		return EvalResult{Enabled: false, Reason: "not in user segment", Metadata: meta}
	}

	conditions, err := flag.Conditions()
	if err != nil {
		log.Errorf("[FeatureFlag] Flag %s has corrupt conditions: %v", key, err)
		return EvalResult{Enabled: false, Reason: "evaluation error"}
	}
	for _, cond := range conditions {
		ok, err := evaluateCondition(cond, userKey, tier, evalCtx)
		if err != nil {
			log.Errorf("[FeatureFlag] Flag %s condition on %s failed: %v", key, cond.Field, err)
			return EvalResult{Enabled: false, Reason: "evaluation error"}
		}
		if !ok {
			return EvalResult{Enabled: false, Reason: "condition not met: " + cond.Field, Metadata: meta}
		}
	}

	return EvalResult{Enabled: true, Reason: "enabled", Metadata: meta}
}

// VariantFor assigns the user's permanent A/B variant for a flag. The
// assignment derives from the same bucket as the percentage rollout, so it is
// stable across calls and restarts.
func (e *Engine) VariantFor(key string, userID uint) (string, error) {
	flag, err := e.loadFlag(key)
	if err != nil {
		return "", err
	}
	meta, err := flag.Metadata()
	if err != nil {
		return "", err
	}
	if meta.ABTest == nil || len(meta.ABTest.Variants) == 0 {
		return "", &billing.ValidationError{Msg: "flag " + key + " has no A/B test"}
	}

	userKey := anonymousUserKey
	if userID != 0 {
		userKey = strconv.FormatUint(uint64(userID), 10)
	}
	return VariantForBucket(Bucket(userKey, key), meta.ABTest.Variants)
}

// UpdateFlag persists a flag definition store-first, then replaces the cache
// entry, so readers see at most flagCacheTTL of staleness.
func (e *Engine) UpdateFlag(flag *models.FeatureFlag) error {
	if err := e.store.SaveFlag(flag); err != nil {
		return err
	}
	storeCachedFlag(flag)
	return nil
}

// AdvanceRolloutStage moves the flag to the next stage of its rollout plan.
func (e *Engine) AdvanceRolloutStage(key string) (*models.FeatureFlag, error) {
	flag, err := e.store.AdvanceRolloutStage(key)
	if err != nil {
		return nil, err
	}
	storeCachedFlag(flag)
	log.Infof("[FeatureFlag] Flag %s advanced to rollout percentage %d", key, flag.RolloutPercentage)
	return flag, nil
}

// GetFlag returns the definition, preferring the cache.
func (e *Engine) GetFlag(key string) (*models.FeatureFlag, error) {
	return e.loadFlag(key)
}

func (e *Engine) ListFlags() ([]models.FeatureFlag, error) {
	return e.store.ListFlags()
}

func (e *Engine) loadFlag(key string) (*models.FeatureFlag, error) {
	if flag := cachedFlag(key); flag != nil {
		return flag, nil
	}
	flag, err := e.store.GetFlag(key)
	if err != nil {
		return nil, err
	}
	storeCachedFlag(flag)
	return flag, nil
}

func (e *Engine) tierFor(userID uint) billing.Tier {
	if e.tiers == nil || userID == 0 {
		return billing.TierFree
	}
	return e.tiers.TierForUser(userID)
}

// evaluateCondition resolves the condition's field and dispatches over the
// fixed operator set. Unknown operators are an evaluation error, not a silent
// pass.
func evaluateCondition(cond models.FlagCondition, userKey string, tier billing.Tier, evalCtx map[string]string) (bool, error) {
	var actual string
	switch cond.Field {
	case "user_id":
		actual = userKey
	case "subscription_tier":
		actual = string(tier)
	case "email":
		actual = evalCtx["email"]
	default:
		actual = evalCtx[cond.Field]
	}

	switch cond.Operator {
	case models.ConditionOpEquals:
		return actual == cond.Value, nil
	case models.ConditionOpContains:
		return strings.Contains(actual, cond.Value), nil
	case models.ConditionOpIn:
		return containsString(cond.Values, actual), nil
	case models.ConditionOpNotIn:
		return !containsString(cond.Values, actual), nil
	case models.ConditionOpGreaterThan:
		a, b, err := numericPair(actual, cond.Value)
		if err != nil {
			return false, err
		}
		return a > b, nil
	case models.ConditionOpLessThan:
		a, b, err := numericPair(actual, cond.Value)
		if err != nil {
			return false, err
		}
		return a < b, nil
	default:
		return false, errors.New("unknown condition operator: " + cond.Operator)
	}
}

func numericPair(actual, expected string) (float64, float64, error) {
	a, err := strconv.ParseFloat(actual, 64)
	if err != nil {
		return 0, 0, err
	}
	b, err := strconv.ParseFloat(expected, 64)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func containsString(values []string, needle string) bool {
	for _, v := range values {
		if v == needle {
			return true
		}
	}
	return false
}
