package billing

import "strings"

// Tier is the internal subscription tier derived from a provider price id.
type Tier string

const (
	TierFree    Tier = "free"
	TierPaid    Tier = "paid"
	TierPro     Tier = "pro"
	TierPremium Tier = "premium"
)

// TierForPriceID derives the internal tier from a provider price id pattern.
// Unknown non-empty price ids count as paid.
func TierForPriceID(priceID string) Tier {
	id := strings.ToLower(strings.TrimSpace(priceID))
	switch {
	case id == "" || strings.Contains(id, "free"):
		return TierFree
	case strings.Contains(id, "premium"):
		return TierPremium
	case strings.Contains(id, "pro"):
		return TierPro
	default:
		return TierPaid
	}
}

// TierRank orders tiers for comparisons; higher is better.
func TierRank(t Tier) int {
	switch t {
	case TierPremium:
		return 3
	case TierPro:
		return 2
	case TierPaid:
		return 1
	default:
		return 0
	}
}

// IsUpgrade reports whether moving from oldPriceID to newPriceID raises the
// tier.
func IsUpgrade(oldPriceID, newPriceID string) bool {
	return TierRank(TierForPriceID(newPriceID)) > TierRank(TierForPriceID(oldPriceID))
}
