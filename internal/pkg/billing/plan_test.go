package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTierForPriceID(t *testing.T) {
	tests := []struct {
		name    string
		priceID string
		want    Tier
	}{
		{"empty price means free", "", TierFree},
		{"free plan", "price_free", TierFree},
		{"premium plan", "price_premium_monthly", TierPremium},
		{"pro plan", "price_pro_monthly", TierPro},
		{"pro yearly", "pro_yearly", TierPro},
		{"plain paid plan", "price_basic_monthly", TierPaid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TierForPriceID(tt.priceID))
		})
	}
}

func TestTierRankOrdering(t *testing.T) {
	assert.Less(t, TierRank(TierFree), TierRank(TierPaid))
	assert.Less(t, TierRank(TierPaid), TierRank(TierPro))
	assert.Less(t, TierRank(TierPro), TierRank(TierPremium))
}

func TestIsUpgrade(t *testing.T) {
	assert.True(t, IsUpgrade("price_free", "price_pro_monthly"))
	assert.True(t, IsUpgrade("price_pro_monthly", "price_premium_monthly"))
	assert.False(t, IsUpgrade("price_pro_monthly", "price_free"))
	assert.False(t, IsUpgrade("price_pro_monthly", "pro_yearly"))
}
