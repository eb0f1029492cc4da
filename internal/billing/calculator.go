// Package billing provides tier pricing and monthly cost estimation.
package billing

import (
	"math"
	"time"

	"github.com/MacJediWizard/continuum/internal/license"
)

// DefaultPricing is the published price list. Prices are in USD.
var DefaultPricing = map[license.Tier]TierPricing{
	license.TierLite: {
		BaseMonthlyUSD:  99,
		IncludedQuota:   5000,
		OveragePer1kUSD: 6.0,
	},
	license.TierPro: {
		BaseMonthlyUSD:  499,
		IncludedQuota:   50000,
		OveragePer1kUSD: 3.0,
	},
	license.TierEnterprise: {
		BaseMonthlyUSD:  1999,
		IncludedQuota:   500000,
		OveragePer1kUSD: 1.8,
	},
}

// TierPricing defines the price structure of one tier.
type TierPricing struct {
	BaseMonthlyUSD  float64 `json:"base_monthly_usd"`
	IncludedQuota   int64   `json:"included_quota"`
	OveragePer1kUSD float64 `json:"overage_per_1k_usd"`
}

// Calculator estimates monthly charges.
type Calculator struct {
	pricing map[license.Tier]TierPricing
}

// NewCalculator creates a calculator with DefaultPricing.
func NewCalculator() *Calculator {
	return &Calculator{
		pricing: DefaultPricing,
	}
}

// NewCalculatorWithPricing creates a calculator with a custom price list.
func NewCalculatorWithPricing(pricing map[license.Tier]TierPricing) *Calculator {
	return &Calculator{
		pricing: pricing,
	}
}

// GetPricing returns pricing for tier. Unknown tiers are priced as PRO.
func (c *Calculator) GetPricing(tier license.Tier) TierPricing {
	if p, ok := c.pricing[license.NormalizeTier(string(tier))]; ok {
		return p
	}
	return DefaultPricing[license.TierPro]
}

// Estimate is a monthly cost estimate.
type Estimate struct {
	Tier              license.Tier `json:"tier"`
	Usage             int64        `json:"usage"`
	BaseMonthlyUSD    float64      `json:"base_monthly_usd"`
	IncludedQuota     int64        `json:"included_quota"`
	OverageCount      int64        `json:"overage_count"`
	OverageFeeUSD     float64      `json:"overage_fee_usd"`
	ProjectedTotalUSD float64      `json:"projected_total_usd"`
	QuotaProgress     float64      `json:"quota_progress"`
}

// Estimate prices usage for a tier. The license quota raises the included
// quota but never lowers it below the tier's allowance.
func (c *Calculator) Estimate(tier license.Tier, usage, quotaLimit int64) Estimate {
	pricing := c.GetPricing(tier)
	if usage < 0 {
		usage = 0
	}

	effective := quotaLimit
	if pricing.IncludedQuota > effective {
		effective = pricing.IncludedQuota
	}

	var overage int64
	if usage > effective {
		overage = usage - effective
	}
	fee := round2(float64(overage) / 1000 * pricing.OveragePer1kUSD)

	var progress float64
	if effective > 0 {
		progress = math.Min(1, float64(usage)/float64(effective))
	}

	return Estimate{
		Tier:              license.NormalizeTier(string(tier)),
		Usage:             usage,
		BaseMonthlyUSD:    pricing.BaseMonthlyUSD,
		IncludedQuota:     effective,
		OverageCount:      overage,
		OverageFeeUSD:     fee,
		ProjectedTotalUSD: round2(pricing.BaseMonthlyUSD + fee),
		QuotaProgress:     progress,
	}
}

// Forecast extrapolates month-to-date usage linearly to the end of the month
// containing now and prices the result.
func (c *Calculator) Forecast(tier license.Tier, usageToDate, quotaLimit int64, now time.Time) Estimate {
	now = now.UTC()
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	end := start.AddDate(0, 1, 0)

	elapsed := now.Sub(start)
	if elapsed < time.Hour {
		return c.Estimate(tier, usageToDate, quotaLimit)
	}
	projected := int64(math.Round(float64(usageToDate) * float64(end.Sub(start)) / float64(elapsed)))
	return c.Estimate(tier, projected, quotaLimit)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
