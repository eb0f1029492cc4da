package console

import (
	"context"

	"github.com/MacJediWizard/continuum/internal/billing"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/license"
)

// LicenseView is the license section of the dashboard.
type LicenseView struct {
	Status       string            `json:"status"`
	LicenseID    string            `json:"license_id"`
	CustomerName string            `json:"customer_name"`
	UID          string            `json:"uid"`
	Tier         license.Tier      `json:"tier"`
	ExpiryDate   string            `json:"expiry_date"`
	DaysLeft     int               `json:"days_left"`
	TTLStatus    license.TTLStatus `json:"ttl_status"`
	QuotaLimit   int64             `json:"quota_limit"`
}

// UsageView is the usage and billing section of the dashboard.
type UsageView struct {
	Month         string           `json:"month"`
	Counts        ledger.Counts    `json:"counts"`
	QuotaLimit    int64            `json:"quota_limit"`
	QuotaProgress float64          `json:"quota_progress"`
	QuotaWarning  bool             `json:"quota_warning"`
	Estimate      billing.Estimate `json:"estimate"`
	Forecast      billing.Estimate `json:"forecast"`
}

// GuardLamps are the security indicators shown next to the header.
type GuardLamps struct {
	SigningKey bool `json:"signing_key"`
	Health     bool `json:"health"`
	Heartbeat  bool `json:"heartbeat"`
}

// AllOK reports whether every lamp is green.
func (l GuardLamps) AllOK() bool {
	return l.SigningKey && l.Health && l.Heartbeat
}

// Dashboard is everything the renderer needs for one page view.
type Dashboard struct {
	GeneratedAt string              `json:"generated_at"`
	License     LicenseView         `json:"license"`
	Usage       UsageView           `json:"usage"`
	Health      ledger.Health       `json:"health"`
	Heartbeat   ledger.ChainStatus  `json:"heartbeat"`
	Trend       []ledger.TrendPoint `json:"trend"`
	TrendTotals map[string]int64    `json:"trend_totals"`
	Lamps       GuardLamps          `json:"lamps"`
}

// Dashboard assembles the operator dashboard.
func (c *Console) Dashboard(ctx context.Context, operator string) (*Dashboard, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}

	now := c.now().UTC()
	month := ledger.MonthOf(now)

	counts, err := c.ledger.MonthlyCounts(ctx, month)
	if err != nil {
		return nil, err
	}
	trend, err := c.ledger.DecisionTrend(ctx, now)
	if err != nil {
		return nil, err
	}
	health, err := c.ledger.DecisionHealth(ctx, now)
	if err != nil {
		return nil, err
	}
	heartbeat, err := c.ledger.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}

	lic := LicenseView{UID: "N/A", Tier: license.TierPro, DaysLeft: -1, TTLStatus: license.TTLInvalid}
	p, status, _ := c.LoadLicense()
	lic.Status = status
	if p != nil {
		days, ttl := p.TTL(now)
		lic = LicenseView{
			Status:       status,
			LicenseID:    p.LicenseID,
			CustomerName: p.CustomerName,
			UID:          p.DisplayUID(),
			Tier:         license.NormalizeTier(string(p.Tier)),
			ExpiryDate:   p.ExpiryDate,
			DaysLeft:     days,
			TTLStatus:    ttl,
			QuotaLimit:   p.QuotaLimit,
		}
	}

	usage := UsageView{
		Month:      month,
		Counts:     counts,
		QuotaLimit: lic.QuotaLimit,
		Estimate:   c.calculator.Estimate(lic.Tier, counts.AnalysisCount, lic.QuotaLimit),
		Forecast:   c.calculator.Forecast(lic.Tier, counts.AnalysisCount, lic.QuotaLimit, now),
	}
	if lic.QuotaLimit > 0 {
		usage.QuotaProgress = min(1, float64(counts.AnalysisCount)/float64(lic.QuotaLimit))
		usage.QuotaWarning = usage.QuotaProgress >= QuotaWarningThreshold
	}

	return &Dashboard{
		GeneratedAt: now.Format(ledger.TimestampLayout),
		License:     lic,
		Usage:       usage,
		Health:      health,
		Heartbeat:   heartbeat,
		Trend:       trend,
		TrendTotals: ledger.RollupTrend(trend),
		Lamps: GuardLamps{
			SigningKey: c.ledger.HasSigningKey(),
			Health:     health.OK(),
			Heartbeat:  heartbeat.OK,
		},
	}, nil
}
