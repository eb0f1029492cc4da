// Package console is the operator-facing facade of the command center. Every
// operation runs behind the operator's session guard.
package console

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/continuum/internal/auth"
	"github.com/MacJediWizard/continuum/internal/billing"
	"github.com/MacJediWizard/continuum/internal/evidence"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/rs/zerolog"
)

// QuotaWarningThreshold is the quota share at which the dashboard warns.
const QuotaWarningThreshold = 0.85

// LicenseSettings locates the license file and its key.
type LicenseSettings struct {
	File string
	Key  string
}

// Option configures a Console.
type Option func(*Console)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Console) { c.now = now }
}

// WithLicenseObserver is called with the license TTL whenever the license is loaded.
func WithLicenseObserver(fn func(daysLeft int)) Option {
	return func(c *Console) { c.licenseObserver = fn }
}

// Console serves operator actions.
type Console struct {
	ledger     *ledger.Ledger
	generator  *evidence.Generator
	sessions   *auth.Sessions
	calculator *billing.Calculator
	license    LicenseSettings

	now             func() time.Time
	licenseObserver func(int)
	logger          zerolog.Logger
}

// New creates a Console.
func New(
	l *ledger.Ledger,
	gen *evidence.Generator,
	sessions *auth.Sessions,
	calc *billing.Calculator,
	lic LicenseSettings,
	logger zerolog.Logger,
	opts ...Option,
) *Console {
	c := &Console{
		ledger:     l,
		generator:  gen,
		sessions:   sessions,
		calculator: calc,
		license:    lic,
		now:        time.Now,
		logger:     logger.With().Str("component", "console").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login authenticates operator with secret.
func (c *Console) Login(operator, secret string) error {
	return c.sessions.Guard(operator).Login(secret)
}

// Logout ends the operator's session and releases its guard.
func (c *Console) Logout(operator string) {
	c.sessions.Remove(operator)
}

// Session returns the operator's guard status.
func (c *Console) Session(operator string) auth.GuardStatus {
	return c.sessions.Guard(operator).Status()
}

func (c *Console) authorize(operator string) error {
	if err := c.sessions.Guard(operator).Check(); err != nil {
		c.logger.Warn().Str("operator", operator).Err(err).Msg("console access denied")
		return err
	}
	return nil
}

// LoadLicense opens the configured license file. A failure is reported as a
// status code alongside the error so callers can render it.
func (c *Console) LoadLicense() (*license.Payload, string, error) {
	p, err := license.LoadFile(c.license.File, c.license.Key)
	status := license.StatusOf(err)
	if err != nil {
		c.logger.Warn().Str("status", status).Msg("license not loaded")
		return nil, status, err
	}
	if c.licenseObserver != nil {
		days, _ := p.TTL(c.now())
		c.licenseObserver(days)
	}
	return p, status, nil
}

// GenerateEvidence seals EVIDENCE_SUMMARY.sig for the current license.
func (c *Console) GenerateEvidence(ctx context.Context, operator string) (*evidence.EvidenceArtifact, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}
	// A missing license still produces evidence bound to an unknown identity.
	p, _, _ := c.LoadLicense()
	art, err := c.generator.GenerateEvidenceSummary(ctx, p)
	if err != nil {
		return nil, err
	}
	c.logger.Info().Str("operator", operator).Str("location", art.Location).Msg("evidence generated")
	return art, nil
}

// ExportCompliance writes the content-free compliance log export.
func (c *Console) ExportCompliance(ctx context.Context, operator string) (*evidence.ExportArtifact, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}
	return c.generator.ExportComplianceLog(ctx)
}

// EmitSummary writes the signed summary for month.
func (c *Console) EmitSummary(ctx context.Context, operator, month string) (*evidence.SummaryArtifact, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}
	return c.generator.EmitSignedMonthlySummary(ctx, month)
}

// VerifySummary checks a stored summary against its signature.
func (c *Console) VerifySummary(ctx context.Context, operator, month string) (*evidence.MonthlySummary, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}
	return c.generator.VerifySummary(ctx, month)
}

// VerifyChain checks the heartbeat chain head.
func (c *Console) VerifyChain(ctx context.Context, operator string) (ledger.ChainStatus, error) {
	if err := c.authorize(operator); err != nil {
		return ledger.ChainStatus{}, err
	}
	return c.ledger.VerifyChain(ctx)
}

// RecentEvents lists the newest usage events.
func (c *Console) RecentEvents(ctx context.Context, operator string, limit int) ([]*ledger.UsageEvent, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}
	return c.ledger.RecentEvents(ctx, limit)
}

// OpenEvidence verifies and decrypts a sealed evidence summary. With no data
// the stored summary is opened.
func (c *Console) OpenEvidence(ctx context.Context, operator string, data []byte) (*evidence.EvidenceSummary, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}
	if data == nil {
		return c.generator.OpenStoredEvidence(ctx)
	}
	return c.generator.OpenSealed(data)
}

// Audit walks the whole chain.
func (c *Console) Audit(ctx context.Context, operator string) (ledger.AuditReport, error) {
	if err := c.authorize(operator); err != nil {
		return ledger.AuditReport{}, err
	}
	return c.ledger.Audit(ctx)
}

// UpdateLicense replaces the license file with an uploaded envelope after
// checking it opens under the configured key.
func (c *Console) UpdateLicense(_ context.Context, operator string, uploaded []byte) (*license.Payload, error) {
	if err := c.authorize(operator); err != nil {
		return nil, err
	}
	p, err := license.UpdateFile(c.license.File, uploaded, c.license.Key, c.now())
	if err != nil {
		c.logger.Warn().Str("operator", operator).Str("status", license.StatusOf(err)).Msg("license update rejected")
		return nil, fmt.Errorf("update license: %w", err)
	}
	c.logger.Info().
		Str("operator", operator).
		Str("license_id", p.LicenseID).
		Str("tier", string(p.Tier)).
		Msg("license updated")
	return p, nil
}
