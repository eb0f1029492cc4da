package evidence

import (
	"context"
	"fmt"
	"time"

	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/license"
)

// EvidenceSummaryName is the artifact name of the sealed evidence summary.
const EvidenceSummaryName = "EVIDENCE_SUMMARY.sig"

// LicenseIdentity binds an evidence summary to a license.
type LicenseIdentity struct {
	LicenseID    string       `json:"license_id"`
	CustomerName string       `json:"customer_name"`
	UID          string       `json:"uid"`
	Tier         license.Tier `json:"tier"`
}

// EvidenceSummary is the plaintext of EVIDENCE_SUMMARY.sig.
type EvidenceSummary struct {
	SchemaVersion      string             `json:"schema_version"`
	GeneratedAtUTC     string             `json:"generated_at_utc"`
	Month              string             `json:"month"`
	License            LicenseIdentity    `json:"license"`
	Counts             ledger.Counts      `json:"counts"`
	DecisionBucket30d  map[string]int64   `json:"decision_bucket_30d"`
	Heartbeat          ledger.ChainStatus `json:"heartbeat"`
	ContentFree        bool               `json:"content_free"`
	SignatureAlgorithm string             `json:"signature_algorithm"`
}

// EvidenceArtifact describes a written evidence summary.
type EvidenceArtifact struct {
	Location string            `json:"location"`
	Summary  *EvidenceSummary  `json:"summary"`
	Envelope *license.Envelope `json:"-"`
}

// GenerateEvidenceSummary seals the current month's counts, the 30-day decision
// rollup and the chain health, bound to the license identity, under the signing key.
func (g *Generator) GenerateEvidenceSummary(ctx context.Context, p *license.Payload) (*EvidenceArtifact, error) {
	if g.signingKey == "" {
		return nil, ErrMissingSigningKey
	}
	if p == nil {
		p = &license.Payload{}
	}

	now := g.now().UTC()
	month := ledger.MonthOf(now)

	counts, err := g.source.MonthlyCounts(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("monthly counts: %w", err)
	}
	trend, err := g.source.DecisionTrend(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("decision trend: %w", err)
	}
	chain, err := g.source.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}

	customer := p.CustomerName
	if customer == "" {
		customer = "unknown"
	}

	summary := &EvidenceSummary{
		SchemaVersion:  SchemaVersion,
		GeneratedAtUTC: now.Format(time.RFC3339Nano),
		Month:          month,
		License: LicenseIdentity{
			LicenseID:    p.LicenseID,
			CustomerName: customer,
			UID:          p.UID,
			Tier:         license.NormalizeTier(string(p.Tier)),
		},
		Counts:             counts,
		DecisionBucket30d:  ledger.RollupTrend(trend),
		Heartbeat:          chain,
		ContentFree:        true,
		SignatureAlgorithm: SignatureAlgorithm,
	}

	env, err := g.codec.SealJSON(summary, g.signingKey)
	if err != nil {
		return nil, fmt.Errorf("seal evidence summary: %w", err)
	}
	data, err := env.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("marshal evidence envelope: %w", err)
	}
	if err := g.sink.Put(ctx, EvidenceSummaryName, data); err != nil {
		return nil, fmt.Errorf("write evidence summary: %w", err)
	}

	g.logger.Info().
		Str("month", month).
		Str("license_id", p.LicenseID).
		Bool("heartbeat_ok", chain.OK).
		Msg("evidence summary generated")

	return &EvidenceArtifact{
		Location: g.sink.Location(EvidenceSummaryName),
		Summary:  summary,
		Envelope: env,
	}, nil
}

// OpenEvidence verifies and decrypts a sealed evidence summary.
func OpenEvidence(data []byte, signingKey string) (*EvidenceSummary, error) {
	env, err := license.ParseEnvelope(data)
	if err != nil {
		return nil, err
	}
	var summary EvidenceSummary
	if err := license.OpenJSON(env, signingKey, &summary); err != nil {
		return nil, err
	}
	return &summary, nil
}

// OpenStoredEvidence reads EVIDENCE_SUMMARY.sig from the sink and opens it.
func (g *Generator) OpenStoredEvidence(ctx context.Context) (*EvidenceSummary, error) {
	data, err := g.sink.Get(ctx, EvidenceSummaryName)
	if err != nil {
		return nil, fmt.Errorf("read evidence summary: %w", err)
	}
	return g.OpenSealed(data)
}

// OpenSealed opens evidence bytes under the generator's signing key.
func (g *Generator) OpenSealed(data []byte) (*EvidenceSummary, error) {
	return OpenEvidence(data, g.signingKey)
}
