// Package evidence produces the signed and sealed artifacts used as billing
// evidence: monthly summaries, compliance log exports and evidence summaries.
package evidence

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MacJediWizard/continuum/internal/crypto"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/rs/zerolog"
)

// ErrMissingSigningKey indicates the generator has no key to sign with.
var ErrMissingSigningKey = errors.New("missing_signing_key")

// SchemaVersion is written into every artifact.
const SchemaVersion = "1.0"

// SignatureAlgorithm names the MAC used for summaries.
const SignatureAlgorithm = "HMAC-SHA256"

// Source is the read side of the ledger the generator draws from.
type Source interface {
	MonthlyCounts(ctx context.Context, month string) (ledger.Counts, error)
	StateBreakdown(ctx context.Context, month string) (map[ledger.DecisionState]int64, error)
	MonthCheckpoint(ctx context.Context, month string) (*ledger.Checkpoint, error)
	VerifyChain(ctx context.Context) (ledger.ChainStatus, error)
	DecisionTrend(ctx context.Context, now time.Time) ([]ledger.TrendPoint, error)
	RecentEvents(ctx context.Context, limit int) ([]*ledger.UsageEvent, error)
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithCodec sets the envelope codec used for sealed artifacts.
func WithCodec(c *license.Codec) Option {
	return func(g *Generator) { g.codec = c }
}

// WithAPIVersion sets the api_version stamped on compliance records.
func WithAPIVersion(v string) Option {
	return func(g *Generator) { g.apiVersion = v }
}

// Generator generates evidence artifacts.
type Generator struct {
	source     Source
	sink       Sink
	signingKey string
	codec      *license.Codec
	apiVersion string
	now        func() time.Time
	logger     zerolog.Logger
}

// NewGenerator creates a new evidence generator.
func NewGenerator(source Source, sink Sink, signingKey string, logger zerolog.Logger, opts ...Option) *Generator {
	g := &Generator{
		source:     source,
		sink:       sink,
		signingKey: signingKey,
		apiVersion: "1.1",
		now:        time.Now,
		logger:     logger.With().Str("component", "evidence_generator").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	if g.codec == nil {
		g.codec, _ = license.NewCodec(license.DefaultVersion)
	}
	return g
}

// ChainResult is the chain verification outcome recorded in a summary.
type ChainResult struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason"`
}

// MonthlySummary is the signed per-month billing record. It holds no
// generation timestamp, so emitting the same month twice over the same ledger
// produces identical bytes.
type MonthlySummary struct {
	SchemaVersion      string             `json:"schema_version"`
	Month              string             `json:"month"`
	Counts             ledger.Counts      `json:"counts"`
	DecisionStates     map[string]int64   `json:"decision_states"`
	Chain              ChainResult        `json:"chain"`
	Checkpoint         *ledger.Checkpoint `json:"checkpoint"`
	ContentFree        bool               `json:"content_free"`
	SignatureAlgorithm string             `json:"signature_algorithm"`
}

// SummaryArtifact describes an emitted monthly summary.
type SummaryArtifact struct {
	Month     string          `json:"month"`
	Summary   *MonthlySummary `json:"summary"`
	Signature string          `json:"signature"`
	JSONPath  string          `json:"json_path"`
	SigPath   string          `json:"sig_path"`
}

// SummaryName and SignatureName return the artifact names for month.
func SummaryName(month string) string   { return month + ".summary.json" }
func SignatureName(month string) string { return month + ".summary.sig" }

func validMonth(month string) error {
	if _, err := time.Parse(ledger.MonthLayout, month); err != nil || len(month) != len(ledger.MonthLayout) {
		return fmt.Errorf("invalid month %q", month)
	}
	return nil
}

// BuildMonthlySummary collects the summary content for month without writing it.
func (g *Generator) BuildMonthlySummary(ctx context.Context, month string) (*MonthlySummary, error) {
	if err := validMonth(month); err != nil {
		return nil, err
	}

	counts, err := g.source.MonthlyCounts(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("monthly counts: %w", err)
	}
	breakdown, err := g.source.StateBreakdown(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("state breakdown: %w", err)
	}
	chain, err := g.source.VerifyChain(ctx)
	if err != nil {
		return nil, fmt.Errorf("verify chain: %w", err)
	}
	checkpoint, err := g.source.MonthCheckpoint(ctx, month)
	if err != nil {
		return nil, fmt.Errorf("month checkpoint: %w", err)
	}

	states := make(map[string]int64, len(breakdown))
	for state, n := range breakdown {
		states[string(state)] = n
	}

	return &MonthlySummary{
		SchemaVersion:      SchemaVersion,
		Month:              month,
		Counts:             counts,
		DecisionStates:     states,
		Chain:              ChainResult{OK: chain.OK, Reason: chain.Reason},
		Checkpoint:         checkpoint,
		ContentFree:        true,
		SignatureAlgorithm: SignatureAlgorithm,
	}, nil
}

// EncodeSummary renders a summary in its canonical signed form.
func EncodeSummary(s *MonthlySummary) ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal summary: %w", err)
	}
	return append(data, '\n'), nil
}

// SignSummary returns the hex HMAC of summary bytes under signingKey.
func SignSummary(data []byte, signingKey string) string {
	return crypto.MACHex([]byte(signingKey), data)
}

// VerifySummaryBytes checks a summary against its hex signature. Surrounding
// whitespace in the signature file is ignored.
func VerifySummaryBytes(data, sig []byte, signingKey string) error {
	if signingKey == "" {
		return ErrMissingSigningKey
	}
	tag := strings.ToLower(strings.TrimSpace(string(sig)))
	if _, err := hex.DecodeString(tag); err != nil {
		return crypto.Wrap(crypto.ErrMalformedEnvelope, err)
	}
	if !crypto.VerifyMACHex([]byte(signingKey), data, tag) {
		return crypto.ErrSignatureMismatch
	}
	return nil
}

// EmitSignedMonthlySummary writes <month>.summary.json and <month>.summary.sig.
func (g *Generator) EmitSignedMonthlySummary(ctx context.Context, month string) (*SummaryArtifact, error) {
	if g.signingKey == "" {
		return nil, ErrMissingSigningKey
	}

	summary, err := g.BuildMonthlySummary(ctx, month)
	if err != nil {
		return nil, err
	}
	data, err := EncodeSummary(summary)
	if err != nil {
		return nil, err
	}
	sig := SignSummary(data, g.signingKey)

	if err := g.sink.Put(ctx, SummaryName(month), data); err != nil {
		return nil, fmt.Errorf("write summary: %w", err)
	}
	if err := g.sink.Put(ctx, SignatureName(month), []byte(sig+"\n")); err != nil {
		return nil, fmt.Errorf("write summary signature: %w", err)
	}

	g.logger.Info().
		Str("month", month).
		Int64("total_events", summary.Counts.TotalEvents).
		Bool("chain_ok", summary.Chain.OK).
		Msg("monthly summary emitted")

	return &SummaryArtifact{
		Month:     month,
		Summary:   summary,
		Signature: sig,
		JSONPath:  g.sink.Location(SummaryName(month)),
		SigPath:   g.sink.Location(SignatureName(month)),
	}, nil
}

// FinalizeMonth emits the summary for month unless both artifacts already
// exist. It is the ledger's rollover hook.
func (g *Generator) FinalizeMonth(ctx context.Context, month string) error {
	for _, name := range []string{SummaryName(month), SignatureName(month)} {
		ok, err := g.sink.Exists(ctx, name)
		if err != nil {
			return fmt.Errorf("check %s: %w", name, err)
		}
		if !ok {
			_, err := g.EmitSignedMonthlySummary(ctx, month)
			return err
		}
	}
	g.logger.Debug().Str("month", month).Msg("monthly summary already present")
	return nil
}

// VerifySummary reads a stored summary and its signature and checks them.
func (g *Generator) VerifySummary(ctx context.Context, month string) (*MonthlySummary, error) {
	data, err := g.sink.Get(ctx, SummaryName(month))
	if err != nil {
		return nil, fmt.Errorf("read summary: %w", err)
	}
	sig, err := g.sink.Get(ctx, SignatureName(month))
	if err != nil {
		return nil, fmt.Errorf("read summary signature: %w", err)
	}
	if err := VerifySummaryBytes(data, sig, g.signingKey); err != nil {
		return nil, err
	}

	var summary MonthlySummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return nil, fmt.Errorf("decode summary: %w", err)
	}
	return &summary, nil
}
