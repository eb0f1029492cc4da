package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MacJediWizard/continuum/internal/ledger"
)

// MaxExportRecords caps the compliance export.
const MaxExportRecords = 5000

// ExportSource is stamped on every exported record.
const ExportSource = "usage_db_export"

// ComplianceRecord is one content-free export row. Fingerprints are derived
// from the event id only; no request or response text exists in the ledger.
type ComplianceRecord struct {
	SchemaVersion              string             `json:"schema_version"`
	InputFingerprint           string             `json:"input_fp_sha256"`
	InputLength                int                `json:"input_length"`
	OutputFingerprint          string             `json:"output_fp_sha256"`
	OutputLength               int                `json:"output_length"`
	FreqType                   string             `json:"freq_type"`
	Mode                       string             `json:"mode"`
	Scenario                   string             `json:"scenario"`
	Confidence                 map[string]float64 `json:"confidence"`
	Metrics                    RecordMetrics      `json:"metrics"`
	Audit                      RecordAudit        `json:"audit"`
	LLMUsed                    bool               `json:"llm_used"`
	CacheHit                   bool               `json:"cache_hit"`
	Model                      string             `json:"model"`
	Usage                      map[string]any     `json:"usage"`
	OutputSource               string             `json:"output_source"`
	APIVersion                 string             `json:"api_version"`
	PipelineVersionFingerprint string             `json:"pipeline_version_fingerprint"`
}

// RecordMetrics holds the decision metadata of a record.
type RecordMetrics struct {
	DecisionState string `json:"decision_state"`
	ReasonCode    string `json:"reason_code"`
	LatencyMS     int64  `json:"latency_ms"`
}

// RecordAudit links a record back to its ledger event.
type RecordAudit struct {
	Source  string `json:"source"`
	EventID string `json:"event_id"`
	TSUTC   string `json:"ts_utc"`
}

// ComplianceExport is the exported document.
type ComplianceExport struct {
	SchemaVersion  string             `json:"schema_version"`
	GeneratedAtUTC string             `json:"generated_at_utc"`
	RecordCount    int                `json:"record_count"`
	ContentFree    bool               `json:"content_free"`
	Records        []ComplianceRecord `json:"records"`
}

// ExportArtifact describes a written compliance export.
type ExportArtifact struct {
	Name     string            `json:"name"`
	Location string            `json:"location"`
	Export   *ComplianceExport `json:"export"`
}

func fingerprint(prefix, eventID string) string {
	sum := sha256.Sum256([]byte(prefix + eventID))
	return hex.EncodeToString(sum[:])
}

// NewComplianceRecord converts a ledger event into an export record.
func NewComplianceRecord(ev *ledger.UsageEvent, apiVersion string) ComplianceRecord {
	state := string(ev.DecisionState)
	if state == "" {
		state = string(ledger.DecisionError)
	}
	var latency int64
	if ev.LatencyMS != nil {
		latency = *ev.LatencyMS
	}

	return ComplianceRecord{
		SchemaVersion:     SchemaVersion,
		InputFingerprint:  fingerprint("in:", ev.EventID),
		OutputFingerprint: fingerprint("out:", ev.EventID),
		FreqType:          "Unknown",
		Mode:              ev.Mode,
		Scenario:          "compliance_export",
		Confidence:        map[string]float64{"final": 0, "classifier": 0},
		Metrics: RecordMetrics{
			DecisionState: state,
			ReasonCode:    ev.ReasonCode,
			LatencyMS:     latency,
		},
		Audit: RecordAudit{
			Source:  ExportSource,
			EventID: ev.EventID,
			TSUTC:   ev.TSUTC,
		},
		LLMUsed:      ev.LLMUsed,
		CacheHit:     ev.CacheHit,
		Usage:        map[string]any{},
		OutputSource: ExportSource,
		APIVersion:   apiVersion,
	}
}

// ExportComplianceLog writes scrub_log_export_<timestamp>.json holding the most
// recent analysis and error events, newest first.
func (g *Generator) ExportComplianceLog(ctx context.Context) (*ExportArtifact, error) {
	events, err := g.source.RecentEvents(ctx, MaxExportRecords)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}

	now := g.now().UTC()
	records := make([]ComplianceRecord, 0, len(events))
	for _, ev := range events {
		records = append(records, NewComplianceRecord(ev, g.apiVersion))
	}

	export := &ComplianceExport{
		SchemaVersion:  SchemaVersion,
		GeneratedAtUTC: now.Format(time.RFC3339Nano),
		RecordCount:    len(records),
		ContentFree:    true,
		Records:        records,
	}

	data, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal compliance export: %w", err)
	}

	name := "scrub_log_export_" + now.Format("20060102T150405Z") + ".json"
	if err := g.sink.Put(ctx, name, data); err != nil {
		return nil, fmt.Errorf("write compliance export: %w", err)
	}

	g.logger.Info().Str("artifact", name).Int("records", len(records)).Msg("compliance log exported")

	return &ExportArtifact{
		Name:     name,
		Location: g.sink.Location(name),
		Export:   export,
	}, nil
}
