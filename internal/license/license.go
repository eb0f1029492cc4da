// Package license provides the license payload model and the sealed envelope format
// used to ship license files to customers.
package license

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/continuum/internal/crypto"
)

// Tier represents the pricing and quota class of a license.
type Tier string

const (
	// TierLite is the entry tier.
	TierLite Tier = "LITE"
	// TierPro is the default tier; unknown tiers normalize to it.
	TierPro Tier = "PRO"
	// TierEnterprise is the highest tier.
	TierEnterprise Tier = "ENTERPRISE"
)

// ValidTiers returns all valid license tiers.
func ValidTiers() []Tier {
	return []Tier{TierLite, TierPro, TierEnterprise}
}

// IsValid checks if the tier is a recognized value.
func (t Tier) IsValid() bool {
	for _, valid := range ValidTiers() {
		if t == valid {
			return true
		}
	}
	return false
}

// NormalizeTier maps any string to a known tier. Matching is case-insensitive and
// anything unrecognized becomes TierPro.
func NormalizeTier(s string) Tier {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if t.IsValid() {
		return t
	}
	return TierPro
}

// ExpiryLayout is the calendar date layout of Payload.ExpiryDate.
const ExpiryLayout = "2006-01-02"

// Payload is the decrypted content of a license file.
type Payload struct {
	LicenseID    string `json:"license_id"`
	CustomerName string `json:"customer_name"`
	UID          string `json:"uid"`
	Tier         Tier   `json:"tier"`
	ExpiryDate   string `json:"expiry_date"`
	QuotaLimit   int64  `json:"quota_limit"`
}

// ParsePayload decodes plaintext license bytes. The bytes must hold a JSON object;
// fields are read leniently (tier falls back to "plan", quota may be a numeric string).
func ParsePayload(data []byte) (*Payload, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, crypto.ErrPayloadNotObject
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, crypto.Wrap(crypto.ErrPayloadNotObject, err)
	}

	tier := stringField(fields, "tier")
	if tier == "" {
		tier = stringField(fields, "plan")
	}

	quota := intField(fields, "quota_limit")
	if quota < 0 {
		quota = 0
	}

	return &Payload{
		LicenseID:    stringField(fields, "license_id"),
		CustomerName: stringField(fields, "customer_name"),
		UID:          stringField(fields, "uid"),
		Tier:         NormalizeTier(tier),
		ExpiryDate:   stringField(fields, "expiry_date"),
		QuotaLimit:   quota,
	}, nil
}

// Normalized returns a copy of p with its tier normalized and its quota clamped at zero.
func (p Payload) Normalized() Payload {
	p.Tier = NormalizeTier(string(p.Tier))
	if p.QuotaLimit < 0 {
		p.QuotaLimit = 0
	}
	return p
}

// DisplayUID returns the uid, falling back to the license id.
func (p *Payload) DisplayUID() string {
	if p.UID != "" {
		return p.UID
	}
	if p.LicenseID != "" {
		return p.LicenseID
	}
	return "N/A"
}

// Expiry parses ExpiryDate. Both plain dates and RFC 3339 timestamps are accepted.
func (p *Payload) Expiry() (time.Time, bool) {
	s := strings.TrimSpace(p.ExpiryDate)
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(ExpiryLayout, s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		t = t.UTC()
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), true
	}
	return time.Time{}, false
}

// DaysLeft returns whole calendar days from now (UTC) until expiry.
// The second return is false when the expiry date cannot be parsed.
func (p *Payload) DaysLeft(now time.Time) (int, bool) {
	expiry, ok := p.Expiry()
	if !ok {
		return -1, false
	}
	now = now.UTC()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return int(expiry.Sub(today).Hours() / 24), true
}

// TTLStatus classifies the remaining license lifetime.
type TTLStatus string

const (
	TTLActive   TTLStatus = "active"
	TTLExpiring TTLStatus = "expiring"
	TTLExpired  TTLStatus = "expired"
	TTLInvalid  TTLStatus = "invalid_expiry"
)

// ExpiringWindowDays is the window in which a license is reported as expiring.
const ExpiringWindowDays = 30

// TTL returns the days left and the status bucket for the license at now.
func (p *Payload) TTL(now time.Time) (int, TTLStatus) {
	days, ok := p.DaysLeft(now)
	switch {
	case !ok:
		return -1, TTLInvalid
	case days < 0:
		return days, TTLExpired
	case days <= ExpiringWindowDays:
		return days, TTLExpiring
	default:
		return days, TTLActive
	}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	raw, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	// Numbers and booleans are kept in their literal form.
	if string(raw) == "null" {
		return ""
	}
	return string(raw)
}

func intField(fields map[string]json.RawMessage, key string) int64 {
	raw, ok := fields[key]
	if !ok {
		return 0
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
		return 0
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return i
		}
	}
	return 0
}
