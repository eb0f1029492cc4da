package main

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MacJediWizard/continuum/internal/auth"
	"github.com/MacJediWizard/continuum/internal/config"
	"github.com/MacJediWizard/continuum/internal/ledger"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var envKeys = []string{
	"C3_CONFIG", "ENV", "USAGE_SIGNING_KEY", "LOG_SALT", "LICENSE_KEY", "LICENSE_FILE",
	"USAGE_DB_PATH", "C3_ADMIN_PASSWORD", "C3_ADMIN_PASSWORD_HASH", "C3_LOGIN_MAX_ATTEMPTS",
	"C3_LOCKOUT_SECONDS", "C3_SESSION_TTL_SECONDS", "C3_ARTIFACT_DIR", "API_VERSION",
	"C3_ENVELOPE_VERSION", "C3_ROLLOVER_SCHEDULE", "C3_METRICS_ADDR", "LOG_LEVEL",
	"C3_S3_BUCKET", "C3_S3_PREFIX", "C3_S3_REGION", "C3_S3_ENDPOINT",
	"C3_S3_ACCESS_KEY_ID", "C3_S3_SECRET_ACCESS_KEY",
}

// setupEnv points the CLI at a fresh workspace.
func setupEnv(t *testing.T) string {
	t.Helper()
	for _, key := range envKeys {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	t.Setenv("USAGE_SIGNING_KEY", "test-signing-key")
	t.Setenv("LICENSE_KEY", "test-license-key")
	t.Setenv("USAGE_DB_PATH", filepath.Join(dir, "usage.db"))
	t.Setenv("C3_ARTIFACT_DIR", filepath.Join(dir, "artifacts"))
	t.Setenv("LICENSE_FILE", filepath.Join(dir, "license.enc"))
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("C3_ADMIN_PASSWORD", adminPassword)
	t.Setenv("HOME", dir)
	return dir
}

const adminPassword = "Operator-Pass-2026"

func execute(t *testing.T, args ...string) error {
	t.Helper()
	cmd := newRootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

// executeAs runs a command with password on stdin.
func executeAs(t *testing.T, password string, args ...string) error {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)
	_, err = w.WriteString(password + "\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	stdin := os.Stdin
	os.Stdin = r
	defer func() {
		os.Stdin = stdin
		r.Close()
	}()
	return execute(t, append(args, "--password-stdin")...)
}

func TestCommandTree(t *testing.T) {
	root := newRootCmd()
	paths := [][]string{
		{"version"},
		{"license", "seal"},
		{"license", "inspect"},
		{"license", "update"},
		{"ledger", "record"},
		{"ledger", "verify"},
		{"ledger", "audit"},
		{"ledger", "recent"},
		{"ledger", "rollover"},
		{"ledger", "snapshot"},
		{"billing", "estimate"},
		{"summary", "emit"},
		{"summary", "verify"},
		{"export", "compliance"},
		{"evidence", "generate"},
		{"evidence", "open"},
		{"dashboard"},
		{"daemon"},
		{"config", "init"},
		{"config", "path"},
	}
	for _, p := range paths {
		cmd, _, err := root.Find(p)
		require.NoError(t, err, strings.Join(p, " "))
		assert.Equal(t, p[len(p)-1], cmd.Name())
	}
}

func TestRecordAndVerify(t *testing.T) {
	dir := setupEnv(t)

	require.NoError(t, execute(t, "ledger", "record", "--type", "analysis", "--state", "allow", "--latency", "12"))
	require.NoError(t, execute(t, "ledger", "record", "--type", "feedback", "--state", "feedback"))
	require.NoError(t, executeAs(t, adminPassword, "ledger", "verify"))
	require.NoError(t, executeAs(t, adminPassword, "ledger", "recent", "--limit", "5"))

	l, err := ledger.Open(filepath.Join(dir, "usage.db"), "test-signing-key", zerolog.Nop())
	require.NoError(t, err)
	defer l.Close()

	meta, err := l.Meta(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), meta.TotalEvents)
	assert.Equal(t, int64(2), meta.HeartbeatCounter)
}

func TestRecord_RejectsUnknownType(t *testing.T) {
	setupEnv(t)
	assert.Error(t, execute(t, "ledger", "record", "--type", "bogus"))
}

func TestRecord_RequiresSigningKey(t *testing.T) {
	setupEnv(t)
	t.Setenv("USAGE_SIGNING_KEY", "")
	assert.Error(t, execute(t, "ledger", "record"))
}

func TestVerify_WrongKeyFails(t *testing.T) {
	setupEnv(t)
	require.NoError(t, execute(t, "ledger", "record"))

	t.Setenv("USAGE_SIGNING_KEY", "other-key")
	assert.Error(t, executeAs(t, adminPassword, "ledger", "verify"))
}

func TestReadCommandsRequireLogin(t *testing.T) {
	setupEnv(t)
	require.NoError(t, execute(t, "ledger", "record"))

	for _, args := range [][]string{
		{"ledger", "verify"},
		{"ledger", "recent"},
		{"evidence", "open"},
		{"summary", "verify", "2026-10"},
	} {
		err := executeAs(t, "not-the-password", args...)
		assert.ErrorIs(t, err, auth.ErrInvalidCredential, strings.Join(args, " "))
	}
}

func TestConfigInit(t *testing.T) {
	dir := setupEnv(t)

	require.NoError(t, execute(t, "config", "init", "--generate-signing-key", "--env", "production"))
	path := filepath.Join(dir, ".continuum", "config.yml")
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	cfg, err := config.LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, cfg.SigningKey, 64)
	assert.Equal(t, config.EnvProduction, cfg.Environment)
	assert.Equal(t, config.DefaultUsageDBPath, cfg.UsageDBPath)

	assert.Error(t, execute(t, "config", "init"), "an existing file is kept")
	require.NoError(t, execute(t, "config", "init", "--force"))
}

func TestLicenseSealAndInspect(t *testing.T) {
	dir := setupEnv(t)

	payload := filepath.Join(dir, "payload.json")
	require.NoError(t, os.WriteFile(payload, []byte(`{"license_id":"LIC-1","customer_name":"Acme","plan":"enterprise","expiry_date":"2099-01-01","quota_limit":"5000"}`), 0600))
	out := filepath.Join(dir, "license.enc")

	require.NoError(t, execute(t, "license", "seal", "--in", payload, "--out", out, "--version", license.VersionAESStream))
	require.NoError(t, execute(t, "license", "inspect"))

	p, err := license.LoadFile(out, "test-license-key")
	require.NoError(t, err)
	assert.Equal(t, "LIC-1", p.LicenseID)
	assert.Equal(t, license.TierEnterprise, p.Tier)
	assert.Equal(t, int64(5000), p.QuotaLimit)
}

func TestLicenseInspect_MissingFile(t *testing.T) {
	setupEnv(t)
	assert.Error(t, execute(t, "license", "inspect"))
}

func TestBillingEstimate(t *testing.T) {
	setupEnv(t)
	require.NoError(t, execute(t, "billing", "estimate", "--tier", "pro", "--usage", "12000"))
	require.NoError(t, execute(t, "billing", "estimate", "--usage", "10", "--forecast"))
}

func TestSnapshot(t *testing.T) {
	dir := setupEnv(t)
	require.NoError(t, execute(t, "ledger", "record"))

	snapDir := filepath.Join(dir, "snaps")
	require.NoError(t, execute(t, "ledger", "snapshot", "--dir", snapDir))

	entries, err := os.ReadDir(snapDir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
