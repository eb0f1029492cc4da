// Package config loads the command center configuration from an optional YAML
// file and the environment.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MacJediWizard/continuum/internal/auth"
	"github.com/MacJediWizard/continuum/internal/evidence"
	"github.com/MacJediWizard/continuum/internal/license"
	"github.com/robfig/cron/v3"
)

// Environment represents the deployment environment.
type Environment string

const (
	// EnvDevelopment is the default local development environment.
	EnvDevelopment Environment = "development"
	// EnvStaging is the staging/pre-production environment.
	EnvStaging Environment = "staging"
	// EnvProduction is the production environment.
	EnvProduction Environment = "production"
)

// Defaults and lower bounds for the session guard settings.
const (
	DefaultLoginMaxAttempts  = 5
	MinLoginMaxAttempts      = 1
	DefaultLockoutSeconds    = 900
	MinLockoutSeconds        = 30
	DefaultSessionTTLSeconds = 1800
	MinSessionTTLSeconds     = 300

	DefaultUsageDBPath      = "logs/usage.db"
	DefaultLicenseFile      = "license/license.enc"
	DefaultArtifactDir      = "logs"
	DefaultAPIVersion       = "1.1"
	DefaultRolloverSchedule = "0 * * * *"
	DefaultMetricsAddr      = ":9464"
)

// S3Settings configures the optional artifact mirror bucket.
type S3Settings struct {
	Bucket          string `yaml:"bucket,omitempty"`
	Prefix          string `yaml:"prefix,omitempty"`
	Region          string `yaml:"region,omitempty"`
	Endpoint        string `yaml:"endpoint,omitempty"`
	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
}

// Config holds the command center configuration.
type Config struct {
	Environment       Environment `yaml:"env,omitempty"`
	SigningKey        string      `yaml:"signing_key,omitempty"`
	LicenseKey        string      `yaml:"license_key,omitempty"`
	LicenseFile       string      `yaml:"license_file,omitempty"`
	UsageDBPath       string      `yaml:"usage_db_path,omitempty"`
	AdminPassword     string      `yaml:"admin_password,omitempty"`
	AdminPasswordHash string      `yaml:"admin_password_hash,omitempty"`
	LoginMaxAttempts  int         `yaml:"login_max_attempts,omitempty"`
	LockoutSeconds    int         `yaml:"lockout_seconds,omitempty"`
	SessionTTLSeconds int         `yaml:"session_ttl_seconds,omitempty"`
	ArtifactDir       string      `yaml:"artifact_dir,omitempty"`
	APIVersion        string      `yaml:"api_version,omitempty"`
	EnvelopeVersion   string      `yaml:"envelope_version,omitempty"`
	RolloverSchedule  string      `yaml:"rollover_schedule,omitempty"`
	MetricsAddr       string      `yaml:"metrics_addr,omitempty"`
	LogLevel          string      `yaml:"log_level,omitempty"`
	S3                S3Settings  `yaml:"s3,omitempty"`

	signingKeyFromSalt bool
}

// Load reads the file named by C3_CONFIG, or DefaultConfigPath when unset,
// then applies environment overrides and defaults. A missing file is not an
// error. It does not validate.
func Load() (*Config, error) {
	cfg := &Config{}
	path := strings.TrimSpace(os.Getenv("C3_CONFIG"))
	if path == "" {
		if p, err := DefaultConfigPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		loaded, err := LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if env := getEnv("ENV"); env != "" {
		c.Environment = Environment(env)
	}

	if key := getEnv("USAGE_SIGNING_KEY"); key != "" {
		c.SigningKey = key
	} else if salt := getEnv("LOG_SALT"); salt != "" && c.SigningKey == "" {
		c.SigningKey = salt
		c.signingKeyFromSalt = true
	}

	setString(&c.LicenseKey, "LICENSE_KEY")
	setString(&c.LicenseFile, "LICENSE_FILE")
	setString(&c.UsageDBPath, "USAGE_DB_PATH")
	// The admin secret is used byte for byte.
	if v := os.Getenv("C3_ADMIN_PASSWORD"); v != "" {
		c.AdminPassword = v
	}
	setString(&c.AdminPasswordHash, "C3_ADMIN_PASSWORD_HASH")
	setString(&c.ArtifactDir, "C3_ARTIFACT_DIR")
	setString(&c.APIVersion, "API_VERSION")
	setString(&c.EnvelopeVersion, "C3_ENVELOPE_VERSION")
	setString(&c.RolloverSchedule, "C3_ROLLOVER_SCHEDULE")
	setString(&c.MetricsAddr, "C3_METRICS_ADDR")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.S3.Bucket, "C3_S3_BUCKET")
	setString(&c.S3.Prefix, "C3_S3_PREFIX")
	setString(&c.S3.Region, "C3_S3_REGION")
	setString(&c.S3.Endpoint, "C3_S3_ENDPOINT")
	setString(&c.S3.AccessKeyID, "C3_S3_ACCESS_KEY_ID")
	setString(&c.S3.SecretAccessKey, "C3_S3_SECRET_ACCESS_KEY")

	c.LoginMaxAttempts = getEnvInt("C3_LOGIN_MAX_ATTEMPTS", c.LoginMaxAttempts)
	c.LockoutSeconds = getEnvInt("C3_LOCKOUT_SECONDS", c.LockoutSeconds)
	c.SessionTTLSeconds = getEnvInt("C3_SESSION_TTL_SECONDS", c.SessionTTLSeconds)
}

// Default returns a configuration holding only the defaults.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	switch c.Environment {
	case EnvDevelopment, EnvStaging, EnvProduction:
		// valid
	default:
		c.Environment = EnvDevelopment
	}

	c.LoginMaxAttempts = withFloor(c.LoginMaxAttempts, DefaultLoginMaxAttempts, MinLoginMaxAttempts)
	c.LockoutSeconds = withFloor(c.LockoutSeconds, DefaultLockoutSeconds, MinLockoutSeconds)
	c.SessionTTLSeconds = withFloor(c.SessionTTLSeconds, DefaultSessionTTLSeconds, MinSessionTTLSeconds)

	setDefault(&c.UsageDBPath, DefaultUsageDBPath)
	setDefault(&c.LicenseFile, DefaultLicenseFile)
	setDefault(&c.ArtifactDir, DefaultArtifactDir)
	setDefault(&c.APIVersion, DefaultAPIVersion)
	setDefault(&c.EnvelopeVersion, license.DefaultVersion)
	setDefault(&c.RolloverSchedule, DefaultRolloverSchedule)
	setDefault(&c.MetricsAddr, DefaultMetricsAddr)
	setDefault(&c.LogLevel, "info")
}

// Validate checks everything the subsystem needs before it starts: a signing
// key, exactly one acceptable admin credential, a known envelope version and a
// parseable rollover schedule. Production additionally requires a dedicated
// signing key and a hashed admin credential.
func (c *Config) Validate() error {
	if c.SigningKey == "" {
		return &Error{Reason: ErrMissingSigningKey.Reason, Field: "USAGE_SIGNING_KEY"}
	}
	if c.IsProduction() && c.signingKeyFromSalt {
		return &Error{Reason: ErrSaltSigningKey.Reason, Field: "USAGE_SIGNING_KEY"}
	}
	cred, err := c.Credential()
	if err != nil {
		reason := auth.ErrCredentialMalformed.Reason
		var aerr *auth.Error
		if errors.As(err, &aerr) {
			reason = aerr.Reason
		}
		return &Error{Reason: reason, Field: "C3_ADMIN_PASSWORD", Err: err}
	}
	if _, plain := cred.(*auth.PlaintextCredential); plain && c.IsProduction() {
		return &Error{Reason: ErrPlaintextCredential.Reason, Field: "C3_ADMIN_PASSWORD"}
	}
	if _, err := license.NewCodec(c.EnvelopeVersion); err != nil {
		return &Error{Reason: ErrInvalidEnvelopeVersion.Reason, Field: "C3_ENVELOPE_VERSION", Err: err}
	}
	if _, err := cron.ParseStandard(c.RolloverSchedule); err != nil {
		return &Error{Reason: ErrInvalidRolloverSchedule.Reason, Field: "C3_ROLLOVER_SCHEDULE", Err: err}
	}
	return nil
}

// Credential resolves the configured admin credential.
func (c *Config) Credential() (auth.Credential, error) {
	return auth.ResolveCredential(c.AdminPassword, c.AdminPasswordHash)
}

// GuardConfig returns the session guard limits.
func (c *Config) GuardConfig() auth.GuardConfig {
	return auth.GuardConfig{
		MaxAttempts: c.LoginMaxAttempts,
		Lockout:     time.Duration(c.LockoutSeconds) * time.Second,
		SessionTTL:  time.Duration(c.SessionTTLSeconds) * time.Second,
	}
}

// S3Config returns the artifact mirror settings and whether a mirror is configured.
func (c *Config) S3Config() (evidence.S3Config, bool) {
	if c.S3.Bucket == "" {
		return evidence.S3Config{}, false
	}
	return evidence.S3Config{
		Bucket:          c.S3.Bucket,
		Prefix:          c.S3.Prefix,
		Region:          c.S3.Region,
		Endpoint:        c.S3.Endpoint,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
	}, true
}

// IsProduction reports whether the environment is production.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

func withFloor(v, def, floor int) int {
	if v == 0 {
		v = def
	}
	if v < floor {
		return floor
	}
	return v
}

func setString(dst *string, key string) {
	if v := getEnv(key); v != "" {
		*dst = v
	}
}

func setDefault(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func getEnv(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

// getEnvInt reads an integer from an environment variable, returning the default if unset or invalid.
func getEnvInt(key string, defaultVal int) int {
	val := getEnv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}
