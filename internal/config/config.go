package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"

	"github.com/hengadev/errsx"
	"github.com/spf13/viper"
)

// Amendment policies for confirmed records.
const (
	AmendmentPolicyAmend  = "amend"  // mutation of a confirmed record reopens it as a draft
	AmendmentPolicyLocked = "locked" // mutation of a confirmed record is rejected
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	SigningKey      string   `mapstructure:"SIGNING_KEY"`
	TSAURL          string   `mapstructure:"TSA_URL"`
	AmendmentPolicy string   `mapstructure:"RECORD_AMENDMENT_POLICY"`
	AuditPartition  string   `mapstructure:"AUDIT_PARTITION"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL     string   `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience    string   `mapstructure:"AUTH_AUDIENCE"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("RECORD_AMENDMENT_POLICY", AmendmentPolicyAmend)
	v.SetDefault("AUDIT_PARTITION", "global")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("SIGNING_KEY")
	v.BindEnv("TSA_URL")
	v.BindEnv("RECORD_AMENDMENT_POLICY")
	v.BindEnv("AUDIT_PARTITION")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_JWKS_URL")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("CORS_ORIGINS")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: Requests are attributed to a development actor identity.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. The signing key is
// required in production and, when set, must be a 64-character hex string
// (a 32-byte Ed25519 seed). Confirmation aborts at runtime without it, so
// production refuses to start unsigned.
func (c *Config) Validate() error {
	errs := errsx.Map{}

	if c.IsProduction() && c.SigningKey == "" {
		errs.Set("SIGNING_KEY", fmt.Errorf("required in production"))
	}
	if c.SigningKey != "" {
		keyBytes, err := hex.DecodeString(c.SigningKey)
		if err != nil {
			errs.Set("SIGNING_KEY", fmt.Errorf("not valid hex: %w", err))
		} else if len(keyBytes) != 32 {
			errs.Set("SIGNING_KEY", fmt.Errorf("must be 32 bytes (64 hex chars), got %d bytes", len(keyBytes)))
		}
	}

	switch c.AmendmentPolicy {
	case AmendmentPolicyAmend, AmendmentPolicyLocked:
	default:
		errs.Set("RECORD_AMENDMENT_POLICY",
			fmt.Errorf("must be %q or %q, got %q", AmendmentPolicyAmend, AmendmentPolicyLocked, c.AmendmentPolicy))
	}

	if c.AuditPartition == "" {
		errs.Set("AUDIT_PARTITION", fmt.Errorf("must not be empty"))
	}

	if c.IsProduction() && c.AuthIssuer == "" {
		errs.Set("AUTH_ISSUER", fmt.Errorf("required in production so requests carry a real actor identity"))
	}

	return errs.AsError()
}
