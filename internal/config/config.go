// Package config loads the identity service configuration from the environment.
//
// Every value has a documented fallback except DB_PASS, which is required, and
// the certificate settings, which are required only when serving. The returned
// Config is passed explicitly to each component; there is no package-level state.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"godwit.dev/identity/internal/database"
)

// Environment names recognised by ENVIRONMENT.
const (
	EnvDevelopment = "Development"
	EnvProduction  = "Production"
)

// ApplicationDiscriminator isolates this service's key ring from other
// applications sharing the same cache.
const ApplicationDiscriminator = "id.godwit"

var ErrMissingPassword = errors.New("config: DB_PASS is required")

type Config struct {
	DBHost string `mapstructure:"DB_HOST"`
	DBPort string `mapstructure:"DB_PORT"`
	DBUser string `mapstructure:"DB_USER"`
	DBPass string `mapstructure:"DB_PASS"`

	AspNetDB string `mapstructure:"ASPNET_DB"`
	ConfigDB string `mapstructure:"IDCFG_DB"`
	OpsDB    string `mapstructure:"IDOPS_DB"`

	RedisHost     string `mapstructure:"REDIS_HOST"`
	RedisPort     string `mapstructure:"REDIS_PORT"`
	RedisPassword string `mapstructure:"REDIS_PASSWORD"`

	CertPath     string `mapstructure:"CERT_PATH"`
	CertFilename string `mapstructure:"CERT_FILENAME"`
	CertPassword string `mapstructure:"CERT_PASSWORD"`

	GoogleClientID     string `mapstructure:"GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `mapstructure:"GOOGLE_SECRET_ID"`

	HTTPAddr             string        `mapstructure:"HTTP_ADDR"`
	IssuerURI            string        `mapstructure:"ISSUER_URI"`
	Environment          string        `mapstructure:"ENVIRONMENT"`
	LogLevel             string        `mapstructure:"LOG_LEVEL"`
	TokenCleanupInterval time.Duration `mapstructure:"TOKEN_CLEANUP_INTERVAL"`
	ProtectionLifespan   time.Duration `mapstructure:"DATA_PROTECTION_TOKEN_LIFESPAN"`
}

var defaults = map[string]any{
	"DB_HOST":                        "localhost",
	"DB_PORT":                        "5432",
	"DB_USER":                        "postgres",
	"ASPNET_DB":                      "aspnet_db",
	"IDCFG_DB":                       "idcfg_db",
	"IDOPS_DB":                       "idops_db",
	"REDIS_HOST":                     "localhost",
	"REDIS_PORT":                     "6379",
	"HTTP_ADDR":                      ":5000",
	"ISSUER_URI":                     "http://localhost:5000",
	"ENVIRONMENT":                    EnvProduction,
	"LOG_LEVEL":                      "debug",
	"TOKEN_CLEANUP_INTERVAL":         "1h",
	"DATA_PROTECTION_TOKEN_LIFESPAN": "24h",
}

// unset keys have no fallback but must still be read from the environment.
var unset = []string{
	"DB_PASS",
	"REDIS_PASSWORD",
	"CERT_PATH",
	"CERT_FILENAME",
	"CERT_PASSWORD",
	"GOOGLE_CLIENT_ID",
	"GOOGLE_SECRET_ID",
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return load(viper.New())
}

func load(v *viper.Viper) (*Config, error) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	for _, key := range unset {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("config: bind %s: %w", key, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return &cfg, nil
}

// Validate reports settings without which no store can be reached.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPass) == "" {
		return ErrMissingPassword
	}
	return nil
}

// IsDevelopment reports whether development-only surfaces are enabled.
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, EnvDevelopment)
}

func (c *Config) target(name string) database.Target {
	return database.Target{
		Host:     c.DBHost,
		Port:     c.DBPort,
		Database: name,
		User:     c.DBUser,
		Password: c.DBPass,
	}
}

// IdentityTarget is the connection target of the users/roles store.
func (c *Config) IdentityTarget() database.Target { return c.target(c.AspNetDB) }

// ConfigurationTarget is the connection target of the clients/resources store.
func (c *Config) ConfigurationTarget() database.Target { return c.target(c.ConfigDB) }

// OperationalTarget is the connection target of the grants store.
func (c *Config) OperationalTarget() database.Target { return c.target(c.OpsDB) }

// RedisAddr returns host:port of the distributed cache.
func (c *Config) RedisAddr() string {
	return c.RedisHost + ":" + c.RedisPort
}

// CertificateFile joins CERT_PATH and CERT_FILENAME.
func (c *Config) CertificateFile() string {
	return filepath.Join(c.CertPath, c.CertFilename)
}

// GoogleEnabled reports whether Google federation is configured.
func (c *Config) GoogleEnabled() bool {
	return c.GoogleClientID != "" && c.GoogleClientSecret != ""
}
