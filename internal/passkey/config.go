package passkey

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// CeremonyKind describes the WebAuthn ceremony purpose.
type CeremonyKind string

const (
	CeremonyKindRegistration   CeremonyKind = "registration"
	CeremonyKindAuthentication CeremonyKind = "authentication"
)

// Config controls WebAuthn relying party settings.
type Config struct {
	RPDisplayName string        `env:"STRONGHOLD_WEBAUTHN_RP_DISPLAY_NAME" envDefault:"Stronghold"`
	RPID          string        `env:"STRONGHOLD_WEBAUTHN_RP_ID"           envDefault:"localhost"`
	RPOrigins     []string      `env:"STRONGHOLD_WEBAUTHN_RP_ORIGINS"      envSeparator:","`
	CeremonyTTL   time.Duration `env:"STRONGHOLD_WEBAUTHN_CEREMONY_TTL"    envDefault:"5m"`
}

// LoadConfigFromEnv returns relying party configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{
			RPDisplayName: "Stronghold",
			RPID:          "localhost",
			RPOrigins:     []string{"http://localhost:8086"},
			CeremonyTTL:   5 * time.Minute,
		}
	}
	if len(cfg.RPOrigins) == 0 {
		cfg.RPOrigins = []string{"http://localhost:8086"}
	}
	return cfg
}
