package ceremony

import "time"

// Deployment environments recognised by OriginForEnvironment.
const (
	EnvProduction  = "production"
	EnvDevelopment = "development"
)

// DefaultChallengeTTL bounds how long a registration challenge stays valid.
const DefaultChallengeTTL = 5 * time.Minute

// devOrigin is where the browser frontend runs outside production.
const devOrigin = "http://localhost:3000"

// Config carries the relying-party identity and ceremony policy. All fields
// are explicit; nothing is read from ambient process environment.
type Config struct {
	// RPID is the relying-party identifier, typically the bare domain.
	RPID string
	// RPDisplayName is shown by browsers during the ceremony. Defaults to RPID.
	RPDisplayName string
	// RPOrigin is the fully-qualified origin attestation responses must carry.
	RPOrigin string
	// RequireUserVerification fails ceremonies where the authenticator did
	// not assert the user-verified flag (biometric or PIN confirmation).
	RequireUserVerification bool
	// ChallengeTTL defaults to DefaultChallengeTTL when zero.
	ChallengeTTL time.Duration
}

// OriginForEnvironment returns the expected WebAuthn origin for a deployment
// environment. Production serves over https on the configured domain; every
// other environment defaults to the local development frontend.
func OriginForEnvironment(environment, domain string) string {
	if environment == EnvProduction && domain != "" {
		return "https://" + domain
	}
	return devOrigin
}

func (c Config) withDefaults() Config {
	if c.ChallengeTTL <= 0 {
		c.ChallengeTTL = DefaultChallengeTTL
	}
	if c.RPDisplayName == "" {
		c.RPDisplayName = c.RPID
	}
	if c.RPOrigin == "" {
		c.RPOrigin = OriginForEnvironment(EnvDevelopment, c.RPID)
	}
	return c
}
