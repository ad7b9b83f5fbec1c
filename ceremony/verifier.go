package ceremony

import (
	"fmt"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
)

// Verifier abstracts the WebAuthn attestation ceremony so tests can
// substitute a stub and callers never depend on library internals.
type Verifier interface {
	// BeginRegistration produces browser credential-creation options and the
	// server-side session state holding the freshly generated challenge.
	BeginRegistration(user webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error)

	// VerifyRegistration validates an attestation response against the
	// session state and returns the extracted credential on success. Every
	// mismatch (challenge, origin, RP ID hash, flags, attestation signature)
	// must surface as an error; no partial extraction is returned.
	VerifyRegistration(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error)
}

// libraryVerifier delegates to go-webauthn, which implements the WebAuthn
// Level 2/3 registration verification procedure including the
// format-specific attestation signature checks.
type libraryVerifier struct {
	wa *webauthn.WebAuthn
}

var _ Verifier = (*libraryVerifier)(nil)

func newLibraryVerifier(cfg Config) (*libraryVerifier, error) {
	uv := protocol.VerificationPreferred
	if cfg.RequireUserVerification {
		uv = protocol.VerificationRequired
	}
	wa, err := webauthn.New(&webauthn.Config{
		RPID:          cfg.RPID,
		RPDisplayName: cfg.RPDisplayName,
		RPOrigins:     []string{cfg.RPOrigin},
		AuthenticatorSelection: protocol.AuthenticatorSelection{
			UserVerification: uv,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("configuring webauthn: %w", err)
	}
	return &libraryVerifier{wa: wa}, nil
}

func (v *libraryVerifier) BeginRegistration(user webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return v.wa.BeginRegistration(user)
}

func (v *libraryVerifier) VerifyRegistration(user webauthn.User, session webauthn.SessionData, response *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	return v.wa.CreateCredential(user, session, response)
}

// shareUser adapts a share to the webauthn.User interface. The share, not an
// account, is the registering entity: credentials are scoped to the shared
// resource they unlock.
type shareUser struct {
	shareID string
}

func (u *shareUser) WebAuthnID() []byte                         { return []byte(u.shareID) }
func (u *shareUser) WebAuthnName() string                       { return u.shareID }
func (u *shareUser) WebAuthnDisplayName() string                { return u.shareID }
func (u *shareUser) WebAuthnCredentials() []webauthn.Credential { return nil }
