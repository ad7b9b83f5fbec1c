// Package webauthntest fabricates structurally valid WebAuthn registration
// responses for tests. Fixtures use the "none" attestation format, which has
// an empty attestation statement, so no authenticator signature is needed for
// the response to pass the full registration verification procedure.
package webauthntest

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"

	"github.com/fxamacker/cbor/v2"
)

// Authenticator data flag bits.
const (
	flagUserPresent    = 0x01
	flagUserVerified   = 0x04
	flagBackupEligible = 0x08
	flagBackupState    = 0x10
	flagAttestedData   = 0x40
)

// Options describes the registration response to fabricate.
type Options struct {
	// Challenge is the base64url challenge string exactly as issued.
	Challenge string
	// Origin is the value embedded in the client data.
	Origin string
	// RPID is hashed into the authenticator data.
	RPID string

	CredentialID []byte
	// PublicKey holds raw COSE key bytes. DefaultCOSEKey is used when nil.
	PublicKey []byte
	// AAGUID must be 16 bytes; zeroes are substituted otherwise.
	AAGUID    []byte
	SignCount uint32

	UserPresent    bool
	UserVerified   bool
	BackupEligible bool
	BackupState    bool
	Transports     []string
}

// DefaultCOSEKey returns a syntactically valid COSE EC2 P-256 public key.
// The coordinates are not on the curve; "none" attestation never checks them.
func DefaultCOSEKey() []byte {
	x := make([]byte, 32)
	y := make([]byte, 32)
	x[31] = 1
	y[31] = 2
	key := map[int]any{
		1:  2,  // kty: EC2
		3:  -7, // alg: ES256
		-1: 1,  // crv: P-256
		-2: x,
		-3: y,
	}
	b, err := cbor.Marshal(key)
	if err != nil {
		panic(err)
	}
	return b
}

// ResponseJSON builds the JSON body a browser would return from
// navigator.credentials.create, carrying a "none"-format attestation object.
func ResponseJSON(o Options) []byte {
	if o.PublicKey == nil {
		o.PublicKey = DefaultCOSEKey()
	}
	if len(o.AAGUID) != 16 {
		o.AAGUID = make([]byte, 16)
	}

	rpHash := sha256.Sum256([]byte(o.RPID))
	flags := byte(flagAttestedData)
	if o.UserPresent {
		flags |= flagUserPresent
	}
	if o.UserVerified {
		flags |= flagUserVerified
	}
	if o.BackupEligible {
		flags |= flagBackupEligible
	}
	if o.BackupState {
		flags |= flagBackupState
	}

	authData := make([]byte, 0, 37+16+2+len(o.CredentialID)+len(o.PublicKey))
	authData = append(authData, rpHash[:]...)
	authData = append(authData, flags)
	authData = binary.BigEndian.AppendUint32(authData, o.SignCount)
	authData = append(authData, o.AAGUID...)
	authData = binary.BigEndian.AppendUint16(authData, uint16(len(o.CredentialID)))
	authData = append(authData, o.CredentialID...)
	authData = append(authData, o.PublicKey...)

	attObj, err := cbor.Marshal(map[string]any{
		"fmt":      "none",
		"attStmt":  map[string]any{},
		"authData": authData,
	})
	if err != nil {
		panic(err)
	}

	clientData, err := json.Marshal(map[string]any{
		"type":      "webauthn.create",
		"challenge": o.Challenge,
		"origin":    o.Origin,
	})
	if err != nil {
		panic(err)
	}

	body, err := json.Marshal(map[string]any{
		"id":    b64u(o.CredentialID),
		"rawId": b64u(o.CredentialID),
		"type":  "public-key",
		"response": map[string]any{
			"clientDataJSON":    b64u(clientData),
			"attestationObject": b64u(attObj),
			"transports":        o.Transports,
		},
	})
	if err != nil {
		panic(err)
	}
	return body
}

func b64u(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
