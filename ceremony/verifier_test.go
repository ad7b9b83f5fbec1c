package ceremony

import (
	"bytes"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekey/internal/webauthntest"
	"github.com/jmcleod/gatekey/storage/memory"
)

// These tests run the full registration verification procedure through
// go-webauthn using fabricated "none"-format attestation responses, so the
// challenge, origin, and RP ID checks exercised here are the library's real
// ones rather than a stub's.

func newRealVerifierFixture(t *testing.T) (*Service, string) {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	svc, err := NewService(memory.NewRepository(), Config{
		RPID:     "vault.example.com",
		RPOrigin: "https://vault.example.com",
	}, WithClock(func() time.Time { return now }))
	require.NoError(t, err)

	file := &File{Name: "report.pdf", ShareID: "share-1", OwnerUID: "uid-owner"}
	require.NoError(t, svc.CreateFile(file))

	return svc, file.ID
}

func parseResponse(t *testing.T, body []byte) *protocol.ParsedCredentialCreationData {
	t.Helper()
	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(body))
	require.NoError(t, err)
	return parsed
}

func TestLibraryVerifierAcceptsConformingResponse(t *testing.T) {
	svc, fileID := newRealVerifierFixture(t)

	_, ch, err := svc.StartRegistration("share-1", fileID)
	require.NoError(t, err)

	body := webauthntest.ResponseJSON(webauthntest.Options{
		Challenge:    ch.Challenge,
		Origin:       "https://vault.example.com",
		RPID:         "vault.example.com",
		CredentialID: []byte("credential-0001"),
		SignCount:    3,
		UserPresent:  true,
		Transports:   []string{"usb"},
	})

	device, err := svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: parseResponse(t, body),
	})
	require.NoError(t, err)

	assert.Equal(t, uint32(3), device.Counter)
	assert.Equal(t, []string{"usb"}, device.Transports)
	assert.False(t, device.BackupEligible)

	file, err := svc.GetFile(fileID)
	require.NoError(t, err)
	assert.Len(t, file.Devices, 1)
}

func TestLibraryVerifierRejectsWrongOrigin(t *testing.T) {
	svc, fileID := newRealVerifierFixture(t)

	_, ch, err := svc.StartRegistration("share-1", fileID)
	require.NoError(t, err)

	body := webauthntest.ResponseJSON(webauthntest.Options{
		Challenge:    ch.Challenge,
		Origin:       "https://phish.example.net",
		RPID:         "vault.example.com",
		CredentialID: []byte("credential-0001"),
		UserPresent:  true,
	})

	_, err = svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: parseResponse(t, body),
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)

	// Nothing was bound.
	file, err := svc.GetFile(fileID)
	require.NoError(t, err)
	assert.Empty(t, file.Devices)
}

func TestLibraryVerifierRejectsWrongChallenge(t *testing.T) {
	svc, fileID := newRealVerifierFixture(t)

	_, _, err := svc.StartRegistration("share-1", fileID)
	require.NoError(t, err)

	body := webauthntest.ResponseJSON(webauthntest.Options{
		Challenge:    "c3RhbGUtY2hhbGxlbmdl",
		Origin:       "https://vault.example.com",
		RPID:         "vault.example.com",
		CredentialID: []byte("credential-0001"),
		UserPresent:  true,
	})

	_, err = svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: parseResponse(t, body),
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestLibraryVerifierRejectsWrongRPID(t *testing.T) {
	svc, fileID := newRealVerifierFixture(t)

	_, ch, err := svc.StartRegistration("share-1", fileID)
	require.NoError(t, err)

	body := webauthntest.ResponseJSON(webauthntest.Options{
		Challenge:    ch.Challenge,
		Origin:       "https://vault.example.com",
		RPID:         "other.example.com",
		CredentialID: []byte("credential-0001"),
		UserPresent:  true,
	})

	_, err = svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: parseResponse(t, body),
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)
}

func TestLibraryVerifierRejectsBackupEligibleAuthenticator(t *testing.T) {
	svc, fileID := newRealVerifierFixture(t)

	_, ch, err := svc.StartRegistration("share-1", fileID)
	require.NoError(t, err)

	body := webauthntest.ResponseJSON(webauthntest.Options{
		Challenge:      ch.Challenge,
		Origin:         "https://vault.example.com",
		RPID:           "vault.example.com",
		CredentialID:   []byte("credential-0001"),
		UserPresent:    true,
		BackupEligible: true,
		BackupState:    true,
	})

	_, err = svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: parseResponse(t, body),
	})
	assert.ErrorIs(t, err, ErrBackupEligible)
}

func TestLibraryVerifierRequiresUserVerificationWhenConfigured(t *testing.T) {
	svc, err := NewService(memory.NewRepository(), Config{
		RPID:                    "vault.example.com",
		RPOrigin:                "https://vault.example.com",
		RequireUserVerification: true,
	})
	require.NoError(t, err)

	file := &File{Name: "report.pdf", ShareID: "share-1", OwnerUID: "uid-owner"}
	require.NoError(t, svc.CreateFile(file))

	_, ch, err := svc.StartRegistration("share-1", file.ID)
	require.NoError(t, err)

	// Present but not verified: must fail under the strict policy.
	body := webauthntest.ResponseJSON(webauthntest.Options{
		Challenge:    ch.Challenge,
		Origin:       "https://vault.example.com",
		RPID:         "vault.example.com",
		CredentialID: []byte("credential-0001"),
		UserPresent:  true,
	})
	_, err = svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: parseResponse(t, body),
	})
	assert.ErrorIs(t, err, ErrVerificationFailed)

	// Same challenge with UV asserted succeeds.
	body = webauthntest.ResponseJSON(webauthntest.Options{
		Challenge:    ch.Challenge,
		Origin:       "https://vault.example.com",
		RPID:         "vault.example.com",
		CredentialID: []byte("credential-0001"),
		UserPresent:  true,
		UserVerified: true,
	})
	device, err := svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: parseResponse(t, body),
	})
	require.NoError(t, err)
	assert.False(t, device.BackupEligible)
}
