package ceremony

import (
	"errors"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekey/internal/util"
	"github.com/jmcleod/gatekey/storage"
	"github.com/jmcleod/gatekey/storage/memory"
)

// ---------------------------------------------------------------------------
// Test scaffolding
// ---------------------------------------------------------------------------

// stubVerifier satisfies Verifier without touching any cryptography. It
// records the session it was handed so tests can assert which challenge the
// service verified against.
type stubVerifier struct {
	credential  *webauthn.Credential
	verifyErr   error
	lastSession webauthn.SessionData
}

func (v *stubVerifier) BeginRegistration(user webauthn.User) (*protocol.CredentialCreation, *webauthn.SessionData, error) {
	return &protocol.CredentialCreation{}, &webauthn.SessionData{
		Challenge: "stub-challenge",
		UserID:    user.WebAuthnID(),
	}, nil
}

func (v *stubVerifier) VerifyRegistration(_ webauthn.User, session webauthn.SessionData, _ *protocol.ParsedCredentialCreationData) (*webauthn.Credential, error) {
	v.lastSession = session
	if v.verifyErr != nil {
		return nil, v.verifyErr
	}
	return v.credential, nil
}

func testCredential() *webauthn.Credential {
	return &webauthn.Credential{
		ID:        []byte{0x01, 0x02, 0x03, 0x04},
		PublicKey: []byte{0xa5, 0x01, 0x02},
		Transport: []protocol.AuthenticatorTransport{protocol.Internal},
		Flags: webauthn.CredentialFlags{
			UserPresent: true,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    []byte{0xad, 0xce, 0x00, 0x02, 0x35, 0xbc, 0xc6, 0x0a, 0x64, 0x8b, 0x0b, 0x25, 0xf1, 0xf0, 0x55, 0x03},
			SignCount: 7,
		},
	}
}

type serviceFixture struct {
	svc      *Service
	repo     storage.Repository
	verifier *stubVerifier
	now      time.Time
	fileID   string
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()

	f := &serviceFixture{
		repo:     memory.NewRepository(),
		verifier: &stubVerifier{credential: testCredential()},
		now:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	svc, err := NewService(f.repo, Config{RPID: "vault.example.com", RPOrigin: "https://vault.example.com"},
		WithVerifier(f.verifier),
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)
	f.svc = svc

	file := &File{Name: "report.pdf", ShareID: "share-1", OwnerUID: "uid-owner"}
	require.NoError(t, svc.CreateFile(file))
	f.fileID = file.ID
	return f
}

func (f *serviceFixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *serviceFixture) finish(t *testing.T, shareID string) (*Device, error) {
	t.Helper()
	return f.svc.FinishRegistration(FinishRequest{
		ShareID:  shareID,
		UID:      "uid-1",
		Response: &protocol.ParsedCredentialCreationData{},
	})
}

// ---------------------------------------------------------------------------
// StartRegistration
// ---------------------------------------------------------------------------

func TestStartRegistrationIssuesChallenge(t *testing.T) {
	f := newServiceFixture(t)

	options, ch, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)
	require.NotNil(t, options)

	assert.NotEmpty(t, ch.ID)
	assert.Equal(t, "share-1", ch.ShareID)
	assert.Equal(t, TypeRegistration, ch.Type)
	assert.Equal(t, "stub-challenge", ch.Challenge)
	assert.Equal(t, f.fileID, ch.FileID)
	assert.Equal(t, f.now, ch.CreatedAt)
	assert.Equal(t, f.now.Add(DefaultChallengeTTL), ch.ExpiresAt)
	assert.False(t, ch.Used)
}

func TestStartRegistrationUnknownFile(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", "no-such-file")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

// ---------------------------------------------------------------------------
// FinishRegistration
// ---------------------------------------------------------------------------

func TestFinishRegistrationBindsDevice(t *testing.T) {
	f := newServiceFixture(t)

	_, ch, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	device, err := f.svc.FinishRegistration(FinishRequest{
		ShareID:     "share-1",
		UID:         "uid-1",
		DeviceLabel: "Work laptop",
		Response:    &protocol.ParsedCredentialCreationData{},
	})
	require.NoError(t, err)

	assert.Equal(t, "AQIDBA", device.CredentialID)
	assert.Equal(t, util.B64uEncode([]byte{0xa5, 0x01, 0x02}), device.PublicKey)
	assert.Equal(t, "Work laptop", device.Label)
	assert.Equal(t, uint32(7), device.Counter)
	assert.Equal(t, "adce0002-35bc-c60a-648b-0b25f1f05503", device.AAGUID)
	assert.Equal(t, []string{"internal"}, device.Transports)
	assert.Equal(t, "uid-1", device.BoundByUID)
	assert.False(t, device.BackupEligible)

	// The verifier must have been handed the stored challenge, bound to the
	// share, never any client-supplied value.
	assert.Equal(t, ch.Challenge, f.verifier.lastSession.Challenge)
	assert.Equal(t, []byte("share-1"), f.verifier.lastSession.UserID)
	assert.Equal(t, "vault.example.com", f.verifier.lastSession.RelyingPartyID)

	// The device landed on the file named by the challenge.
	file, err := f.svc.GetFile(f.fileID)
	require.NoError(t, err)
	require.Len(t, file.Devices, 1)
	assert.Equal(t, device.CredentialID, file.Devices[0].CredentialID)
}

func TestFinishRegistrationDefaultLabel(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	device, err := f.svc.FinishRegistration(FinishRequest{
		ShareID:     "share-1",
		UID:         "uid-1",
		DeviceLabel: "   ",
		Response:    &protocol.ParsedCredentialCreationData{},
	})
	require.NoError(t, err)
	assert.Equal(t, DefaultDeviceLabel, device.Label)
}

func TestFinishRegistrationNoChallenge(t *testing.T) {
	f := newServiceFixture(t)

	_, err := f.finish(t, "share-1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFinishRegistrationExpiredChallenge(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	f.advance(DefaultChallengeTTL + time.Second)

	_, err = f.finish(t, "share-1")
	assert.ErrorIs(t, err, ErrNoSession)
}

func TestFinishRegistrationSingleUse(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	_, err = f.finish(t, "share-1")
	require.NoError(t, err)

	_, err = f.finish(t, "share-1")
	assert.ErrorIs(t, err, ErrSessionUsed)

	// The replay bound nothing.
	file, err := f.svc.GetFile(f.fileID)
	require.NoError(t, err)
	assert.Len(t, file.Devices, 1)
}

func TestFinishRegistrationLatestChallengeWins(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	f.advance(time.Second)
	_, second, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	_, err = f.finish(t, "share-1")
	require.NoError(t, err)
	assert.Equal(t, second.Challenge, f.verifier.lastSession.Challenge)
}

func TestFinishRegistrationVerificationFailureKeepsChallenge(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	f.verifier.verifyErr = errors.New("challenge mismatch")
	_, err = f.finish(t, "share-1")
	assert.ErrorIs(t, err, ErrVerificationFailed)

	// A failed attempt must not consume the challenge: the same ceremony can
	// be retried and succeed.
	f.verifier.verifyErr = nil
	_, err = f.finish(t, "share-1")
	assert.NoError(t, err)
}

func TestFinishRegistrationRejectsBackupEligible(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	f.verifier.credential.Flags.BackupEligible = true
	f.verifier.credential.Flags.BackupState = true

	_, err = f.finish(t, "share-1")
	assert.ErrorIs(t, err, ErrBackupEligible)

	// Policy rejection leaves the challenge intact for a conforming retry.
	f.verifier.credential.Flags.BackupEligible = false
	f.verifier.credential.Flags.BackupState = false
	_, err = f.finish(t, "share-1")
	assert.NoError(t, err)
}

func TestFinishRegistrationRetriesFileConflict(t *testing.T) {
	f := newServiceFixture(t)

	_, _, err := f.svc.StartRegistration("share-1", f.fileID)
	require.NoError(t, err)

	// Bump the file version once mid-bind so the first batch loses the file
	// CAS; the retry must observe the fresh version and succeed.
	conflicted := &conflictingRepo{Repository: f.repo, fileID: f.fileID}
	svc, err := NewService(conflicted, f.svc.Config(),
		WithVerifier(f.verifier),
		WithClock(func() time.Time { return f.now }),
	)
	require.NoError(t, err)

	device, err := svc.FinishRegistration(FinishRequest{
		ShareID:  "share-1",
		UID:      "uid-1",
		Response: &protocol.ParsedCredentialCreationData{},
	})
	require.NoError(t, err)
	require.True(t, conflicted.fired)

	file, err := svc.GetFile(f.fileID)
	require.NoError(t, err)
	require.Len(t, file.Devices, 1)
	assert.Equal(t, device.CredentialID, file.Devices[0].CredentialID)
}

// conflictingRepo injects one concurrent file write right before the first
// batch commits.
type conflictingRepo struct {
	storage.Repository
	fileID string
	fired  bool
}

func (r *conflictingRepo) Batch(fn func(storage.BatchTx) error) error {
	if !r.fired {
		r.fired = true
		doc, err := r.Get(colFiles, r.fileID)
		if err != nil {
			return err
		}
		bumped := &storage.Document{Data: doc.Data, Version: doc.Version + 1}
		if err := r.PutCAS(colFiles, r.fileID, doc.Version, bumped); err != nil {
			return err
		}
	}
	return r.Repository.Batch(fn)
}

// ---------------------------------------------------------------------------
// Files
// ---------------------------------------------------------------------------

func TestCreateFileGeneratesID(t *testing.T) {
	f := newServiceFixture(t)

	file := &File{Name: "notes.txt", ShareID: "share-2", OwnerUID: "uid-owner"}
	require.NoError(t, f.svc.CreateFile(file))
	assert.NotEmpty(t, file.ID)
	assert.Equal(t, f.now, file.CreatedAt)
	assert.NotNil(t, file.Devices)

	loaded, err := f.svc.GetFile(file.ID)
	require.NoError(t, err)
	assert.Equal(t, "notes.txt", loaded.Name)
	assert.Empty(t, loaded.Devices)
}

func TestCreateFileDuplicate(t *testing.T) {
	f := newServiceFixture(t)

	file := &File{ID: "fixed-id", Name: "a", ShareID: "s", OwnerUID: "u"}
	require.NoError(t, f.svc.CreateFile(file))

	err := f.svc.CreateFile(&File{ID: "fixed-id", Name: "b", ShareID: "s", OwnerUID: "u"})
	assert.Error(t, err)
}
