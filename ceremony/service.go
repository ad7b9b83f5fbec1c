// Package ceremony implements the WebAuthn device-registration flow for
// protected file shares: challenge issuance with single-use and expiry
// semantics, attestation verification, the device-bound-credential policy,
// and atomic binding of verified devices to a file's allow-list.
package ceremony

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	guuid "github.com/google/uuid"

	"github.com/jmcleod/gatekey/internal/util"
	"github.com/jmcleod/gatekey/internal/uuid"
	"github.com/jmcleod/gatekey/storage"
)

// bindRetries bounds re-reads of the file when a concurrent allow-list
// update wins the file CAS. The challenge CAS is never retried.
const bindRetries = 3

// Service orchestrates registration ceremonies against a document store.
type Service struct {
	repo       storage.Repository
	challenges *challengeStore
	verifier   Verifier
	cfg        Config
	now        func() time.Time
}

// Option configures the Service.
type Option func(*Service)

// WithVerifier overrides the attestation verifier. Used in tests.
func WithVerifier(v Verifier) Option {
	return func(s *Service) { s.verifier = v }
}

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// NewService creates a Service with the library-backed verifier unless one
// is supplied via options.
func NewService(repo storage.Repository, cfg Config, opts ...Option) (*Service, error) {
	s := &Service{
		repo:       repo,
		challenges: &challengeStore{repo: repo},
		cfg:        cfg.withDefaults(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.verifier == nil {
		v, err := newLibraryVerifier(s.cfg)
		if err != nil {
			return nil, err
		}
		s.verifier = v
	}
	return s, nil
}

// Config returns the effective ceremony configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// StartRegistration issues a fresh challenge for the share and returns the
// browser credential-creation options. The challenge records which file a
// verified device will be bound to; the finish step trusts the challenge,
// never client input, for that linkage.
func (s *Service) StartRegistration(shareID, fileID string) (*protocol.CredentialCreation, *Challenge, error) {
	if _, _, err := s.getFile(fileID); err != nil {
		return nil, nil, err
	}

	options, session, err := s.verifier.BeginRegistration(&shareUser{shareID: shareID})
	if err != nil {
		return nil, nil, fmt.Errorf("beginning registration: %w", err)
	}

	now := s.now()
	ch := &Challenge{
		ID:        uuid.New(),
		ShareID:   shareID,
		Type:      TypeRegistration,
		Challenge: session.Challenge,
		FileID:    fileID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.ChallengeTTL),
	}
	if err := s.challenges.insert(ch); err != nil {
		return nil, nil, fmt.Errorf("storing challenge: %w", err)
	}
	return options, ch, nil
}

// FinishRequest carries the inputs to FinishRegistration. UID must be an
// already-verified identity supplied by the session layer; it is never read
// from the attestation payload or any other client-controlled field.
type FinishRequest struct {
	ShareID     string
	UID         string
	DeviceLabel string
	Response    *protocol.ParsedCredentialCreationData
}

// FinishRegistration completes a ceremony: it locates the authoritative
// challenge for the share, verifies the attestation response against it,
// applies the device-bound policy, and binds the device to the file named by
// the challenge. Bind and consume happen in one atomic batch; a failure at
// any earlier step leaves the challenge unconsumed so the user can retry
// until it expires.
func (s *Service) FinishRegistration(req FinishRequest) (*Device, error) {
	ch, chVersion, err := s.challenges.latest(req.ShareID, TypeRegistration)
	if err != nil {
		return nil, err
	}
	if ch.Used {
		return nil, ErrSessionUsed
	}
	if ch.Expired(s.now()) {
		return nil, ErrNoSession
	}

	session := webauthn.SessionData{
		Challenge:        ch.Challenge,
		UserID:           []byte(ch.ShareID),
		RelyingPartyID:   s.cfg.RPID,
		UserVerification: s.userVerification(),
	}
	cred, err := s.verifier.VerifyRegistration(&shareUser{shareID: ch.ShareID}, session, req.Response)
	if err != nil {
		// Collapse every mismatch into one sentinel so callers cannot probe
		// which check failed; the cause stays attached for operator logs.
		return nil, fmt.Errorf("%w: %w", ErrVerificationFailed, err)
	}

	if cred.Flags.BackupEligible {
		return nil, ErrBackupEligible
	}

	device := s.deviceFromCredential(cred, req)

	for attempt := 0; ; attempt++ {
		file, fileVersion, err := s.getFile(ch.FileID)
		if err != nil {
			return nil, err
		}
		file.Devices = append(file.Devices, *device)

		err = s.repo.Batch(func(tx storage.BatchTx) error {
			if err := s.challenges.consume(tx, ch, chVersion); err != nil {
				if errors.Is(err, storage.ErrCASFailed) {
					return ErrSessionUsed
				}
				return err
			}
			fileDoc, err := storage.Encode(file, fileVersion+1)
			if err != nil {
				return err
			}
			return tx.PutCAS(colFiles, file.ID, fileVersion, fileDoc)
		})
		if err == nil {
			return device, nil
		}
		if errors.Is(err, ErrSessionUsed) || !errors.Is(err, storage.ErrCASFailed) {
			return nil, err
		}
		// Lost the file CAS to a concurrent allow-list writer. The batch
		// rolled back, so the challenge is still unconsumed and the bind can
		// be replayed against the fresh file version.
		if attempt+1 >= bindRetries {
			return nil, fmt.Errorf("binding device: %w", err)
		}
	}
}

func (s *Service) deviceFromCredential(cred *webauthn.Credential, req FinishRequest) *Device {
	label := strings.TrimSpace(req.DeviceLabel)
	if label == "" {
		label = DefaultDeviceLabel
	}
	transports := make([]string, 0, len(cred.Transport))
	for _, t := range cred.Transport {
		transports = append(transports, string(t))
	}
	now := s.now()
	return &Device{
		CredentialID:   util.B64uEncode(cred.ID),
		Label:          label,
		PublicKey:      util.B64uEncode(cred.PublicKey),
		Counter:        cred.Authenticator.SignCount,
		CreatedAt:      now,
		LastUsedAt:     now,
		AAGUID:         formatAAGUID(cred.Authenticator.AAGUID),
		Transports:     transports,
		BackupEligible: cred.Flags.BackupEligible,
		BackupState:    cred.Flags.BackupState,
		BoundByUID:     req.UID,
	}
}

func (s *Service) userVerification() protocol.UserVerificationRequirement {
	if s.cfg.RequireUserVerification {
		return protocol.VerificationRequired
	}
	return protocol.VerificationPreferred
}

// formatAAGUID renders the 16-byte authenticator model identifier in its
// canonical UUID form, falling back to base64url for non-standard lengths.
func formatAAGUID(b []byte) string {
	if id, err := guuid.FromBytes(b); err == nil {
		return id.String()
	}
	return util.B64uEncode(b)
}

// CreateFile registers a file resource with an empty allow-list. The ID is
// generated when absent.
func (s *Service) CreateFile(file *File) error {
	if file.ID == "" {
		file.ID = uuid.New()
	}
	if file.CreatedAt.IsZero() {
		file.CreatedAt = s.now()
	}
	if file.Devices == nil {
		file.Devices = []Device{}
	}
	doc, err := storage.Encode(file, 1)
	if err != nil {
		return err
	}
	if err := s.repo.PutCAS(colFiles, file.ID, 0, doc); err != nil {
		if errors.Is(err, storage.ErrCASFailed) {
			return fmt.Errorf("file %s already exists", file.ID)
		}
		return err
	}
	return nil
}

// GetFile loads a file resource, including its allow-list.
func (s *Service) GetFile(fileID string) (*File, error) {
	file, _, err := s.getFile(fileID)
	return file, err
}

func (s *Service) getFile(fileID string) (*File, uint64, error) {
	doc, err := s.repo.Get(colFiles, fileID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, 0, fmt.Errorf("%s: %w", fileID, ErrFileNotFound)
		}
		return nil, 0, err
	}
	var file File
	if err := storage.Decode(doc, &file); err != nil {
		return nil, 0, err
	}
	return &file, doc.Version, nil
}
