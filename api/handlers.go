package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-webauthn/webauthn/protocol"

	"github.com/jmcleod/gatekey/ceremony"
)

// StartRegistration handles POST /webauthn/start-registration.
// Issues a fresh challenge for the share and returns the browser
// credential-creation options.
func (a *API) StartRegistration(w http.ResponseWriter, r *http.Request) {
	var req StartRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ShareID == "" {
		writeError(w, http.StatusBadRequest, "shareId is required")
		return
	}
	if req.FileID == "" {
		writeError(w, http.StatusBadRequest, "fileId is required")
		return
	}

	if !a.throttleRegistration(w, r) {
		return
	}

	options, ch, err := a.svc.StartRegistration(req.ShareID, req.FileID)
	if err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditChallengeIssued, r, uidFromContext(r.Context()),
		slog.String("share_id", req.ShareID),
		slog.String("challenge_id", ch.ID))
	writeJSON(w, http.StatusOK, options)
}

// FinishRegistration handles POST /webauthn/finish-registration.
// Verifies the attestation response against the share's current challenge
// and, on success, binds the device to the file the challenge was issued for.
func (a *API) FinishRegistration(w http.ResponseWriter, r *http.Request) {
	uid := uidFromContext(r.Context())

	var req FinishRegistrationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.ShareID == "" {
		writeError(w, http.StatusBadRequest, "shareId is required")
		return
	}
	if len(req.Credential) == 0 {
		writeError(w, http.StatusBadRequest, "credential is required")
		return
	}
	// Finish is the expensive half of the ceremony (attestation parsing plus
	// signature verification), so it is throttled the same as start.
	if !a.throttleRegistration(w, r) {
		return
	}
	// Legacy clients echo the uid in the body. It must agree with the token;
	// a mismatch is a forgery attempt, not a recoverable input error.
	if req.UserID != "" && req.UserID != uid {
		a.audit.logFailure(AuditSessionRejected, r, "body uid does not match token",
			slog.String("share_id", req.ShareID))
		writeError(w, http.StatusBadRequest, "userId does not match authenticated user")
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBody(bytes.NewReader(req.Credential))
	if err != nil {
		a.audit.logFailure(AuditVerificationFailed, r, "unparseable credential",
			slog.String("share_id", req.ShareID))
		writeError(w, http.StatusBadRequest, ceremonyRejectedMsg)
		return
	}

	device, err := a.svc.FinishRegistration(ceremony.FinishRequest{
		ShareID:     req.ShareID,
		UID:         uid,
		DeviceLabel: req.DeviceLabel,
		Response:    parsed,
	})
	if err != nil {
		switch {
		case errors.Is(err, ceremony.ErrBackupEligible):
			a.audit.logFailure(AuditPolicyRejected, r, "backup-eligible credential",
				slog.String("share_id", req.ShareID),
				slog.String("uid", uid))
		case errors.Is(err, ceremony.ErrNoSession), errors.Is(err, ceremony.ErrSessionUsed):
			a.audit.logFailure(AuditSessionRejected, r, err.Error(),
				slog.String("share_id", req.ShareID))
		case errors.Is(err, ceremony.ErrVerificationFailed):
			a.audit.logFailure(AuditVerificationFailed, r, err.Error(),
				slog.String("share_id", req.ShareID))
		}
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditDeviceRegistered, r, uid,
		slog.String("share_id", req.ShareID),
		slog.String("credential_id", device.CredentialID),
		slog.String("aaguid", device.AAGUID))
	writeJSON(w, http.StatusOK, FinishRegistrationResponse{
		Success:      true,
		Verified:     true,
		CredentialID: device.CredentialID,
	})
}

// CreateFile handles POST /files.
func (a *API) CreateFile(w http.ResponseWriter, r *http.Request) {
	uid := uidFromContext(r.Context())

	var req CreateFileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.ShareID == "" {
		writeError(w, http.StatusBadRequest, "shareId is required")
		return
	}

	file := &ceremony.File{
		Name:     req.Name,
		ShareID:  req.ShareID,
		OwnerUID: uid,
	}
	if err := a.svc.CreateFile(file); err != nil {
		mapError(w, err)
		return
	}

	a.audit.logEvent(AuditFileCreated, r, uid,
		slog.String("file_id", file.ID),
		slog.String("share_id", file.ShareID))
	writeJSON(w, http.StatusCreated, CreateFileResponse{
		FileID:  file.ID,
		ShareID: file.ShareID,
	})
}

// ListDevices handles GET /files/{fileID}/devices. Only the file's owner may
// read the allow-list.
func (a *API) ListDevices(w http.ResponseWriter, r *http.Request) {
	uid := uidFromContext(r.Context())
	fileID := chi.URLParam(r, "fileID")

	file, err := a.svc.GetFile(fileID)
	if err != nil {
		mapError(w, err)
		return
	}
	// Non-owners get the same answer as a missing file so that file IDs
	// cannot be probed for existence.
	if file.OwnerUID != uid {
		writeError(w, http.StatusNotFound, "file not found")
		return
	}

	views := make([]DeviceView, 0, len(file.Devices))
	for _, d := range file.Devices {
		views = append(views, DeviceView{
			CredentialID:   d.CredentialID,
			Label:          d.Label,
			CreatedAt:      d.CreatedAt.UTC().Format(time.RFC3339),
			AAGUID:         d.AAGUID,
			Transports:     d.Transports,
			BackupEligible: d.BackupEligible,
		})
	}
	writeJSON(w, http.StatusOK, ListDevicesResponse{FileID: file.ID, Devices: views})
}
