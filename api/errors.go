package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/jmcleod/gatekey/ceremony"
	"github.com/jmcleod/gatekey/storage"
)

// ceremonyRejectedMsg is the single message returned for every challenge or
// verification failure. Distinguishing "no challenge" from "wrong challenge"
// from "bad signature" would hand an attacker an oracle; the audit log keeps
// the precise reason server-side.
const ceremonyRejectedMsg = "registration could not be verified; start a new registration"

// backupEligibleMsg is deliberately specific: the user must pick a different
// authenticator, and the frontend needs to tell them why.
const backupEligibleMsg = "syncable passkeys are not accepted; register a device-bound authenticator"

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ceremony.ErrNoSession),
		errors.Is(err, ceremony.ErrSessionUsed),
		errors.Is(err, ceremony.ErrVerificationFailed):
		writeError(w, http.StatusBadRequest, ceremonyRejectedMsg)
	case errors.Is(err, ceremony.ErrBackupEligible):
		writeError(w, http.StatusBadRequest, backupEligibleMsg)
	case errors.Is(err, ceremony.ErrFileNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrCASFailed):
		writeError(w, http.StatusConflict, "concurrent update; retry")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
