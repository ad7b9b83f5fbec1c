package api

import "encoding/json"

// StartRegistrationRequest is the JSON body for POST /webauthn/start-registration.
type StartRegistrationRequest struct {
	ShareID string `json:"shareId"`
	FileID  string `json:"fileId"`
}

// FinishRegistrationRequest is the JSON body for POST /webauthn/finish-registration.
// Credential carries the browser's credential-creation response verbatim.
// UserID is accepted for backwards compatibility but is only cross-checked
// against the authenticated identity; it never establishes it.
type FinishRegistrationRequest struct {
	ShareID     string          `json:"shareId"`
	Credential  json.RawMessage `json:"credential"`
	DeviceLabel string          `json:"deviceLabel,omitempty"`
	UserID      string          `json:"userId,omitempty"`
}

// FinishRegistrationResponse is returned from POST /webauthn/finish-registration.
type FinishRegistrationResponse struct {
	Success      bool   `json:"success"`
	Verified     bool   `json:"verified"`
	CredentialID string `json:"credentialId"`
}

// CreateFileRequest is the JSON body for POST /files.
type CreateFileRequest struct {
	Name    string `json:"name"`
	ShareID string `json:"shareId"`
}

// CreateFileResponse is returned from POST /files.
type CreateFileResponse struct {
	FileID  string `json:"fileId"`
	ShareID string `json:"shareId"`
}

// DeviceView is the public projection of a bound device. The raw public key
// stays server-side.
type DeviceView struct {
	CredentialID   string   `json:"credentialId"`
	Label          string   `json:"label"`
	CreatedAt      string   `json:"createdAt"`
	AAGUID         string   `json:"aaguid"`
	Transports     []string `json:"transports,omitempty"`
	BackupEligible bool     `json:"backupEligible"`
}

// ListDevicesResponse is returned from GET /files/{fileID}/devices.
type ListDevicesResponse struct {
	FileID  string       `json:"fileId"`
	Devices []DeviceView `json:"devices"`
}

// ErrorResponse is returned for all error cases.
type ErrorResponse struct {
	Error string `json:"error"`
}
