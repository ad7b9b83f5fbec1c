package ceremony

import "time"

// Type distinguishes registration challenges from future ceremony kinds
// sharing the same collection.
type Type string

// TypeRegistration marks a device-registration challenge.
const TypeRegistration Type = "registration"

// DefaultDeviceLabel is used when the client omits a device label.
const DefaultDeviceLabel = "Security key"

// Challenge is an outstanding registration challenge. It links a ceremony to
// the share it was started for and the file a verified device will be bound
// to. A challenge is single-use: Used flips to true exactly once, inside the
// same transaction that appends the device.
type Challenge struct {
	ID        string    `json:"id"`
	ShareID   string    `json:"shareId"`
	Type      Type      `json:"type"`
	Challenge string    `json:"challenge"`
	FileID    string    `json:"fileId"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Used      bool      `json:"used"`
}

// Expired reports whether the challenge is past its expiry at the given time.
func (c *Challenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

// Device is one entry in a file's allow-list: a hardware-bound credential
// permitted to unlock the file. Binary fields are base64url-encoded.
//
// BackupEligible and BackupState are persisted for audit even though an
// eligible authenticator is always rejected before binding; if the policy is
// ever relaxed, existing records already carry the flags.
type Device struct {
	CredentialID   string    `json:"credentialId"`
	Label          string    `json:"label"`
	PublicKey      string    `json:"publicKey"`
	Counter        uint32    `json:"counter"`
	CreatedAt      time.Time `json:"createdAt"`
	LastUsedAt     time.Time `json:"lastUsedAt"`
	AAGUID         string    `json:"aaguid"`
	Transports     []string  `json:"transports,omitempty"`
	BackupEligible bool      `json:"backupEligible"`
	BackupState    bool      `json:"backupState"`
	BoundByUID     string    `json:"boundByUid"`
}

// File is a shared file resource guarded by a device allow-list. The
// allow-list is append-only from this package's perspective.
type File struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	ShareID   string    `json:"shareId"`
	OwnerUID  string    `json:"ownerUid,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Devices   []Device  `json:"devices"`
}
