package util

import "encoding/base64"

// B64uEncode encodes b using unpadded base64url, the encoding WebAuthn uses
// for credential IDs, public keys, and challenges.
func B64uEncode(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}
