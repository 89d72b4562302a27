// Package auth implements EdgeWatch's two authentication paths: device
// bearer tokens (fingerprint-indexed KDF hash, spec §5) and hand-rolled
// HMAC-SHA256 JWTs for admin/operator/viewer roles, grounded on
// control_plane/auth/jwt.go in the teacher repo for the JWT half.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"os"
)

// fingerprintLen is the truncated-hash length used to index devices by
// token without storing the raw token (spec §3 "truncated fingerprint").
const fingerprintLen = 16

var devicePepper = loadPepper()

func loadPepper() []byte {
	if v := os.Getenv("DEVICE_TOKEN_PEPPER"); v != "" {
		return []byte(v)
	}
	return []byte("insecure_default_pepper_for_dev_mode_only")
}

// hashToken runs an HMAC-SHA256 KDF over the raw device token, the same
// hand-rolled-crypto posture as auth/jwt.go's computeHMAC in the teacher —
// no third-party KDF library appears anywhere in the example pack, so
// EdgeWatch's device-credential hash stays on crypto/hmac + crypto/sha256.
func hashToken(rawToken string) []byte {
	h := hmac.New(sha256.New, devicePepper)
	h.Write([]byte(rawToken))
	return h.Sum(nil)
}

// Fingerprint returns the indexed lookup key for rawToken (spec §5: "a
// unique index on fingerprint, then constant-time verify of the hash").
func Fingerprint(rawToken string) string {
	sum := hashToken(rawToken)
	return hex.EncodeToString(sum[:fingerprintLen])
}

// NewDeviceCredential derives the (hash, fingerprint) pair stored on a
// Device row for a freshly minted or rotated raw token.
func NewDeviceCredential(rawToken string) (hash []byte, fingerprint string) {
	sum := hashToken(rawToken)
	return sum, hex.EncodeToString(sum[:fingerprintLen])
}

// VerifyDeviceToken constant-time-compares rawToken's hash against the
// stored hash for the device resolved by fingerprint lookup.
func VerifyDeviceToken(rawToken string, storedHash []byte) bool {
	candidate := hashToken(rawToken)
	return subtle.ConstantTimeCompare(candidate, storedHash) == 1
}

// ErrMissingToken is returned when no bearer token was presented.
var ErrMissingToken = fmt.Errorf("missing bearer token")
