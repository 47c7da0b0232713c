package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const (
	HeaderSignature     = "X-Signature"
	HeaderOracleAddress = "X-Oracle-Address"
)

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify compares signature with the expected one in constant time.
func Verify(secret string, body []byte, signature string) bool {
	want, err := hex.DecodeString(Sign(secret, body))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(strings.TrimPrefix(strings.ToLower(signature), "sha256="))
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

// Keyring maps oracle addresses to their pre-shared webhook secrets.
type Keyring map[string]string

func NewKeyring(secrets map[string]string) Keyring {
	k := make(Keyring, len(secrets))
	for addr, secret := range secrets {
		k[strings.ToLower(strings.TrimSpace(addr))] = secret
	}
	return k
}

func (k Keyring) Secret(address string) (string, bool) {
	s, ok := k[strings.ToLower(strings.TrimSpace(address))]
	return s, ok && s != ""
}
