// Package credential derives the broker username/password pair from the
// device identity and the shared product key.
package credential

import (
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
)

// Separator joins the client id and product id in the broker username.
const Separator = "&"

// Credential is the username/password pair presented on CONNECT.
type Credential struct {
	Username string
	Password string
}

// Derive computes the credential for clientID/productID. The password is the
// lowercase hex HMAC-MD5 of the username keyed by key. Any key length,
// including zero, is accepted.
func Derive(key []byte, clientID, productID string) Credential {
	username := Username(clientID, productID)
	return Credential{
		Username: username,
		Password: Sign(key, username),
	}
}

// Username returns clientID and productID joined by Separator.
func Username(clientID, productID string) string {
	return clientID + Separator + productID
}

// Sign returns hex(HMAC-MD5(key, msg)) in lowercase.
func Sign(key []byte, msg string) string {
	mac := hmac.New(md5.New, key)
	mac.Write([]byte(msg))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether password is the valid signature of username under key.
func Verify(key []byte, username, password string) bool {
	want, err := hex.DecodeString(Sign(key, username))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(password)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}
