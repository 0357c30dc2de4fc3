package dashboard

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized covers every authentication failure; callers get no
// detail about which check failed.
var ErrUnauthorized = errors.New("unauthorized")

const (
	sessionCookieName = "walink_session"
	sessionTTL        = 12 * time.Hour
)

// Credential is the read-only admin identity authorizing dashboard calls.
type Credential struct {
	// Phone is the admin phone identifier.
	Phone string

	// PasswordHash is the bcrypt hash of the admin password.
	PasswordHash string
}

// Check verifies a login attempt against the credential.
func (c Credential) Check(phone, password string) error {
	if phone != c.Phone {
		return ErrUnauthorized
	}
	if err := bcrypt.CompareHashAndPassword([]byte(c.PasswordHash), []byte(password)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// signSession produces a signed cookie value binding the phone to an
// expiry: base64(phone|expiry) + "." + base64(hmac-sha256).
func signSession(secret []byte, phone string, expiry time.Time) string {
	payload := fmt.Sprintf("%s|%d", phone, expiry.Unix())
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(payload))

	return base64.RawURLEncoding.EncodeToString([]byte(payload)) +
		"." + base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verifySession checks the signature and expiry of a cookie value and
// returns the authenticated phone.
func verifySession(secret []byte, value string) (string, error) {
	parts := strings.SplitN(value, ".", 2)
	if len(parts) != 2 {
		return "", ErrUnauthorized
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return "", ErrUnauthorized
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return "", ErrUnauthorized
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return "", ErrUnauthorized
	}

	fields := strings.SplitN(string(payload), "|", 2)
	if len(fields) != 2 {
		return "", ErrUnauthorized
	}
	expiry, err := strconv.ParseInt(fields[1], 10, 64)
	if err != nil || time.Now().Unix() >= expiry {
		return "", ErrUnauthorized
	}

	return fields[0], nil
}
