package manager

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidCredential = errors.New("invalid device credential")

// DeviceClaims are embedded in every issued device credential. The token
// itself carries no expiry; revocation works by hash comparison against the
// client record.
type DeviceClaims struct {
	HardwareID string `json:"hwid"`
	jwt.RegisteredClaims
}

// DeviceCredentials issues and verifies the long lived device tokens and
// derives the salted hash stored for revocation checks.
type DeviceCredentials struct {
	signingKey []byte
	hashSalt   []byte
}

func NewDeviceCredentials(signingKey, hashSalt []byte) (*DeviceCredentials, error) {
	if len(signingKey) == 0 {
		return nil, errors.New("credential signing key is required")
	}
	if len(hashSalt) == 0 {
		return nil, errors.New("credential hash salt is required")
	}
	return &DeviceCredentials{
		signingKey: append([]byte(nil), signingKey...),
		hashSalt:   append([]byte(nil), hashSalt...),
	}, nil
}

// Issue signs a fresh credential for the client and returns it together
// with its storage hash.
func (d *DeviceCredentials) Issue(clientID, hardwareID string, now time.Time) (token, hash string, err error) {
	claims := DeviceClaims{
		HardwareID: hardwareID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  clientID,
			IssuedAt: jwt.NewNumericDate(now),
			ID:       uuid.NewString(),
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(d.signingKey)
	if err != nil {
		return "", "", err
	}
	return token, d.Hash(token), nil
}

// Verify checks the signature and returns the claims plus the hash to
// compare against the client's stored DeviceTokenHash.
func (d *DeviceCredentials) Verify(token string) (*DeviceClaims, string, error) {
	claims := &DeviceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidCredential
		}
		return d.signingKey, nil
	})
	if err != nil || !parsed.Valid {
		return nil, "", ErrInvalidCredential
	}
	if claims.Subject == "" {
		return nil, "", ErrInvalidCredential
	}
	return claims, d.Hash(token), nil
}

// Hash derives the salted HMAC-SHA256 of a credential. Credentials are only
// ever stored in this form.
func (d *DeviceCredentials) Hash(token string) string {
	mac := hmac.New(sha256.New, d.hashSalt)
	mac.Write([]byte(token))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// HashEqual compares a computed hash with a stored one in constant time.
func HashEqual(a, b string) bool {
	return hmac.Equal([]byte(a), []byte(b))
}
