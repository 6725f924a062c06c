package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Keyring holds the HMAC secrets tokens may be signed with, by key id.
// New tokens are always signed with the active key; any key in the ring
// verifies, so retiring a key does not log everyone out.
type Keyring struct {
	activeID string
	keys     map[string][]byte
}

// NewKeyring builds a keyring whose active key is keys[activeID].
func NewKeyring(activeID string, keys map[string]string) (*Keyring, error) {
	activeID = strings.TrimSpace(activeID)
	if activeID == "" {
		return nil, errors.New("active key id is required")
	}
	ring := &Keyring{activeID: activeID, keys: make(map[string][]byte, len(keys))}
	for kid, secret := range keys {
		if strings.TrimSpace(secret) == "" {
			return nil, fmt.Errorf("empty secret for key %q", kid)
		}
		ring.keys[kid] = []byte(secret)
	}
	if _, ok := ring.keys[activeID]; !ok {
		return nil, fmt.Errorf("no secret for active key %q", activeID)
	}
	return ring, nil
}

func (k *Keyring) lookup(kid string) ([]byte, bool) {
	if kid == "" {
		kid = k.activeID
	}
	key, ok := k.keys[kid]
	return key, ok
}

// TokenIssuer issues and verifies HS256 access tokens whose subject is the
// user's email.
type TokenIssuer struct {
	keyring *Keyring
	ttl     time.Duration
	now     func() time.Time
}

// IssuerOption customises a TokenIssuer.
type IssuerOption func(*TokenIssuer)

// WithClock overrides the time source used for issuing and validating.
func WithClock(now func() time.Time) IssuerOption {
	return func(i *TokenIssuer) { i.now = now }
}

// NewTokenIssuer creates an issuer whose tokens expire ttl after issuance.
func NewTokenIssuer(keyring *Keyring, ttl time.Duration, opts ...IssuerOption) *TokenIssuer {
	issuer := &TokenIssuer{keyring: keyring, ttl: ttl, now: time.Now}
	for _, opt := range opts {
		opt(issuer)
	}
	return issuer
}

// Issue returns a signed token for email and its expiry time.
func (i *TokenIssuer) Issue(email string) (string, time.Time, error) {
	issuedAt := i.now()
	expiresAt := issuedAt.Add(i.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   email,
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = i.keyring.activeID

	key, _ := i.keyring.lookup(i.keyring.activeID)
	signed, err := token.SignedString(key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature, algorithm and expiry of tokenString and
// returns the email it was issued for. Failures are *Error values.
func (i *TokenIssuer) Verify(tokenString string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, i.keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", NewError("token expired", err)
	case err != nil || !token.Valid:
		return "", NewError("Invalid token", err)
	}
	if claims.Subject == "" {
		return "", NewError("missing subject", nil)
	}
	return claims.Subject, nil
}

func (i *TokenIssuer) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, errors.New("unexpected signing method")
	}
	kid, _ := token.Header["kid"].(string)
	key, ok := i.keyring.lookup(kid)
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", kid)
	}
	return key, nil
}
