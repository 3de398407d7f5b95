package crypto

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenIssuer = "taskdex-bridge"

	// DefaultTokenTTL is how long a resume token stays valid.
	DefaultTokenTTL = 7 * 24 * time.Hour
)

// ErrInvalidToken is returned for tokens that fail verification.
var ErrInvalidToken = errors.New("invalid resume token")

// ResumeClaims is the payload of a resume token.
type ResumeClaims struct {
	ClientID string `json:"cid"`
	jwt.RegisteredClaims
}

// TokenManager issues and verifies resume tokens. The signing key is derived
// from the bridge's shared key, so rotating the shared key invalidates every
// outstanding token.
type TokenManager struct {
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey
	ttl        time.Duration
	now        func() time.Time
}

// NewTokenManager derives an Ed25519 key pair from sharedKey.
func NewTokenManager(sharedKey string, ttl time.Duration) (*TokenManager, error) {
	if sharedKey == "" {
		return nil, fmt.Errorf("shared key is required")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	seed := sha256.Sum256([]byte("taskdex-resume:" + sharedKey))
	privateKey := ed25519.NewKeyFromSeed(seed[:])

	return &TokenManager{
		privateKey: privateKey,
		publicKey:  privateKey.Public().(ed25519.PublicKey),
		ttl:        ttl,
		now:        time.Now,
	}, nil
}

// Issue creates a token bound to clientID.
func (m *TokenManager) Issue(clientID string) (string, error) {
	now := m.now()
	claims := ResumeClaims{
		ClientID: clientID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			Issuer:    tokenIssuer,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(m.privateKey)
}

// Verify parses a token and returns its claims.
func (m *TokenManager) Verify(raw string) (*ResumeClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &ResumeClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.publicKey, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(*ResumeClaims)
	if !ok || !token.Valid || claims.ClientID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// KeyMatches compares a presented key with the configured one in constant
// time.
func KeyMatches(presented, expected string) bool {
	if expected == "" {
		return false
	}
	a := sha256.Sum256([]byte(presented))
	b := sha256.Sum256([]byte(expected))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}
