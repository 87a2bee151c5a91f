// Package auth mints and verifies the signed join credentials presented to
// the room service.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultTTL is how long issued tokens stay valid when no ttl is given.
const DefaultTTL = 6 * time.Hour

var (
	// ErrInvalidCredentials is returned when the API key or secret is empty.
	ErrInvalidCredentials = errors.New("invalid api key or secret")

	// ErrInvalidToken is returned by Verify for malformed, badly signed or
	// expired tokens.
	ErrInvalidToken = errors.New("invalid token")
)

// VideoGrant is the room permission set carried in the "video" claim.
type VideoGrant struct {
	Room         string `json:"room,omitempty"`
	RoomJoin     bool   `json:"roomJoin,omitempty"`
	CanPublish   bool   `json:"canPublish,omitempty"`
	CanSubscribe bool   `json:"canSubscribe,omitempty"`
}

// Claims are the JWT claims of a join token. Subject is the participant identity.
type Claims struct {
	Name  string      `json:"name,omitempty"`
	Video *VideoGrant `json:"video,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the participant identity the token was issued to.
func (c *Claims) Identity() string {
	return c.Subject
}

// TokenIssuer signs join tokens with an API key pair.
type TokenIssuer struct {
	apiKey    string
	apiSecret []byte
	now       func() time.Time
}

func NewTokenIssuer(apiKey, apiSecret string) (*TokenIssuer, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrInvalidCredentials
	}
	return &TokenIssuer{apiKey: apiKey, apiSecret: []byte(apiSecret), now: time.Now}, nil
}

// Issue returns an HS256 token for identity. A zero ttl means DefaultTTL.
func (i *TokenIssuer) Issue(identity, name string, grant VideoGrant, ttl time.Duration) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("issue token: identity is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := i.now()
	claims := Claims{
		Name:  name,
		Video: &grant,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.apiKey,
			Subject:   identity,
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(i.apiSecret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Verifier validates tokens issued for one API key pair.
type Verifier struct {
	apiKey    string
	apiSecret []byte
}

func NewVerifier(apiKey, apiSecret string) (*Verifier, error) {
	if apiKey == "" || apiSecret == "" {
		return nil, ErrInvalidCredentials
	}
	return &Verifier{apiKey: apiKey, apiSecret: []byte(apiSecret)}, nil
}

// Verify checks the signature, issuer and validity window of token and
// returns its claims.
func (v *Verifier) Verify(token string) (*Claims, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return v.apiSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.apiKey),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
	if !parsed.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing identity", ErrInvalidToken)
	}
	return claims, nil
}
