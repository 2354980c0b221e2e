package redirect

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// DefaultStateTTL bounds how long a sign-in may take between authorize and callback.
const DefaultStateTTL = 10 * time.Minute

// ErrInvalidState is returned for a state that is malformed, forged, expired or already used.
var ErrInvalidState = errors.New("redirect: invalid or expired state")

// StateSigner issues and verifies the OAuth state parameter as an HS256 JWT.
type StateSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewStateSigner creates a signer. An empty secret is replaced with 32 random bytes, which
// limits callbacks to the process that issued the state.
func NewStateSigner(secret string, ttl time.Duration) (*StateSigner, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("redirect: generate state secret: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = DefaultStateTTL
	}
	return &StateSigner{secret: key, ttl: ttl, now: time.Now}, nil
}

// TTL returns the lifetime of issued states.
func (s *StateSigner) TTL() time.Duration {
	return s.ttl
}

// Issue returns a signed state carrying a fresh jti.
func (s *StateSigner) Issue() (string, error) {
	now := s.now()
	claims := jwt.RegisteredClaims{
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("redirect: sign state: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the state's jti.
func (s *StateSigner) Verify(state string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(state, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return "", ErrInvalidState
	}
	if claims.ID == "" {
		return "", ErrInvalidState
	}
	return claims.ID, nil
}
