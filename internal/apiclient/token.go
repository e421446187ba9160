package apiclient

import (
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenSigner issues short-lived HS256 service tokens and reuses one until it
// is within a minute of expiry
type tokenSigner struct {
	issuer string
	key    []byte
	ttl    time.Duration
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newTokenSigner(issuer string, key []byte, ttl time.Duration) *tokenSigner {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &tokenSigner{
		issuer: issuer,
		key:    key,
		ttl:    ttl,
		now:    time.Now,
	}
}

// Token returns a bearer token for audience
func (s *tokenSigner) Token(audience string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if s.token != "" && now.Add(time.Minute).Before(s.expires) {
		return s.token, nil
	}

	expires := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    s.issuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.New().String(),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", err
	}
	s.token = signed
	s.expires = expires
	return signed, nil
}
