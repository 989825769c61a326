package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const defaultSessionIssuer = "velvet-api"

var defaultSessionLeeway = 30 * time.Second

// Claims identifies the authenticated subject of a session token.
type Claims struct {
	UserID string
	Email  string
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// JWTSessionStore issues and validates HS256 session tokens. Bearer tokens
// carry the user id as subject plus the email claim; expiry and issued-at are
// embedded so validation needs no store round-trip.
type JWTSessionStore struct {
	secret []byte
	ttl    time.Duration
	issuer string
	leeway time.Duration
}

// NewJWTSessionStore builds an HS256 session store.
func NewJWTSessionStore(secret string, ttl time.Duration) (*JWTSessionStore, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("jwt secret required")
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &JWTSessionStore{
		secret: []byte(secret),
		ttl:    ttl,
		issuer: defaultSessionIssuer,
		leeway: defaultSessionLeeway,
	}, nil
}

// NewSession creates a signed token for the user.
func (s *JWTSessionStore) NewSession(userID, email string) (string, error) {
	if strings.TrimSpace(userID) == "" {
		return "", errors.New("user id required")
	}
	now := time.Now().UTC()
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Verify validates a token and returns the subject claims.
func (s *JWTSessionStore) Verify(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, errors.New("invalid token format")
	}
	claims := sessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(s.leeway),
	)
	if err != nil || !parsed.Valid {
		if err == nil {
			err = errors.New("invalid token")
		}
		return Claims{}, fmt.Errorf("verify session token: %w", err)
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claims{}, errors.New("token subject missing")
	}
	return Claims{UserID: claims.Subject, Email: claims.Email}, nil
}
