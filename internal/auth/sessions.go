package auth

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// JWTSessions verifies HS256 session tokens minted by the external identity
// provider. The observer principal id travels in the "sub" claim.
type JWTSessions struct {
	secret []byte
}

func NewJWTSessions(secret []byte) *JWTSessions {
	return &JWTSessions{secret: secret}
}

func (s *JWTSessions) Observer(_ context.Context, sessionToken string) (int64, error) {
	token, err := jwt.Parse(sessionToken, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrNoSession
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, ErrNoSession
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return 0, ErrNoSession
	}
	observerID, err := strconv.ParseInt(sub, 10, 64)
	if err != nil || observerID <= 0 {
		return 0, ErrNoSession
	}
	return observerID, nil
}

// Mint creates a session token for an observer. The production identity
// provider does this on its side; we keep it for dev setups and tests.
func (s *JWTSessions) Mint(observerID int64, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(observerID, 10),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
