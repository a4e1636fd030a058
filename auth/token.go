package auth

import (
	"context"
	"fmt"
	"market-chat/domain"
	"market-chat/errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "market-chat"

// Claims is what a chat token carries. The subject is the user id.
type Claims struct {
	jwt.RegisteredClaims
}

// JWTVerifier resolves HS256 bearer tokens into a user id.
type JWTVerifier struct {
	secret []byte
	now    func() time.Time
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), now: time.Now}
}

// GenerateToken signs a token for userID. Identity is owned upstream; this is
// used by the operator CLI and by tests.
func GenerateToken(secret string, userID domain.UserID, duration time.Duration) (string, error) {
	if userID == "" {
		return "", fmt.Errorf("%w: empty user id", errors.ErrInvalidRequest)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(userID),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// Principal validates the signature, expiry and issuer of token.
func (v *JWTVerifier) Principal(_ context.Context, token string) (domain.UserID, error) {
	if token == "" {
		return "", fmt.Errorf("%w: missing token", errors.ErrUnauthenticated)
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errors.ErrUnauthenticated, err)
	}
	if !parsed.Valid || claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", errors.ErrUnauthenticated)
	}
	return domain.UserID(claims.Subject), nil
}
