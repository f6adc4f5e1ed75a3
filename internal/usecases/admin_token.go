package usecases

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultAdminTokenTTL = 24 * time.Hour

// AdminTokenIssuer signs the bearer tokens accepted by the /api routes.
type AdminTokenIssuer struct {
	jwtSecret []byte
	now       func() time.Time
}

func NewAdminTokenIssuer(secret string) *AdminTokenIssuer {
	return &AdminTokenIssuer{jwtSecret: []byte(secret), now: time.Now}
}

// Issue returns an HS256 token for subject valid for ttl (24h when ttl <= 0).
func (uc *AdminTokenIssuer) Issue(subject string, ttl time.Duration) (string, error) {
	if len(uc.jwtSecret) == 0 {
		return "", errors.New("ADMIN_JWT_SECRET is not set")
	}
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if ttl <= 0 {
		ttl = defaultAdminTokenTTL
	}

	now := uc.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	})

	tokenString, err := token.SignedString(uc.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, nil
}
