package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/camwatch/camwatch-server/internal/config"
)

// Roles carried by viewer tokens
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// ErrAuthDisabled is returned when no signing secret is configured
var ErrAuthDisabled = errors.New("token auth disabled")

// JWTManager issues and checks viewer tokens
type JWTManager struct {
	config *config.JWTConfig
	now    func() time.Time
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg *config.JWTConfig) *JWTManager {
	return &JWTManager{
		config: cfg,
		now:    time.Now,
	}
}

// Enabled reports whether a signing secret is configured
func (m *JWTManager) Enabled() bool {
	return m.config.Secret != ""
}

// Claims represents JWT claims
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role"`
}

// CanOperate reports whether the token may issue commands to devices
func (c *Claims) CanOperate() bool {
	return c.Role == RoleOperator
}

// GenerateToken signs a token for subject with the given role
func (m *JWTManager) GenerateToken(subject, role string) (string, error) {
	if !m.Enabled() {
		return "", ErrAuthDisabled
	}

	now := m.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(now.Add(m.config.AccessTokenTTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.config.Issuer,
			ID:        uuid.New().String(),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(m.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken validates a token
func (m *JWTManager) ValidateToken(tokenString string) (*Claims, error) {
	if !m.Enabled() {
		return nil, ErrAuthDisabled
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(m.config.Secret), nil
	}, jwt.WithIssuer(m.config.Issuer), jwt.WithTimeFunc(m.now))

	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}
