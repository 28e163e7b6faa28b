package api

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/example/canvas-engine/internal/types"
)

const defaultTokenTTL = time.Hour

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingSubjectClaim  = errors.New("subject claim must be provided")
)

// TokenConfig configures HS256 bearer tokens.
type TokenConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// Tokens issues and validates bearer tokens whose subject is the user id.
type Tokens struct {
	config TokenConfig
}

// NewTokens constructs Tokens with sane defaults.
func NewTokens(cfg TokenConfig) *Tokens {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Tokens{config: cfg}
}

// Issue signs a token for uid.
func (t *Tokens) Issue(uid types.UserID) (string, error) {
	if len(t.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}
	if uid == "" {
		return "", errMissingSubjectClaim
	}
	now := t.config.Clock().UTC()
	claims := jwt.RegisteredClaims{
		Subject:   string(uid),
		Issuer:    t.config.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.config.TokenTTL)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.config.SigningSecret)
}

// Validate checks signature, issuer and expiry and returns the user id.
func (t *Tokens) Validate(token string) (types.UserID, error) {
	if len(t.config.SigningSecret) == 0 {
		return "", errMissingSigningSecret
	}
	opts := []jwt.ParserOption{jwt.WithTimeFunc(t.config.Clock), jwt.WithExpirationRequired()}
	if t.config.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(t.config.Issuer))
	}

	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(token *jwt.Token) (any, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing algorithm: %s", token.Method.Alg())
		}
		return t.config.SigningSecret, nil
	}, opts...)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errMissingSubjectClaim
	}
	return types.UserID(claims.Subject), nil
}
