package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/otpauth/otpauth-api/internal/config"
)

var (
	ErrInvalidToken      = errors.New("invalid token")
	ErrExpiredToken      = errors.New("token has expired")
	ErrTokenTypeMismatch = errors.New("token type mismatch")
)

// TokenType discriminates access from refresh tokens. It is part of the
// signed payload.
type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// TokenClaims represents the claims carried by a token
type TokenClaims struct {
	Subject   string    `json:"sub"`
	Type      TokenType `json:"type"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

// TokenService defines the interface for token creation and validation.
// Implementations include JWTService (HS256) and PasetoService (PASETO v4.local).
type TokenService interface {
	CreateToken(subject string, tokenType TokenType, duration time.Duration) (string, time.Time, error)
	VerifyToken(tokenStr string, expected TokenType) (*TokenClaims, error)
}

// NewTokenService builds the token service selected by the configuration
func NewTokenService(cfg config.AuthConfig) (TokenService, error) {
	switch cfg.TokenFormat {
	case config.TokenFormatJWT, "":
		return NewJWTService(cfg.JWTSecret)
	case config.TokenFormatPaseto:
		return NewPasetoService(cfg.PasetoKey)
	default:
		return nil, fmt.Errorf("unsupported token format %q", cfg.TokenFormat)
	}
}

// checkClaims applies the checks shared by every token format once the
// signature has been verified.
func checkClaims(claims *TokenClaims, expected TokenType, now time.Time) error {
	if claims.Subject == "" || claims.ExpiresAt.IsZero() {
		return ErrInvalidToken
	}
	if !now.Before(claims.ExpiresAt) {
		return ErrExpiredToken
	}
	if claims.Type != expected {
		return ErrTokenTypeMismatch
	}
	return nil
}

// Token is an issued bearer token
type Token struct {
	Value     string
	Type      TokenType
	ExpiresAt time.Time
}

// TokenIssuer issues access and refresh tokens with their configured lifetimes
type TokenIssuer struct {
	service              TokenService
	accessTokenDuration  time.Duration
	refreshTokenDuration time.Duration
}

func NewTokenIssuer(service TokenService, accessTokenDuration, refreshTokenDuration time.Duration) *TokenIssuer {
	return &TokenIssuer{
		service:              service,
		accessTokenDuration:  accessTokenDuration,
		refreshTokenDuration: refreshTokenDuration,
	}
}

func (i *TokenIssuer) IssueAccessToken(subject string) (*Token, error) {
	return i.issue(subject, TokenTypeAccess, i.accessTokenDuration)
}

func (i *TokenIssuer) IssueRefreshToken(subject string) (*Token, error) {
	return i.issue(subject, TokenTypeRefresh, i.refreshTokenDuration)
}

func (i *TokenIssuer) issue(subject string, tokenType TokenType, duration time.Duration) (*Token, error) {
	value, expiresAt, err := i.service.CreateToken(subject, tokenType, duration)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s token: %w", tokenType, err)
	}

	return &Token{Value: value, Type: tokenType, ExpiresAt: expiresAt}, nil
}

// Verify checks the token and returns its subject. A token of the other type
// fails with ErrTokenTypeMismatch.
func (i *TokenIssuer) Verify(tokenStr string, expected TokenType) (string, error) {
	claims, err := i.service.VerifyToken(tokenStr, expected)
	if err != nil {
		return "", err
	}

	return claims.Subject, nil
}

// AccessTokenDuration returns the lifetime of access tokens
func (i *TokenIssuer) AccessTokenDuration() time.Duration {
	return i.accessTokenDuration
}
