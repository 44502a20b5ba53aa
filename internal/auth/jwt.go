package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const minJWTSecretLength = 32

type jwtClaims struct {
	Type TokenType `json:"type"`
	jwt.RegisteredClaims
}

// JWTService signs and verifies HS256 JWTs
type JWTService struct {
	secret []byte
	parser *jwt.Parser
}

func NewJWTService(secret []byte) (*JWTService, error) {
	if len(secret) < minJWTSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes, got %d", minJWTSecretLength, len(secret))
	}

	return &JWTService{
		secret: secret,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
		),
	}, nil
}

// CreateToken signs a token for subject that expires after duration
func (s *JWTService) CreateToken(subject string, tokenType TokenType, duration time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(duration)

	claims := jwtClaims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}

	return signed, expiresAt, nil
}

// VerifyToken validates the signature, expiry and type of tokenStr
func (s *JWTService) VerifyToken(tokenStr string, expected TokenType) (*TokenClaims, error) {
	claims := &jwtClaims{}
	token, err := s.parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return s.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			return nil, ErrInvalidToken
		}
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}

	result := &TokenClaims{
		Subject: claims.Subject,
		Type:    claims.Type,
	}
	if claims.IssuedAt != nil {
		result.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		result.ExpiresAt = claims.ExpiresAt.Time
	}

	if err := checkClaims(result, expected, time.Now()); err != nil {
		return nil, err
	}

	return result, nil
}
