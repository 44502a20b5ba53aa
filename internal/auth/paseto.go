package auth

import (
	"fmt"
	"time"

	"aidanwoods.dev/go-paseto"
)

// PasetoService handles PASETO token creation and validation
// Uses v4.local (symmetric encryption with XChaCha20-Poly1305)
type PasetoService struct {
	symmetricKey paseto.V4SymmetricKey
}

func NewPasetoService(symmetricKey []byte) (*PasetoService, error) {
	if len(symmetricKey) != 32 {
		return nil, fmt.Errorf("symmetric key must be exactly 32 bytes, got %d", len(symmetricKey))
	}

	key, err := paseto.V4SymmetricKeyFromBytes(symmetricKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create symmetric key: %w", err)
	}

	return &PasetoService{
		symmetricKey: key,
	}, nil
}

// CreateToken generates a new PASETO v4.local token for subject
func (s *PasetoService) CreateToken(subject string, tokenType TokenType, duration time.Duration) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(duration)

	token := paseto.NewToken()
	token.SetIssuedAt(now)
	token.SetExpiration(expiresAt)
	token.SetSubject(subject)
	token.SetString("type", string(tokenType))

	return token.V4Encrypt(s.symmetricKey, nil), expiresAt, nil
}

// VerifyToken decrypts a PASETO v4.local token and checks its claims.
// Expiry is checked by checkClaims so that expired tokens are reported as
// such instead of as generic parse failures.
func (s *PasetoService) VerifyToken(tokenStr string, expected TokenType) (*TokenClaims, error) {
	parser := paseto.NewParserWithoutExpiryCheck()

	token, err := parser.ParseV4Local(s.symmetricKey, tokenStr, nil)
	if err != nil {
		return nil, ErrInvalidToken
	}

	subject, err := token.GetSubject()
	if err != nil {
		return nil, ErrInvalidToken
	}

	tokenType, err := token.GetString("type")
	if err != nil {
		return nil, ErrInvalidToken
	}

	issuedAt, err := token.GetIssuedAt()
	if err != nil {
		return nil, ErrInvalidToken
	}

	expiresAt, err := token.GetExpiration()
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims := &TokenClaims{
		Subject:   subject,
		Type:      TokenType(tokenType),
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}

	if err := checkClaims(claims, expected, time.Now()); err != nil {
		return nil, err
	}

	return claims, nil
}
