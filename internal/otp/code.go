package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

const digits = "0123456789"

// GenerateCode returns a numeric code of the given length with every digit
// drawn uniformly from crypto/rand.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("otp length must be positive, got %d", length)
	}

	b := make([]byte, length)
	for i := range b {
		idx, err := rand.Int(rand.Reader, big.NewInt(int64(len(digits))))
		if err != nil {
			return "", fmt.Errorf("failed to generate otp: %w", err)
		}
		b[i] = digits[idx.Int64()]
	}

	return string(b), nil
}
