package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// CodeLength is the number of decimal digits in a generated code.
const CodeLength = 4

// Generate returns a fresh 4-digit numeric code, zero-padded.
func Generate() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	if err != nil {
		return "", fmt.Errorf("generate otp: %w", err)
	}
	return fmt.Sprintf("%04d", n.Int64()), nil
}

// GenerateDistinct returns a code different from existing. The two codes
// active on one booking must never be equal.
func GenerateDistinct(existing string) (string, error) {
	for {
		code, err := Generate()
		if err != nil {
			return "", err
		}
		if code != existing {
			return code, nil
		}
	}
}
