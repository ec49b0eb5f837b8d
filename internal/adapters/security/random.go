package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"math/big"
)

// CryptoRandom draws secrets from the operating system CSPRNG.
type CryptoRandom struct{}

func NewCryptoRandom() CryptoRandom { return CryptoRandom{} }

func (CryptoRandom) Token(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token length must be positive")
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Digits samples each digit uniformly; leading zeros are kept.
func (CryptoRandom) Digits(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("digit count must be positive")
	}
	out := make([]byte, n)
	ten := big.NewInt(10)
	for i := range out {
		d, err := rand.Int(rand.Reader, ten)
		if err != nil {
			return "", fmt.Errorf("read random digit: %w", err)
		}
		out[i] = byte('0' + d.Int64())
	}
	return string(out), nil
}
