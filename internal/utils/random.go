package utils

import (
	"crypto/rand"
	"encoding/base64"
)

// RandomChallenge returns n cryptographically random bytes as std base64.
func RandomChallenge(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}
