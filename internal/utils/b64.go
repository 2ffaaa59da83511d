package utils

import (
	"encoding/base64"
	"strings"
)

// DecodeFlexB64 handles URL-safe base64 with or without padding.
func DecodeFlexB64(s string) ([]byte, error) {
	s = strings.NewReplacer("-", "+", "_", "/").Replace(s)
	if m := len(s) % 4; m != 0 {
		s += strings.Repeat("=", 4-m)
	}
	return base64.StdEncoding.DecodeString(s)
}
