package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// tokenByteLength yields 64 hex characters.
const tokenByteLength = 32

// GenerateSecureToken returns a hex-encoded random token for internal secrets
// such as the admin API key. Generated values are never displayed.
func GenerateSecureToken() (string, error) {
	buf := make([]byte, tokenByteLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating secure token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
