package session

import (
	"crypto/rand"
	"fmt"
)

// joinCodeAlphabet avoids ambiguous characters (0/O, 1/I/L) since codes are
// read aloud and typed by hand.
const (
	joinCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	joinCodeLength   = 6
)

// NewJoinCode generates a 6-character join code. Codes are assigned once at
// session activation and never rotate.
func NewJoinCode() (string, error) {
	buf := make([]byte, joinCodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate join code: %w", err)
	}
	for i, b := range buf {
		buf[i] = joinCodeAlphabet[int(b)%len(joinCodeAlphabet)]
	}
	return string(buf), nil
}
