// Package random generates session seeds and lobby join codes from
// crypto/rand.
package random

import (
	crand "crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
)

// NewSeed returns a high-entropy seed for a lobby's prompt generator.
func NewSeed() (int64, error) {
	var b [8]byte
	if _, err := crand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("read random seed: %w", err)
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

const codeCharset = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Code returns an n character join code. Look-alike characters (I/1, O/0)
// are left out so codes can be read aloud.
func Code(n int) (string, error) {
	code := make([]byte, n)
	limit := big.NewInt(int64(len(codeCharset)))
	for i := range code {
		num, err := crand.Int(crand.Reader, limit)
		if err != nil {
			return "", fmt.Errorf("read random code: %w", err)
		}
		code[i] = codeCharset[num.Int64()]
	}
	return string(code), nil
}
