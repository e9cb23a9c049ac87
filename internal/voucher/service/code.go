package service

import (
	"crypto/rand"
	"io"
	"strings"
)

// codeAlphabet drops 0/O and 1/I/L so codes survive being read aloud.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeLength = 8

// acceptBelow is the largest multiple of the alphabet size that fits in a
// byte. Bytes at or above it are discarded so every symbol is equally likely.
const acceptBelow = 256 - 256%len(codeAlphabet)

func newCode() (string, error) {
	return codeFrom(rand.Reader)
}

func codeFrom(r io.Reader) (string, error) {
	var b strings.Builder
	b.Grow(codeLength)
	buf := make([]byte, codeLength*2)
	for b.Len() < codeLength {
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", err
		}
		for _, c := range buf {
			if int(c) >= acceptBelow {
				continue
			}
			b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
			if b.Len() == codeLength {
				break
			}
		}
	}
	return b.String(), nil
}

// NormalizeCode canonicalizes user-entered voucher codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
