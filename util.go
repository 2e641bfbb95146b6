package main

import (
	"crypto/rand"
	"math/big"
	"strings"

	"github.com/google/uuid"
)

// codeAlphabet leaves out characters that are easy to misread (0/O, 1/I/L)
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// GenerateUUID returns a random member id
func GenerateUUID() string {
	return uuid.NewString()
}

// GenerateCode returns a random lobby code of length n
func GenerateCode(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		v, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic("crypto/rand failed: " + err.Error())
		}
		b[i] = codeAlphabet[v.Int64()]
	}
	return string(b)
}

// ValidCode reports whether s looks like a lobby code
func ValidCode(s string) bool {
	if len(s) != codeLen {
		return false
	}
	for i := 0; i < len(s); i++ {
		if strings.IndexByte(codeAlphabet, s[i]) < 0 {
			return false
		}
	}
	return true
}
