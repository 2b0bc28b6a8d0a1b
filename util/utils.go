package util

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// RandomBytes generates a random byte slice of length n.
func RandomBytes(n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

// RandomHex generates a random hex string of length n.
func RandomHex(n int) string {
	return fmt.Sprintf("%x", RandomBytes(n))
}

// RandomInt generates a random integer between min and max.
func RandomInt(min, max int) int {
	num, err := rand.Int(rand.Reader, big.NewInt(int64(max-min)))
	if err != nil {
		panic(err)
	}
	return int(num.Int64()) + min
}

// RandomDigits generates a random numeric string of length n.
func RandomDigits(n int) string {
	const digits = "0123456789"
	b := make([]byte, n)
	for i, v := range RandomBytes(n) {
		b[i] = digits[int(v)%len(digits)]
	}
	return string(b)
}
