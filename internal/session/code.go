package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strconv"
)

const (
	codeMin = 1000
	codeMax = 9999
)

var codeSpan = big.NewInt(codeMax - codeMin + 1)

// NewCode возвращает случайный 4-значный код, отличный от prev.
func NewCode(prev string) (string, error) {
	for {
		n, err := rand.Int(rand.Reader, codeSpan)
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		code := strconv.FormatInt(n.Int64()+codeMin, 10)
		if code != prev {
			return code, nil
		}
	}
}

// ValidCode — ровно четыре цифры, без ведущего нуля.
func ValidCode(s string) bool {
	if len(s) != 4 || s[0] == '0' {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
