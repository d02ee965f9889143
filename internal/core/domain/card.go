package domain

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// CardFingerprint validates a card number with the Luhn check and returns its
// SHA-256 hash. The raw number is never stored.
func CardFingerprint(cardNum string) (string, error) {
	cardNum = strings.ReplaceAll(cardNum, " ", "")
	if !luhnValid(cardNum) {
		return "", ErrInvalidCard
	}
	return fmt.Sprintf("%x", sha256.Sum256([]byte(cardNum))), nil
}

func luhnValid(cardNum string) bool {
	if len(cardNum) < 13 || len(cardNum) > 19 {
		return false
	}

	sum := 0
	isSecond := false
	// right to left
	for i := len(cardNum) - 1; i >= 0; i-- {
		c := cardNum[i]
		if c < '0' || c > '9' {
			return false
		}
		digit := int(c - '0')
		if isSecond {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}
		sum += digit
		isSecond = !isSecond
	}
	return sum%10 == 0
}
