package credentials

import (
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
)

// RandomPasswordLength is the length of passwords issued by resets.
const RandomPasswordLength = 12

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789!@#$%^&*"

// GenerateRandomPassword returns a RandomPasswordLength password drawn
// uniformly from letters, digits and !@#$%^&* using crypto/rand.
func GenerateRandomPassword() (string, error) {
	return randomPassword(rand.Reader)
}

func randomPassword(r io.Reader) (string, error) {
	max := big.NewInt(int64(len(passwordAlphabet)))
	buf := make([]byte, RandomPasswordLength)
	for i := range buf {
		n, err := rand.Int(r, max)
		if err != nil {
			return "", fmt.Errorf("random password: %w", err)
		}
		buf[i] = passwordAlphabet[n.Int64()]
	}
	return string(buf), nil
}
