// Package passgen suggests memorable fallback passwords. The sender shares
// the password out of band, so it has to survive being read over the phone;
// a short diceware-style word sequence beats a random character soup there.
package passgen

import (
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39"
)

const (
	MinWords     = 3
	MaxWords     = 12
	DefaultWords = 5
)

// Suggest produces a hyphen-joined sequence of random dictionary words.
func Suggest(words int) (string, error) {
	if words < MinWords || words > MaxWords {
		return "", fmt.Errorf("passgen: word count %d out of range [%d,%d]", words, MinWords, MaxWords)
	}

	entropy, err := bip39.NewEntropy(128)
	if err != nil {
		return "", err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return "", err
	}
	return strings.Join(strings.Fields(mnemonic)[:words], "-"), nil
}
