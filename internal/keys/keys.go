// Package keys generates license keys.
package keys

import (
	"crypto/rand"
	"math/big"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// Alphabet omits 0/1/I/O so keys survive being read over the phone.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZ"

const (
	defaultPrefix   = "PPA"
	defaultGroups   = 4
	defaultGroupLen = 5
	maxTries        = 25
)

// keyPattern is the accepted wire format for license keys.
var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{10,128}$`)

// ValidFormat reports whether a raw value looks like a license key. It says
// nothing about whether the key exists.
func ValidFormat(raw string) bool {
	return keyPattern.MatchString(raw)
}

// Generate returns a fresh key of the form PPA-XXXXX-XXXXX-XXXXX-XXXXX using
// crypto/rand over the unambiguous alphabet.
func Generate() (string, error) {
	var b strings.Builder
	b.WriteString(defaultPrefix)
	for g := 0; g < defaultGroups; g++ {
		b.WriteByte('-')
		for i := 0; i < defaultGroupLen; i++ {
			n, err := rand.Int(rand.Reader, big.NewInt(int64(len(Alphabet))))
			if err != nil {
				return "", errors.Wrap(err, "read random")
			}
			b.WriteByte(Alphabet[n.Int64()])
		}
	}
	return b.String(), nil
}

// GenerateUnique generates a key that the exists check does not already know.
// A failing exists check aborts rather than risking a duplicate issue. Tries
// are capped; collisions at this entropy mean something else is wrong.
func GenerateUnique(exists func(key string) (bool, error)) (string, error) {
	for i := 0; i < maxTries; i++ {
		key, err := Generate()
		if err != nil {
			return "", err
		}
		dup, err := exists(key)
		if err != nil {
			return "", errors.Wrap(err, "uniqueness check")
		}
		if !dup {
			return key, nil
		}
	}
	return "", errors.Errorf("no unique license key after %d tries", maxTries)
}
