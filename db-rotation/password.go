package rotation

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// MinPasswordLength is the shortest password the generator produces.
const MinPasswordLength = 32

// DefaultExcludeCharacters cannot be quoted safely in every dialect's ALTER USER
// and are always excluded.
const DefaultExcludeCharacters = `/@"'\`

// defines the interface for generating new database passwords.
type PasswordGenerator interface {
	Generate() (string, error)
}

// generates passwords from printable ASCII with at least one upper case letter,
// lower case letter, digit and punctuation character.
type RandomPasswordGenerator struct {
	length  int
	classes []string
	all     string
}

// creates a new RandomPasswordGenerator. exclude is added to DefaultExcludeCharacters.
func NewRandomPasswordGenerator(length int, exclude string) (*RandomPasswordGenerator, error) {
	if length < MinPasswordLength {
		return nil, fmt.Errorf("password length must be at least %d characters", MinPasswordLength)
	}

	excluded := DefaultExcludeCharacters + exclude
	var upper, lower, digits, punct strings.Builder
	for c := byte('!'); c <= '~'; c++ {
		if strings.IndexByte(excluded, c) >= 0 {
			continue
		}
		switch {
		case c >= 'A' && c <= 'Z':
			upper.WriteByte(c)
		case c >= 'a' && c <= 'z':
			lower.WriteByte(c)
		case c >= '0' && c <= '9':
			digits.WriteByte(c)
		default:
			punct.WriteByte(c)
		}
	}

	g := &RandomPasswordGenerator{length: length}
	for _, class := range []string{upper.String(), lower.String(), digits.String(), punct.String()} {
		if class == "" {
			return nil, errors.New("excluded characters leave a required character class empty")
		}
		g.classes = append(g.classes, class)
		g.all += class
	}
	return g, nil
}

// Generate creates a new random password.
func (g *RandomPasswordGenerator) Generate() (string, error) {
	password := make([]byte, 0, g.length)
	for _, class := range g.classes {
		c, err := pick(class)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}
	for len(password) < g.length {
		c, err := pick(g.all)
		if err != nil {
			return "", err
		}
		password = append(password, c)
	}

	// Fisher-Yates, so the guaranteed characters are not always in front
	for i := len(password) - 1; i > 0; i-- {
		j, err := randomInt(i + 1)
		if err != nil {
			return "", err
		}
		password[i], password[j] = password[j], password[i]
	}
	return string(password), nil
}

func pick(chars string) (byte, error) {
	i, err := randomInt(len(chars))
	if err != nil {
		return 0, err
	}
	return chars[i], nil
}

func randomInt(n int) (int, error) {
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0, fmt.Errorf("error generating random password: %w", err)
	}
	return int(v.Int64()), nil
}
