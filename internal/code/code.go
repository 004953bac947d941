// Package code defines the short pairing token handed to control devices.
package code

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

// Alphabet is the character set used for generated codes. Ambiguous glyphs
// (0/O, 1/I/L) are excluded so codes survive being read off a screen.
const Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

// ErrExhausted signals that generation kept colliding with live codes. With a
// sensibly sized keyspace this indicates a stuck registry, not bad luck.
var ErrExhausted = errors.New("remote code generation exhausted retries")

// Code is an immutable pairing token. Equality is by string value; a Code has
// no lifecycle beyond its registry entry.
type Code string

// String returns the raw token.
func (c Code) String() string { return string(c) }

// Valid reports whether the token is non-empty and drawn from the alphabet.
func (c Code) Valid() bool {
	if len(c) == 0 {
		return false
	}
	for _, r := range string(c) {
		if !strings.ContainsRune(Alphabet, r) {
			return false
		}
	}
	return true
}

// Generator mints random codes of a fixed length.
type Generator struct {
	length int
}

// NewGenerator constructs a generator producing codes of the given length.
func NewGenerator(length int) *Generator {
	if length < 4 {
		length = 4
	}
	return &Generator{length: length}
}

// Next returns a fresh random code.
func (g *Generator) Next() (Code, error) {
	buf := make([]byte, g.length)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read randomness: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return Code(buf), nil
}
