// Package ident generates and validates secret identifiers.
//
// An identifier is a lowercase word, a '~' delimiter and a 32 character
// token drawn from the URL-safe alphabet. Only the token carries entropy
// (192 bits); the word is a readability aid.
package ident

import (
	"context"
	"crypto/rand"
	_ "embed"
	"io"
	"math/big"
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

const (
	TokenLength = 32
	Delimiter   = "~"
	MaxAttempts = 5
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789_-"

var ErrExhausted = errors.New("identifier collision after max attempts")

var pattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}~[A-Za-z0-9_-]{32}$`)

//go:embed words.txt
var wordsRaw string

var words = strings.Fields(wordsRaw)

// Valid reports whether id has the shape of a generated identifier. It is
// cheap enough to run on every inbound request before any storage access.
func Valid(id string) bool {
	return pattern.MatchString(id)
}

// ExistsFunc reports whether id is already taken.
type ExistsFunc func(ctx context.Context, id string) (bool, error)

type Generator struct {
	exists ExistsFunc
	rand   io.Reader
}

func NewGenerator(exists ExistsFunc) *Generator {
	return &Generator{exists: exists, rand: rand.Reader}
}

// Next returns an identifier not yet present in the store.
func (g *Generator) Next(ctx context.Context) (string, error) {
	for attempt := 0; attempt < MaxAttempts; attempt++ {
		id, err := g.candidate()
		if err != nil {
			return "", err
		}
		taken, err := g.exists(ctx, id)
		if err != nil {
			return "", errors.Wrap(err, "check id")
		}
		if !taken {
			return id, nil
		}
	}
	return "", ErrExhausted
}
func (g *Generator) candidate() (string, error) {
	n, err := rand.Int(g.rand, big.NewInt(int64(len(words))))
	if err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	buf := make([]byte, TokenLength)
	if _, err := io.ReadFull(g.rand, buf); err != nil {
		return "", errors.Wrap(err, "rand fail")
	}
	for i := range buf {
		buf[i] = alphabet[buf[i]&63]
	}
	return words[n.Int64()] + Delimiter + string(buf), nil
}
