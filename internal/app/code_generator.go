package app

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"

	"quiz-session-service/internal/domain"
)

const (
	// CodeLength is the number of characters in a session join code.
	CodeLength = 6
	// DefaultCodeAttempts bounds how many candidates are tried before giving up.
	DefaultCodeAttempts = 32

	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrCodeSpaceExhausted is wrapped in the internal error returned when no free
// code was found within the attempt limit.
var ErrCodeSpaceExhausted = errors.New("no free session code found")

// CodeExistsFunc reports whether a code is already used by a stored session.
type CodeExistsFunc func(ctx context.Context, code string) (bool, error)

// CodeGenerator draws uniformly random codes until it finds one not in use.
type CodeGenerator struct {
	exists      CodeExistsFunc
	maxAttempts int
	intn        func(n int) int
}

// NewCodeGenerator builds a generator. maxAttempts <= 0 selects DefaultCodeAttempts.
func NewCodeGenerator(exists CodeExistsFunc, maxAttempts int) *CodeGenerator {
	if maxAttempts <= 0 {
		maxAttempts = DefaultCodeAttempts
	}
	return &CodeGenerator{exists: exists, maxAttempts: maxAttempts, intn: rand.IntN}
}

// Generate returns a code that was absent from the store when checked.
func (g *CodeGenerator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < g.maxAttempts; attempt++ {
		code := g.candidate()
		taken, err := g.exists(ctx, code)
		if err != nil {
			return "", domain.Internal("check session code", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", domain.Internal("generate session code", ErrCodeSpaceExhausted)
}

func (g *CodeGenerator) candidate() string {
	var b strings.Builder
	b.Grow(CodeLength)
	for i := 0; i < CodeLength; i++ {
		b.WriteByte(codeAlphabet[g.intn(len(codeAlphabet))])
	}
	return b.String()
}

// NormalizeCode canonicalizes user-typed codes.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
