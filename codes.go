package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
)

const (
	codeLength          = 6
	codeAlphabet        = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789" // no I, O, 0, 1
	defaultCodeAttempts = 10
)

// codeGenerator produces one candidate join code.
type codeGenerator func() (string, error)

// generateGameCode draws codeLength characters uniformly from codeAlphabet.
func generateGameCode() (string, error) {
	b := make([]byte, codeLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	// len(codeAlphabet) divides 256, so the modulo keeps the draw uniform.
	for i := range b {
		b[i] = codeAlphabet[int(b[i])%len(codeAlphabet)]
	}
	return string(b), nil
}

// NormalizeCode uppercases a user supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func validCode(code string) bool {
	if len(code) != codeLength {
		return false
	}
	for _, c := range code {
		if !strings.ContainsRune(codeAlphabet, c) {
			return false
		}
	}
	return true
}

// allocateCode returns a code not used by any active game, retrying on collision.
func allocateCode(ctx context.Context, repo Repository, gen codeGenerator, attempts int) (string, error) {
	if attempts <= 0 {
		attempts = defaultCodeAttempts
	}
	for i := 0; i < attempts; i++ {
		code, err := gen()
		if err != nil {
			return "", fmt.Errorf("generate code: %w", err)
		}
		inUse, err := repo.CodeInUse(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check code: %w", err)
		}
		if !inUse {
			return code, nil
		}
	}
	return "", conflict(ReasonCodeSpaceExhausted, "no free game code after %d attempts", attempts)
}
