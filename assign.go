package main

import (
	"crypto/rand"
	"fmt"
	"math/big"
)

// Shuffler permutes a role list in place.
type Shuffler func(roles []Role) error

// shuffleRoles shuffles the role pool using crypto/rand (Fisher-Yates).
func shuffleRoles(roles []Role) error {
	for i := len(roles) - 1; i > 0; i-- {
		jBig, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return fmt.Errorf("shuffle roles: %w", err)
		}
		j := int(jBig.Int64())
		roles[i], roles[j] = roles[j], roles[i]
	}
	return nil
}

// buildRoleList flattens counts in catalog order and fits the result to n slots.
// Short lists are padded with the filler role. Long lists lose filler entries
// from the end first, then whatever is last.
func buildRoleList(n int, counts map[Role]int) []Role {
	var roles []Role
	for _, r := range catalogOrder {
		for i := 0; i < counts[r]; i++ {
			roles = append(roles, r)
		}
	}
	for len(roles) < n {
		roles = append(roles, fillerRole)
	}
	for i := len(roles) - 1; i >= 0 && len(roles) > n; i-- {
		if roles[i] == fillerRole {
			roles = append(roles[:i], roles[i+1:]...)
		}
	}
	if len(roles) > n {
		roles = roles[:n]
	}
	return roles
}

// assignRoles returns one role per player, positionally matching players.
func assignRoles(players []Player, counts map[Role]int, shuffle Shuffler) ([]Role, error) {
	if shuffle == nil {
		shuffle = shuffleRoles
	}
	roles := buildRoleList(len(players), counts)
	if err := shuffle(roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// validateRoleCounts checks a requested distribution against a player count.
func validateRoleCounts(n int, counts map[Role]int) error {
	total := 0
	for r, c := range counts {
		if !r.Valid() {
			return validationErr(ReasonInvalidSettings, "unknown role %q", r)
		}
		if c < 0 {
			return validationErr(ReasonInvalidSettings, "negative count for %s", r)
		}
		total += c
	}
	if total > n {
		return validationErr(ReasonTooManyRoles, "%d roles requested for %d players", total, n)
	}
	return nil
}
