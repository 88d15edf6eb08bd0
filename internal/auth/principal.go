// ABOUTME: Principal identity and privilege tiers produced by a successful OAuth exchange
// ABOUTME: Tiers are ordered so a higher tier sees everything a lower tier sees

package auth

import (
	"fmt"
	"slices"
)

// Tier is a privilege level.
type Tier string

const (
	TierStandard   Tier = "standard"
	TierPrivileged Tier = "privileged"
)

var tierRank = map[Tier]int{
	TierStandard:   1,
	TierPrivileged: 2,
}

// ParseTier validates a tier name.
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if _, ok := tierRank[t]; !ok {
		return "", fmt.Errorf("unknown tier %q", s)
	}
	return t, nil
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool {
	_, ok := tierRank[t]
	return ok
}

// Allows reports whether a principal at tier t may use something requiring min.
// Unknown tiers allow nothing.
func (t Tier) Allows(min Tier) bool {
	have, ok := tierRank[t]
	if !ok {
		return false
	}
	need, ok := tierRank[min]
	if !ok {
		return false
	}
	return have >= need
}

// Principal is an authenticated identity. It is a value type and is never
// mutated after the exchange that created it.
type Principal struct {
	UserID string // "github:<numeric id>"
	Login  string
	Name   string
	Email  string
	Tier   Tier
	Scopes []string
}

// HasScope reports whether the identity provider granted scope.
func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}

// TierFor derives the tier for a login from the configured privileged list.
func TierFor(login string, privileged []string) Tier {
	if slices.Contains(privileged, login) {
		return TierPrivileged
	}
	return TierStandard
}
