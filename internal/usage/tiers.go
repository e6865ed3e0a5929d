// Package usage derives an owner's event count for the current calendar month
// and compares it with the limit of the owner's subscription tier.
package usage

import "strings"

const (
	TierFree    = "free"
	TierStarter = "starter"
	TierPro     = "pro"
)

// Monthly event limits per tier
var tierLimits = map[string]int64{
	TierFree:    1000,
	TierStarter: 10000,
	TierPro:     100000,
}

// TierInfo is what the account collaborator knows about an owner's plan.
type TierInfo struct {
	Tier  string `json:"tier" yaml:"tier"`
	Limit int64  `json:"limit" yaml:"limit"`
}

// LimitFor returns the monthly limit of a tier; unknown tiers get the free limit.
func LimitFor(tier string) int64 {
	if limit, ok := tierLimits[strings.ToLower(strings.TrimSpace(tier))]; ok {
		return limit
	}
	return tierLimits[TierFree]
}

// ResolveTier fills in the limit for a tier name.
func ResolveTier(tier string) TierInfo {
	name := strings.ToLower(strings.TrimSpace(tier))
	if _, ok := tierLimits[name]; !ok {
		name = TierFree
	}
	return TierInfo{Tier: name, Limit: LimitFor(name)}
}
