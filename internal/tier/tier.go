// Package tier holds the static subscription tier table and the checks
// that gate uploads and features on it.
//
// Tiers are ranked free < basic < pro < enterprise. A feature that
// requires a tier is available to that tier and every tier above it.
package tier

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// Tier is a named subscription level.
type Tier string

// Known tiers, lowest rank first.
const (
	Free       Tier = "free"
	Basic      Tier = "basic"
	Pro        Tier = "pro"
	Enterprise Tier = "enterprise"
)

// ErrUnknown is returned by Parse for names outside the table.
var ErrUnknown = errors.New("tier: unknown tier")

// Limits describes what a tier allows. Zero quota values mean unlimited,
// except APICalls where zero means no API access at all.
type Limits struct {
	Tier               Tier     `json:"tier"`
	Name               string   `json:"name"`
	MaxSizeMB          int      `json:"maxSize"`
	MaxDurationMinutes int      `json:"maxDuration"`
	PriceMonthly       float64  `json:"priceMonthly"`
	PriceYearly        float64  `json:"priceYearly"`
	StorageGB          float64  `json:"storageGb"`
	MaxVideos          int      `json:"maxVideos"`
	APICalls           int      `json:"apiCalls"`
	RetentionDays      int      `json:"retentionDays"`
	Features           []string `json:"features"`
}

var ordered = []Limits{
	{
		Tier: Free, Name: "Free Trial",
		MaxSizeMB: 50, MaxDurationMinutes: 2,
		StorageGB: 1, MaxVideos: 10, RetentionDays: 7,
		Features: []string{"50MB max upload", "2 minute max duration", "Basic object detection"},
	},
	{
		Tier: Basic, Name: "Basic",
		MaxSizeMB: 200, MaxDurationMinutes: 10,
		PriceMonthly: 9.99, PriceYearly: 99.99,
		StorageGB: 5, MaxVideos: 50, RetentionDays: 30,
		Features: []string{"200MB max upload", "10 minute max duration", "Standard object detection", "Report sharing"},
	},
	{
		Tier: Pro, Name: "Professional",
		MaxSizeMB: 1000, MaxDurationMinutes: 30,
		PriceMonthly: 29.99, PriceYearly: 299.99,
		StorageGB: 10, MaxVideos: 100, APICalls: 5000, RetentionDays: 90,
		Features: []string{"1GB max upload", "30 minute max duration", "Advanced object detection", "Report sharing", "API access"},
	},
	{
		Tier: Enterprise, Name: "Enterprise",
		MaxSizeMB: 10000, MaxDurationMinutes: 120,
		PriceMonthly: 99.99, PriceYearly: 999.99,
		Features: []string{"Unlimited uploads", "2 hour max duration", "Premium object detection", "Report sharing", "API access", "Custom model training"},
	},
}

// All returns a copy of the tier table in rank order.
func All() []Limits {
	out := make([]Limits, len(ordered))
	for i, l := range ordered {
		out[i] = l.clone()
	}
	return out
}

func (l Limits) clone() Limits {
	l.Features = slices.Clone(l.Features)
	return l
}

// Parse resolves a tier name case-insensitively.
func Parse(name string) (Tier, error) {
	t := Tier(strings.ToLower(strings.TrimSpace(name)))
	if t.Rank() < 0 {
		return "", fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return t, nil
}

// Rank returns the position of t in the tier order, or -1 if t is unknown.
func (t Tier) Rank() int {
	for i, l := range ordered {
		if l.Tier == t {
			return i
		}
	}
	return -1
}

// Limits returns the table row for t. Unknown tiers get the free row.
func (t Tier) Limits() Limits {
	if r := t.Rank(); r >= 0 {
		return ordered[r].clone()
	}
	return ordered[0].clone()
}

// Title is the display form used in messages ("Basic", "Pro").
func (t Tier) Title() string {
	if t == "" {
		return ""
	}
	return strings.ToUpper(string(t[:1])) + string(t[1:])
}

// Allows reports whether a user on tier user may use something that
// requires tier required. Unknown user tiers are treated as free; an
// unknown required tier is never satisfied.
func Allows(user, required Tier) bool {
	rr := required.Rank()
	if rr < 0 {
		return false
	}
	ur := user.Rank()
	if ur < 0 {
		ur = 0
	}
	return ur >= rr
}
