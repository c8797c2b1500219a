// Package usage reports how much of their plan quotas users have consumed
// and the platform-wide figures shown on the admin dashboard.
package usage

import (
	"math"
	"time"

	"github.com/primal-host/vidscope/internal/tier"
)

const bytesPerGB = 1024 * 1024 * 1024

// Units of the meters.
const (
	UnitGB     = "GB"
	UnitVideos = "videos"
	UnitCalls  = "calls"
)

// Meter is one quota and its consumption. Limit is zero when the quota
// is unlimited or the resource is locked on the tier.
type Meter struct {
	Used      float64 `json:"used"`
	Limit     float64 `json:"limit"`
	Unit      string  `json:"unit"`
	Percent   float64 `json:"percent"`
	Unlimited bool    `json:"unlimited,omitempty"`
	Locked    bool    `json:"locked,omitempty"`
}

// Counts are the raw consumption figures of one user.
type Counts struct {
	StorageBytes int64
	Videos       int
	APICalls     int64
}

// Usage is a user's consumption against their plan.
type Usage struct {
	Tier            tier.Tier  `json:"tier"`
	PlanName        string     `json:"planName"`
	Storage         Meter      `json:"storage"`
	Videos          Meter      `json:"videos"`
	APICalls        Meter      `json:"apiCalls"`
	RetentionDays   int        `json:"retentionDays"`
	NextBillingDate *time.Time `json:"nextBillingDate,omitempty"`
}

// Build computes the usage meters of c against l.
func Build(l tier.Limits, c Counts, periodEnd *time.Time) *Usage {
	u := &Usage{
		Tier:            l.Tier,
		PlanName:        l.Name,
		Storage:         meter(round2(float64(c.StorageBytes)/bytesPerGB), l.StorageGB, UnitGB),
		Videos:          meter(float64(c.Videos), float64(l.MaxVideos), UnitVideos),
		RetentionDays:   l.RetentionDays,
		NextBillingDate: periodEnd,
	}
	if tier.Can(l.Tier, tier.FeatureAPIAccess) {
		u.APICalls = meter(float64(c.APICalls), float64(l.APICalls), UnitCalls)
	} else {
		u.APICalls = Meter{Used: float64(c.APICalls), Unit: UnitCalls, Locked: true}
	}
	return u
}

// meter builds a Meter; a zero limit means unlimited.
func meter(used, limit float64, unit string) Meter {
	m := Meter{Used: used, Limit: limit, Unit: unit}
	if limit <= 0 {
		m.Limit = 0
		m.Unlimited = true
		return m
	}
	m.Percent = math.Min(100, round2(used/limit*100))
	return m
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
