package tier

import (
	"errors"
	"fmt"
)

// Feature names a capability that is locked below some tier.
type Feature string

const (
	FeaturePlayback       Feature = "playback"
	FeatureReportDownload Feature = "report_download"
	FeatureReportSharing  Feature = "report_sharing"
	FeatureAPIAccess      Feature = "api_access"
	FeaturePriority       Feature = "priority_processing"
)

var featureTiers = map[Feature]Tier{
	FeaturePlayback:       Basic,
	FeatureReportDownload: Basic,
	FeatureReportSharing:  Basic,
	FeatureAPIAccess:      Pro,
	FeaturePriority:       Pro,
}

// Required returns the lowest tier that unlocks f. Unknown features
// require enterprise.
func Required(f Feature) Tier {
	if t, ok := featureTiers[f]; ok {
		return t
	}
	return Enterprise
}

// Can reports whether tier t unlocks f.
func Can(t Tier, f Feature) bool {
	return Allows(t, Required(f))
}

// LockedMessage is the text shown when a feature is locked.
func LockedMessage(f Feature) string {
	return fmt.Sprintf("This feature is available on the %s plan or higher.", Required(f).Title())
}

// SoftLimitMB is the size up to which a free-tier upload over its limit
// is offered an upgrade instead of being rejected outright.
const SoftLimitMB = 100

const bytesPerMB = 1024 * 1024

// ErrUpgradeSuggested is returned by CheckUpload when a free-tier file is
// over the plan limit but within SoftLimitMB. Callers may proceed anyway.
var ErrUpgradeSuggested = errors.New("tier: upgrade suggested")

// LimitError reports an upload that exceeds a tier limit.
type LimitError struct {
	Kind  string // "size" or "duration"
	Limit int    // MB or minutes
	Tier  Tier
}

func (e *LimitError) Error() string {
	if e.Kind == "duration" {
		return fmt.Sprintf("Video duration exceeds your plan limit of %d minutes. Please upgrade your plan or upload a shorter video.", e.Limit)
	}
	return fmt.Sprintf("File size exceeds your plan limit of %dMB. Please upgrade your plan or upload a smaller file.", e.Limit)
}

// SizeMB converts a byte count to megabytes (1 MB = 1048576 bytes).
func SizeMB(n int64) float64 {
	return float64(n) / bytesPerMB
}

// MaxBytes returns the byte cap for an upload on l. When proceed is set
// for a free-tier upload, the cap is SoftLimitMB.
func (l Limits) MaxBytes(proceed bool) int64 {
	mb := l.MaxSizeMB
	if proceed && l.Tier == Free && mb < SoftLimitMB {
		mb = SoftLimitMB
	}
	return int64(mb) * bytesPerMB
}

// CheckUpload validates a file against l. durationSeconds <= 0 means the
// duration is unknown and is not checked.
func CheckUpload(l Limits, sizeBytes int64, durationSeconds float64) error {
	mb := SizeMB(sizeBytes)
	if mb > float64(l.MaxSizeMB) {
		if l.Tier == Free && mb <= SoftLimitMB {
			return fmt.Errorf("%w: %.2fMB is over the %dMB free limit", ErrUpgradeSuggested, mb, l.MaxSizeMB)
		}
		return &LimitError{Kind: "size", Limit: l.MaxSizeMB, Tier: l.Tier}
	}
	if durationSeconds > 0 && durationSeconds > float64(l.MaxDurationMinutes*60) {
		return &LimitError{Kind: "duration", Limit: l.MaxDurationMinutes, Tier: l.Tier}
	}
	return nil
}
