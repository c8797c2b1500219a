package tier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	got, err := Parse(" PRO ")
	require.NoError(t, err)
	assert.Equal(t, Pro, got)

	_, err = Parse("platinum")
	assert.ErrorIs(t, err, ErrUnknown)
}

func TestAllows(t *testing.T) {
	tests := []struct {
		user, required Tier
		want           bool
	}{
		{Free, Free, true},
		{Free, Basic, false},
		{Basic, Basic, true},
		{Pro, Basic, true},
		{Basic, Pro, false},
		{Enterprise, Pro, true},
		{Tier("bogus"), Free, true},
		{Tier("bogus"), Basic, false},
		{Enterprise, Tier("bogus"), false},
		{Free, Tier(""), false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Allows(tt.user, tt.required), "%s >= %s", tt.user, tt.required)
	}
}

func TestFeatureGating(t *testing.T) {
	assert.False(t, Can(Free, FeaturePlayback))
	assert.True(t, Can(Basic, FeaturePlayback))
	assert.False(t, Can(Basic, FeatureAPIAccess))
	assert.True(t, Can(Pro, FeatureAPIAccess))
	assert.Equal(t, "This feature is available on the Basic plan or higher.", LockedMessage(FeatureReportDownload))
}

func TestCheckUpload(t *testing.T) {
	free := Free.Limits()
	basic := Basic.Limits()

	t.Run("within limit", func(t *testing.T) {
		assert.NoError(t, CheckUpload(free, 10*bytesPerMB, 60))
	})

	t.Run("exactly at limit", func(t *testing.T) {
		assert.NoError(t, CheckUpload(free, 50*bytesPerMB, 0))
	})

	t.Run("free over limit under soft cap suggests upgrade", func(t *testing.T) {
		err := CheckUpload(free, 75*bytesPerMB, 0)
		assert.ErrorIs(t, err, ErrUpgradeSuggested)
	})

	t.Run("free over soft cap is rejected", func(t *testing.T) {
		err := CheckUpload(free, 150*bytesPerMB, 0)
		var le *LimitError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, "size", le.Kind)
		assert.Equal(t, "File size exceeds your plan limit of 50MB. Please upgrade your plan or upload a smaller file.", err.Error())
	})

	t.Run("paid tiers are strict", func(t *testing.T) {
		err := CheckUpload(basic, 201*bytesPerMB, 0)
		var le *LimitError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, 200, le.Limit)
	})

	t.Run("duration", func(t *testing.T) {
		err := CheckUpload(free, bytesPerMB, 121)
		var le *LimitError
		require.True(t, errors.As(err, &le))
		assert.Equal(t, "duration", le.Kind)
	})
}

func TestMaxBytes(t *testing.T) {
	assert.Equal(t, int64(50*bytesPerMB), Free.Limits().MaxBytes(false))
	assert.Equal(t, int64(SoftLimitMB*bytesPerMB), Free.Limits().MaxBytes(true))
	assert.Equal(t, int64(200*bytesPerMB), Basic.Limits().MaxBytes(true))
}

func TestAllIsCopy(t *testing.T) {
	all := All()
	require.Len(t, all, 4)
	all[0].MaxSizeMB = 1
	all[0].Features[0] = "changed"
	assert.Equal(t, 50, Free.Limits().MaxSizeMB)
	assert.Equal(t, "50MB max upload", Free.Limits().Features[0])

	l := Pro.Limits()
	l.Features[0] = "changed"
	assert.Equal(t, "1GB max upload", Pro.Limits().Features[0])
}
