package ratelimit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultScheduleIsMonotonic(t *testing.T) {
	require.NoError(t, DefaultSchedule().Validate())
}

func TestTierFor(t *testing.T) {
	s := DefaultSchedule()
	tests := []struct {
		age   int
		daily int
	}{
		{0, 50}, {1, 50}, {2, 50}, {3, 100}, {7, 250}, {10, 500},
		{14, 1000}, {18, 2500}, {22, 5000}, {26, 10000}, {30, 25000},
		{31, 50000}, {400, 50000},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.daily, s.TierFor(tt.age).Daily, "age %d", tt.age)
	}
}

func TestParseSchedule(t *testing.T) {
	doc := `
tiers:
  - {min_age_days: 7, daily: 500, hourly: 100}
  - {min_age_days: 0, daily: 20, hourly: 10}
`
	s, err := ParseSchedule(strings.NewReader(doc))
	require.NoError(t, err)
	require.Len(t, s, 2)
	assert.Equal(t, 0, s[0].MinAgeDays)
	assert.Equal(t, 20, s.TierFor(6).Daily)
	assert.Equal(t, 500, s.TierFor(7).Daily)
}

func TestParseScheduleRejectsShrinkingCaps(t *testing.T) {
	doc := `
tiers:
  - {min_age_days: 0, daily: 100, hourly: 50}
  - {min_age_days: 5, daily: 80, hourly: 50}
`
	_, err := ParseSchedule(strings.NewReader(doc))
	assert.ErrorContains(t, err, "must not decrease")
}

func TestParseScheduleRejectsMissingZeroTier(t *testing.T) {
	_, err := ParseSchedule(strings.NewReader("tiers:\n  - {min_age_days: 2, daily: 10, hourly: 10}\n"))
	assert.Error(t, err)
}

func TestLoadScheduleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "warmup.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tiers:\n  - {min_age_days: 0, daily: 5, hourly: 5}\n"), 0o644))

	s, err := LoadScheduleFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, s.TierFor(100).Daily)

	_, err = LoadScheduleFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
