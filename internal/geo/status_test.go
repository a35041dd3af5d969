package geo_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/waypoint/internal/geo"
)

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		name         string
		enabled      bool
		hasSample    bool
		sinceSuccess time.Duration
		want         geo.Status
	}{
		{"disabled ignores sample age", false, true, 0, geo.StatusInactive},
		{"disabled without sample", false, false, time.Hour, geo.StatusInactive},
		{"enabled without sample", true, false, 0, geo.StatusLoading},
		{"fresh sample", true, true, 0, geo.StatusActive},
		{"just under active window", true, true, 44 * time.Second, geo.StatusActive},
		{"between windows", true, true, 45 * time.Second, geo.StatusLoading},
		{"just under stale window", true, true, 119 * time.Second, geo.StatusLoading},
		{"stale sample", true, true, 120 * time.Second, geo.StatusError},
		{"very stale sample", true, true, time.Hour, geo.StatusError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, geo.DeriveStatus(tc.enabled, tc.hasSample, tc.sinceSuccess))
		})
	}
}

func TestStatusString(t *testing.T) {
	require.Equal(t, "active", geo.StatusActive.String())
	require.Equal(t, "loading", geo.StatusLoading.String())
	require.Equal(t, "error", geo.StatusError.String())
	require.Equal(t, "inactive", geo.StatusInactive.String())
}
