package cttso_pieriandx_gateway

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadEnvironmentProfile(t *testing.T) {
	t.Run("ProfileDefaults", func(t *testing.T) {
		t.Setenv("CTTSO_ENV", "prod")
		t.Setenv("CTTSO_PIERIANDX_BASE_URL", "http://localhost:9000")

		p, err := LoadEnvironmentProfile()
		require.NoError(t, err)
		assert.Equal(t, "https://api.data.prod.umccr.org", p.Portal.BaseURL)
		assert.Equal(t, "ap-southeast-2", p.Portal.Region)
		assert.Equal(t, "http://localhost:9000", p.PierianDx.BaseURL)
		assert.Equal(t, 3, p.MaxSubmissionsPerPass)
		assert.Equal(t, time.Hour, p.SyncInterval)
		assert.Equal(t, 45*time.Minute, p.PierianDx.TokenRefresh)
	})

	t.Run("UnknownProfile", func(t *testing.T) {
		t.Setenv("CTTSO_ENV", "staging")
		_, err := LoadEnvironmentProfile()
		assert.ErrorContains(t, err, "staging")
	})

	t.Run("BadDuration", func(t *testing.T) {
		t.Setenv("CTTSO_SYNC_INTERVAL", "hourly")
		_, err := LoadEnvironmentProfile()
		assert.Error(t, err)
	})
}

func TestEnvironmentProfileLocation(t *testing.T) {
	loc, err := EnvironmentProfile{}.Location()
	require.NoError(t, err)
	assert.Nil(t, loc)

	loc, err = EnvironmentProfile{LocalTimezone: "UTC"}.Location()
	require.NoError(t, err)
	assert.Equal(t, time.UTC, loc)

	_, err = EnvironmentProfile{LocalTimezone: "Mars/Olympus_Mons"}.Location()
	assert.Error(t, err)
}
