package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, DefaultMatchingPolicy(), cfg.Matching)
	assert.Equal(t, 5.0, cfg.Matching.InitialRadiusKm)
	assert.Equal(t, 15.0, cfg.Matching.MaxRadiusKm)
	assert.True(t, cfg.Matching.OneActiveRequest)
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", " k1:9092, ,k2:9092")
	t.Setenv("MATCH_INITIAL_RADIUS_KM", "2.5")
	t.Setenv("MATCH_EXPANSION_INTERVAL", "250ms")
	t.Setenv("MATCH_EXPAND_ON_ALL_REJECTED", "true")
	t.Setenv("MIGRATE", "TRUE")
	t.Setenv("LOG_LEVEL", "DEBUG")

	cfg, err := LoadServerConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 2.5, cfg.Matching.InitialRadiusKm)
	assert.Equal(t, 250*time.Millisecond, cfg.Matching.ExpansionInterval)
	assert.True(t, cfg.Matching.ExpandOnAllRejected)
	assert.True(t, cfg.RunMigrations)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadServerConfigCollectsErrors(t *testing.T) {
	t.Setenv("MATCH_MAX_ATTEMPTS", "many")
	t.Setenv("MATCH_RESPONSE_TIMEOUT", "soon")
	t.Setenv("MATCH_ONE_ACTIVE_REQUEST", "maybe")

	_, err := LoadServerConfig()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCH_MAX_ATTEMPTS")
	assert.Contains(t, err.Error(), "MATCH_RESPONSE_TIMEOUT")
	assert.Contains(t, err.Error(), "MATCH_ONE_ACTIVE_REQUEST")
}

func TestMatchingPolicyValidate(t *testing.T) {
	p := DefaultMatchingPolicy()
	require.NoError(t, p.Validate())

	p.InitialRadiusKm = 20
	p.RadiusIncrementKm = 0
	err := p.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MATCH_INITIAL_RADIUS_KM")
	assert.Contains(t, err.Error(), "MATCH_RADIUS_INCREMENT_KM")
}
