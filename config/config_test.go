package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig_MatchesDocumentedDefaults(t *testing.T) {
	c := DefaultConfig()

	assert.Equal(t, 5*time.Second, c.Kaala.HeartbeatInterval)
	assert.Equal(t, 30*time.Second, c.Kaala.StaleThreshold)
	assert.Equal(t, 120*time.Second, c.Kaala.DeadThreshold)
	assert.Equal(t, 16, c.Kaala.GlobalMaxAgents)
	assert.Equal(t, 0.7, c.Kaala.BudgetDecayFactor)
	assert.Equal(t, 200000, c.Kaala.RootTokenBudget)
	assert.Equal(t, "cascade", c.Kaala.OrphanPolicy)
	assert.Equal(t, 6, c.Kaala.MaxAgentDepth)
	assert.Equal(t, 8, c.Kaala.MaxSubAgents)
	assert.Equal(t, 1000, c.Kaala.MinTokenBudgetForSpawn)

	assert.Equal(t, 0.3, c.Autonomy.ErrorRateWarningThreshold)
	assert.Equal(t, 20000, c.Autonomy.LatencyWarningMs)
	assert.Equal(t, 3, c.Autonomy.ToolDisableThreshold)
	assert.Equal(t, 3, c.Autonomy.Retry.MaxRetries)
	assert.Equal(t, 500, c.Autonomy.Retry.BaseDelayMs)
	assert.Equal(t, 15000, c.Autonomy.Retry.MaxDelayMs)

	assert.Equal(t, 3, c.Vidhi.MinSessions)
	assert.Equal(t, 0.5, c.Vidhi.MinSuccessRate)
	assert.Equal(t, 2, c.Vidhi.MinSequenceLength)
	assert.Equal(t, 5, c.Vidhi.MaxSequenceLength)

	assert.Equal(t, "info", c.Logging.Level)
	assert.Equal(t, "json", c.Logging.Format)
	assert.Equal(t, "sqlite", c.Store.Driver)

	require.NoError(t, c.Validate())
}

func TestValidate_RejectsOutOfRangeFields(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"depth too low", func(c *Config) { c.Kaala.MaxAgentDepth = 0 }},
		{"fanout too low", func(c *Config) { c.Kaala.MaxSubAgents = 0 }},
		{"decay zero", func(c *Config) { c.Kaala.BudgetDecayFactor = 0 }},
		{"decay above one", func(c *Config) { c.Kaala.BudgetDecayFactor = 1.1 }},
		{"bad orphan policy", func(c *Config) { c.Kaala.OrphanPolicy = "explode" }},
		{"negative retries", func(c *Config) { c.Autonomy.Retry.MaxRetries = -1 }},
		{"zero base delay", func(c *Config) { c.Autonomy.Retry.BaseDelayMs = 0 }},
		{"min sequence over max", func(c *Config) { c.Vidhi.MinSequenceLength = 6 }},
		{"min sequence zero", func(c *Config) { c.Vidhi.MinSequenceLength = 0 }},
		{"bad store driver", func(c *Config) { c.Store.Driver = "postgres" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := DefaultConfig()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoadFromEnv_OverlaysSetVariablesOnly(t *testing.T) {
	t.Setenv("CHITRAGUPTA_GLOBAL_MAX_AGENTS", "32")
	t.Setenv("CHITRAGUPTA_ORPHAN_POLICY", "reparent")
	t.Setenv("CHITRAGUPTA_RETRY_BASE_DELAY_MS", "250")

	c := DefaultConfig()
	require.NoError(t, c.LoadFromEnv())

	assert.Equal(t, 32, c.Kaala.GlobalMaxAgents)
	assert.Equal(t, "reparent", c.Kaala.OrphanPolicy)
	assert.Equal(t, 250, c.Autonomy.Retry.BaseDelayMs)
	// untouched fields keep their defaults
	assert.Equal(t, 6, c.Kaala.MaxAgentDepth)
	assert.Equal(t, 0.7, c.Kaala.BudgetDecayFactor)
}

func TestLoadFromEnv_IgnoresUnparsableValues(t *testing.T) {
	t.Setenv("CHITRAGUPTA_GLOBAL_MAX_AGENTS", "not-a-number")
	t.Setenv("CHITRAGUPTA_BUDGET_DECAY_FACTOR", "also-not-a-number")
	t.Setenv("CHITRAGUPTA_HEARTBEAT_INTERVAL", "nonsense-duration")

	c := DefaultConfig()
	require.NoError(t, c.LoadFromEnv())

	assert.Equal(t, 16, c.Kaala.GlobalMaxAgents)
	assert.Equal(t, 0.7, c.Kaala.BudgetDecayFactor)
	assert.Equal(t, DefaultConfig().Kaala.HeartbeatInterval, c.Kaala.HeartbeatInterval)
}

func TestLoadFromFile_YAMLRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := []byte(`
kaala:
  max_sub_agents: 12
  orphan_policy: promote
vidhi:
  min_sessions: 5
`)
	require.NoError(t, os.WriteFile(path, body, 0o600))

	c := DefaultConfig()
	require.NoError(t, c.LoadFromFile(path))

	assert.Equal(t, 12, c.Kaala.MaxSubAgents)
	assert.Equal(t, "promote", c.Kaala.OrphanPolicy)
	assert.Equal(t, 5, c.Vidhi.MinSessions)
	// fields absent from the file keep their prior values
	assert.Equal(t, 6, c.Kaala.MaxAgentDepth)
}

func TestLoadFromFile_MissingFileReturnsError(t *testing.T) {
	c := DefaultConfig()
	err := c.LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestNew_LayersEnvThenOptionsThenValidates(t *testing.T) {
	t.Setenv("CHITRAGUPTA_ORPHAN_POLICY", "reparent")

	c, err := New(WithOrphanPolicy("promote"), WithStore("memory", ""))
	require.NoError(t, err)

	// options are applied after env, so an explicit option wins when both
	// set the same field
	assert.Equal(t, "promote", c.Kaala.OrphanPolicy)
	assert.Equal(t, "memory", c.Store.Driver)
}

func TestNew_PropagatesOptionError(t *testing.T) {
	boom := func(c *Config) error { return assert.AnError }
	_, err := New(boom)
	assert.Error(t, err)
}

func TestNew_FailsValidationOnBadEnvOverride(t *testing.T) {
	t.Setenv("CHITRAGUPTA_ORPHAN_POLICY", "not-a-policy")
	_, err := New()
	assert.Error(t, err)
}

func TestWithConfigFile_LoadsDuringNew(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("kaala:\n  max_sub_agents: 4\n"), 0o600))

	c, err := New(WithConfigFile(path))
	require.NoError(t, err)
	assert.Equal(t, 4, c.Kaala.MaxSubAgents)
}
