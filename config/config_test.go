package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.True(t, cfg.QAEnabled)
	assert.Equal(t, 600*time.Second, cfg.QATimeout)
	assert.Equal(t, 50, cfg.CompactionTriggerMessages)
	assert.Equal(t, 20, cfg.CompactionKeepMessages)
	assert.False(t, cfg.GitSyncEnabled)
	assert.Equal(t, "main", cfg.GitSyncBranch)
	assert.Equal(t, DefaultGitSyncExcludes(), cfg.GitSyncExcludes)
	assert.Empty(t, cfg.CheckpointDB)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("DEEPAGENTS_QA", "off")
	t.Setenv("DEEPAGENTS_QA_COMMANDS", "npm run lint, npm run typecheck ,")
	t.Setenv("DEEPAGENTS_QA_TIMEOUT_S", "120")
	t.Setenv("AMICABLE_GIT_SYNC_EXCLUDES", "vendor/,tmp/")
	t.Setenv("AMICABLE_AUTO_HEAL_MAX_ATTEMPTS", "5")
	t.Setenv("AMICABLE_HOOK_TIMEOUT_MS", "1500")

	cfg := Load()
	assert.False(t, cfg.QAEnabled)
	assert.Equal(t, []string{"npm run lint", "npm run typecheck"}, cfg.QACommands)
	assert.Equal(t, 120*time.Second, cfg.QATimeout)
	assert.Equal(t, []string{"vendor/", "tmp/"}, cfg.GitSyncExcludes)
	assert.Equal(t, 5, cfg.AutoHealMaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.HookTimeout)
}

func TestLoadIgnoresMalformedNumbers(t *testing.T) {
	t.Setenv("DEEPAGENTS_SELF_HEAL_MAX_ROUNDS", "lots")
	t.Setenv("SANDBOX_RUNTIME_PORT", "")

	cfg := Load()
	assert.Equal(t, 2, cfg.SelfHealMaxRounds)
	assert.Equal(t, 8088, cfg.SandboxRuntimePort)
}

func TestGetEnvBoolVariants(t *testing.T) {
	for value, want := range map[string]bool{
		"1": true, "true": true, "YES": true, "on": true,
		"0": false, "false": false, "No": false, "off": false,
	} {
		t.Setenv("AMICABLE_BOOL_PROBE", value)
		require.Equal(t, want, getEnvBool("AMICABLE_BOOL_PROBE", !want), "value %q", value)
	}

	// Garbage falls back to the default.
	t.Setenv("AMICABLE_BOOL_PROBE", "maybe")
	assert.True(t, getEnvBool("AMICABLE_BOOL_PROBE", true))
	assert.False(t, getEnvBool("AMICABLE_BOOL_PROBE", false))
}
