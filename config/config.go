// Package config loads application configuration from the environment.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds all orchestrator configuration. It is populated once at
// startup and treated as immutable afterwards.
type Config struct {
	Port string

	// LLM
	Model string

	// QA
	QAEnabled         bool
	QACommands        []string // verbatim override, empty means auto-detect
	QARunTests        bool
	QATimeout         time.Duration
	SelfHealMaxRounds int

	// Conversation compaction
	CompactionTriggerMessages int
	CompactionKeepMessages    int

	// Tool retry
	ToolRetryMaxRetries int

	// Sandbox / Kubernetes
	SandboxNamespace    string
	SandboxTemplateName string
	SandboxClaimPrefix  string
	SandboxReadyTimeout time.Duration
	SandboxRuntimePort  int
	ExecTimeout         time.Duration
	ExecMaxOutputChars  int

	// Preview
	PreviewBaseDomain string
	PreviewScheme     string

	// Git sync
	GitSyncEnabled  bool
	GitSyncRequired bool
	GitSyncBranch   string
	GitSyncExcludes []string
	GitSyncCacheDir string
	GitLabToken     string

	// Auto-heal throttling
	AutoHealEnabled      bool
	AutoHealCooldown     time.Duration
	AutoHealDedupeWindow time.Duration
	AutoHealMaxAttempts  int

	// HITL / hooks
	HookTimeout time.Duration

	// User image limits
	UserImageMaxBase64Chars int
	UserImageMaxBlocks      int

	// Durable checkpointer; empty means in-memory only
	CheckpointDB string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	cfg := &Config{
		Port:                      getEnvOrDefault("PORT", "8080"),
		Model:                     getEnvOrDefault("DEEPAGENTS_MODEL", "claude-sonnet-4-20250514"),
		QAEnabled:                 getEnvBool("DEEPAGENTS_QA", true),
		QACommands:                splitCSV(os.Getenv("DEEPAGENTS_QA_COMMANDS")),
		QARunTests:                getEnvBool("DEEPAGENTS_QA_RUN_TESTS", false),
		QATimeout:                 getEnvSeconds("DEEPAGENTS_QA_TIMEOUT_S", 600),
		SelfHealMaxRounds:         getEnvInt("DEEPAGENTS_SELF_HEAL_MAX_ROUNDS", 2),
		CompactionTriggerMessages: getEnvInt("DEEPAGENTS_SUMMARIZATION_TRIGGER_MESSAGES", 50),
		CompactionKeepMessages:    getEnvInt("DEEPAGENTS_SUMMARIZATION_KEEP_MESSAGES", 20),
		ToolRetryMaxRetries:       getEnvInt("DEEPAGENTS_TOOL_RETRY_MAX_RETRIES", 2),
		SandboxNamespace:          getEnvOrDefault("K8S_SANDBOX_NAMESPACE", "default"),
		SandboxTemplateName:       getEnvOrDefault("K8S_SANDBOX_TEMPLATE_NAME", "amicable-dev"),
		SandboxClaimPrefix:        getEnvOrDefault("K8S_SANDBOX_CLAIM_PREFIX", "amicable"),
		SandboxReadyTimeout:       getEnvSeconds("K8S_SANDBOX_READY_TIMEOUT", 180),
		SandboxRuntimePort:        getEnvInt("SANDBOX_RUNTIME_PORT", 8088),
		ExecTimeout:               getEnvSeconds("SANDBOX_EXEC_TIMEOUT_S", 600),
		ExecMaxOutputChars:        getEnvInt("SANDBOX_EXEC_MAX_OUTPUT_CHARS", 50000),
		PreviewBaseDomain:         getEnvOrDefault("PREVIEW_BASE_DOMAIN", "preview.local"),
		PreviewScheme:             getEnvOrDefault("PREVIEW_SCHEME", "https"),
		GitSyncEnabled:            getEnvBool("AMICABLE_GIT_SYNC_ENABLED", false),
		GitSyncRequired:           getEnvBool("AMICABLE_GIT_SYNC_REQUIRED", false),
		GitSyncBranch:             getEnvOrDefault("AMICABLE_GIT_SYNC_BRANCH", "main"),
		GitSyncExcludes:           splitCSV(os.Getenv("AMICABLE_GIT_SYNC_EXCLUDES")),
		GitSyncCacheDir:           getEnvOrDefault("AMICABLE_GIT_SYNC_CACHE_DIR", filepath.Join(os.TempDir(), "amicable-git")),
		GitLabToken:               os.Getenv("GITLAB_TOKEN"),
		AutoHealEnabled:           getEnvBool("AMICABLE_AUTO_HEAL_ENABLED", true),
		AutoHealCooldown:          getEnvSeconds("AMICABLE_AUTO_HEAL_COOLDOWN_S", 60),
		AutoHealDedupeWindow:      getEnvSeconds("AMICABLE_AUTO_HEAL_DEDUPE_WINDOW_S", 300),
		AutoHealMaxAttempts:       getEnvInt("AMICABLE_AUTO_HEAL_MAX_ATTEMPTS", 3),
		HookTimeout:               getEnvMillis("AMICABLE_HOOK_TIMEOUT_MS", 30000),
		UserImageMaxBase64Chars:   getEnvInt("AMICABLE_USER_IMAGE_MAX_BASE64_CHARS", 4_000_000),
		UserImageMaxBlocks:        getEnvInt("AMICABLE_USER_IMAGE_MAX_BLOCKS", 4),
		CheckpointDB:              os.Getenv("AMICABLE_CHECKPOINT_DB"),
	}
	if len(cfg.GitSyncExcludes) == 0 {
		cfg.GitSyncExcludes = DefaultGitSyncExcludes()
	}
	return cfg
}

// DefaultGitSyncExcludes returns the paths never mirrored to the remote.
func DefaultGitSyncExcludes() []string {
	return []string{
		"node_modules/", ".git/", "dist/", "build/", ".cache/",
		".env", ".env.*", ".amicable_snapshot.tgz",
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
			return n
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return defaultValue
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

func getEnvMillis(key string, defaultMillis int) time.Duration {
	return time.Duration(getEnvInt(key, defaultMillis)) * time.Millisecond
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
