package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the agentdeck service.
type Config struct {
	BindAddr        string
	ShutdownTimeout time.Duration

	DataDir         string
	DefaultProvider string
	DefaultWorkdir  string

	JobTimeout  time.Duration
	TaskTimeout time.Duration

	SchedulerTick        time.Duration
	OrchestratorPoll     time.Duration
	JobRetention         time.Duration
	SubscriberQueueSize  int
	ReplayBufferSize     int
	JobBufferSize        int
	PublishTimeout       time.Duration
	OrchestratorHistoryN int

	MetricsNamespace string
	AllowAnyOrigin   bool

	// DatabaseURL selects the Postgres history store when set; the JSON
	// file store under DataDir is used otherwise.
	DatabaseURL string

	CodexPath   string
	ClaudePath  string
	GeminiPath  string
	CopilotPath string
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8899"),
		DataDir:              envOrDefault("APP_DATA_DIR", ".agentdeck"),
		DefaultProvider:      envOrDefault("APP_DEFAULT_PROVIDER", "codex"),
		DefaultWorkdir:       envOrDefault("APP_DEFAULT_WORKDIR", ""),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "agentdeck"),
		DatabaseURL:          strings.TrimSpace(os.Getenv("DATABASE_URL")),
		CodexPath:            envOrDefault("AGENT_CODEX_PATH", "codex"),
		ClaudePath:           envOrDefault("AGENT_CLAUDE_PATH", "claude"),
		GeminiPath:           envOrDefault("AGENT_GEMINI_PATH", "gemini"),
		CopilotPath:          envOrDefault("AGENT_COPILOT_PATH", "copilot"),
		ShutdownTimeout:      15 * time.Second,
		JobTimeout:           5 * time.Minute,
		TaskTimeout:          15 * time.Minute,
		SchedulerTick:        30 * time.Second,
		OrchestratorPoll:     30 * time.Second,
		JobRetention:         time.Hour,
		PublishTimeout:       50 * time.Millisecond,
		SubscriberQueueSize:  128,
		ReplayBufferSize:     1000,
		JobBufferSize:        800,
		OrchestratorHistoryN: 10,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.JobTimeout, err = durationFromEnv("APP_JOB_TIMEOUT", cfg.JobTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("APP_TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SchedulerTick, err = durationFromEnv("APP_SCHEDULER_TICK", cfg.SchedulerTick)
	if err != nil {
		return Config{}, err
	}
	cfg.OrchestratorPoll, err = durationFromEnv("APP_ORCHESTRATOR_POLL", cfg.OrchestratorPoll)
	if err != nil {
		return Config{}, err
	}
	cfg.JobRetention, err = durationFromEnv("APP_JOB_RETENTION", cfg.JobRetention)
	if err != nil {
		return Config{}, err
	}
	cfg.SubscriberQueueSize, err = intFromEnv("APP_SUBSCRIBER_QUEUE", cfg.SubscriberQueueSize)
	if err != nil {
		return Config{}, err
	}
	cfg.ReplayBufferSize, err = intFromEnv("APP_REPLAY_BUFFER", cfg.ReplayBufferSize)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func envOrDefault(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func durationFromEnv(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid duration in %s: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, def int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid integer in %s: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid boolean in %s: %w", key, err)
	}
	return b, nil
}
