// Package config loads codemap settings from .env, an optional YAML file and the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LLM providers understood by llm.NewOracle.
const (
	ProviderNone            = "none"
	ProviderOllama          = "ollama"
	ProviderOpenAI          = "openai"
	ProviderOpenRouter      = "openrouter"
	ProviderAnthropic       = "anthropic"
	ProviderAnthropicNative = "anthropic-native"
	ProviderBedrock         = "bedrock"
)

// Store backends understood by app.New.
const (
	StoreSurrealDB = "surrealdb"
	StoreSQLite    = "sqlite"
)

// Config holds all configuration values.
type Config struct {
	ServerAddr string `yaml:"server_addr"`

	// Document store
	Store      string `yaml:"store"`
	SQLitePath string `yaml:"sqlite_path"`

	SurrealDBURL       string `yaml:"surrealdb_url"`
	SurrealDBNamespace string `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string `yaml:"surrealdb_database"`
	SurrealDBUser      string `yaml:"surrealdb_user"`
	SurrealDBPass      string `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string `yaml:"surrealdb_auth_level"`

	// Semantic oracle
	LLMProvider      string        `yaml:"llm_provider"`
	LLMModel         string        `yaml:"llm_model"`
	OllamaHost       string        `yaml:"ollama_host"`
	OpenAIAPIKey     string        `yaml:"-"`
	OpenRouterAPIKey string        `yaml:"-"`
	AnthropicAPIKey  string        `yaml:"-"`
	AWSRegion        string        `yaml:"aws_region"`
	OracleTimeout    time.Duration `yaml:"oracle_timeout"`

	// Pipeline
	AnnotateMaxBytes     int    `yaml:"annotate_max_bytes"`
	MaxFileSize          int64  `yaml:"max_file_size"`
	AnalysisConcurrency  int    `yaml:"analysis_concurrency"`
	ResolverContextLimit int    `yaml:"resolver_context_limit"`
	ResolverMaxRecords   int    `yaml:"resolver_max_records"`
	SourceWorkdir        string `yaml:"source_workdir"`
	SweepSchedule        string `yaml:"sweep_schedule"`

	// Logging
	LogFile  string     `yaml:"log_file"`
	LogLevel slog.Level `yaml:"-"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		ServerAddr:           ":8585",
		Store:                StoreSurrealDB,
		SQLitePath:           "codemap.db",
		SurrealDBURL:         "ws://localhost:8000/rpc",
		SurrealDBNamespace:   "codemap",
		SurrealDBDatabase:    "analysis",
		SurrealDBUser:        "root",
		SurrealDBPass:        "root",
		SurrealDBAuthLevel:   "root",
		LLMProvider:          ProviderOllama,
		LLMModel:             "llama3.2",
		OllamaHost:           "http://localhost:11434",
		AWSRegion:            "us-east-1",
		OracleTimeout:        60 * time.Second,
		AnnotateMaxBytes:     3000,
		MaxFileSize:          1024 * 1024,
		AnalysisConcurrency:  1,
		ResolverContextLimit: 20,
		ResolverMaxRecords:   1000,
		SourceWorkdir:        "/tmp/code_repos",
		SweepSchedule:        "*/5 * * * *",
		LogFile:              "/tmp/codemap.log",
		LogLevel:             slog.LevelInfo,
	}
}

// Load reads .env (if present), then CODEMAP_CONFIG (if set), then environment variables.
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CODEMAP_CONFIG"); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig carries the YAML fields that need parsing beyond yaml.v3 defaults.
type fileConfig struct {
	Config   `yaml:",inline"`
	LogLevel string `yaml:"log_level"`
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	fc := fileConfig{Config: *cfg}
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	*cfg = fc.Config
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.ServerAddr = getEnv("CODEMAP_SERVER_ADDR", cfg.ServerAddr)

	cfg.Store = strings.ToLower(getEnv("CODEMAP_STORE", cfg.Store))
	cfg.SQLitePath = getEnv("CODEMAP_SQLITE_PATH", cfg.SQLitePath)

	cfg.SurrealDBURL = getEnv("SURREALDB_URL", cfg.SurrealDBURL)
	cfg.SurrealDBNamespace = getEnv("SURREALDB_NAMESPACE", cfg.SurrealDBNamespace)
	cfg.SurrealDBDatabase = getEnv("SURREALDB_DATABASE", cfg.SurrealDBDatabase)
	cfg.SurrealDBUser = getEnv("SURREALDB_USER", cfg.SurrealDBUser)
	cfg.SurrealDBPass = getEnv("SURREALDB_PASS", cfg.SurrealDBPass)
	cfg.SurrealDBAuthLevel = getEnv("SURREALDB_AUTH_LEVEL", cfg.SurrealDBAuthLevel)

	cfg.LLMProvider = strings.ToLower(getEnv("CODEMAP_LLM_PROVIDER", cfg.LLMProvider))
	cfg.LLMModel = getEnv("CODEMAP_LLM_MODEL", cfg.LLMModel)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.OpenAIAPIKey = getEnv("OPENAI_API_KEY", cfg.OpenAIAPIKey)
	cfg.OpenRouterAPIKey = getEnv("OPENROUTER_API_KEY", cfg.OpenRouterAPIKey)
	cfg.AnthropicAPIKey = getEnv("ANTHROPIC_API_KEY", cfg.AnthropicAPIKey)
	cfg.AWSRegion = getEnv("AWS_REGION", cfg.AWSRegion)
	cfg.OracleTimeout = getEnvDuration("CODEMAP_ORACLE_TIMEOUT", cfg.OracleTimeout)

	cfg.AnnotateMaxBytes = getEnvInt("CODEMAP_ANNOTATE_MAX_BYTES", cfg.AnnotateMaxBytes)
	cfg.MaxFileSize = int64(getEnvInt("CODEMAP_MAX_FILE_SIZE", int(cfg.MaxFileSize)))
	cfg.AnalysisConcurrency = getEnvInt("CODEMAP_ANALYSIS_CONCURRENCY", cfg.AnalysisConcurrency)
	cfg.ResolverContextLimit = getEnvInt("CODEMAP_RESOLVER_CONTEXT_LIMIT", cfg.ResolverContextLimit)
	cfg.ResolverMaxRecords = getEnvInt("CODEMAP_RESOLVER_MAX_RECORDS", cfg.ResolverMaxRecords)
	cfg.SourceWorkdir = getEnv("CODEMAP_SOURCE_WORKDIR", cfg.SourceWorkdir)
	cfg.SweepSchedule = getEnv("CODEMAP_SWEEP_SCHEDULE", cfg.SweepSchedule)

	cfg.LogFile = getEnv("CODEMAP_LOG_FILE", cfg.LogFile)
	if lvl := os.Getenv("CODEMAP_LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = parseLogLevel(lvl)
	}
}

// Validate rejects settings the pipeline cannot run with.
func (c Config) Validate() error {
	switch c.Store {
	case StoreSurrealDB, StoreSQLite:
	default:
		return fmt.Errorf("unsupported store backend: %q", c.Store)
	}
	switch c.LLMProvider {
	case ProviderNone, ProviderOllama, ProviderOpenAI, ProviderOpenRouter,
		ProviderAnthropic, ProviderAnthropicNative, ProviderBedrock:
	default:
		return fmt.Errorf("unsupported LLM provider: %q", c.LLMProvider)
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max file size must be positive, got %d", c.MaxFileSize)
	}
	if c.OracleTimeout <= 0 {
		return fmt.Errorf("oracle timeout must be positive, got %s", c.OracleTimeout)
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		slog.Warn("ignoring invalid integer setting", "key", key, "value", val)
		return defaultVal
	}
	return n
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		slog.Warn("ignoring invalid duration setting", "key", key, "value", val)
		return defaultVal
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
