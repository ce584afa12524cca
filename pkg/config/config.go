package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config is the process configuration, populated from the environment.
// Command-line flags may override individual fields after parsing.
type Config struct {
	Addr string `env:"CHATCORE_ADDR" envDefault:":8080"`

	// TranscriptRoot is the directory tree of JSONL session transcripts
	// maintained by the agent runtime. Empty resolves to
	// ~/.claude/projects.
	TranscriptRoot string `env:"CHATCORE_TRANSCRIPT_ROOT"`

	// Agent runtime settings.
	AgentBinary    string `env:"CHATCORE_AGENT_BIN" envDefault:"claude"`
	AgentWorkDir   string `env:"CHATCORE_AGENT_WORKDIR"`
	Model          string `env:"CHATCORE_MODEL" envDefault:"claude-sonnet-4-5"`
	MaxTurns       int    `env:"CHATCORE_MAX_TURNS" envDefault:"10"`
	PermissionMode string `env:"CHATCORE_PERMISSION_MODE" envDefault:"bypassPermissions"`
	SystemPrompt   string `env:"CHATCORE_SYSTEM_PROMPT"`

	// RequestTimeout bounds the streaming phase of one request cycle.
	RequestTimeout time.Duration `env:"CHATCORE_REQUEST_TIMEOUT" envDefault:"5m"`

	// ReaderIdleTimeout stops per-conversation topic readers once no client
	// is attached.
	ReaderIdleTimeout time.Duration `env:"CHATCORE_READER_IDLE_TIMEOUT" envDefault:"5m"`

	AllowedOrigins []string `env:"CHATCORE_ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000,http://localhost:3001,http://localhost:3002,http://localhost:3003"`

	// Per-IP rate limit on the HTTP API: RateLimit requests per second with
	// RateBurst burst.
	RateLimit float64 `env:"CHATCORE_RATE_LIMIT" envDefault:"2"`
	RateBurst int     `env:"CHATCORE_RATE_BURST" envDefault:"5"`

	LogLevel  string `env:"CHATCORE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CHATCORE_LOG_FORMAT" envDefault:"console"`
}

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	if cfg.TranscriptRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, errors.Wrap(err, "resolve home directory")
		}
		cfg.TranscriptRoot = filepath.Join(home, ".claude", "projects")
	}
	return cfg, nil
}
