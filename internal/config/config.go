// Package config loads relay configuration from defaults, an optional YAML or
// TOML file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const (
	BackendDynamoDB = "dynamodb"
	BackendSQLite   = "sqlite"
)

type Config struct {
	Slack     SlackConfig     `yaml:"slack" toml:"slack" envPrefix:"SLACK_"`
	Voiceflow VoiceflowConfig `yaml:"voiceflow" toml:"voiceflow" envPrefix:"VOICEFLOW_"`
	Store     StoreConfig     `yaml:"store" toml:"store" envPrefix:"STORE_"`
	Dedup     DedupConfig     `yaml:"dedup" toml:"dedup" envPrefix:"DEDUP_"`
	Turn      TurnConfig      `yaml:"turn" toml:"turn" envPrefix:"TURN_"`
	OpenAI    OpenAIConfig    `yaml:"openai" toml:"openai" envPrefix:"OPENAI_"`
	Extract   ExtractConfig   `yaml:"extract" toml:"extract" envPrefix:"EXTRACT_"`
	Notify    NotifyConfig    `yaml:"notify" toml:"notify" envPrefix:"NOTIFY_"`
	Server    ServerConfig    `yaml:"server" toml:"server" envPrefix:"SERVER_"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth" envPrefix:"AUTH_"`
	Secrets   SecretsConfig   `yaml:"secrets" toml:"secrets" envPrefix:"SECRETS_"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging" envPrefix:"LOG_"`
}

type SlackConfig struct {
	BotToken       string  `yaml:"bot_token" toml:"bot_token" env:"BOT_TOKEN"`
	AppToken       string  `yaml:"app_token" toml:"app_token" env:"APP_TOKEN"`
	BotUserID      string  `yaml:"bot_user_id" toml:"bot_user_id" env:"BOT_USER_ID"`
	APIURL         string  `yaml:"api_url" toml:"api_url" env:"API_URL"`
	PostsPerSecond float64 `yaml:"posts_per_second" toml:"posts_per_second" env:"POSTS_PER_SECOND"`
}

type VoiceflowConfig struct {
	APIKey              string        `yaml:"api_key" toml:"api_key" env:"API_KEY"`
	RuntimeEndpoint     string        `yaml:"runtime_endpoint" toml:"runtime_endpoint" env:"RUNTIME_ENDPOINT"`
	TranscriptsEndpoint string        `yaml:"transcripts_endpoint" toml:"transcripts_endpoint" env:"TRANSCRIPTS_ENDPOINT"`
	VersionID           string        `yaml:"version_id" toml:"version_id" env:"VERSION_ID"`
	ProjectID           string        `yaml:"project_id" toml:"project_id" env:"PROJECT_ID"`
	CreateTranscripts   bool          `yaml:"create_transcripts" toml:"create_transcripts" env:"CREATE_TRANSCRIPTS"`
	Timeout             time.Duration `yaml:"-" toml:"-" env:"TIMEOUT"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

type StoreConfig struct {
	Backend    string        `yaml:"backend" toml:"backend" env:"BACKEND"`
	Table      string        `yaml:"table" toml:"table" env:"TABLE"`
	SQLitePath string        `yaml:"sqlite_path" toml:"sqlite_path" env:"SQLITE_PATH"`
	RecordTTL  time.Duration `yaml:"-" toml:"-" env:"RECORD_TTL"`

	RecordTTLRaw string `yaml:"record_ttl" toml:"record_ttl"`
}

type DedupConfig struct {
	Window time.Duration `yaml:"-" toml:"-" env:"WINDOW"`
	Size   int           `yaml:"size" toml:"size" env:"SIZE"`
	Shared bool          `yaml:"shared" toml:"shared" env:"SHARED"`

	WindowRaw string `yaml:"window" toml:"window"`
}

type TurnConfig struct {
	ProgressAfter   time.Duration `yaml:"-" toml:"-" env:"PROGRESS_AFTER"`
	MaxSegmentChars int           `yaml:"max_segment_chars" toml:"max_segment_chars" env:"MAX_SEGMENT_CHARS"`

	ProgressAfterRaw string `yaml:"progress_after" toml:"progress_after"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key" toml:"api_key" env:"API_KEY"`
	BaseURL string `yaml:"base_url" toml:"base_url" env:"BASE_URL"`
	Model   string `yaml:"model" toml:"model" env:"MODEL"`
}

type ExtractConfig struct {
	Timeout  time.Duration `yaml:"-" toml:"-" env:"TIMEOUT"`
	MaxBytes int64         `yaml:"max_bytes" toml:"max_bytes" env:"MAX_BYTES"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout"`
}

type NotifyConfig struct {
	StartedText             string `yaml:"started_text" toml:"started_text" env:"STARTED_TEXT"`
	CompletedText           string `yaml:"completed_text" toml:"completed_text" env:"COMPLETED_TEXT"`
	CompletedTextNoArtifact string `yaml:"completed_text_no_artifact" toml:"completed_text_no_artifact" env:"COMPLETED_TEXT_NO_ARTIFACT"`
	ArtifactURL             string `yaml:"artifact_url" toml:"artifact_url" env:"ARTIFACT_URL"`
}

type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr" env:"HTTP_ADDR"`
}

type AuthConfig struct {
	TaskSignalSecret string `yaml:"task_signal_secret" toml:"task_signal_secret" env:"TASK_SIGNAL_SECRET"`
}

// SecretsConfig points at an SSM parameter prefix holding the service
// tokens. Tokens set directly in the config take precedence.
type SecretsConfig struct {
	ParamPrefix string `yaml:"param_prefix" toml:"param_prefix" env:"PARAM_PREFIX"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" env:"LEVEL"`
	Format string `yaml:"format" toml:"format" env:"FORMAT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Slack: SlackConfig{PostsPerSecond: 1},
		Voiceflow: VoiceflowConfig{
			RuntimeEndpoint:     "https://general-runtime.voiceflow.com",
			TranscriptsEndpoint: "https://api.voiceflow.com/v2/transcripts",
			VersionID:           "production",
			Timeout:             30 * time.Second,
		},
		Store: StoreConfig{
			Backend:    BackendDynamoDB,
			SQLitePath: "relay.db",
		},
		Dedup:   DedupConfig{Window: 60 * time.Second, Size: 4096},
		Turn:    TurnConfig{ProgressAfter: 5 * time.Second, MaxSegmentChars: 3000},
		OpenAI:  OpenAIConfig{BaseURL: "https://api.openai.com", Model: "whisper-1"},
		Extract: ExtractConfig{Timeout: 20 * time.Second, MaxBytes: 20 << 20},
		Server:  ServerConfig{HTTPAddr: ":8080"},
		Logging: LoggingConfig{Level: "info", Format: "text"},
	}
}

// Load builds the configuration. path may be empty, in which case only
// defaults and environment variables apply. ${VAR} references in the file
// are expanded before parsing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		expanded := expandEnvVars(string(data))
		if err := decodeFile(path, expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
		if err := parseDurations(cfg); err != nil {
			return nil, fmt.Errorf("parsing durations: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func decodeFile(path, content string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		_, err := toml.Decode(content, cfg)
		return err
	case ".yaml", ".yml", "":
		return yaml.Unmarshal([]byte(content), cfg)
	default:
		return fmt.Errorf("unsupported config format %q", filepath.Ext(path))
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or with
// nothing when it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"voiceflow.timeout", cfg.Voiceflow.TimeoutRaw, &cfg.Voiceflow.Timeout},
		{"store.record_ttl", cfg.Store.RecordTTLRaw, &cfg.Store.RecordTTL},
		{"dedup.window", cfg.Dedup.WindowRaw, &cfg.Dedup.Window},
		{"turn.progress_after", cfg.Turn.ProgressAfterRaw, &cfg.Turn.ProgressAfter},
		{"extract.timeout", cfg.Extract.TimeoutRaw, &cfg.Extract.Timeout},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.raw) == "" {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(f.raw))
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

// Validate checks the configuration for missing or inconsistent values.
// Tokens may be left empty when an SSM parameter prefix supplies them.
func (c *Config) Validate() error {
	var errs []error
	viaSSM := strings.TrimSpace(c.Secrets.ParamPrefix) != ""

	if !viaSSM {
		if c.Slack.BotToken == "" {
			errs = append(errs, errors.New("slack.bot_token is required (or set secrets.param_prefix)"))
		}
		if c.Voiceflow.APIKey == "" {
			errs = append(errs, errors.New("voiceflow.api_key is required (or set secrets.param_prefix)"))
		}
	}
	switch c.Store.Backend {
	case BackendDynamoDB:
		if c.Store.Table == "" {
			errs = append(errs, errors.New("store.table is required for the dynamodb backend"))
		}
	case BackendSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is not one of %s, %s", c.Store.Backend, BackendDynamoDB, BackendSQLite))
	}
	if c.Dedup.Window <= 0 {
		errs = append(errs, errors.New("dedup.window must be positive"))
	}
	if c.Turn.ProgressAfter < 0 {
		errs = append(errs, errors.New("turn.progress_after must not be negative"))
	}
	if c.Turn.MaxSegmentChars <= 0 {
		errs = append(errs, errors.New("turn.max_segment_chars must be positive"))
	}
	if c.Slack.PostsPerSecond <= 0 {
		errs = append(errs, errors.New("slack.posts_per_second must be positive"))
	}
	return errors.Join(errs...)
}
