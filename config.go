package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// AppConfig holds all server configuration.
// Priority (lowest → highest): defaults < JSON config file < env vars < CLI flags.
type AppConfig struct {
	// Server
	DB   string `mapstructure:"db"`   // database path or sqlite DSN
	Dev  bool   `mapstructure:"dev"`  // dev mode: console logging
	Addr string `mapstructure:"addr"` // HTTP listen address

	// Logging
	LogLevel     string `mapstructure:"log_level"`
	LogOutputDir string `mapstructure:"log_output_dir"` // extra JSON log file sink
	LogDebug     bool   `mapstructure:"log_debug"`      // forces debug level

	// Game defaults
	MinPlayers         int            `mapstructure:"min_players"`
	MaxPlayers         int            `mapstructure:"max_players"`
	PlayerCap          int            `mapstructure:"player_cap"` // hard ceiling for max_players
	NightDuration      time.Duration  `mapstructure:"night_duration"`
	DiscussionDuration time.Duration  `mapstructure:"discussion_duration"`
	VotingDuration     time.Duration  `mapstructure:"voting_duration"`
	ExecutionDuration  time.Duration  `mapstructure:"execution_duration"`
	DefaultRoles       map[string]int `mapstructure:"default_roles"`
	CodeAttempts       int            `mapstructure:"code_attempts"`

	// Housekeeping
	LobbyDisconnectGrace time.Duration `mapstructure:"lobby_disconnect_grace"`
	LobbyTimeout         time.Duration `mapstructure:"lobby_timeout"`
	JanitorInterval      time.Duration `mapstructure:"janitor_interval"`
	ShutdownTimeout      time.Duration `mapstructure:"shutdown_timeout"`

	// AI Storyteller
	StorytellerProvider    string `mapstructure:"storyteller_provider"`    // ollama | openai | claude | gemini | groq | openai-compatible
	StorytellerModel       string `mapstructure:"storyteller_model"`       // model name
	StorytellerOllamaURL   string `mapstructure:"storyteller_ollama_url"`  // Ollama server URL
	StorytellerURL         string `mapstructure:"storyteller_url"`         // base URL for openai-compatible
	StorytellerAPIKey      string `mapstructure:"storyteller_api_key"`     // API key for openai-compatible
	StorytellerTemperature string `mapstructure:"storyteller_temperature"` // float 0-1 as string
	StorytellerThinking    string `mapstructure:"storyteller_thinking"`    // none | low | medium | high | auto
	GroqAPIKey             string `mapstructure:"groq_api_key"`            // API key for groq provider
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db", "werewolf.db")
	v.SetDefault("addr", ":8080")
	v.SetDefault("dev", false)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_output_dir", "")
	v.SetDefault("log_debug", false)

	v.SetDefault("min_players", 5)
	v.SetDefault("max_players", 16)
	v.SetDefault("player_cap", 30)
	v.SetDefault("night_duration", "90s")
	v.SetDefault("discussion_duration", "3m")
	v.SetDefault("voting_duration", "60s")
	v.SetDefault("execution_duration", "15s")
	v.SetDefault("default_roles", map[string]int{"WEREWOLF": 1, "SEER": 1, "DOCTOR": 1})
	v.SetDefault("code_attempts", defaultCodeAttempts)

	v.SetDefault("lobby_disconnect_grace", "2m")
	v.SetDefault("lobby_timeout", "2h")
	v.SetDefault("janitor_interval", "30s")
	v.SetDefault("shutdown_timeout", "10s")

	v.SetDefault("storyteller_provider", "")
	v.SetDefault("storyteller_model", "")
	v.SetDefault("storyteller_ollama_url", "http://localhost:11434")
	v.SetDefault("storyteller_url", "")
	v.SetDefault("storyteller_api_key", "")
	v.SetDefault("storyteller_temperature", "")
	v.SetDefault("storyteller_thinking", "")
	v.SetDefault("groq_api_key", "")
}

// newFlagSet registers all CLI flags. Flag names are the config keys with
// dashes instead of underscores.
func newFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("werewolfd", pflag.ContinueOnError)
	fs.String("config", "config.json", "path to JSON config file")
	fs.String("db", "", "database path or sqlite DSN")
	fs.Bool("dev", false, "enable development mode (console logging)")
	fs.String("addr", "", "HTTP listen address (e.g. :8080)")
	fs.String("log-level", "", "log level (trace|debug|info|warn|error)")
	fs.String("log-output-dir", "", "directory for an additional JSON log file")
	fs.Bool("log-debug", false, "enable debug logging")
	fs.Int("min-players", 0, "default minimum players per game")
	fs.Int("max-players", 0, "default maximum players per game")
	fs.Int("player-cap", 0, "largest max_players a game may request")
	fs.Duration("night-duration", 0, "default night length")
	fs.Duration("discussion-duration", 0, "default discussion length")
	fs.Duration("voting-duration", 0, "default voting length")
	fs.Duration("execution-duration", 0, "default execution length")
	fs.Int("code-attempts", 0, "join code allocation attempts")
	fs.Duration("lobby-disconnect-grace", 0, "how long a disconnected lobby player keeps their seat")
	fs.Duration("lobby-timeout", 0, "age after which an unstarted lobby is cancelled")
	fs.Duration("janitor-interval", 0, "how often lobbies are swept")
	fs.Duration("shutdown-timeout", 0, "graceful shutdown deadline")
	fs.String("storyteller-provider", "", "AI storyteller provider (ollama|openai|claude|gemini|groq|openai-compatible)")
	fs.String("storyteller-model", "", "AI storyteller model name")
	fs.String("storyteller-ollama-url", "", "Ollama server URL")
	fs.String("storyteller-url", "", "base URL for openai-compatible provider")
	fs.String("storyteller-api-key", "", "API key for storyteller provider")
	fs.String("storyteller-temperature", "", "sampling temperature 0-1")
	fs.String("storyteller-thinking", "", "thinking mode: none|low|medium|high|auto")
	fs.String("groq-api-key", "", "Groq API key")
	return fs
}

// loadConfig parses args and layers defaults, the optional JSON config file,
// the environment (after loading .env if present) and explicitly set flags.
func loadConfig(args []string) (AppConfig, error) {
	fs := newFlagSet()
	if err := fs.Parse(args); err != nil {
		return AppConfig{}, err
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return AppConfig{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	configPath, _ := fs.GetString("config")
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("json")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return AppConfig{}, fmt.Errorf("read config %s: %w", configPath, err)
			}
		}
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return AppConfig{}, fmt.Errorf("bind flags: %w", bindErr)
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (cfg AppConfig) Validate() error {
	if cfg.Addr == "" {
		return errors.New("addr is required")
	}
	if cfg.DB == "" {
		return errors.New("db is required")
	}
	if cfg.MinPlayers < 3 {
		return fmt.Errorf("min_players must be at least 3, got %d", cfg.MinPlayers)
	}
	if cfg.MaxPlayers < cfg.MinPlayers {
		return fmt.Errorf("max_players (%d) is below min_players (%d)", cfg.MaxPlayers, cfg.MinPlayers)
	}
	if cfg.PlayerCap < cfg.MaxPlayers {
		return fmt.Errorf("player_cap (%d) is below max_players (%d)", cfg.PlayerCap, cfg.MaxPlayers)
	}
	durations := map[string]time.Duration{
		"night_duration":      cfg.NightDuration,
		"discussion_duration": cfg.DiscussionDuration,
		"voting_duration":     cfg.VotingDuration,
		"execution_duration":  cfg.ExecutionDuration,
		"janitor_interval":    cfg.JanitorInterval,
	}
	for key, d := range durations {
		if d < time.Second {
			return fmt.Errorf("%s must be at least 1s, got %s", key, d)
		}
	}
	if cfg.CodeAttempts < 1 {
		return fmt.Errorf("code_attempts must be positive, got %d", cfg.CodeAttempts)
	}
	settings := cfg.DefaultSettings()
	if err := validateSettings(settings, cfg.PlayerCap); err != nil {
		return fmt.Errorf("default game settings: %w", err)
	}
	return nil
}

// DefaultSettings returns the settings applied to games created without any.
// Role names are case-insensitive because viper lowercases map keys.
func (cfg AppConfig) DefaultSettings() Settings {
	roles := make(map[Role]int, len(cfg.DefaultRoles))
	for name, n := range cfg.DefaultRoles {
		roles[Role(strings.ToUpper(name))] = n
	}
	return Settings{
		MinPlayers:        cfg.MinPlayers,
		MaxPlayers:        cfg.MaxPlayers,
		NightSeconds:      int(cfg.NightDuration / time.Second),
		DiscussionSeconds: int(cfg.DiscussionDuration / time.Second),
		VotingSeconds:     int(cfg.VotingDuration / time.Second),
		ExecutionSeconds:  int(cfg.ExecutionDuration / time.Second),
		Roles:             roles,
	}
}

func (cfg AppConfig) engineConfig() EngineConfig {
	return EngineConfig{
		DefaultSettings: cfg.DefaultSettings(),
		PlayerCap:       cfg.PlayerCap,
		CodeAttempts:    cfg.CodeAttempts,
	}
}
