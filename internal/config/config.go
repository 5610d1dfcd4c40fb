package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Matcher    MatcherConfig    `yaml:"matcher" mapstructure:"matcher"`
	Geocode    GeocodeConfig    `yaml:"geocode" mapstructure:"geocode"`
	Geocache   GeocacheConfig   `yaml:"geocache" mapstructure:"geocache"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig     `yaml:"openai" mapstructure:"openai"`
	Embedding  EmbeddingConfig  `yaml:"embedding" mapstructure:"embedding"`
	VIndex     VIndexConfig     `yaml:"vindex" mapstructure:"vindex"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MatcherConfig configures the retrieve/filter/expand loop and the batch runner.
type MatcherConfig struct {
	InitialK             int `yaml:"initial_k" mapstructure:"initial_k"`
	Step                 int `yaml:"step" mapstructure:"step"`
	MaxK                 int `yaml:"max_k" mapstructure:"max_k"`
	Target               int `yaml:"target" mapstructure:"target"`
	Concurrency          int `yaml:"concurrency" mapstructure:"concurrency"`
	IncentiveTimeoutSecs int `yaml:"incentive_timeout_secs" mapstructure:"incentive_timeout_secs"`
}

// GeocodeConfig configures the Google Places lookup used on cache misses.
type GeocodeConfig struct {
	GoogleKey              string  `yaml:"google_key" mapstructure:"google_key"`
	BaseURL                string  `yaml:"base_url" mapstructure:"base_url"`
	Region                 string  `yaml:"region" mapstructure:"region"`
	Language               string  `yaml:"language" mapstructure:"language"`
	Country                string  `yaml:"country" mapstructure:"country"`
	RatePerSec             float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs            int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxCallsPerRun         int64   `yaml:"max_calls_per_run" mapstructure:"max_calls_per_run"`
	Concurrency            int     `yaml:"concurrency" mapstructure:"concurrency"`
	RetryNotFoundAfterDays int     `yaml:"retry_not_found_after_days" mapstructure:"retry_not_found_after_days"`
}

// GeocacheConfig selects where resolved locations are persisted.
type GeocacheConfig struct {
	Driver     string `yaml:"driver" mapstructure:"driver"`
	BadgerPath string `yaml:"badger_path" mapstructure:"badger_path"`
}

// ClassifierConfig configures the geographic eligibility LLM calls.
type ClassifierConfig struct {
	Provider    string `yaml:"provider" mapstructure:"provider"`
	Model       string `yaml:"model" mapstructure:"model"` // empty uses the provider default
	BatchSize   int    `yaml:"batch_size" mapstructure:"batch_size"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// OpenAIConfig holds OpenAI API settings shared by chat and embeddings.
type OpenAIConfig struct {
	Key            string `yaml:"key" mapstructure:"key"`
	BaseURL        string `yaml:"base_url" mapstructure:"base_url"`
	ChatModel      string `yaml:"chat_model" mapstructure:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model" mapstructure:"embedding_model"`
}

// EmbeddingConfig configures company and incentive embeddings.
type EmbeddingConfig struct {
	Provider   string `yaml:"provider" mapstructure:"provider"`
	LocalHost  string `yaml:"local_host" mapstructure:"local_host"`
	LocalModel string `yaml:"local_model" mapstructure:"local_model"`
	Dimensions int    `yaml:"dimensions" mapstructure:"dimensions"`
	BatchSize  int    `yaml:"batch_size" mapstructure:"batch_size"`
	Workers    int    `yaml:"workers" mapstructure:"workers"`
}

// VIndexConfig configures the on-disk vector index.
type VIndexConfig struct {
	Path   string `yaml:"path" mapstructure:"path"`
	Shards int    `yaml:"shards" mapstructure:"shards"`
}

// RetryConfig configures retries of transient external failures.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures the circuit breaker around the geocoding provider.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic      map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI         map[string]ModelPricing `yaml:"openai" mapstructure:"openai"`
	GeocodePerCall float64                 `yaml:"geocode_per_call" mapstructure:"geocode_per_call"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("MATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("matcher.initial_k", 10)
	v.SetDefault("matcher.step", 10)
	v.SetDefault("matcher.max_k", 50)
	v.SetDefault("matcher.target", 5)
	v.SetDefault("matcher.concurrency", 4)
	v.SetDefault("matcher.incentive_timeout_secs", 300)

	v.SetDefault("geocode.base_url", "https://maps.googleapis.com/maps/api/place/textsearch/json")
	v.SetDefault("geocode.region", "pt")
	v.SetDefault("geocode.language", "pt")
	v.SetDefault("geocode.country", "Portugal")
	v.SetDefault("geocode.rate_per_sec", 10)
	v.SetDefault("geocode.timeout_secs", 30)
	v.SetDefault("geocode.max_calls_per_run", 2000)
	v.SetDefault("geocode.concurrency", 5)
	v.SetDefault("geocode.retry_not_found_after_days", 0)

	v.SetDefault("geocache.driver", "store")
	v.SetDefault("geocache.badger_path", "data/geocache")

	v.SetDefault("classifier.provider", "anthropic")
	v.SetDefault("classifier.batch_size", 30)
	v.SetDefault("classifier.timeout_secs", 60)
	v.SetDefault("classifier.max_tokens", 4096)

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.chat_model", "gpt-5-mini")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")

	v.SetDefault("embedding.provider", "openai")
	v.SetDefault("embedding.local_host", "http://localhost:8081/v1")
	v.SetDefault("embedding.local_model", "paraphrase-multilingual-MiniLM-L12-v2")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.batch_size", 64)
	v.SetDefault("embedding.workers", 4)

	v.SetDefault("vindex.path", "data/vindex")
	v.SetDefault("vindex.shards", 8)

	v.SetDefault("retry.max_attempts", 2)
	v.SetDefault("retry.initial_backoff_ms", 500)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)

	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)

	v.SetDefault("pricing.geocode_per_call", 0.032)
}

// Validate checks that the keys a command needs are present and that the
// expansion loop parameters terminate.
func (c *Config) Validate(mode string) error {
	var errs []string

	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	if mode == "index" || mode == "match" {
		switch c.Embedding.Provider {
		case "openai":
			if c.OpenAI.Key == "" {
				errs = append(errs, "openai.key is required for openai embeddings")
			}
		case "local":
			if c.Embedding.LocalHost == "" {
				errs = append(errs, "embedding.local_host is required for local embeddings")
			}
		default:
			errs = append(errs, "embedding.provider must be openai or local")
		}
	}

	if mode == "match" {
		m := c.Matcher
		if m.InitialK <= 0 || m.Step <= 0 || m.MaxK < m.InitialK {
			errs = append(errs, "matcher: need initial_k > 0, step > 0 and max_k >= initial_k")
		}
		if m.Target <= 0 || m.Target > 5 {
			errs = append(errs, "matcher.target must be between 1 and 5")
		}
		if c.Geocode.GoogleKey == "" {
			errs = append(errs, "geocode.google_key is required")
		}
		switch c.Classifier.Provider {
		case "anthropic":
			if c.Anthropic.Key == "" {
				errs = append(errs, "anthropic.key is required for the anthropic classifier")
			}
		case "openai":
			if c.OpenAI.Key == "" {
				errs = append(errs, "openai.key is required for the openai classifier")
			}
		default:
			errs = append(errs, "classifier.provider must be anthropic or openai")
		}
		switch c.Geocache.Driver {
		case "store", "badger":
		default:
			errs = append(errs, "geocache.driver must be store or badger")
		}
	}

	if len(errs) > 0 {
		return eris.Errorf("config: invalid: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
