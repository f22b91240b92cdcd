package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gridbot/internal/models"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Exchange ExchangeConfig
	Engine   EngineConfig
	Storage  StorageConfig
	API      APIConfig
	Wallets  map[string]WalletConfig
	Runtime  RuntimeConfig
	Grids    []GridBoot
}

type ExchangeConfig struct {
	BaseUrl        string
	WSUrl          string
	Mainnet        bool
	VaultAddress   string
	RequestTimeout time.Duration
	RateLimitRPS   float64
	RateBurst      int
}

type WalletConfig struct {
	PrivateKey string
	SessionTTL time.Duration
}

type EngineConfig struct {
	RetryAttempts      int
	RetryBase          time.Duration
	RetryMax           time.Duration
	CallTimeout        time.Duration
	MarginPollInterval time.Duration
	FeedBackoffMin     time.Duration
	FeedBackoffMax     time.Duration
}

type StorageConfig struct {
	Driver string
	Path   string
	DSN    string
}

type APIConfig struct {
	Listen         string
	JWTSecret      string
	AllowedOrigins []string
}

type RuntimeConfig struct {
	RestoreStateOnStart bool
	Log                 LogConfig
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSize    int
	MaxBackups int
	MaxAge     int
	Compress   bool
}

type GridBoot struct {
	User              string `mapstructure:"user"`
	models.GridConfig `mapstructure:",squash"`
}

var envPattern = regexp.MustCompile(`\$\{(\w+)\}`)

func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("configs")
		v.SetConfigName("config")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("Не удалось прочитать конфиг: %w", err)
		}
	}

	cfg := &Config{}

	cfg.Exchange = ExchangeConfig{
		BaseUrl:        envSub(v, "exchange.base_url"),
		WSUrl:          envSub(v, "exchange.ws_url"),
		Mainnet:        v.GetBool("exchange.mainnet"),
		VaultAddress:   envSub(v, "exchange.vault_address"),
		RequestTimeout: v.GetDuration("exchange.request_timeout"),
		RateLimitRPS:   v.GetFloat64("exchange.rate_limit_rps"),
		RateBurst:      v.GetInt("exchange.rate_burst"),
	}

	cfg.Engine = EngineConfig{
		RetryAttempts:      v.GetInt("engine.retry_attempts"),
		RetryBase:          v.GetDuration("engine.retry_base"),
		RetryMax:           v.GetDuration("engine.retry_max"),
		CallTimeout:        v.GetDuration("engine.call_timeout"),
		MarginPollInterval: v.GetDuration("engine.margin_poll_interval"),
		FeedBackoffMin:     v.GetDuration("engine.feed_backoff_min"),
		FeedBackoffMax:     v.GetDuration("engine.feed_backoff_max"),
	}

	cfg.Storage = StorageConfig{
		Driver: strings.ToLower(v.GetString("storage.driver")),
		Path:   envSub(v, "storage.path"),
		DSN:    envSub(v, "storage.dsn"),
	}

	cfg.API = APIConfig{
		Listen:         v.GetString("api.listen"),
		JWTSecret:      envSub(v, "api.jwt_secret"),
		AllowedOrigins: v.GetStringSlice("api.allowed_origins"),
	}

	cfg.Wallets = map[string]WalletConfig{}
	for user := range v.GetStringMap("wallets") {
		prefix := "wallets." + user
		cfg.Wallets[user] = WalletConfig{
			PrivateKey: envSub(v, prefix+".private_key"),
			SessionTTL: v.GetDuration(prefix + ".session_ttl"),
		}
	}

	cfg.Runtime = RuntimeConfig{
		RestoreStateOnStart: v.GetBool("runtime.restore_state_on_start"),
		Log: LogConfig{
			Level:      v.GetString("runtime.log.level"),
			Format:     v.GetString("runtime.log.format"),
			File:       v.GetString("runtime.log.file"),
			MaxSize:    v.GetInt("runtime.log.max_size"),
			MaxBackups: v.GetInt("runtime.log.max_backups"),
			MaxAge:     v.GetInt("runtime.log.max_age"),
			Compress:   v.GetBool("runtime.log.compress"),
		},
	}

	if err := v.UnmarshalKey("grids", &cfg.Grids); err != nil {
		return nil, fmt.Errorf("Не удалось разобрать секцию grids: %w", err)
	}
	for i := range cfg.Grids {
		cfg.Grids[i].ApplyDefaults()
	}

	if cfg.Storage.Driver != "pebble" && cfg.Storage.Driver != "postgres" {
		return nil, fmt.Errorf("Неизвестный драйвер хранилища: %q", cfg.Storage.Driver)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("exchange.base_url", "https://api.hyperliquid.xyz")
	v.SetDefault("exchange.ws_url", "wss://api.hyperliquid.xyz/ws")
	v.SetDefault("exchange.mainnet", true)
	v.SetDefault("exchange.request_timeout", 10*time.Second)
	v.SetDefault("exchange.rate_limit_rps", 10)
	v.SetDefault("exchange.rate_burst", 20)

	v.SetDefault("engine.retry_attempts", 5)
	v.SetDefault("engine.retry_base", time.Second)
	v.SetDefault("engine.retry_max", 30*time.Second)
	v.SetDefault("engine.call_timeout", 8*time.Second)
	v.SetDefault("engine.margin_poll_interval", 15*time.Second)
	v.SetDefault("engine.feed_backoff_min", time.Second)
	v.SetDefault("engine.feed_backoff_max", 30*time.Second)

	v.SetDefault("storage.driver", "pebble")
	v.SetDefault("storage.path", "data/gridbot")

	v.SetDefault("api.listen", ":8080")

	v.SetDefault("runtime.restore_state_on_start", true)
	v.SetDefault("runtime.log.level", "info")
	v.SetDefault("runtime.log.format", "text")
}

func envSub(v *viper.Viper, key string) string {
	val := v.GetString(key)
	if val == "" {
		return ""
	}

	return envPattern.ReplaceAllStringFunc(val, func(match string) string {
		envKey := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		return os.Getenv(envKey)
	})
}
