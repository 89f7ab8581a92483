package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config — корневая конфигурация сервиса.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Device   DeviceConfig   `mapstructure:"device"`
	Firmware FirmwareConfig `mapstructure:"firmware"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Admin    AdminConfig    `mapstructure:"admin"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Broker   BrokerConfig   `mapstructure:"broker"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

type ServerConfig struct {
	Address      string        `mapstructure:"address"`
	HTTPPort     string        `mapstructure:"http_port"`
	PublicURL    string        `mapstructure:"public_url"` // префикс для OTA url, пусто: относительные пути
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // mysql | postgres | sqlite
	DSN    string `mapstructure:"dsn"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text | json
	File   string `mapstructure:"file"`
}

type DeviceConfig struct {
	AutoRegister bool   `mapstructure:"auto_register"`
	EnrollKey    string `mapstructure:"enroll_key"`
}

type FirmwareConfig struct {
	Dir       string `mapstructure:"dir"`
	MaxSizeMB int64  `mapstructure:"max_size_mb"`
}

// MaxBytes — лимит размера прошивки в байтах.
func (f FirmwareConfig) MaxBytes() int64 { return f.MaxSizeMB * 1024 * 1024 }

type WatchdogConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	OfflineThreshold time.Duration `mapstructure:"offline_threshold"`
}

type AdminUser struct {
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"` // bcrypt
	Role         string `mapstructure:"role"`          // admin | viewer
}

type AdminConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Users     []AdminUser   `mapstructure:"users"`
}

type TelegramConfig struct {
	BotToken    string        `mapstructure:"bot_token"`
	ChatID      string        `mapstructure:"chat_id"`
	APIBase     string        `mapstructure:"api_base"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"` // одновременных отправок
}

type NATSConfig struct {
	URL         string `mapstructure:"url"` // пусто: транспорт выключен
	Name        string `mapstructure:"name"`
	SubjectBase string `mapstructure:"subject_base"`
}

type BrokerConfig struct {
	HookSecret string `mapstructure:"hook_secret"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SetDefaults регистрирует значения по умолчанию для всех ключей,
// иначе viper не подхватит их из env при Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.http_port", "8080")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "pillcloud.db")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.file", "")

	v.SetDefault("device.auto_register", true)
	v.SetDefault("device.enroll_key", "")

	v.SetDefault("firmware.dir", "firmware")
	v.SetDefault("firmware.max_size_mb", 16)

	v.SetDefault("watchdog.interval", 30*time.Second)
	v.SetDefault("watchdog.offline_threshold", 120*time.Second)

	v.SetDefault("admin.jwt_secret", "")
	v.SetDefault("admin.token_ttl", 12*time.Hour)
	v.SetDefault("admin.users", []AdminUser{})

	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.timeout", 10*time.Second)
	v.SetDefault("telegram.concurrency", 4)

	v.SetDefault("nats.url", "")
	v.SetDefault("nats.name", "pillcloud")
	v.SetDefault("nats.subject_base", "pilly.dev")

	v.SetDefault("broker.hook_secret", "")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// Load читает конфиг из файла (если указан) и окружения PILLCLOUD_*.
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix("PILLCLOUD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "mysql", "postgres", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("database.driver: unsupported %q", c.Database.Driver))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if c.Firmware.MaxSizeMB <= 0 {
		errs = append(errs, errors.New("firmware.max_size_mb must be positive"))
	}
	if c.Watchdog.Interval <= 0 {
		errs = append(errs, errors.New("watchdog.interval must be positive"))
	}
	if c.Watchdog.OfflineThreshold <= 0 {
		errs = append(errs, errors.New("watchdog.offline_threshold must be positive"))
	}
	if c.Telegram.Concurrency < 0 {
		errs = append(errs, errors.New("telegram.concurrency must not be negative"))
	}
	if len(c.Admin.Users) > 0 && c.Admin.JWTSecret == "" {
		errs = append(errs, errors.New("admin.jwt_secret is required when admin.users are configured"))
	}
	for i, u := range c.Admin.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Errorf("admin.users[%d]: username and password_hash are required", i))
		}
		switch u.Role {
		case "admin", "viewer":
		default:
			errs = append(errs, fmt.Errorf("admin.users[%d]: role must be admin|viewer", i))
		}
	}
	return errors.Join(errs...)
}
