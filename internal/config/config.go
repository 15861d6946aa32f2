package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g.
// BROADCASTER_DISPATCH_MAX_DELAY=45s.
const EnvPrefix = "BROADCASTER"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	WhatsApp  WhatsAppConfig  `mapstructure:"whatsapp"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch"`
	AutoPause AutoPauseConfig `mapstructure:"autopause"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type ServerConfig struct {
	ListenAddr   string        `mapstructure:"listen_addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StorageConfig selects the campaign and session metadata store.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // bolt or postgres
	Path   string `mapstructure:"path"`   // bolt file
	DSN    string `mapstructure:"dsn"`    // postgres connection string
}

type WhatsAppConfig struct {
	SessionsDir       string          `mapstructure:"sessions_dir"`
	QRDir             string          `mapstructure:"qr_dir"`
	LogLevel          string          `mapstructure:"log_level"`
	DeviceSeed        string          `mapstructure:"device_seed"`
	Country           string          `mapstructure:"country"`
	HeartbeatInterval time.Duration   `mapstructure:"heartbeat_interval"`
	Reconnect         ReconnectConfig `mapstructure:"reconnect"`
	Proxy             ProxyConfig     `mapstructure:"proxy"`
}

type ReconnectConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// ProxyConfig lists outbound proxies as host:port[:user:pass] entries.
type ProxyConfig struct {
	List        []string `mapstructure:"list"`
	Type        string   `mapstructure:"type"`
	RotateAfter int      `mapstructure:"rotate_after"`
}

type DispatchConfig struct {
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	MinPercent          float64       `mapstructure:"min_percent"`
	LongPauseEvery      int           `mapstructure:"long_pause_every"`
	LongPauseMultiplier float64       `mapstructure:"long_pause_multiplier"`
	Jitter              float64       `mapstructure:"jitter"`
	RotationMode        string        `mapstructure:"rotation_mode"`
	PausePollInterval   time.Duration `mapstructure:"pause_poll_interval"`
	SendTimeout         time.Duration `mapstructure:"send_timeout"`
}

type AutoPauseConfig struct {
	WindowSize                 int           `mapstructure:"window_size"`
	ErrorRateThreshold         float64       `mapstructure:"error_rate_threshold"`
	ConsecutiveErrorsThreshold int           `mapstructure:"consecutive_errors_threshold"`
	Cooldown                   time.Duration `mapstructure:"cooldown"`
}

type NotifyConfig struct {
	AMQP     AMQPConfig     `mapstructure:"amqp"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// AMQPConfig enables event publishing when URL is set.
type AMQPConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// TelegramConfig enables operator alerts when both fields are set.
type TelegramConfig struct {
	Token  string `mapstructure:"token"`
	ChatID string `mapstructure:"chat_id"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":3001")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)

	v.SetDefault("storage.driver", "bolt")
	v.SetDefault("storage.path", "./data/broadcaster.db")
	v.SetDefault("storage.dsn", "")

	v.SetDefault("whatsapp.sessions_dir", "./data/sessions")
	v.SetDefault("whatsapp.qr_dir", "./data/qrcodes")
	v.SetDefault("whatsapp.log_level", "warn")
	v.SetDefault("whatsapp.device_seed", "default-seed")
	v.SetDefault("whatsapp.country", "US")
	v.SetDefault("whatsapp.heartbeat_interval", 5*time.Minute)
	v.SetDefault("whatsapp.reconnect.max_attempts", 5)
	v.SetDefault("whatsapp.reconnect.base_delay", 5*time.Second)
	v.SetDefault("whatsapp.reconnect.max_delay", 2*time.Minute)
	v.SetDefault("whatsapp.proxy.list", []string{})
	v.SetDefault("whatsapp.proxy.type", "socks5")
	v.SetDefault("whatsapp.proxy.rotate_after", 0)

	v.SetDefault("dispatch.max_delay", 30*time.Second)
	v.SetDefault("dispatch.min_percent", 0.3)
	v.SetDefault("dispatch.long_pause_every", 10)
	v.SetDefault("dispatch.long_pause_multiplier", 2.0)
	v.SetDefault("dispatch.jitter", 0.1)
	v.SetDefault("dispatch.rotation_mode", "sequential")
	v.SetDefault("dispatch.pause_poll_interval", time.Second)
	v.SetDefault("dispatch.send_timeout", 2*time.Minute)

	v.SetDefault("autopause.window_size", 20)
	v.SetDefault("autopause.error_rate_threshold", 0.3)
	v.SetDefault("autopause.consecutive_errors_threshold", 5)
	v.SetDefault("autopause.cooldown", 5*time.Minute)

	v.SetDefault("notify.amqp.url", "")
	v.SetDefault("notify.amqp.exchange", "broadcaster.events")
	v.SetDefault("notify.telegram.token", "")
	v.SetDefault("notify.telegram.chat_id", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Load reads the optional YAML file at path, applies .env and BROADCASTER_*
// environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	// .env is optional in every environment.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	// Lists arrive as a single comma separated string from the environment.
	if len(cfg.WhatsApp.Proxy.List) == 1 && strings.Contains(cfg.WhatsApp.Proxy.List[0], ",") {
		cfg.WhatsApp.Proxy.List = splitList(cfg.WhatsApp.Proxy.List[0])
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks every section.
func (c *Config) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Server),
		validation.Field(&c.Storage),
		validation.Field(&c.WhatsApp),
		validation.Field(&c.Dispatch),
		validation.Field(&c.AutoPause),
		validation.Field(&c.Notify),
		validation.Field(&c.Logging),
	)
}

func (c ServerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.ReadTimeout, validation.Min(time.Duration(0))),
		validation.Field(&c.WriteTimeout, validation.Min(time.Duration(0))),
	)
}

func (c StorageConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Driver, validation.Required, validation.In("bolt", "postgres")),
		validation.Field(&c.Path, validation.When(c.Driver == "bolt", validation.Required)),
		validation.Field(&c.DSN, validation.When(c.Driver == "postgres", validation.Required)),
	)
}

func (c WhatsAppConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.SessionsDir, validation.Required),
		validation.Field(&c.QRDir, validation.Required),
		validation.Field(&c.LogLevel, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Country, validation.Length(2, 2)),
		validation.Field(&c.Reconnect),
		validation.Field(&c.Proxy),
	)
}

func (c ReconnectConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxAttempts, validation.Min(1)),
		validation.Field(&c.BaseDelay, validation.Required),
		validation.Field(&c.MaxDelay, validation.Required, validation.Min(c.BaseDelay)),
	)
}

func (c ProxyConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Type, validation.In("socks5", "http", "https")),
		validation.Field(&c.RotateAfter, validation.Min(0)),
		validation.Field(&c.List, validation.Each(validation.By(validateProxyEntry))),
	)
}

func validateProxyEntry(value interface{}) error {
	s, _ := value.(string)
	if _, err := ParseProxy(s, "socks5"); err != nil {
		return err
	}
	return nil
}

func (c DispatchConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxDelay, validation.Min(time.Duration(0))),
		validation.Field(&c.MinPercent, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.LongPauseEvery, validation.Min(0)),
		validation.Field(&c.LongPauseMultiplier, validation.Min(1.0)),
		validation.Field(&c.Jitter, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.RotationMode, validation.In("sequential", "random")),
		validation.Field(&c.PausePollInterval, validation.Min(time.Duration(0))),
		validation.Field(&c.SendTimeout, validation.Min(time.Duration(0))),
	)
}

func (c AutoPauseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.WindowSize, validation.Min(1)),
		validation.Field(&c.ErrorRateThreshold, validation.Min(0.0), validation.Max(1.0)),
		validation.Field(&c.ConsecutiveErrorsThreshold, validation.Min(1)),
		validation.Field(&c.Cooldown, validation.Min(time.Duration(0))),
	)
}

func (c NotifyConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.AMQP),
		validation.Field(&c.Telegram),
	)
}

func (c AMQPConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.URL, validation.By(validateAMQPURL)),
		validation.Field(&c.Exchange, validation.When(c.URL != "", validation.Required)),
	)
}

func validateAMQPURL(value interface{}) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return err
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return errors.New("must be an amqp:// or amqps:// URL")
	}
	return nil
}

func (c TelegramConfig) Validate() error {
	if (c.Token == "") != (c.ChatID == "") {
		return errors.New("token and chat_id must be set together")
	}
	return nil
}

func (c LoggingConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Level, validation.In("debug", "info", "warn", "error")),
		validation.Field(&c.Format, validation.In("json", "text")),
	)
}
