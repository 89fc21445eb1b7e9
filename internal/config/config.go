package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/inovest/realtime/internal/logging"
	"github.com/spf13/viper"
)

const (
	envPrefix                  = "INOVEST"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultAllowedOrigins      = "*"
	defaultDatabasePath        = "inovest.db"
	defaultLogLevel            = "info"
	defaultIssuer              = "inovest-auth"
	defaultCookieName          = "app_session"
	defaultTypingTTL           = 5 * time.Second
	defaultTypingSweepInterval = 5 * time.Second
	defaultSendBuffer          = 64
	defaultSignalRate          = 20.0
	defaultSignalBurst         = 40
	defaultChannelTimeout      = 10 * time.Second
	defaultSMTPPort            = 587
	defaultShutdownGracePeriod = 10 * time.Second
	defaultTokenTTL            = 24 * time.Hour
)

// AppConfig captures runtime configuration for the realtime server.
type AppConfig struct {
	HTTPAddress    string
	AllowedOrigins []string
	DatabasePath   string
	LogLevel       string

	SigningSecret string
	Issuer        string
	CookieName    string
	TokenTTL      time.Duration

	TypingTTL           time.Duration
	TypingSweepInterval time.Duration
	SendBuffer          int
	SignalRate          float64
	SignalBurst         int

	ChannelTimeout  time.Duration
	ShutdownTimeout time.Duration

	Push  PushConfig
	Email EmailConfig
}

// PushConfig holds Firebase Cloud Messaging settings. An empty project disables push.
type PushConfig struct {
	FirebaseProjectID string
	CredentialsFile   string
}

// Enabled reports whether push delivery is configured.
func (c PushConfig) Enabled() bool {
	return strings.TrimSpace(c.FirebaseProjectID) != ""
}

// EmailConfig holds SMTP settings. An empty host disables email.
type EmailConfig struct {
	SMTPHost string
	SMTPPort int
	Username string
	Password string
	From     string
}

// Enabled reports whether email delivery is configured.
func (c EmailConfig) Enabled() bool {
	return strings.TrimSpace(c.SMTPHost) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", defaultAllowedOrigins)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl", defaultTokenTTL)
	configViper.SetDefault("realtime.typing_ttl", defaultTypingTTL)
	configViper.SetDefault("realtime.typing_sweep_interval", defaultTypingSweepInterval)
	configViper.SetDefault("realtime.send_buffer", defaultSendBuffer)
	configViper.SetDefault("realtime.signal_rate", defaultSignalRate)
	configViper.SetDefault("realtime.signal_burst", defaultSignalBurst)
	configViper.SetDefault("notifications.channel_timeout", defaultChannelTimeout)
	configViper.SetDefault("http.shutdown_timeout", defaultShutdownGracePeriod)
	configViper.SetDefault("email.smtp_port", defaultSMTPPort)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		AllowedOrigins:      splitList(configViper.GetString("http.allowed_origins")),
		DatabasePath:        configViper.GetString("database.path"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		Issuer:              configViper.GetString("auth.issuer"),
		CookieName:          configViper.GetString("auth.cookie_name"),
		TokenTTL:            configViper.GetDuration("auth.token_ttl"),
		TypingTTL:           configViper.GetDuration("realtime.typing_ttl"),
		TypingSweepInterval: configViper.GetDuration("realtime.typing_sweep_interval"),
		SendBuffer:          configViper.GetInt("realtime.send_buffer"),
		SignalRate:          configViper.GetFloat64("realtime.signal_rate"),
		SignalBurst:         configViper.GetInt("realtime.signal_burst"),
		ChannelTimeout:      configViper.GetDuration("notifications.channel_timeout"),
		ShutdownTimeout:     configViper.GetDuration("http.shutdown_timeout"),
		Push: PushConfig{
			FirebaseProjectID: strings.TrimSpace(configViper.GetString("push.firebase_project_id")),
			CredentialsFile:   strings.TrimSpace(configViper.GetString("push.credentials_file")),
		},
		Email: EmailConfig{
			SMTPHost: strings.TrimSpace(configViper.GetString("email.smtp_host")),
			SMTPPort: configViper.GetInt("email.smtp_port"),
			Username: configViper.GetString("email.username"),
			Password: configViper.GetString("email.password"),
			From:     strings.TrimSpace(configViper.GetString("email.from")),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if _, known := logging.ParseLevel(c.LogLevel); !known {
		return fmt.Errorf("log.level %q is not supported", c.LogLevel)
	}
	if c.TypingTTL <= 0 || c.TypingSweepInterval <= 0 {
		return fmt.Errorf("realtime.typing_ttl and realtime.typing_sweep_interval must be positive")
	}
	if c.TypingTTL < c.TypingSweepInterval {
		return fmt.Errorf("realtime.typing_ttl (%s) must not be shorter than realtime.typing_sweep_interval (%s)", c.TypingTTL, c.TypingSweepInterval)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("realtime.send_buffer must be positive")
	}
	if c.SignalRate <= 0 || c.SignalBurst <= 0 {
		return fmt.Errorf("realtime.signal_rate and realtime.signal_burst must be positive")
	}
	if c.ChannelTimeout <= 0 {
		return fmt.Errorf("notifications.channel_timeout must be positive")
	}
	if c.Push.Enabled() && c.Push.CredentialsFile == "" {
		return fmt.Errorf("push.credentials_file is required when push.firebase_project_id is set")
	}
	if c.Email.Enabled() && c.Email.From == "" {
		return fmt.Errorf("email.from is required when email.smtp_host is set")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		values = append(values, trimmed)
	}
	return values
}
