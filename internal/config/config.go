package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix             = "SOULBOX"
	defaultHTTPAddress    = "0.0.0.0:5000"
	defaultDatabasePath   = "soulbox.db"
	defaultLogLevel       = "info"
	defaultTimezone       = "Asia/Kolkata"
	defaultAuthIssuer     = "soulbox-auth"
	defaultBaseURL        = "http://localhost:5000"
	defaultMediaDir       = "uploads"
	defaultSMTPPort       = 587
	defaultRepairWindowS  = 300
	maxRepairWindowSConst = 86400
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	Timezone          string
	AuthSigningSecret string
	AuthIssuer        string
	BaseURL           string
	MediaDir          string
	SMTPHost          string
	SMTPPort          int
	SMTPUsername      string
	SMTPPassword      string
	SMTPFrom          string
	ReminderInterval  time.Duration
	RepairWindow      time.Duration
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
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("time.zone", defaultTimezone)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("app.base_url", defaultBaseURL)
	configViper.SetDefault("media.dir", defaultMediaDir)
	configViper.SetDefault("smtp.port", defaultSMTPPort)
	configViper.SetDefault("reminder.interval_minutes", 1)
	configViper.SetDefault("repair.window_seconds", defaultRepairWindowS)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		Timezone:          configViper.GetString("time.zone"),
		AuthSigningSecret: configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		BaseURL:           configViper.GetString("app.base_url"),
		MediaDir:          configViper.GetString("media.dir"),
		SMTPHost:          configViper.GetString("smtp.host"),
		SMTPPort:          configViper.GetInt("smtp.port"),
		SMTPUsername:      configViper.GetString("smtp.username"),
		SMTPPassword:      configViper.GetString("smtp.password"),
		SMTPFrom:          configViper.GetString("smtp.from"),
		ReminderInterval:  time.Duration(configViper.GetInt("reminder.interval_minutes")) * time.Minute,
		RepairWindow:      time.Duration(configViper.GetInt("repair.window_seconds")) * time.Second,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.Timezone) == "" {
		return fmt.Errorf("time.zone is required")
	}
	if c.ReminderInterval < time.Minute {
		return fmt.Errorf("reminder.interval_minutes must be at least 1")
	}
	if c.RepairWindow <= 0 || c.RepairWindow > maxRepairWindowSConst*time.Second {
		return fmt.Errorf("repair.window_seconds must be between 1 and %d", maxRepairWindowSConst)
	}
	if c.SMTPHost != "" && strings.TrimSpace(c.SMTPFrom) == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}
	return nil
}
