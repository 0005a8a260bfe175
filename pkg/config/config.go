package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/code-100-precent/carevoice/pkg/logger"
	"github.com/joho/godotenv"
	"github.com/spf13/cast"
)

// Config main configuration structure
type Config struct {
	Mode         string             `env:"MODE"`
	Log          logger.LogConfig   `mapstructure:"log"`
	Realtime     RealtimeConfig     `mapstructure:"realtime"`
	Audio        AudioConfig        `mapstructure:"audio"`
	Language     LanguageConfig     `mapstructure:"language"`
	Notification NotificationConfig `mapstructure:"notification"`
	Hospital     HospitalConfig     `mapstructure:"hospital"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Cache        CacheConfig        `mapstructure:"cache"`
}

// RealtimeConfig speech backend connection and session parameters
type RealtimeConfig struct {
	URL                string        `env:"REALTIME_URL"`
	APIKey             string        `env:"REALTIME_API_KEY"`
	Model              string        `env:"REALTIME_MODEL"`
	Voice              string        `env:"REALTIME_VOICE"`
	Temperature        float64       `env:"REALTIME_TEMPERATURE"`
	TranscriptionModel string        `env:"REALTIME_TRANSCRIPTION_MODEL"`
	VADThreshold       float64       `env:"REALTIME_VAD_THRESHOLD"`
	PrefixPaddingMs    int           `env:"REALTIME_VAD_PREFIX_PADDING_MS"`
	SilenceDurationMs  int           `env:"REALTIME_VAD_SILENCE_MS"`
	ConnectTimeout     time.Duration `env:"REALTIME_CONNECT_TIMEOUT"`
	SendBufferSize     int           `env:"REALTIME_SEND_BUFFER"`
}

// AudioConfig capture and playback parameters
type AudioConfig struct {
	SampleRate   int `env:"AUDIO_SAMPLE_RATE"`
	Channels     int `env:"AUDIO_CHANNELS"`
	FrameMs      int `env:"AUDIO_FRAME_MS"`
	DecodeBuffer int `env:"AUDIO_DECODE_BUFFER"`
}

// LanguageConfig language identification and switching
type LanguageConfig struct {
	Default         string  `env:"LANGUAGE_DEFAULT"`
	SwitchThreshold float64 `env:"LANGUAGE_SWITCH_THRESHOLD"`
	DataFile        string  `env:"LANGUAGE_DATA_FILE"`
	PatternsFile    string  `env:"EMERGENCY_PATTERNS_FILE"`
}

// NotificationConfig hospital alert endpoint and optional on-call mail
type NotificationConfig struct {
	Enabled      bool          `env:"NOTIFY_ENABLED"`
	Endpoint     string        `env:"NOTIFY_ENDPOINT"`
	APIKey       string        `env:"NOTIFY_API_KEY"`
	Timeout      time.Duration `env:"NOTIFY_TIMEOUT"`
	QueueSize    int           `env:"NOTIFY_QUEUE_SIZE"`
	Workers      int           `env:"NOTIFY_WORKERS"`
	RateLimit    int           `env:"NOTIFY_RATE_LIMIT"`
	RatePeriod   time.Duration `env:"NOTIFY_RATE_PERIOD"`
	SMTPHost     string        `env:"NOTIFY_SMTP_HOST"`
	SMTPPort     int           `env:"NOTIFY_SMTP_PORT"`
	SMTPUsername string        `env:"NOTIFY_SMTP_USERNAME"`
	SMTPPassword string        `env:"NOTIFY_SMTP_PASSWORD"`
	MailFrom     string        `env:"NOTIFY_MAIL_FROM"`
	MailTo       []string      `env:"NOTIFY_MAIL_TO"`
}

// HospitalConfig static facility info served to the get_hospital_info function
type HospitalConfig struct {
	Name            string `env:"HOSPITAL_NAME"`
	Address         string `env:"HOSPITAL_ADDRESS"`
	Phone           string `env:"HOSPITAL_PHONE"`
	EmergencyNumber string `env:"HOSPITAL_EMERGENCY_NUMBER"`
	Hours           string `env:"HOSPITAL_HOURS"`
}

// MetricsConfig prometheus exposition
type MetricsConfig struct {
	Enabled bool   `env:"METRICS_ENABLED"`
	Addr    string `env:"METRICS_ADDR"`
	Path    string `env:"METRICS_PATH"`
}

// CacheConfig facility data cache. Backend redis also shares alert rate
// limits between processes.
type CacheConfig struct {
	Backend           string        `env:"CACHE_BACKEND"`
	DefaultExpiration time.Duration `env:"CACHE_DEFAULT_EXPIRATION"`
	CleanupInterval   time.Duration `env:"CACHE_CLEANUP_INTERVAL"`
	RedisAddr         string        `env:"REDIS_ADDR"`
	RedisPassword     string        `env:"REDIS_PASSWORD"`
	RedisDB           int           `env:"REDIS_DB"`
	RedisPrefix       string        `env:"REDIS_PREFIX"`
}

var GlobalConfig *Config

// Load reads .env (or .env.<APP_ENV>) and the process environment.
func Load() (*Config, error) {
	env := os.Getenv("APP_ENV")
	if err := loadEnv(env); err != nil {
		log.Printf("Note: .env file not found or failed to load: %v (using default values)", err)
	}

	cfg := &Config{
		Mode: getStringOrDefault("MODE", "development"),
		Log: logger.LogConfig{
			Level:      getStringOrDefault("LOG_LEVEL", "info"),
			Filename:   getStringOrDefault("LOG_FILENAME", "./logs/carevoice.log"),
			MaxSize:    getIntOrDefault("LOG_MAX_SIZE", 100),
			MaxAge:     getIntOrDefault("LOG_MAX_AGE", 30),
			MaxBackups: getIntOrDefault("LOG_MAX_BACKUPS", 5),
			Daily:      getBoolOrDefault("LOG_DAILY", true),
		},
		Realtime: RealtimeConfig{
			URL:                getStringOrDefault("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
			APIKey:             getStringOrDefault("REALTIME_API_KEY", ""),
			Model:              getStringOrDefault("REALTIME_MODEL", "gpt-4o-realtime-preview"),
			Voice:              getStringOrDefault("REALTIME_VOICE", "alloy"),
			Temperature:        getFloatOrDefault("REALTIME_TEMPERATURE", 0.7),
			TranscriptionModel: getStringOrDefault("REALTIME_TRANSCRIPTION_MODEL", "whisper-1"),
			VADThreshold:       getFloatOrDefault("REALTIME_VAD_THRESHOLD", 0.5),
			PrefixPaddingMs:    getIntOrDefault("REALTIME_VAD_PREFIX_PADDING_MS", 300),
			SilenceDurationMs:  getIntOrDefault("REALTIME_VAD_SILENCE_MS", 500),
			ConnectTimeout:     parseDuration(getStringOrDefault("REALTIME_CONNECT_TIMEOUT", "10s"), 10*time.Second),
			SendBufferSize:     getIntOrDefault("REALTIME_SEND_BUFFER", 256),
		},
		Audio: AudioConfig{
			SampleRate:   getIntOrDefault("AUDIO_SAMPLE_RATE", 24000),
			Channels:     getIntOrDefault("AUDIO_CHANNELS", 1),
			FrameMs:      getIntOrDefault("AUDIO_FRAME_MS", 40),
			DecodeBuffer: getIntOrDefault("AUDIO_DECODE_BUFFER", 128),
		},
		Language: LanguageConfig{
			Default:         strings.ToLower(getStringOrDefault("LANGUAGE_DEFAULT", "en")),
			SwitchThreshold: getFloatOrDefault("LANGUAGE_SWITCH_THRESHOLD", 0.7),
			DataFile:        getStringOrDefault("LANGUAGE_DATA_FILE", ""),
			PatternsFile:    getStringOrDefault("EMERGENCY_PATTERNS_FILE", ""),
		},
		Notification: NotificationConfig{
			Enabled:      getBoolOrDefault("NOTIFY_ENABLED", false),
			Endpoint:     getStringOrDefault("NOTIFY_ENDPOINT", ""),
			APIKey:       getStringOrDefault("NOTIFY_API_KEY", ""),
			Timeout:      parseDuration(getStringOrDefault("NOTIFY_TIMEOUT", "5s"), 5*time.Second),
			QueueSize:    getIntOrDefault("NOTIFY_QUEUE_SIZE", 32),
			Workers:      getIntOrDefault("NOTIFY_WORKERS", 1),
			RateLimit:    getIntOrDefault("NOTIFY_RATE_LIMIT", 1),
			RatePeriod:   parseDuration(getStringOrDefault("NOTIFY_RATE_PERIOD", "5m"), 5*time.Minute),
			SMTPHost:     getStringOrDefault("NOTIFY_SMTP_HOST", ""),
			SMTPPort:     getIntOrDefault("NOTIFY_SMTP_PORT", 587),
			SMTPUsername: getStringOrDefault("NOTIFY_SMTP_USERNAME", ""),
			SMTPPassword: getStringOrDefault("NOTIFY_SMTP_PASSWORD", ""),
			MailFrom:     getStringOrDefault("NOTIFY_MAIL_FROM", ""),
			MailTo:       getListOrDefault("NOTIFY_MAIL_TO", nil),
		},
		Hospital: HospitalConfig{
			Name:            getStringOrDefault("HOSPITAL_NAME", "City General Hospital"),
			Address:         getStringOrDefault("HOSPITAL_ADDRESS", ""),
			Phone:           getStringOrDefault("HOSPITAL_PHONE", ""),
			EmergencyNumber: getStringOrDefault("HOSPITAL_EMERGENCY_NUMBER", "911"),
			Hours:           getStringOrDefault("HOSPITAL_HOURS", "24/7"),
		},
		Metrics: MetricsConfig{
			Enabled: getBoolOrDefault("METRICS_ENABLED", false),
			Addr:    getStringOrDefault("METRICS_ADDR", ":9464"),
			Path:    getStringOrDefault("METRICS_PATH", "/metrics"),
		},
		Cache: CacheConfig{
			Backend:           strings.ToLower(getStringOrDefault("CACHE_BACKEND", "gocache")),
			RedisAddr:         getStringOrDefault("REDIS_ADDR", ""),
			RedisPassword:     getStringOrDefault("REDIS_PASSWORD", ""),
			RedisDB:           getIntOrDefault("REDIS_DB", 0),
			RedisPrefix:       getStringOrDefault("REDIS_PREFIX", "carevoice:"),
			DefaultExpiration: parseDuration(getStringOrDefault("CACHE_DEFAULT_EXPIRATION", "5m"), 5*time.Minute),
			CleanupInterval:   parseDuration(getStringOrDefault("CACHE_CLEANUP_INTERVAL", "10m"), 10*time.Minute),
		},
	}
	GlobalConfig = cfg
	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Realtime.URL == "" {
		return errors.New("realtime URL is required")
	}
	if c.Realtime.ConnectTimeout <= 0 {
		return errors.New("realtime connect timeout must be positive")
	}
	if c.Audio.SampleRate <= 0 || c.Audio.Channels <= 0 {
		return fmt.Errorf("invalid audio format: %d Hz x %d ch", c.Audio.SampleRate, c.Audio.Channels)
	}
	if c.Language.Default == "" {
		return errors.New("default language is required")
	}
	if c.Language.SwitchThreshold <= 0 || c.Language.SwitchThreshold >= 1 {
		return fmt.Errorf("language switch threshold must be in (0,1), got %v", c.Language.SwitchThreshold)
	}
	if c.Notification.Enabled && c.Notification.Endpoint == "" && c.Notification.SMTPHost == "" {
		return errors.New("notification endpoint or smtp host is required when notifications are enabled")
	}
	switch c.Cache.Backend {
	case "", "gocache":
	case "redis":
		if c.Cache.RedisAddr == "" {
			return errors.New("redis address is required with the redis cache backend")
		}
	default:
		return fmt.Errorf("unsupported cache backend: %s", c.Cache.Backend)
	}
	if c.Notification.SMTPHost != "" && (c.Notification.MailFrom == "" || len(c.Notification.MailTo) == 0) {
		return errors.New("mail sender and recipients are required with an smtp host")
	}
	return nil
}

// loadEnv loads .env, or .env.<env> when env is set
func loadEnv(env string) error {
	filename := ".env"
	if env != "" {
		filename = ".env." + env
	}
	return godotenv.Load(filename)
}

// getStringOrDefault gets environment variable value, returns default if empty
func getStringOrDefault(key, defaultValue string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	return value
}

// getBoolOrDefault accepts 1/0, true/false, t/f
func getBoolOrDefault(key string, defaultValue bool) bool {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	b, err := cast.ToBoolE(value)
	if err != nil {
		return defaultValue
	}
	return b
}

func getIntOrDefault(key string, defaultValue int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	i, err := cast.ToIntE(value)
	if err != nil {
		return defaultValue
	}
	return i
}

func getFloatOrDefault(key string, defaultValue float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	f, err := cast.ToFloat64E(value)
	if err != nil {
		return defaultValue
	}
	return f
}

// getListOrDefault splits a comma-separated value, dropping blanks
func getListOrDefault(key string, defaultValue []string) []string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// parseDuration parses duration string with default fallback
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := cast.ToDurationE(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}
