package config

import (
	"os"
	"testing"
	"time"
)

// 统一用 t.Setenv 设置环境变量，避免用例间互相污染
func setAllEnvs(t *testing.T) {
	t.Setenv("MODE", "production")

	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LOG_FILENAME", "care.log")
	t.Setenv("LOG_MAX_SIZE", "128")
	t.Setenv("LOG_MAX_AGE", "14")
	t.Setenv("LOG_MAX_BACKUPS", "7")
	t.Setenv("LOG_DAILY", "false")

	t.Setenv("REALTIME_URL", "wss://speech.example.com/v1/realtime")
	t.Setenv("REALTIME_API_KEY", "rk")
	t.Setenv("REALTIME_MODEL", "rt-model")
	t.Setenv("REALTIME_TEMPERATURE", "0.6")
	t.Setenv("REALTIME_VAD_SILENCE_MS", "650")
	t.Setenv("REALTIME_CONNECT_TIMEOUT", "3s")

	t.Setenv("LANGUAGE_DEFAULT", "ES")
	t.Setenv("LANGUAGE_SWITCH_THRESHOLD", "0.75")

	t.Setenv("NOTIFY_ENABLED", "1")
	t.Setenv("NOTIFY_ENDPOINT", "https://hospital.example.com/alerts")
	t.Setenv("NOTIFY_TIMEOUT", "2s")
	t.Setenv("NOTIFY_RATE_LIMIT", "2")
	t.Setenv("NOTIFY_RATE_PERIOD", "1m")
	t.Setenv("NOTIFY_MAIL_TO", "oncall@example.org, ,triage@example.org")

	t.Setenv("HOSPITAL_NAME", "St. Mary")
	t.Setenv("METRICS_ENABLED", "true")
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	setAllEnvs(t)

	GlobalConfig = nil
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if GlobalConfig != cfg {
		t.Fatalf("GlobalConfig not set by Load")
	}

	if cfg.Mode != "production" {
		t.Fatalf("Mode=%q", cfg.Mode)
	}
	if cfg.Log.Level != "debug" ||
		cfg.Log.Filename != "care.log" ||
		cfg.Log.MaxSize != 128 ||
		cfg.Log.MaxAge != 14 ||
		cfg.Log.MaxBackups != 7 ||
		cfg.Log.Daily {
		t.Fatalf("log config mismatch: %+v", cfg.Log)
	}
	if cfg.Realtime.URL != "wss://speech.example.com/v1/realtime" ||
		cfg.Realtime.APIKey != "rk" ||
		cfg.Realtime.Model != "rt-model" ||
		cfg.Realtime.Temperature != 0.6 ||
		cfg.Realtime.SilenceDurationMs != 650 ||
		cfg.Realtime.ConnectTimeout != 3*time.Second {
		t.Fatalf("realtime config mismatch: %+v", cfg.Realtime)
	}
	if cfg.Language.Default != "es" || cfg.Language.SwitchThreshold != 0.75 {
		t.Fatalf("language config mismatch: %+v", cfg.Language)
	}
	if !cfg.Notification.Enabled ||
		cfg.Notification.Timeout != 2*time.Second ||
		cfg.Notification.RateLimit != 2 ||
		cfg.Notification.RatePeriod != time.Minute ||
		len(cfg.Notification.MailTo) != 2 ||
		cfg.Notification.MailTo[1] != "triage@example.org" {
		t.Fatalf("notification config mismatch: %+v", cfg.Notification)
	}
	if cfg.Hospital.Name != "St. Mary" || !cfg.Metrics.Enabled {
		t.Fatalf("hospital/metrics mismatch: %+v", *cfg)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	_ = os.Unsetenv("APP_ENV")
	t.Setenv("REALTIME_CONNECT_TIMEOUT", "not-a-duration")
	t.Setenv("AUDIO_SAMPLE_RATE", "abc")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Realtime.ConnectTimeout != 10*time.Second {
		t.Fatalf("ConnectTimeout=%v, want 10s", cfg.Realtime.ConnectTimeout)
	}
	if cfg.Audio.SampleRate != 24000 {
		t.Fatalf("SampleRate=%d, want 24000", cfg.Audio.SampleRate)
	}
	if cfg.Language.SwitchThreshold != 0.7 {
		t.Fatalf("SwitchThreshold=%v, want 0.7", cfg.Language.SwitchThreshold)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Realtime: RealtimeConfig{URL: "ws://x", ConnectTimeout: time.Second},
			Audio:    AudioConfig{SampleRate: 24000, Channels: 1},
			Language: LanguageConfig{Default: "en", SwitchThreshold: 0.7},
		}
	}

	if err := base().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := base()
	c.Notification.Enabled = true
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for enabled notification without endpoint")
	}

	c = base()
	c.Language.SwitchThreshold = 1.2
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for threshold out of range")
	}

	c = base()
	c.Realtime.URL = ""
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for missing realtime URL")
	}

	c = base()
	c.Notification.Enabled = true
	c.Notification.SMTPHost = "smtp.example.org"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for smtp host without recipients")
	}
	c.Notification.MailFrom = "alerts@example.org"
	c.Notification.MailTo = []string{"oncall@example.org"}
	if err := c.Validate(); err != nil {
		t.Fatalf("mail-only notification rejected: %v", err)
	}

	c = base()
	c.Cache.Backend = "redis"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for redis backend without address")
	}
	c.Cache.RedisAddr = "localhost:6379"
	if err := c.Validate(); err != nil {
		t.Fatalf("redis backend rejected: %v", err)
	}

	c = base()
	c.Cache.Backend = "memcached"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected error for unknown cache backend")
	}
}
