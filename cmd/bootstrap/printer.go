package bootstrap

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/code-100-precent/carevoice/pkg/config"
	"github.com/code-100-precent/carevoice/pkg/logger"
	"go.uber.org/zap"
)

// LogConfigInfo logs the effective configuration. Secrets are masked.
func LogConfigInfo(cfg *config.Config) {
	if cfg == nil {
		cfg = config.GlobalConfig
	}
	if cfg == nil {
		logger.Warn("no configuration loaded")
		return
	}
	logger.Info("system config load finished", zap.String("mode", cfg.Mode))

	logger.Info("realtime config",
		zap.String("url", cfg.Realtime.URL),
		zap.String("model", cfg.Realtime.Model),
		zap.String("voice", cfg.Realtime.Voice),
		zap.String("api_key", mask(cfg.Realtime.APIKey)),
		zap.Duration("connect_timeout", cfg.Realtime.ConnectTimeout),
		zap.Float64("vad_threshold", cfg.Realtime.VADThreshold),
		zap.Int("vad_silence_ms", cfg.Realtime.SilenceDurationMs),
	)

	logger.Info("audio config",
		zap.Int("sample_rate", cfg.Audio.SampleRate),
		zap.Int("channels", cfg.Audio.Channels),
		zap.Int("frame_ms", cfg.Audio.FrameMs),
	)

	logger.Info("language config",
		zap.String("default", cfg.Language.Default),
		zap.Float64("switch_threshold", cfg.Language.SwitchThreshold),
		zap.String("data_file", cfg.Language.DataFile),
		zap.String("patterns_file", cfg.Language.PatternsFile),
	)

	logger.Info("notification config",
		zap.Bool("enabled", cfg.Notification.Enabled),
		zap.String("endpoint", cfg.Notification.Endpoint),
		zap.String("api_key", mask(cfg.Notification.APIKey)),
		zap.Int("rate_limit", cfg.Notification.RateLimit),
		zap.Duration("rate_period", cfg.Notification.RatePeriod),
		zap.String("smtp_host", cfg.Notification.SMTPHost),
		zap.Strings("mail_to", cfg.Notification.MailTo),
	)

	logger.Info("log config",
		zap.String("log_level", cfg.Log.Level),
		zap.String("log_filename", cfg.Log.Filename),
		zap.Int("log_max_size", cfg.Log.MaxSize),
		zap.Int("log_max_age", cfg.Log.MaxAge),
		zap.Int("log_max_backups", cfg.Log.MaxBackups),
	)

	logger.Info("metrics config",
		zap.Bool("enabled", cfg.Metrics.Enabled),
		zap.String("addr", cfg.Metrics.Addr),
		zap.String("path", cfg.Metrics.Path),
	)

	logger.Info("cache config",
		zap.String("backend", cfg.Cache.Backend),
		zap.Duration("default_expiration", cfg.Cache.DefaultExpiration),
		zap.String("redis_addr", cfg.Cache.RedisAddr),
		zap.String("redis_password", mask(cfg.Cache.RedisPassword)),
	)
}

func mask(secret string) string {
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:2] + strings.Repeat("*", len(secret)-4) + secret[len(secret)-2:]
}

var bannerColors = []string{
	"\x1b[38;5;165m",
	"\x1b[38;5;189m",
	"\x1b[38;5;207m",
	"\x1b[38;5;219m",
	"\x1b[38;5;225m",
	"\x1b[38;5;231m",
}

// PrintBanner writes banner line by line in cycling colors.
func PrintBanner(w io.Writer, banner string) {
	for i, line := range strings.Split(banner, "\n") {
		fmt.Fprintln(w, bannerColors[i%len(bannerColors)]+line+"\x1b[0m")
	}
}

// PrintBannerFromFile Read file and print
func PrintBannerFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}
	PrintBanner(os.Stdout, string(data))
	return nil
}
