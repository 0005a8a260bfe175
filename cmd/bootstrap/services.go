package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/code-100-precent/carevoice/pkg/audio"
	"github.com/code-100-precent/carevoice/pkg/cache"
	"github.com/code-100-precent/carevoice/pkg/config"
	"github.com/code-100-precent/carevoice/pkg/emergency"
	"github.com/code-100-precent/carevoice/pkg/events"
	"github.com/code-100-precent/carevoice/pkg/language"
	"github.com/code-100-precent/carevoice/pkg/metrics"
	"github.com/code-100-precent/carevoice/pkg/notification"
	"github.com/code-100-precent/carevoice/pkg/realtime"
	"github.com/code-100-precent/carevoice/pkg/tools"
	"github.com/code-100-precent/carevoice/pkg/voice"
	"github.com/ulule/limiter/v3"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// Services the process-wide collaborators built from configuration.
type Services struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *metrics.Collector
	Bus          *events.Bus
	Cache        cache.Cache
	Identifier   *language.Identifier
	Scorer       *emergency.Scorer
	Dispatcher   *notification.Dispatcher
	Functions    *tools.Registry
	Bookings     *tools.MemoryBooker
	Instructions *voice.Instructions
}

// Build wires every service. Close releases them.
func Build(cfg *config.Config, logger *zap.Logger) (_ *Services, err error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Services{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New("carevoice"),
		Bus:     events.NewBus("carevoice", logger),
	}
	defer func() {
		if err != nil {
			s.release()
		}
	}()
	s.Cache, err = cache.NewCache(cfg.Cache.Backend, cache.Config{
		DefaultExpiration: cfg.Cache.DefaultExpiration,
		CleanupInterval:   cfg.Cache.CleanupInterval,
	}, cache.RedisConfig{
		Addr:     cfg.Cache.RedisAddr,
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
		Prefix:   cfg.Cache.RedisPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	rateStore, err := rateStoreFor(s.Cache, cfg.Cache.RedisPrefix)
	if err != nil {
		return nil, err
	}

	lex, err := loadLexicon(cfg.Language.DataFile)
	if err != nil {
		return nil, err
	}
	s.Identifier, err = language.NewIdentifier(&language.IdentifierOption{
		Lexicon: lex,
		Default: cfg.Language.Default,
		Tracker: s.Bus,
		Metrics: s.Metrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("language identifier: %w", err)
	}

	sink, err := buildSink(&cfg.Notification, logger)
	if err != nil {
		return nil, err
	}
	s.Dispatcher, err = notification.NewDispatcher(&notification.DispatcherOption{
		Sink:        sink,
		QueueSize:   cfg.Notification.QueueSize,
		Workers:     cfg.Notification.Workers,
		RateLimit:   int64(cfg.Notification.RateLimit),
		RatePeriod:  cfg.Notification.RatePeriod,
		RateStore:   rateStore,
		SendTimeout: cfg.Notification.Timeout,
		Metrics:     s.Metrics,
		Tracker:     s.Bus,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("notification dispatcher: %w", err)
	}

	patterns, err := loadPatterns(cfg.Language.PatternsFile)
	if err != nil {
		return nil, err
	}
	s.Scorer, err = emergency.NewScorer(&emergency.ScorerOption{
		Patterns:        patterns,
		Detector:        s.Identifier,
		DefaultLanguage: cfg.Language.Default,
		Notifier:        s.Dispatcher,
		Tracker:         s.Bus,
		Metrics:         s.Metrics,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("emergency scorer: %w", err)
	}

	s.Bookings = tools.NewMemoryBooker()
	s.Functions = tools.NewRegistry(&tools.RegistryOption{Metrics: s.Metrics, Tracker: s.Bus}, logger)
	if err := tools.RegisterBuiltins(s.Functions, &tools.BuiltinOption{
		Booker:  s.Bookings,
		Alerter: &tools.NotifierAlerter{Queue: s.Dispatcher},
		Directory: &tools.StaticDirectory{
			Name:            cfg.Hospital.Name,
			Address:         cfg.Hospital.Address,
			Phone:           cfg.Hospital.Phone,
			EmergencyNumber: cfg.Hospital.EmergencyNumber,
			Hours:           cfg.Hospital.Hours,
		},
		Cache:   s.Cache,
		InfoTTL: cfg.Cache.DefaultExpiration,
	}); err != nil {
		return nil, fmt.Errorf("register functions: %w", err)
	}

	s.Instructions, err = voice.DefaultInstructions(voice.Facility{
		Hospital:        cfg.Hospital.Name,
		Hours:           cfg.Hospital.Hours,
		EmergencyNumber: cfg.Hospital.EmergencyNumber,
	}, cfg.Language.Default)
	if err != nil {
		return nil, fmt.Errorf("session instructions: %w", err)
	}
	return s, nil
}

// rateStoreFor keeps alert rate counters next to a shared cache; nil
// leaves them in process memory.
func rateStoreFor(c cache.Cache, prefix string) (limiter.Store, error) {
	rc, ok := c.(*cache.RedisCache)
	if !ok {
		return nil, nil
	}
	store, err := sredis.NewStoreWithOptions(rc.Client(), limiter.StoreOptions{
		Prefix: prefix + "notify",
	})
	if err != nil {
		return nil, fmt.Errorf("alert rate store: %w", err)
	}
	return store, nil
}

func loadLexicon(path string) (*language.Lexicon, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open language data: %w", err)
	}
	defer f.Close()
	return language.LoadLexicon(f)
}

func loadPatterns(path string) (*emergency.Patterns, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open emergency patterns: %w", err)
	}
	defer f.Close()
	return emergency.LoadPatterns(f)
}

// buildSink the configured alert sinks; the log sink alone when
// notifications are disabled.
func buildSink(cfg *config.NotificationConfig, logger *zap.Logger) (notification.Sink, error) {
	logSink := notification.LogSink{Logger: logger.Named("alerts")}
	if !cfg.Enabled {
		return logSink, nil
	}
	var sinks notification.MultiSink
	if cfg.Endpoint != "" {
		h, err := notification.NewHTTPSink(&notification.HTTPSinkOption{
			Endpoint: cfg.Endpoint,
			APIKey:   cfg.APIKey,
			Timeout:  cfg.Timeout,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, h)
	}
	if cfg.SMTPHost != "" {
		m, err := notification.NewMailSink(&notification.MailSinkOption{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			To:       cfg.MailTo,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, m)
	}
	if len(sinks) == 0 {
		return logSink, nil
	}
	return sinks, nil
}

// NewManager a voice session manager on sys using these services.
func (s *Services) NewManager(sys audio.System) (*voice.Manager, error) {
	rt := s.Config.Realtime
	return voice.NewManager(&voice.ManagerOption{
		Dial: voice.RealtimeDialer(&realtime.ClientOption{
			URL:        rt.URL,
			APIKey:     rt.APIKey,
			Model:      rt.Model,
			SendBuffer: rt.SendBufferSize,
		}, s.Logger),
		Audio: sys,
		Format: audio.Format{
			SampleRate: s.Config.Audio.SampleRate,
			Channels:   s.Config.Audio.Channels,
			FrameMs:    s.Config.Audio.FrameMs,
		},
		Identifier:         s.Identifier,
		Scorer:             s.Scorer,
		Functions:          s.Functions,
		Instructions:       s.Instructions,
		Voice:              rt.Voice,
		Temperature:        rt.Temperature,
		TranscriptionModel: rt.TranscriptionModel,
		VAD: realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         rt.VADThreshold,
			PrefixPaddingMs:   rt.PrefixPaddingMs,
			SilenceDurationMs: rt.SilenceDurationMs,
		},
		DefaultLanguage: s.Config.Language.Default,
		SwitchThreshold: s.Config.Language.SwitchThreshold,
		ConnectTimeout:  rt.ConnectTimeout,
		DecodeBuffer:    s.Config.Audio.DecodeBuffer,
		Tracker:         s.Bus,
		Metrics:         s.Metrics,
	}, s.Logger)
}

// release frees whatever a failed Build already started.
func (s *Services) release() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if s.Dispatcher != nil {
		_ = s.Dispatcher.Close(ctx)
	}
	s.Bus.Wait()
	if s.Cache != nil {
		_ = s.Cache.Close()
	}
}

// Close drains pending alerts and background event handlers.
func (s *Services) Close(ctx context.Context) error {
	err := s.Dispatcher.Close(ctx)
	s.Bus.Wait()
	if cerr := s.Cache.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
