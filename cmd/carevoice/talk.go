package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/code-100-precent/carevoice/cmd/bootstrap"
	"github.com/code-100-precent/carevoice/pkg/audio"
	"github.com/code-100-precent/carevoice/pkg/logger"
	"github.com/code-100-precent/carevoice/pkg/metrics"
	"github.com/code-100-precent/carevoice/pkg/voice"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const defaultBanner = ` ____                __     __    _
/ ___|__ _ _ __ ___ \ \   / /__ (_) ___ ___
| |   / _' | '__/ _ \ \ \ / / _ \| |/ __/ _ \
| |__| (_| | | |  __/  \ V / (_) | | (_|  __/
 \____\__,_|_|  \___|   \_/ \___/|_|\___\___|`

func newTalkCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "talk",
		Short: "Run a voice session from the microphone until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if opts.banner != "" {
				if err := bootstrap.PrintBannerFromFile(opts.banner); err != nil {
					return err
				}
			} else {
				bootstrap.PrintBanner(out, defaultBanner)
			}
			bootstrap.LogConfigInfo(opts.cfg)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return talk(ctx, opts, out)
		},
	}
}

func talk(ctx context.Context, opts *options, out io.Writer) error {
	log := logger.L()
	s, err := opts.services()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warn("services did not shut down cleanly", zap.Error(err))
		}
	}()

	if opts.cfg.Metrics.Enabled {
		srv := serveMetrics(opts.cfg.Metrics.Addr, opts.cfg.Metrics.Path, s.Metrics, log)
		defer srv.Shutdown(context.Background())
	}

	sys, err := audio.NewMalgoSystem(log)
	if err != nil {
		return err
	}
	defer sys.Close()

	m, err := s.NewManager(sys)
	if err != nil {
		return err
	}
	defer m.Close()

	player, err := audio.NewPlayer(sys, audio.Format{
		SampleRate: opts.cfg.Audio.SampleRate,
		Channels:   opts.cfg.Audio.Channels,
		FrameMs:    opts.cfg.Audio.FrameMs,
	}, m.Playback())
	if err != nil {
		log.Warn("playback unavailable, continuing text-only", zap.Error(err))
	} else {
		defer player.Close()
	}

	ended := make(chan voice.Event, 1)
	unsubscribe := m.Subscribe(func(ev voice.Event) {
		switch ev.Type {
		case voice.EventSpeechStarted:
			if player != nil {
				player.Flush()
			}
		case voice.EventTranscript:
			fmt.Fprintf(out, "\ncaller> %s\n", ev.Text)
		case voice.EventResponseText:
			if ev.Final {
				fmt.Fprintln(out)
			} else {
				fmt.Fprint(out, ev.Text)
			}
		case voice.EventEmergency:
			fmt.Fprintf(out, "[emergency] severity=%s confidence=%.2f symptoms=%v\n",
				ev.Emergency.Severity, ev.Emergency.Confidence, ev.Emergency.Symptoms)
		case voice.EventCriticalEmergency:
			if player != nil {
				player.Flush()
			}
			fmt.Fprintf(out, "[critical] %s\n", ev.Text)
		case voice.EventLanguageSwitched:
			fmt.Fprintf(out, "[language] switched to %s\n", ev.Language)
		case voice.EventFunctionCall:
			fmt.Fprintf(out, "[function] %s -> %s\n", ev.Function.Name, ev.Function.Output)
		case voice.EventError:
			fmt.Fprintf(out, "[error] %s\n", ev.Text)
		case voice.EventDisconnected:
			select {
			case ended <- ev:
			default:
			}
		}
	})
	defer unsubscribe()

	if err := m.Connect(ctx); err != nil {
		return err
	}
	if err := m.StartRecording(); err != nil {
		_ = m.Disconnect()
		return err
	}
	fmt.Fprintln(out, "Listening. Press Ctrl+C to hang up.")

	select {
	case <-ctx.Done():
		fmt.Fprintln(out, "\nHanging up.")
		if err := m.Disconnect(); err != nil {
			return err
		}
	case ev := <-ended:
		return fmt.Errorf("session closed by backend: %d %s", ev.Code, ev.Reason)
	}

	mt := m.Metrics()
	fmt.Fprintf(out, "sessions=%d emergencies=%d avg_duration=%s frames_dropped=%d frames_silent=%d\n",
		mt.TotalSessions, mt.EmergencyDetections, mt.AverageDuration.Round(time.Second), mt.FramesDropped, mt.FramesSilent)
	return nil
}

func serveMetrics(addr, path string, c *metrics.Collector, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("metrics exposed", zap.String("addr", addr), zap.String("path", path))
	return srv
}
