package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petems/beme/internal/app"
	"github.com/petems/beme/internal/audio"
	"github.com/petems/beme/internal/config"
	"github.com/petems/beme/internal/events"
	"github.com/petems/beme/internal/hotkey"
	"github.com/petems/beme/internal/logging"
	"github.com/petems/beme/internal/metrics"
	"github.com/petems/beme/internal/permissions"
	"github.com/petems/beme/internal/screen"
	"github.com/petems/beme/internal/suggestion"
	"github.com/petems/beme/internal/tray"
)

type runOptions struct {
	headless bool
	start    bool
}

func addRunFlags(cmd *cobra.Command, o *runOptions) {
	cmd.Flags().BoolVar(&o.headless, "headless", false, "run without the tray icon")
	cmd.Flags().BoolVar(&o.start, "start", false, "start capturing immediately")
}

// loadSettings reads .env, the settings file and the environment overrides.
// Settings are always usable; the error reports a malformed file.
func loadSettings(path string) (*config.Settings, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	s, err := config.Load(path)
	s.ApplyEnv()
	s.Validate()
	return s, err
}

func runApp(cmd *cobra.Command, opts *rootOptions, runOpts *runOptions) error {
	settings, loadErr := loadSettings(opts.path())
	if settings == nil {
		return loadErr
	}

	// Initialize logger with configured level
	log := logging.NewWithLevel(settings.LogLevel)
	if loadErr != nil {
		log.Warn().Err(loadErr).Msg("Settings file unreadable, using defaults")
	}

	// macOS only records the screen and microphone after explicit approval
	if err := permissions.EnsurePermissions(permissions.Needs{
		Screen:  true,
		Audio:   settings.CaptureAudio,
		Hotkeys: !runOpts.headless,
	}, log); err != nil {
		log.Warn().Err(err).Msg("Missing permissions, capture may be incomplete")
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if settings.MetricsAddr != "" {
		m = metrics.New()
	}

	capture, err := audio.New()
	if err != nil {
		return fmt.Errorf("initialize audio: %w", err)
	}
	defer capture.Close()

	bus := events.NewBus()
	board := suggestion.NewBoard(suggestion.OnDone(func(s suggestion.Suggestion) {
		printSuggestion(cmd.OutOrStdout(), s)
	}))
	if err := subscribe(bus, board, log); err != nil {
		return err
	}

	// Create tray UI first (the manager reports status to it)
	trayUI := tray.New(nil, board, Version, Commit, log)

	mgr := app.New(app.Config{
		Screen:            screen.NewDisplayCapturer(),
		Audio:             capture,
		Settings:          *settings,
		SettingsPath:      opts.path(),
		Sink:              bus,
		Metrics:           m,
		Logger:            log,
		DiagnosticLogPath: config.DiagnosticLogPath(),
		StatusUpdater:     trayUI,
	})
	trayUI.SetController(mgr)

	if !mgr.IsAIConfigured() {
		log.Warn().Str("config", opts.path()).Msg("AI endpoint not configured, frames will not be analyzed")
	}

	if hk := registerHotkey(settings.PlatformHotkey(), mgr, log); hk != nil {
		defer hk.Close()
	}

	g, gctx := errgroup.WithContext(ctx)
	if m != nil {
		g.Go(func() error {
			log.Info().Str("addr", settings.MetricsAddr).Msg("Serving metrics")
			return m.Serve(gctx, settings.MetricsAddr)
		})
	}

	if runOpts.start {
		mgr.ToggleCapture()
	}

	log.Info().Str("version", Version).Msg("beme starting...")

	if runOpts.headless {
		<-gctx.Done()
	} else if err := trayUI.Run(gctx); err != nil {
		log.Error().Err(err).Msg("Tray error")
	}

	log.Info().Msg("Shutting down...")
	stop()
	if err := mgr.Close(); err != nil {
		log.Error().Err(err).Msg("Shutdown error")
	}
	bus.Wait()
	return g.Wait()
}

func subscribe(bus *events.Bus, board *suggestion.Board, log zerolog.Logger) error {
	if err := bus.Subscribe(events.TopicSuggestion, board.Apply); err != nil {
		return fmt.Errorf("subscribe suggestions: %w", err)
	}
	return bus.SubscribeAsync(events.TopicError, func(p events.ErrorPayload) {
		log.Warn().Str("source", p.Source).Msg(p.Message)
	})
}

func registerHotkey(accel string, mgr *app.StreamManager, log zerolog.Logger) hotkey.Manager {
	hk, err := hotkey.New()
	if err != nil {
		log.Warn().Err(err).Msg("Global shortcut unavailable")
		return nil
	}
	toggle := hotkey.OnPress(func() { mgr.NotifyToggle(events.OriginShortcut) })
	if err := hk.Register(accel, toggle); err != nil {
		log.Warn().Err(err).Str("hotkey", accel).Msg("Failed to register hotkey")
		hk.Close()
		return nil
	}
	log.Info().Str("hotkey", accel).Msg("Registered capture shortcut")
	return hk
}

func printSuggestion(w io.Writer, s suggestion.Suggestion) {
	text := strings.TrimSpace(s.Text)
	if text == "" {
		return
	}
	fmt.Fprintf(w, "[%s #%d] %s\n", s.Source, s.ID, text)
}
