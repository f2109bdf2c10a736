package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/api"
	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/config"
	"github.com/bryanchriswhite/FrameMirror/internal/display"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu/soft"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/bryanchriswhite/FrameMirror/internal/mirror"
	"github.com/bryanchriswhite/FrameMirror/internal/output"
	"github.com/bryanchriswhite/FrameMirror/internal/window"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start mirroring",
	Long: `Open the destination window and mirror a monitor or window into it.

Without --target (or capture.target in the config file) the mirror starts
idle and waits for a start request on the control API.`,
	Example: `  # Mirror the first monitor
  framemirror run --target monitor:0

  # Mirror a window by id (see 'framemirror list')
  framemirror run --target window:0x3a00007

  # Run without a display server using the test pattern
  framemirror run --source synthetic --headless --target monitor:0

  # Also serve a browser preview at http://127.0.0.1:8090/preview
  framemirror run --target monitor:0 --preview

  # Start with debug logging
  framemirror run --log-level debug`,
	RunE: runRun,
}

// overrideKeys are the config keys that CLI flags and environment may set
var overrideKeys = []string{
	"log_level",
	"api.port",
	"capture.source",
	"capture.target",
	"presentation.fps",
	"presentation.headless",
	"preview.enabled",
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().String("target", "", "capture target (monitor:<n> or window:<id>)")
	runCmd.Flags().String("source", "", "frame source ("+strings.Join(capture.SourceNames, ", ")+")")
	runCmd.Flags().Int("fps", 0, "render rate (default is 60)")
	runCmd.Flags().Bool("headless", false, "present into memory instead of a window")
	runCmd.Flags().Bool("preview", false, "serve an MJPEG preview on the control API")

	viper.BindPFlag("capture.target", runCmd.Flags().Lookup("target"))
	viper.BindPFlag("capture.source", runCmd.Flags().Lookup("source"))
	viper.BindPFlag("presentation.fps", runCmd.Flags().Lookup("fps"))
	viper.BindPFlag("presentation.headless", runCmd.Flags().Lookup("headless"))
	viper.BindPFlag("preview.enabled", runCmd.Flags().Lookup("preview"))
}

// loadConfig reads the config file and applies flag and environment overrides
func loadConfig() (*config.Manager, *config.Config, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := configMgr.ApplyOverrides(viper.GetViper(), overrideKeys...); err != nil {
		return nil, nil, err
	}
	return configMgr, configMgr.Get(), nil
}

// newDiscovery picks the target discovery backend matching the frame
// source. The synthetic source has nothing to discover.
func newDiscovery(cfg *config.Config) (*window.Manager, error) {
	switch strings.ToLower(cfg.Capture.Source) {
	case "synthetic":
		return nil, nil
	case "dxgi", "screenshot":
		return window.NewManager(window.NewScreenBackend()), nil
	}
	if runtime.GOOS == "windows" {
		return window.NewManager(window.NewScreenBackend()), nil
	}

	backend, err := window.NewX11Backend(cfg.Capture.Display)
	if err != nil {
		return nil, err
	}
	return window.NewManager(backend), nil
}

func newRenderDevice() (gpu.RenderDevice, error) {
	return soft.NewRenderDevice(), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	configMgr, cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Init(cfg.LogLevel, cfg.LogPretty)
	log := logger.WithComponent("main")
	log.Info().Str("path", configMgr.GetConfigPath()).Msg("Configuration loaded")

	mirrorCfg, err := cfg.Mirror()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	source, err := capture.NewSource(cfg.Capture.Source, cfg.SourceOptions())
	if err != nil {
		return err
	}

	discovery, err := newDiscovery(cfg)
	if err != nil {
		log.Warn().Err(err).Msg("Target discovery unavailable")
	}
	var lister api.TargetLister
	if discovery != nil {
		lister = discovery
		defer discovery.Backend().Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		surface gpu.Surface
		dest    *display.Surface
	)
	if cfg.Presentation.Headless {
		surface = soft.NewSurface(cfg.Presentation.Width, cfg.Presentation.Height)
	} else {
		dest, err = display.NewSurface(display.Config{
			Display: cfg.Capture.Display,
			Width:   cfg.Presentation.Width,
			Height:  cfg.Presentation.Height,
			Title:   cfg.Presentation.Title,
		})
		if err != nil {
			return fmt.Errorf("failed to open destination window: %w", err)
		}
		log.Info().Str("window", fmt.Sprintf("0x%x", dest.WindowID())).Msg("Destination window opened")
		surface = dest
	}

	var preview *output.MJPEGOutput
	if cfg.Preview.Enabled {
		if !cfg.API.Enabled {
			log.Warn().Msg("Preview needs the control API, ignoring preview.enabled")
		} else {
			preview = output.NewMJPEGOutput(cfg.Output())
			if err := preview.Start(); err != nil {
				surface.Release()
				return err
			}
			defer preview.Stop()
			surface = output.Tee(surface, preview)
		}
	}

	m, err := mirror.New(mirrorCfg, source, newRenderDevice, surface)
	if err != nil {
		surface.Release()
		return err
	}
	defer m.Shutdown()

	if dest != nil {
		dest.OnResize(func(width, height int) {
			if err := m.Resize(width, height); err != nil && !errors.Is(err, mirror.ErrClosed) {
				log.Warn().Err(err).Int("width", width).Int("height", height).Msg("Failed to follow window resize")
			}
		})
		dest.OnClose(stop)
	}

	if err := startInitialTarget(m, discovery, cfg); err != nil {
		// Stay up: the control API can still start a capture
		log.Error().Err(err).Str("target", cfg.Capture.Target).Msg("Failed to start initial capture")
	}

	if cfg.API.Enabled {
		server := api.NewServer(m, lister)
		if preview != nil {
			server.EnablePreview(preview)
		}
		go func() {
			if err := server.Start(cfg.API.Port); err != nil {
				log.Error().Err(err).Msg("Control API stopped")
			}
		}()
		defer func() {
			// Preview streams only end when their channel closes
			if preview != nil {
				preview.Stop()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			server.Shutdown(shutdownCtx)
		}()
		log.Info().Msgf("Control API: http://127.0.0.1:%d/api", cfg.API.Port)
		if preview != nil {
			log.Info().Msgf("Preview: http://127.0.0.1:%d/preview", cfg.API.Port)
		}
	}

	log.Info().
		Str("source", source.Name()).
		Bool("headless", cfg.Presentation.Headless).
		Msg("FrameMirror is running, press Ctrl+C to stop")

	if err := m.Run(ctx); err != nil {
		return err
	}

	stats := m.Stats()
	log.Info().
		Uint64("presented", stats.Present.Presented).
		Uint64("uploads", stats.Bridge.Uploads).
		Uint64("map_failures", stats.Bridge.MapFailures).
		Uint64("rebuilds", stats.Rebuilds).
		Msg("Shutting down gracefully")
	return nil
}

func startInitialTarget(m *mirror.Mirror, discovery *window.Manager, cfg *config.Config) error {
	target, ok, err := cfg.InitialTarget()
	if err != nil || !ok {
		return err
	}
	if discovery != nil {
		resolved, err := discovery.Resolve(target)
		if err != nil {
			return err
		}
		target = resolved
	}
	return m.Start(target)
}
