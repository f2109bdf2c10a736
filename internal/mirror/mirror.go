// Package mirror runs the render loop that ties the capture engine, the
// texture bridge and the presentation pipeline together.
package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bryanchriswhite/FrameMirror/internal/bridge"
	"github.com/bryanchriswhite/FrameMirror/internal/capture"
	"github.com/bryanchriswhite/FrameMirror/internal/gpu"
	"github.com/bryanchriswhite/FrameMirror/internal/logger"
	"github.com/bryanchriswhite/FrameMirror/internal/present"
	"github.com/rs/zerolog"
)

// ErrClosed is returned by every operation after Shutdown
var ErrClosed = errors.New("mirror is shut down")

// RenderDeviceFactory creates a render device. It is called once at startup
// and again after every device loss.
type RenderDeviceFactory func() (gpu.RenderDevice, error)

// Config holds the orchestrator settings
type Config struct {
	FPS     int
	Bridge  bridge.Config
	Present present.Config

	AutoRestart    bool
	MaxRestarts    int
	RestartBackoff time.Duration
}

// DefaultConfig renders at 60fps and restarts up to five times after
// device loss
func DefaultConfig() Config {
	return Config{
		FPS:            60,
		Present:        present.DefaultConfig(),
		AutoRestart:    true,
		MaxRestarts:    5,
		RestartBackoff: 500 * time.Millisecond,
	}
}

// Stats is a snapshot of the whole pipeline
type Stats struct {
	Capture  capture.Stats `json:"capture"`
	Bridge   bridge.Stats  `json:"bridge"`
	Present  present.Stats `json:"present"`
	Rebuilds uint64        `json:"rebuilds"`
	Restarts int           `json:"restarts"`
	LastLoss string        `json:"last_device_loss,omitempty"`
}

// Mirror owns the engine, bridge and pipeline. The render tick and every
// lifecycle call hold renderMu, so teardown never overlaps an upload.
type Mirror struct {
	cfg       Config
	engine    *capture.Engine
	bridge    *bridge.Bridge
	pipeline  *present.Pipeline
	newRender RenderDeviceFactory
	log       *zerolog.Logger

	renderMu sync.Mutex
	closed   bool

	// renderLost is set when a rebuild could not create a render device
	renderLost bool

	// restart is the target to start again after device loss, once
	// restartAt has passed
	restart   *capture.Target
	restartAt time.Time
	restarts  int

	statsMu  sync.Mutex
	rebuilds uint64
	lastLoss string
}

// New builds a mirror that captures from source and presents into surface
func New(cfg Config, source capture.Source, newRender RenderDeviceFactory, surface gpu.Surface) (*Mirror, error) {
	if cfg.FPS <= 0 {
		cfg.FPS = 60
	}

	dev, err := newRender()
	if err != nil {
		return nil, fmt.Errorf("failed to create render device: %w", err)
	}
	pipeline, err := present.New(dev, surface, cfg.Present)
	if err != nil {
		dev.Release()
		return nil, fmt.Errorf("failed to create presentation pipeline: %w", err)
	}

	m := &Mirror{
		cfg:       cfg,
		engine:    capture.NewEngine(source),
		bridge:    bridge.New(dev, cfg.Bridge),
		pipeline:  pipeline,
		newRender: newRender,
		log:       logger.WithComponent("mirror"),
	}

	m.log.Info().
		Str("source", source.Name()).
		Int("fps", cfg.FPS).
		Bool("auto_restart", cfg.AutoRestart).
		Msg("Mirror created")
	return m, nil
}

// Engine returns the capture engine
func (m *Mirror) Engine() *capture.Engine {
	return m.engine
}

// Start begins mirroring target, replacing any running session
func (m *Mirror) Start(target capture.Target) error {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.restart = nil
	m.restarts = 0
	return m.engine.Start(target)
}

// Retarget switches to a new target. A new target always means a new
// session, so this is a full stop and start.
func (m *Mirror) Retarget(target capture.Target) error {
	return m.Start(target)
}

// Stop ends capture. The last frame stays on screen.
func (m *Mirror) Stop() error {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.restart = nil
	return m.engine.Stop()
}

// Select puts the engine in selection mode for the region picker
func (m *Mirror) Select() error {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return m.engine.Select()
}

// Resize follows a destination window resize
func (m *Mirror) Resize(width, height int) error {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	if m.closed {
		return ErrClosed
	}
	return m.pipeline.Resize(width, height)
}

// Tick runs one render tick: fetch the latest frame, bridge it, present.
// Capture failures are handled here and never returned; the error is only
// non-nil after Shutdown or when presenting itself fails.
func (m *Mirror) Tick() error {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	if m.closed {
		return ErrClosed
	}

	if m.renderLost {
		if err := m.rebuildRenderLocked(); err != nil {
			return err
		}
	}
	if fault := m.engine.Fault(); fault != nil {
		m.rebuildLocked(fault)
	}

	if frame := m.engine.LatestTexture(); frame != nil {
		tex, err := m.bridge.Upload(m.engine.Device(), frame)
		switch {
		case err == nil:
			m.pipeline.Bind(tex)
			m.restarts = 0
		case capture.IsMapFailure(err):
			// Dropped; the bound texture keeps presenting
		case capture.IsDeviceLost(err):
			m.rebuildLocked(err)
		default:
			m.log.Warn().Err(err).Uint64("seq", frame.Seq).Msg("Failed to upload frame")
		}
	}
	m.maybeRestartLocked()

	if m.renderLost {
		// Nothing to draw with until the next tick rebuilds the device
		return nil
	}
	if err := m.pipeline.Present(); err != nil {
		if errors.Is(err, gpu.ErrDeviceLost) {
			m.rebuildLocked(capture.NewError(capture.KindDeviceLost, "present", err))
			return nil
		}
		return err
	}
	return nil
}

// rebuildLocked tears everything down after device loss and schedules a
// restart of the same target. Runs with renderMu held, on the render
// goroutine, never on a frame source goroutine.
func (m *Mirror) rebuildLocked(cause error) {
	target, hadSession := m.engine.Target()

	m.log.Error().
		Err(cause).
		Str("target", target.String()).
		Msg("Device lost, rebuilding capture and render resources")

	if err := m.engine.Stop(); err != nil {
		m.log.Warn().Err(err).Msg("Failed to stop capture session")
	}
	m.bridge.Invalidate()
	m.pipeline.Unbind()

	if err := m.rebuildRenderLocked(); err != nil {
		m.log.Error().Err(err).Msg("Failed to rebuild render device, will retry")
	}

	m.statsMu.Lock()
	m.rebuilds++
	m.lastLoss = cause.Error()
	m.statsMu.Unlock()

	if !hadSession || !m.cfg.AutoRestart {
		return
	}
	if m.cfg.MaxRestarts > 0 && m.restarts >= m.cfg.MaxRestarts {
		m.log.Error().
			Int("restarts", m.restarts).
			Str("target", target.String()).
			Msg("Restart budget exhausted, capture stays stopped")
		return
	}

	m.restarts++
	m.restart = &target
	m.restartAt = time.Now().Add(m.cfg.RestartBackoff * time.Duration(m.restarts))
}

// rebuildRenderLocked replaces the render device under the bridge and pipeline
func (m *Mirror) rebuildRenderLocked() error {
	dev, err := m.newRender()
	if err != nil {
		m.renderLost = true
		return fmt.Errorf("failed to create render device: %w", err)
	}

	// The lost device is released whether or not its replacement works
	old := m.pipeline.Device()
	m.bridge.Rebuild(dev)
	err = m.pipeline.Rebuild(dev)
	if old != nil && old != dev {
		old.Release()
	}
	if err != nil {
		m.renderLost = true
		return fmt.Errorf("failed to rebuild presentation pipeline: %w", err)
	}
	m.renderLost = false
	return nil
}

func (m *Mirror) maybeRestartLocked() {
	if m.restart == nil || time.Now().Before(m.restartAt) {
		return
	}
	target := *m.restart
	m.restart = nil

	if err := m.engine.Start(target); err != nil {
		m.log.Warn().
			Err(err).
			Int("attempt", m.restarts).
			Str("target", target.String()).
			Msg("Failed to restart capture after device loss")
		if capture.IsDeviceLost(err) && (m.cfg.MaxRestarts <= 0 || m.restarts < m.cfg.MaxRestarts) {
			m.restarts++
			m.restart = &target
			m.restartAt = time.Now().Add(m.cfg.RestartBackoff * time.Duration(m.restarts))
		}
		return
	}
	m.log.Info().
		Int("attempt", m.restarts).
		Str("target", target.String()).
		Msg("Capture restarted after device loss")
}

// Run ticks at the configured rate until ctx is done
func (m *Mirror) Run(ctx context.Context) error {
	interval := time.Second / time.Duration(m.cfg.FPS)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.log.Info().Dur("interval", interval).Msg("Render loop started")
	for {
		select {
		case <-ctx.Done():
			m.log.Info().Msg("Render loop stopped")
			return nil
		case <-ticker.C:
			if err := m.Tick(); err != nil {
				if errors.Is(err, ErrClosed) {
					return nil
				}
				m.log.Error().Err(err).Msg("Render tick failed")
			}
		}
	}
}

// Events subscribes to engine state changes and capture errors
func (m *Mirror) Events() chan capture.Event {
	return m.engine.Subscribe()
}

// CloseEvents ends a subscription returned by Events
func (m *Mirror) CloseEvents(ch chan capture.Event) {
	m.engine.Unsubscribe(ch)
}

// Shutdown waits for the in-flight tick, stops capture and releases every
// GPU object. It is safe to call more than once.
func (m *Mirror) Shutdown() {
	m.renderMu.Lock()
	defer m.renderMu.Unlock()

	if m.closed {
		return
	}
	m.closed = true
	m.restart = nil

	m.engine.Close()
	m.bridge.Release()
	dev := m.pipeline.Device()
	m.pipeline.Release()
	if dev != nil {
		dev.Release()
	}
	m.log.Info().Msg("Mirror shut down")
}

// Stats returns a snapshot of every stage
func (m *Mirror) Stats() Stats {
	m.renderMu.Lock()
	restarts := m.restarts
	m.renderMu.Unlock()

	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return Stats{
		Capture:  m.engine.Stats(),
		Bridge:   m.bridge.Stats(),
		Present:  m.pipeline.Stats(),
		Rebuilds: m.rebuilds,
		Restarts: restarts,
		LastLoss: m.lastLoss,
	}
}
