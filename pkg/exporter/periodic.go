package exporter

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// BackgroundTask models an OS-granted background execution window. Begin
// returns a release function; onExpiry fires if the OS reclaims the window
// before release.
type BackgroundTask interface {
	Begin(onExpiry func()) (end func())
}

// NoopBackgroundTask is used on platforms without background execution
// limits.
type NoopBackgroundTask struct{}

func (NoopBackgroundTask) Begin(onExpiry func()) (end func()) { return func() {} }

// PeriodicExporter drives the Exporter from a jittered heartbeat and app
// lifecycle transitions. The exporter's own in-flight flag guarantees
// at-most-one concurrent cycle; a pulse landing mid-cycle is simply skipped.
type PeriodicExporter struct {
	exporter  *Exporter
	heartbeat *Heartbeat
	bgTask    BackgroundTask
	logger    *slog.Logger

	// enabled survives background transitions: backgrounding stops the
	// heartbeat but foregrounding restarts it only if still enabled.
	enabled atomic.Bool
}

// PeriodicExporterConfig configures a PeriodicExporter.
type PeriodicExporterConfig struct {
	// Interval between export pulses.
	Interval time.Duration

	// MaxJitter delays the first pulse by a random offset in [0, MaxJitter].
	MaxJitter time.Duration

	// BackgroundTask wraps each export in an OS background grant. Nil
	// means no background execution limits apply.
	BackgroundTask BackgroundTask

	Logger *slog.Logger
}

func NewPeriodicExporter(e *Exporter, cfg PeriodicExporterConfig) *PeriodicExporter {
	if cfg.BackgroundTask == nil {
		cfg.BackgroundTask = NoopBackgroundTask{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	p := &PeriodicExporter{
		exporter: e,
		bgTask:   cfg.BackgroundTask,
		logger:   cfg.Logger,
	}
	p.heartbeat = NewHeartbeat(cfg.Interval, cfg.MaxJitter, p.pulse)
	return p
}

// Enable starts periodic exporting.
func (p *PeriodicExporter) Enable() {
	if !p.enabled.CompareAndSwap(false, true) {
		return
	}
	p.heartbeat.Start()
}

// Disable stops periodic exporting entirely.
func (p *PeriodicExporter) Disable() {
	if !p.enabled.CompareAndSwap(true, false) {
		return
	}
	p.heartbeat.Stop()
}

// OnAppBackground fires one last export attempt and stops the heartbeat;
// the OS will suspend the process shortly, so polling is pointless.
func (p *PeriodicExporter) OnAppBackground() {
	if !p.enabled.Load() {
		return
	}
	p.heartbeat.Stop()
	p.pulse()
}

// OnAppForeground restarts the heartbeat if exporting is still enabled.
func (p *PeriodicExporter) OnAppForeground() {
	if !p.enabled.Load() {
		return
	}
	p.heartbeat.Start()
}

// pulse runs one export under a background execution grant. If the grant
// expires mid-export the in-flight flag is reset so the pipeline is not
// locked out until process restart.
func (p *PeriodicExporter) pulse() {
	end := p.bgTask.Begin(func() {
		p.logger.Warn("background execution expired mid-export, resetting in-flight flag")
		p.exporter.ResetInFlight()
	})
	defer end()

	p.exporter.Export(context.Background())
}
