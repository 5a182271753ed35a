// Package beacon is the entry point for the on-device telemetry pipeline:
// signals are buffered in memory, persisted to SQLite, grouped into batches
// and exported to the ingestion endpoint in the background.
package beacon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/beacon-sh/beacon/pkg/config"
	"github.com/beacon-sh/beacon/pkg/diag"
	"github.com/beacon-sh/beacon/pkg/exporter"
	"github.com/beacon-sh/beacon/pkg/metrics"
	"github.com/beacon-sh/beacon/pkg/signal"
	"github.com/beacon-sh/beacon/pkg/store"
)

// Config holds configuration for the Beacon SDK
type Config struct {
	// API key authenticating export requests
	APIKey string

	// Base URL of the ingestion endpoint
	BaseURL string

	// Root directory for the database and offloaded payload files
	// (default: os.TempDir())
	RootDir string

	// SQLite database path (default: "beacon.db" under RootDir)
	DBPath string

	// Fraction of sessions marked for full reporting, in [0, 1]
	// (default: 1.0). Sessions sampled out still export allowlisted
	// event types, and are promoted on crash or bug report.
	SessionSampleRate float64

	// Pipeline tuning; zero fields take production defaults
	Pipeline config.Config

	// BackgroundTask wraps each periodic export in an OS background
	// execution grant (default: no limits)
	BackgroundTask exporter.BackgroundTask

	// LogFilePath enables the internal diagnostic log: a size-rotated
	// JSON Lines file capturing the pipeline's own behavior. Ignored
	// when Logger is set.
	LogFilePath string

	// LogLevel for the diagnostic log (default: slog.LevelInfo)
	LogLevel slog.Level

	Logger  *slog.Logger
	Metrics metrics.Collector
}

// Beacon is the main entry point for the telemetry pipeline
type Beacon struct {
	config  Config
	session *signal.Session

	db          *store.SQLiteStore
	files       *store.FileStorage
	signals     *store.SignalStore
	cleanup     *store.CleanupService
	exporter    *exporter.Exporter
	periodic    *exporter.PeriodicExporter
	attachments *exporter.AttachmentExporter

	logger    *slog.Logger
	logCloser io.Closer
}

// New creates a new Beacon instance. The returned SDK is inert until Start
// is called.
func New(cfg Config) (*Beacon, error) {
	// Apply defaults
	if cfg.RootDir == "" {
		cfg.RootDir = os.TempDir()
	}
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.RootDir, "beacon.db")
	}
	if cfg.SessionSampleRate == 0 {
		cfg.SessionSampleRate = 1.0
	}
	var logCloser io.Closer
	if cfg.Logger == nil && cfg.LogFilePath != "" {
		logger, closer, err := diag.NewLogger(cfg.LogFilePath, cfg.LogLevel)
		if err != nil {
			return nil, fmt.Errorf("failed to open diagnostic log: %w", err)
		}
		cfg.Logger = logger
		logCloser = closer
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewNoopCollector()
	}
	cfg.Pipeline.ApplyDefaults()

	files, err := store.NewFileStorage(cfg.RootDir)
	if err != nil {
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, fmt.Errorf("failed to initialize file storage: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.DBPath, cfg.Pipeline.ExportAllowedTypes...)
	if err != nil {
		if logCloser != nil {
			logCloser.Close()
		}
		return nil, fmt.Errorf("failed to open signal store: %w", err)
	}

	signals := store.NewSignalStore(db, files, store.SignalStoreConfig{
		MaxQueueSize:   cfg.Pipeline.MaxInMemorySignalsQueueSize,
		MaxInlineBytes: cfg.Pipeline.MaxInlinePayloadBytes,
		Logger:         cfg.Logger,
		Metrics:        cfg.Metrics,
	})

	cleanup := store.NewCleanupService(db, store.CleanupConfig{
		MaxDiskUsageInMb:       cfg.Pipeline.MaxDiskUsageInMb,
		EstimatedEventSizeInKb: cfg.Pipeline.EstimatedEventSizeInKb,
		Files:                  files,
		Logger:                 cfg.Logger,
		Metrics:                cfg.Metrics,
	})

	creator := exporter.NewBatchCreator(db, exporter.BatchCreatorConfig{
		MaxEventsInBatch:   cfg.Pipeline.MaxEventsInBatch,
		MaxAttachmentBytes: cfg.Pipeline.MaxAttachmentSizeInEventsBatchBytes,
		Logger:             cfg.Logger,
	})

	httpClient := exporter.NewHTTPClient(cfg.Pipeline.RequestTimeout, cfg.Logger)
	network := exporter.NewNetworkClient(httpClient, cfg.BaseURL, cfg.APIKey, cfg.Logger)

	attachments := exporter.NewAttachmentExporter(db, network, files, exporter.AttachmentExporterConfig{
		PageSize:  cfg.Pipeline.MaxAttachmentsPage,
		BaseDelay: cfg.Pipeline.AttachmentExportBaseDelay,
		MaxJitter: cfg.Pipeline.AttachmentExportMaxJitter,
		Logger:    cfg.Logger,
		Metrics:   cfg.Metrics,
	})

	exp := exporter.NewExporter(db, creator, network, files, attachments, exporter.ExporterConfig{
		MinCreationInterval: cfg.Pipeline.EventsBatchingInterval,
		BatchExportInterval: cfg.Pipeline.BatchExportInterval,
		Logger:              cfg.Logger,
		Metrics:             cfg.Metrics,
	})

	periodic := exporter.NewPeriodicExporter(exp, exporter.PeriodicExporterConfig{
		Interval:       cfg.Pipeline.EventsBatchingInterval,
		MaxJitter:      cfg.Pipeline.MaxExportJitterInterval,
		BackgroundTask: cfg.BackgroundTask,
		Logger:         cfg.Logger,
	})

	return &Beacon{
		config:      cfg,
		db:          db,
		files:       files,
		signals:     signals,
		cleanup:     cleanup,
		exporter:    exp,
		periodic:    periodic,
		attachments: attachments,
		logger:      cfg.Logger,
		logCloser:   logCloser,
	}, nil
}

// Start opens a new session and brings up the background exporters. Stale
// data from previous sessions is cleaned before new signals arrive.
func (b *Beacon) Start(ctx context.Context) error {
	session := &signal.Session{
		ID:             uuid.New().String(),
		PID:            os.Getpid(),
		CreatedAt:      time.Now().UnixMilli(),
		NeedsReporting: rand.Float64() < b.config.SessionSampleRate,
	}
	if err := b.db.InsertSession(ctx, session); err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	b.session = session

	if err := b.cleanup.Clean(ctx, session.ID); err != nil {
		b.logger.Error("failed to clean up stale session data", "error", err)
	}

	b.periodic.Enable()
	b.attachments.Enable()

	b.logger.Info("session started",
		"session_id", session.ID,
		"needs_reporting", session.NeedsReporting)
	return nil
}

// Stop shuts down the background exporters, flushes buffered signals and
// closes the database. The instance cannot be restarted.
func (b *Beacon) Stop(ctx context.Context) error {
	b.periodic.Disable()
	b.attachments.Disable()

	if err := b.signals.Flush(ctx); err != nil {
		b.logger.Error("failed to flush buffered signals", "error", err)
	}
	err := b.db.Close()
	if b.logCloser != nil {
		if cerr := b.logCloser.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// SessionID returns the current session id, or "" before Start.
func (b *Beacon) SessionID() string {
	if b.session == nil {
		return ""
	}
	return b.session.ID
}

// TrackEvent records an event with optional attachments. Missing identity
// fields are filled in; errors are logged, never surfaced, so telemetry
// cannot disturb the host app.
func (b *Beacon) TrackEvent(ctx context.Context, event *signal.Event, attachments []*signal.Attachment) {
	if b.session == nil {
		b.logger.Warn("event dropped before session start", "type", event.Type)
		return
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.SessionID == "" {
		event.SessionID = b.session.ID
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	event.NeedsReporting = true

	if err := b.signals.StoreEvent(ctx, event, attachments); err != nil {
		b.logger.Error("failed to store event",
			"event_id", event.ID, "type", event.Type, "error", err)
	}
}

// TrackSpan records a span. The sampling decision belongs to the tracer;
// unsampled spans are dropped on arrival.
func (b *Beacon) TrackSpan(ctx context.Context, span *signal.Span) {
	if b.session == nil {
		b.logger.Warn("span dropped before session start", "name", span.Name)
		return
	}
	if span.SpanID == "" {
		span.SpanID = uuid.New().String()
	}
	if span.SessionID == "" {
		span.SessionID = b.session.ID
	}

	if err := b.signals.StoreSpan(ctx, span); err != nil {
		b.logger.Error("failed to store span",
			"span_id", span.SpanID, "name", span.Name, "error", err)
	}
}

// Flush persists any buffered signals without waiting for the queue to fill.
func (b *Beacon) Flush(ctx context.Context) error {
	return b.signals.Flush(ctx)
}

// ExportNow triggers an immediate export cycle, outside the periodic
// schedule. No-op if a cycle is already running.
func (b *Beacon) ExportNow(ctx context.Context) {
	if err := b.signals.Flush(ctx); err != nil {
		b.logger.Error("failed to flush before export", "error", err)
	}
	b.exporter.Export(ctx)
}

// OnAppForeground resumes periodic exporting after the host app returns to
// the foreground.
func (b *Beacon) OnAppForeground() {
	b.periodic.OnAppForeground()
}

// OnAppBackground fires a final export attempt and pauses periodic
// exporting while the host app is suspended.
func (b *Beacon) OnAppBackground() {
	if err := b.signals.Flush(context.Background()); err != nil {
		b.logger.Error("failed to flush on background", "error", err)
	}
	b.periodic.OnAppBackground()
}
