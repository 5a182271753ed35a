// Package config holds the resolved configuration snapshot consumed by the
// batching and export pipeline. Loading and remote-config merging happen
// outside the SDK core; this package only applies defaults and bounds.
package config

import "time"

const (
	// Bounds for the on-device disk budget. Values outside this range are
	// clamped, never rejected.
	MinDiskUsageInMb = 20
	MaxDiskUsageInMb = 1500
)

// Config is the pipeline configuration. The zero value is usable after
// ApplyDefaults.
type Config struct {
	// MaxEventsInBatch caps the number of signals grouped into one batch.
	MaxEventsInBatch int

	// MaxAttachmentSizeInEventsBatchBytes caps the cumulative attachment
	// bytes referenced by one batch's events.
	MaxAttachmentSizeInEventsBatchBytes int64

	// EventsBatchingInterval is the heartbeat period for periodic export
	// and the minimum spacing between batch creations.
	EventsBatchingInterval time.Duration

	// MaxExportJitterInterval bounds the random delay before the first
	// heartbeat pulse, spreading load across app instances.
	MaxExportJitterInterval time.Duration

	// BatchExportInterval is the pause between transmitting consecutive
	// batches within one export cycle.
	BatchExportInterval time.Duration

	// AttachmentExportBaseDelay is the fixed part of the pause between
	// consecutive attachment uploads; a random jitter up to
	// AttachmentExportMaxJitter is added on top.
	AttachmentExportBaseDelay time.Duration
	AttachmentExportMaxJitter time.Duration

	// MaxDiskUsageInMb is the estimated on-device storage ceiling; exceeding
	// it triggers eviction of the oldest non-live session.
	MaxDiskUsageInMb int

	// EstimatedEventSizeInKb is the per-signal size heuristic used to
	// estimate disk usage without serializing every row.
	EstimatedEventSizeInKb int

	// RequestTimeout applies to every outbound HTTP request.
	RequestTimeout time.Duration

	// MaxInMemorySignalsQueueSize bounds the in-memory signal buffer; a
	// full buffer forces a flush to the database.
	MaxInMemorySignalsQueueSize int

	// MaxAttachmentsPage is the page size when fetching attachments ready
	// for upload.
	MaxAttachmentsPage int

	// MaxInlinePayloadBytes is the ceiling for storing an event payload in
	// the database; larger payloads are offloaded to a file.
	MaxInlinePayloadBytes int

	// ExportAllowedTypes lists event types exported even from sessions not
	// marked for reporting.
	ExportAllowedTypes []string
}

// Default returns the production configuration.
func Default() Config {
	var c Config
	c.ApplyDefaults()
	return c
}

// ApplyDefaults fills zero fields with production defaults and clamps the
// disk budget into its supported range.
func (c *Config) ApplyDefaults() {
	if c.MaxEventsInBatch == 0 {
		c.MaxEventsInBatch = 500
	}
	if c.MaxAttachmentSizeInEventsBatchBytes == 0 {
		c.MaxAttachmentSizeInEventsBatchBytes = 3_000_000
	}
	if c.EventsBatchingInterval == 0 {
		c.EventsBatchingInterval = 30 * time.Second
	}
	if c.MaxExportJitterInterval == 0 {
		c.MaxExportJitterInterval = 5 * time.Second
	}
	if c.BatchExportInterval == 0 {
		c.BatchExportInterval = time.Second
	}
	if c.AttachmentExportBaseDelay == 0 {
		c.AttachmentExportBaseDelay = 500 * time.Millisecond
	}
	if c.AttachmentExportMaxJitter == 0 {
		c.AttachmentExportMaxJitter = 500 * time.Millisecond
	}
	if c.MaxDiskUsageInMb == 0 {
		c.MaxDiskUsageInMb = 50
	}
	if c.MaxDiskUsageInMb < MinDiskUsageInMb {
		c.MaxDiskUsageInMb = MinDiskUsageInMb
	}
	if c.MaxDiskUsageInMb > MaxDiskUsageInMb {
		c.MaxDiskUsageInMb = MaxDiskUsageInMb
	}
	if c.EstimatedEventSizeInKb == 0 {
		c.EstimatedEventSizeInKb = 2
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.MaxInMemorySignalsQueueSize == 0 {
		c.MaxInMemorySignalsQueueSize = 30
	}
	if c.MaxAttachmentsPage == 0 {
		c.MaxAttachmentsPage = 10
	}
	if c.MaxInlinePayloadBytes == 0 {
		c.MaxInlinePayloadBytes = 16 * 1024
	}
	if c.ExportAllowedTypes == nil {
		c.ExportAllowedTypes = []string{"cold_launch"}
	}
}
