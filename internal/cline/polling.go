package cline

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ki2pixel/kimiproxy/internal/config"
	. "github.com/ki2pixel/kimiproxy/internal/logging"
)

// Broadcaster is the WS hub surface the poller needs.
type Broadcaster interface {
	Broadcast(event map[string]any)
}

// LedgerReader is the importer surface the poller needs.
type LedgerReader interface {
	GetLatestTS() (int64, error)
	GetUsageCount() (int64, error)
	ImportLedger() (*ImportResult, error)
}

// PollingService periodically imports the Cline ledger and broadcasts
// only when the latest-timestamp watermark moved.
type PollingService struct {
	cfg      config.ClineConfig
	importer LedgerReader
	hub      Broadcaster
	cron     *cron.Cron
}

// NewPollingService creates the poller (not started).
func NewPollingService(cfg config.ClineConfig, importer LedgerReader, hub Broadcaster) *PollingService {
	return &PollingService{cfg: cfg, importer: importer, hub: hub}
}

// Start schedules the polling job. No-op when disabled.
func (s *PollingService) Start() error {
	if !s.cfg.Enabled {
		L_debug("cline: polling disabled")
		return nil
	}

	interval := s.cfg.IntervalSeconds
	if interval < 1 {
		interval = 30
	}

	s.cron = cron.New()
	spec := fmt.Sprintf("@every %ds", interval)
	if _, err := s.cron.AddFunc(spec, func() {
		if _, err := s.PollOnce(); err != nil {
			L_warn("cline: poll failed", "error", err)
		}
	}); err != nil {
		return err
	}
	s.cron.Start()
	L_info("cline: polling started", "interval_s", interval, "ledger", s.cfg.LedgerPath)
	return nil
}

// Stop stops the scheduler.
func (s *PollingService) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(2 * time.Second):
		}
	}
}

// PollOnce imports the ledger and broadcasts when the watermark
// changed. Returns whether a broadcast was sent.
func (s *PollingService) PollOnce() (bool, error) {
	before, err := s.importer.GetLatestTS()
	if err != nil {
		return false, err
	}

	result, err := s.importer.ImportLedger()
	if err != nil {
		return false, err
	}

	after, err := s.importer.GetLatestTS()
	if err != nil {
		return false, err
	}
	if after == before {
		return false, nil
	}

	count, err := s.importer.GetUsageCount()
	if err != nil {
		count = 0
	}

	s.hub.Broadcast(map[string]any{
		"type":           "cline_usage_updated",
		"latest_ts":      after,
		"latest_count":   count,
		"imported_count": result.ImportedCount,
		"skipped_count":  result.SkippedCount,
		"error_count":    result.ErrorCount,
	})
	return true, nil
}
