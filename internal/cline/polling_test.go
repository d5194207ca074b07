package cline

import (
	"testing"

	"github.com/ki2pixel/kimiproxy/internal/config"
)

type fakeBroadcaster struct {
	events []map[string]any
}

func (f *fakeBroadcaster) Broadcast(event map[string]any) {
	f.events = append(f.events, event)
}

type fakeImporter struct {
	beforeTS      int64
	afterTS       int64
	importedCount int
	tsCalls       int
	countCalls    int
}

func (f *fakeImporter) GetLatestTS() (int64, error) {
	f.tsCalls++
	if f.tsCalls == 1 {
		return f.beforeTS, nil
	}
	return f.afterTS, nil
}

func (f *fakeImporter) GetUsageCount() (int64, error) {
	f.countCalls++
	return 11, nil
}

func (f *fakeImporter) ImportLedger() (*ImportResult, error) {
	return &ImportResult{ImportedCount: f.importedCount, LatestTS: f.afterTS}, nil
}

func pollingConfig() config.ClineConfig {
	return config.ClineConfig{Enabled: true, IntervalSeconds: 1}
}

func TestPollOnceNoChangeNoBroadcast(t *testing.T) {
	hub := &fakeBroadcaster{}
	importer := &fakeImporter{beforeTS: 123, afterTS: 123, importedCount: 1}
	svc := NewPollingService(pollingConfig(), importer, hub)

	sent, err := svc.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if sent {
		t.Error("no change should not broadcast")
	}
	if len(hub.events) != 0 {
		t.Errorf("events = %v", hub.events)
	}
}

func TestPollOnceChangeBroadcasts(t *testing.T) {
	hub := &fakeBroadcaster{}
	importer := &fakeImporter{beforeTS: 100, afterTS: 200, importedCount: 3}
	svc := NewPollingService(pollingConfig(), importer, hub)

	sent, err := svc.PollOnce()
	if err != nil {
		t.Fatal(err)
	}
	if !sent {
		t.Fatal("change should broadcast")
	}
	if len(hub.events) != 1 {
		t.Fatalf("events = %d", len(hub.events))
	}

	event := hub.events[0]
	if event["type"] != "cline_usage_updated" {
		t.Errorf("type = %v", event["type"])
	}
	if event["latest_ts"].(int64) != 200 {
		t.Errorf("latest_ts = %v", event["latest_ts"])
	}
	if event["imported_count"].(int) != 3 {
		t.Errorf("imported_count = %v", event["imported_count"])
	}
	if event["latest_count"].(int64) != 11 {
		t.Errorf("latest_count = %v", event["latest_count"])
	}
}

func TestStartDisabledIsNoOp(t *testing.T) {
	svc := NewPollingService(config.ClineConfig{Enabled: false}, &fakeImporter{}, &fakeBroadcaster{})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start error = %v", err)
	}
	svc.Stop()
}
