// Package cline imports token usage from the local Cline task ledger
// and broadcasts changes to the dashboard.
package cline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	. "github.com/ki2pixel/kimiproxy/internal/logging"
	"github.com/ki2pixel/kimiproxy/internal/store"
)

// LedgerPathError marks an allowlist violation on the ledger path.
type LedgerPathError struct {
	Path   string
	Reason string
}

func (e LedgerPathError) Error() string {
	return fmt.Sprintf("ledger path rejected: %s (%s)", e.Path, e.Reason)
}

// LedgerSchemaError marks a ledger file with an unexpected shape.
type LedgerSchemaError struct {
	Reason string
}

func (e LedgerSchemaError) Error() string {
	return "ledger schema error: " + e.Reason
}

// ValidateAllowlistedPath enforces the strict ledger allowlist: the
// requested path must equal the canonically resolved allowlisted path,
// and symlinks are refused outright.
func ValidateAllowlistedPath(path, allowedPath string) (string, error) {
	if allowedPath == "" {
		return "", LedgerPathError{Path: path, Reason: "no ledger path configured"}
	}
	if path != allowedPath {
		return "", LedgerPathError{Path: path, Reason: "not the allowlisted ledger"}
	}

	info, err := os.Lstat(path)
	if err != nil {
		return "", LedgerPathError{Path: path, Reason: "not accessible"}
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return "", LedgerPathError{Path: path, Reason: "symlinks are refused"}
	}

	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", LedgerPathError{Path: path, Reason: "cannot resolve"}
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", LedgerPathError{Path: path, Reason: "cannot resolve"}
	}
	if resolved != abs {
		return "", LedgerPathError{Path: path, Reason: "resolved path differs"}
	}
	return resolved, nil
}

// ImportResult summarizes one ledger import.
type ImportResult struct {
	ImportedCount int   `json:"imported_count"`
	SkippedCount  int   `json:"skipped_count"`
	ErrorCount    int   `json:"error_count"`
	LatestTS      int64 `json:"latest_ts"`
}

// Importer reads the allowlisted ledger into the store.
type Importer struct {
	ledgerPath string
	store      *store.Store
}

// NewImporter creates an importer for the configured ledger path.
func NewImporter(ledgerPath string, st *store.Store) *Importer {
	return &Importer{ledgerPath: ledgerPath, store: st}
}

// GetLatestTS returns the newest imported timestamp.
func (im *Importer) GetLatestTS() (int64, error) {
	return im.store.GetLatestClineTS()
}

// GetUsageCount returns the number of imported rows.
func (im *Importer) GetUsageCount() (int64, error) {
	return im.store.CountClineTaskUsage()
}

// ImportLedger reads the ledger file, validates each entry and upserts
// valid rows. Invalid entries are skipped, not fatal.
func (im *Importer) ImportLedger() (*ImportResult, error) {
	resolved, err := ValidateAllowlistedPath(im.ledgerPath, im.ledgerPath)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, LedgerPathError{Path: resolved, Reason: "read failed"}
	}

	var entries []any
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, LedgerSchemaError{Reason: "ledger is not a JSON array"}
	}

	result := &ImportResult{}
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			result.SkippedCount++
			continue
		}

		taskID, _ := obj["id"].(string)
		if taskID == "" {
			result.SkippedCount++
			continue
		}

		ts, ok := coerceInt(obj["ts"])
		if !ok {
			result.SkippedCount++
			continue
		}

		tokensIn, _ := coerceInt(obj["tokensIn"])
		tokensOut, _ := coerceInt(obj["tokensOut"])
		totalCost, _ := coerceFloat(obj["totalCost"])
		modelID, _ := obj["modelId"].(string)

		usage := store.ClineUsage{
			TaskID:    taskID,
			TS:        ts,
			ModelID:   modelID,
			TokensIn:  tokensIn,
			TokensOut: tokensOut,
			TotalCost: totalCost,
		}
		if err := im.store.UpsertClineTaskUsage(usage); err != nil {
			L_warn("cline: failed to upsert ledger row", "task_id", taskID, "error", err)
			result.ErrorCount++
			continue
		}

		result.ImportedCount++
		if ts > result.LatestTS {
			result.LatestTS = ts
		}
	}

	return result, nil
}

// coerceInt accepts JSON numbers and numeric strings.
func coerceInt(value any) (int64, bool) {
	switch v := value.(type) {
	case float64:
		return int64(v), true
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

func coerceFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}
