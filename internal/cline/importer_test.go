package cline

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ki2pixel/kimiproxy/internal/store"
)

func writeLedger(t *testing.T, path string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestValidateAllowlistedPathAcceptsExact(t *testing.T) {
	ledger := filepath.Join(t.TempDir(), "taskHistory.json")
	writeLedger(t, ledger, []any{})

	resolved, err := ValidateAllowlistedPath(ledger, ledger)
	if err != nil {
		t.Fatalf("error = %v", err)
	}
	if resolved == "" {
		t.Error("empty resolved path")
	}
}

func TestValidateAllowlistedPathRejectsOtherPath(t *testing.T) {
	dir := t.TempDir()
	ledger := filepath.Join(dir, "taskHistory.json")
	other := filepath.Join(dir, "other.json")
	writeLedger(t, ledger, []any{})
	writeLedger(t, other, []any{})

	_, err := ValidateAllowlistedPath(other, ledger)
	var pathErr LedgerPathError
	if !errors.As(err, &pathErr) {
		t.Fatalf("error = %v, want LedgerPathError", err)
	}
}

func TestValidateAllowlistedPathRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "taskHistory.json")
	writeLedger(t, target, []any{})

	link := filepath.Join(dir, "taskHistory_link.json")
	if err := os.Symlink(target, link); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	if _, err := ValidateAllowlistedPath(link, link); err == nil {
		t.Error("symlinked ledger should be refused")
	}
}

func TestImportLedgerValidAndInvalidRows(t *testing.T) {
	st := openTestStore(t)
	ledger := filepath.Join(t.TempDir(), "taskHistory.json")
	writeLedger(t, ledger, []any{
		map[string]any{"id": "t-1", "ts": 1000, "tokensIn": 10, "tokensOut": 5, "totalCost": 0.01, "modelId": "kimi"},
		map[string]any{"id": "t-2", "ts": "2000", "tokensIn": "20", "tokensOut": 10, "totalCost": "0.02", "modelId": ""},
		map[string]any{"id": "", "ts": 1, "tokensIn": 1, "tokensOut": 1, "totalCost": 0.0},
		"not-an-object",
	})

	im := NewImporter(ledger, st)
	result, err := im.ImportLedger()
	if err != nil {
		t.Fatalf("import error = %v", err)
	}

	if result.ImportedCount != 2 {
		t.Errorf("imported = %d", result.ImportedCount)
	}
	if result.SkippedCount < 2 {
		t.Errorf("skipped = %d", result.SkippedCount)
	}
	if result.ErrorCount != 0 {
		t.Errorf("errors = %d", result.ErrorCount)
	}
	if result.LatestTS != 2000 {
		t.Errorf("latest ts = %d", result.LatestTS)
	}

	rows, err := st.ListClineTaskUsage(10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d", len(rows))
	}
	if rows[0].TS < rows[1].TS {
		t.Error("rows not sorted ts DESC")
	}
	if rows[0].TS != 2000 || rows[0].TokensIn != 20 {
		t.Errorf("string coercion failed: %+v", rows[0])
	}
}

func TestImportLedgerSchemaErrorWhenNotArray(t *testing.T) {
	st := openTestStore(t)
	ledger := filepath.Join(t.TempDir(), "taskHistory.json")
	writeLedger(t, ledger, map[string]any{"hello": "world"})

	im := NewImporter(ledger, st)
	_, err := im.ImportLedger()
	var schemaErr LedgerSchemaError
	if !errors.As(err, &schemaErr) {
		t.Fatalf("error = %v, want LedgerSchemaError", err)
	}
}

func TestImportIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ledger := filepath.Join(t.TempDir(), "taskHistory.json")
	writeLedger(t, ledger, []any{
		map[string]any{"id": "t-1", "ts": 1000, "tokensIn": 1, "tokensOut": 1, "totalCost": 0.0},
	})

	im := NewImporter(ledger, st)
	im.ImportLedger()
	im.ImportLedger()

	count, _ := st.CountClineTaskUsage()
	if count != 1 {
		t.Errorf("count = %d after double import", count)
	}
}
