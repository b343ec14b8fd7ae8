package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/ehr/anchor/internal/config"
	"github.com/ehr/anchor/internal/domain/anchor"
	"github.com/ehr/anchor/internal/platform/hipaa"
)

func testConfig() *config.Config {
	return &config.Config{
		Env:                      "development",
		DatabaseURL:              "sqlite::memory:",
		BlockchainRPCTimeout:     time.Second,
		BlockchainConfirmTimeout: time.Second,
		WebhookTimeout:           time.Second,
		AnchorInterval:           time.Minute,
		AnchorBatchLimit:         10,
		AnchorMaxRetries:         3,
		AnchorCooldown:           6 * time.Hour,
		AnchorLogLimit:           100,
	}
}

func newTestApp(t *testing.T, cfg *config.Config) *app {
	t.Helper()
	a, err := newApp(context.Background(), cfg, zerolog.New(os.Stderr).Level(zerolog.Disabled))
	if err != nil {
		t.Fatalf("newApp: %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func seedAuditLogs(t *testing.T, a *app, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := a.audit.LogEvent(context.Background(), hipaa.NewReadEvent("user-1", "Patient", "p-1")); err != nil {
			t.Fatalf("LogEvent: %v", err)
		}
	}
}

func TestNewApp_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.SimulationFailureRate = 2
	if _, err := newApp(context.Background(), cfg, zerolog.Nop()); err == nil {
		t.Fatal("expected invalid config to be rejected")
	}
}

func TestRunAnchor_AnchorsExportThenHonoursCooldown(t *testing.T) {
	a := newTestApp(t, testConfig())
	seedAuditLogs(t, a, 3)
	ctx := context.Background()

	res, err := runAnchor(ctx, a, anchorOptions{logs: 100})
	if err != nil {
		t.Fatalf("runAnchor: %v", err)
	}
	if !res.Success || res.Skipped {
		t.Fatalf("expected a successful run, got %+v", res)
	}
	if res.Export == nil || res.Export.Count != 3 || len(res.Export.Hash) != 64 {
		t.Fatalf("unexpected export %+v", res.Export)
	}
	if res.Report.Anchored != 1 || res.Report.Mode != "simulation" {
		t.Errorf("expected the export to be anchored in simulation, got %s", res.Report)
	}

	row, err := a.stores.queue.GetByID(ctx, res.Export.Anchor.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if row.Status != anchor.StatusAnchored || row.BlockchainTxID == nil {
		t.Errorf("expected anchored row with tx id, got %+v", row)
	}

	again, err := runAnchor(ctx, a, anchorOptions{logs: 100})
	if err != nil {
		t.Fatalf("second runAnchor: %v", err)
	}
	if !again.Skipped || !again.Success || again.LastAnchoredAt == nil {
		t.Errorf("expected cooldown skip, got %+v", again)
	}

	forced, err := runAnchor(ctx, a, anchorOptions{logs: 100, force: true})
	if err != nil {
		t.Fatalf("forced runAnchor: %v", err)
	}
	if forced.Skipped || forced.Report.Anchored != 1 {
		t.Errorf("expected forced run to anchor, got %+v", forced)
	}
	// The first export wrote its own audit event.
	if forced.Export.Count != 4 {
		t.Errorf("expected 4 audit logs in second export, got %d", forced.Export.Count)
	}
}

func TestRunAnchor_ExportIsNotStarvedByBacklog(t *testing.T) {
	a := newTestApp(t, testConfig())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if _, err := a.producer.Enqueue(ctx, fmt.Sprintf("older-%d", i), fmt.Sprintf("%064x", i+1)); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	seedAuditLogs(t, a, 2)

	res, err := runAnchor(ctx, a, anchorOptions{logs: 100, limit: 4})
	if err != nil {
		t.Fatalf("runAnchor: %v", err)
	}
	if !res.Success || res.Report.Anchored != 1 {
		t.Fatalf("expected the export to be anchored, got %+v", res)
	}
	if res.Export.Anchor.Status != anchor.StatusAnchored {
		t.Errorf("expected export row anchored in the report, got %s", res.Export.Anchor.Status)
	}

	row, err := a.stores.queue.GetByID(ctx, res.Export.Anchor.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if row.Status != anchor.StatusAnchored {
		t.Errorf("expected export row anchored, got %s", row.Status)
	}
	if res.Backlog == nil || res.Backlog.Processed != 4 {
		t.Errorf("expected 4 backlog rows processed, got %+v", res.Backlog)
	}

	counts, _ := a.stores.queue.CountByStatus(ctx)
	if counts[anchor.StatusPending] != 6 {
		t.Errorf("expected 6 backlog rows left pending, got %v", counts)
	}
}

func TestRunAnchor_FailsWhenExportNotAnchored(t *testing.T) {
	cfg := testConfig()
	cfg.SimulationFailureRate = 1
	a := newTestApp(t, cfg)
	seedAuditLogs(t, a, 2)
	ctx := context.Background()

	res, err := runAnchor(ctx, a, anchorOptions{logs: 100})
	if err == nil {
		t.Fatal("expected an error when the export stays pending")
	}
	if res.Success || !strings.Contains(res.Error, "not anchored") {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Export.Anchor.Status != anchor.StatusPending || res.Export.Anchor.RetryCount != 1 {
		t.Errorf("expected pending export with one retry, got %+v", res.Export.Anchor)
	}
	if res.Backlog != nil {
		t.Error("expected no backlog run after a failed export")
	}
}

func TestEncodeReport(t *testing.T) {
	res := &anchorResult{Success: false, Error: "batch run: select pending: db down"}

	var buf bytes.Buffer
	if err := encodeReport(&buf, res, "json"); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json: %v", err)
	}
	if decoded["success"] != false || decoded["error"] != res.Error {
		t.Errorf("unexpected json report %v", decoded)
	}
	if _, ok := decoded["skipped"]; ok {
		t.Error("expected skipped to be omitted")
	}

	buf.Reset()
	if err := encodeReport(&buf, res, "yaml"); err != nil {
		t.Fatalf("yaml: %v", err)
	}
	var fromYAML map[string]interface{}
	if err := yaml.Unmarshal(buf.Bytes(), &fromYAML); err != nil {
		t.Fatalf("decode yaml: %v", err)
	}
	if fromYAML["error"] != res.Error {
		t.Errorf("unexpected yaml report %v", fromYAML)
	}

	if err := encodeReport(&buf, res, "xml"); err == nil {
		t.Error("expected unknown format to fail")
	}
}

func TestWriteReport_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "report.json")
	if err := writeReport(path, "json", &anchorResult{Success: true}); err != nil {
		t.Fatalf("writeReport: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read report: %v", err)
	}
	if !strings.Contains(string(data), `"success": true`) {
		t.Errorf("unexpected report file %s", data)
	}
}

func TestServer_Routes(t *testing.T) {
	a := newTestApp(t, testConfig())
	sched := anchor.NewScheduler(a.runner, time.Minute, 10, false, zerolog.Nop())
	e := newServer(a, sched)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"mode":"simulation"`) {
		t.Errorf("unexpected health response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/anchors",
		strings.NewReader(`{"record_id":"export-1","hash":"abc123"}`))
	req.Header.Set("Content-Type", "application/json")
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/anchors/run", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"anchored":1`) {
		t.Errorf("unexpected run response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/anchors/runs/last", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"running":false`) ||
		!strings.Contains(rec.Body.String(), `"anchored":1`) {
		t.Errorf("unexpected last run response %d %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/webhook-events", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for webhook events, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "anchor_transitions_total") {
		t.Error("expected pipeline metrics in exposition")
	}

	logs, err := a.audit.ListForExport(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListForExport: %v", err)
	}
	if len(logs) != 2 {
		t.Errorf("expected the two admin writes to be audited, got %d", len(logs))
	}
}

func TestServer_RequiresTokenOutsideDevelopment(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "staging"
	cfg.AdminJWTSecret = "test-secret"
	a := newTestApp(t, cfg)
	e := newServer(a, anchor.NewScheduler(a.runner, time.Minute, 10, false, zerolog.Nop()))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/anchors", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected public health check, got %d", rec.Code)
	}
}

func TestMigrationSource(t *testing.T) {
	if _, err := migrationSource("").Open("001_audit_log.sql"); err != nil {
		t.Errorf("expected embedded migrations: %v", err)
	}
	dir := t.TempDir()
	os.WriteFile(filepath.Join(dir, "001_x.sql"), []byte("SELECT 1;"), 0o644)
	if _, err := migrationSource(dir).Open("001_x.sql"); err != nil {
		t.Errorf("expected directory override: %v", err)
	}
}
