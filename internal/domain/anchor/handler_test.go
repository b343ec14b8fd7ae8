package anchor

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/anchor/internal/platform/auth"
)

type fakeTrigger struct {
	report  *RunReport
	err     error
	limit   int
	running bool
}

func (f *fakeTrigger) Trigger(_ context.Context, limit int) (*RunReport, error) {
	f.limit = limit
	return f.report, f.err
}

func (f *fakeTrigger) Running() bool { return f.running }

func (f *fakeTrigger) LastReport() (*RunReport, error) { return f.report, f.err }

func newTestHandler(t *testing.T) (*Handler, QueueRepository, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	repo := newTestRepo(t, clock)
	h := NewHandler(repo, NewProducer(repo, nil, testLogger()), &fakeTrigger{})
	return h, repo, clock
}

func TestHandler_Enqueue(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()

	body := `{"record_id":"audit-export-1","hash":"abc123"}`
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	if err := h.Enqueue(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var a AnchorRequest
	json.Unmarshal(rec.Body.Bytes(), &a)
	if a.Status != StatusPending || a.Hash != "abc123" {
		t.Errorf("unexpected body %+v", a)
	}
}

func TestHandler_Enqueue_InvalidHash(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"record_id":"r","hash":"XYZ"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	err := h.Enqueue(e.NewContext(req, httptest.NewRecorder()))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_Get(t *testing.T) {
	h, repo, clock := newTestHandler(t)
	row := enqueueN(t, repo, clock, 1)[0]
	e := echo.New()

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("id")
	c.SetParamValues(row.ID.String())
	if err := h.Get(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues(uuid.NewString())
	var he *echo.HTTPError
	if err := h.Get(c); !errors.As(err, &he) || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}

	c = e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("id")
	c.SetParamValues("not-a-uuid")
	if err := h.Get(c); !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_ListAndStats(t *testing.T) {
	h, repo, clock := newTestHandler(t)
	rows := enqueueN(t, repo, clock, 3)
	at := clock.Now()
	repo.UpdateStatus(context.Background(), rows[0].ID, Transition{Status: StatusAnchored, BlockchainTxID: strPtr("0x1"), AnchoredAt: &at})
	e := echo.New()

	rec := httptest.NewRecorder()
	if err := h.List(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/anchors?status=pending&limit=1", nil), rec)); err != nil {
		t.Fatalf("List: %v", err)
	}
	var page struct {
		Data    []AnchorRequest `json:"data"`
		Total   int             `json:"total"`
		HasMore bool            `json:"has_more"`
	}
	json.Unmarshal(rec.Body.Bytes(), &page)
	if page.Total != 2 || len(page.Data) != 1 || !page.HasMore {
		t.Errorf("unexpected page total=%d len=%d has_more=%v", page.Total, len(page.Data), page.HasMore)
	}

	err := h.List(e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/anchors?status=bogus", nil), httptest.NewRecorder()))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown status, got %v", err)
	}

	rec = httptest.NewRecorder()
	if err := h.Stats(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var stats struct {
		Counts         map[string]int `json:"counts"`
		LastAnchoredAt *time.Time     `json:"last_anchored_at"`
	}
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if stats.Counts["pending"] != 2 || stats.Counts["anchored"] != 1 || stats.Counts["failed"] != 0 {
		t.Errorf("unexpected counts %v", stats.Counts)
	}
	if stats.LastAnchoredAt == nil || !stats.LastAnchoredAt.Equal(at) {
		t.Errorf("unexpected last_anchored_at %v", stats.LastAnchoredAt)
	}
}

func TestHandler_Run(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, clock)
	report := newRunReport("simulation", clock.Now())
	report.finish(clock.Now(), true)
	trigger := &fakeTrigger{report: report}
	h := NewHandler(repo, NewProducer(repo, nil, testLogger()), trigger)
	e := echo.New()

	rec := httptest.NewRecorder()
	if err := h.Run(e.NewContext(httptest.NewRequest(http.MethodPost, "/?limit=5", nil), rec)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Code != http.StatusOK || trigger.limit != 5 {
		t.Errorf("expected 200 with limit 5, got %d / %d", rec.Code, trigger.limit)
	}

	var he *echo.HTTPError
	err := h.Run(e.NewContext(httptest.NewRequest(http.MethodPost, "/?limit=-1", nil), httptest.NewRecorder()))
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %v", err)
	}

	trigger.err = ErrRunInProgress
	trigger.report = nil
	err = h.Run(e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), httptest.NewRecorder()))
	if !errors.As(err, &he) || he.Code != http.StatusConflict {
		t.Errorf("expected 409, got %v", err)
	}

	trigger.err = errors.New("select failed")
	trigger.report = report
	rec = httptest.NewRecorder()
	if err := h.Run(e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.Code != http.StatusInternalServerError {
		t.Errorf("expected 500 with the partial report, got %d", rec.Code)
	}
}

func TestHandler_LastRun(t *testing.T) {
	clock := newFakeClock()
	repo := newTestRepo(t, clock)
	trigger := &fakeTrigger{running: true}
	h := NewHandler(repo, NewProducer(repo, nil, testLogger()), trigger)
	e := echo.New()

	rec := httptest.NewRecorder()
	if err := h.LastRun(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	var body struct {
		Running bool       `json:"running"`
		Report  *RunReport `json:"report"`
		Error   string     `json:"error"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if !body.Running || body.Report != nil || body.Error != "" {
		t.Errorf("expected a running scheduler with no report yet, got %+v", body)
	}

	report := newRunReport("simulation", clock.Now())
	report.Processed = 2
	report.finish(clock.Now(), false)
	trigger.running = false
	trigger.report = report
	trigger.err = errors.New("select pending: db down")

	rec = httptest.NewRecorder()
	if err := h.LastRun(e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)); err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	body.Report = nil
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Running || body.Report == nil || body.Report.Processed != 2 || body.Error != "select pending: db down" {
		t.Errorf("unexpected last run %+v", body)
	}
}

func TestHandler_RoutesRequireRoles(t *testing.T) {
	h, _, _ := newTestHandler(t)
	e := echo.New()
	withRoles := func(roles ...string) echo.MiddlewareFunc {
		return func(next echo.HandlerFunc) echo.HandlerFunc {
			return func(c echo.Context) error {
				ctx := auth.WithRoles(c.Request().Context(), roles...)
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			}
		}
	}

	auditor := e.Group("/auditor", withRoles("auditor"))
	h.RegisterRoutes(auditor)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/auditor/anchors/stats", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("expected auditor to read stats, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auditor/anchors/run", nil))
	if rec.Code != http.StatusForbidden {
		t.Errorf("expected auditor to be forbidden from triggering runs, got %d", rec.Code)
	}
}
