package reconciliation

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/revleak/pkg/money"
)

func newTestHandler() (*Handler, *fixture, *echo.Echo) {
	f := newFixture(0)
	return NewHandler(f.agg, money.DefaultExponent), f, echo.New()
}

func expectHTTPError(t *testing.T, err error, code int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != code {
		t.Errorf("expected %d, got %d (%v)", code, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_Daily(t *testing.T) {
	h, f, e := newTestHandler()
	f.ledger.PutVisit(billedVisit(reconDay.Add(10*time.Hour), 5000, 3000))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	c.SetParamNames("date")
	c.SetParamValues("2024-03-04")

	if err := h.Daily(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != string(StatusVarianceDetected) {
		t.Errorf("expected VARIANCE_DETECTED, got %v", resp["status"])
	}
	if resp["variance"].(float64) != 2000 || resp["variance_display"] != "20.00" {
		t.Errorf("unexpected variance fields %+v", resp)
	}
	if resp["expected_total_display"] != "50.00" || resp["actual_total_display"] != "30.00" {
		t.Errorf("unexpected display totals %+v", resp)
	}
}

func TestHandler_Daily_BadDate(t *testing.T) {
	h, _, e := newTestHandler()
	for _, d := range []string{"2024-13-01", "yesterday", ""} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
		c.SetParamNames("date")
		c.SetParamValues(d)
		expectHTTPError(t, h.Daily(c), http.StatusBadRequest)
	}
}

func TestHandler_Daily_UpstreamUnavailable(t *testing.T) {
	h, f, e := newTestHandler()
	f.ledger.SetFailure(errTest)

	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	c.SetParamNames("date")
	c.SetParamValues("2024-03-04")
	expectHTTPError(t, h.Daily(c), http.StatusServiceUnavailable)
}

func TestHandler_Summary(t *testing.T) {
	h, f, e := newTestHandler()
	f.ledger.PutVisit(billedVisit(reconDay.AddDate(0, 0, 1).Add(10*time.Hour), 5000, 1000))

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?from=2024-03-04&to=2024-03-06", nil), rec)

	if err := h.Summary(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Reports []struct {
			Date   string `json:"date"`
			Status Status `json:"status"`
		} `json:"reports"`
		Runs []Run `json:"unreconciled_runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Reports) != 3 {
		t.Fatalf("expected 3 reports, got %d", len(resp.Reports))
	}
	if len(resp.Runs) != 1 || resp.Runs[0].From != "2024-03-05" || resp.Runs[0].Variance != 4000 {
		t.Errorf("unexpected runs %+v", resp.Runs)
	}
}

func TestHandler_Summary_BadParams(t *testing.T) {
	h, _, e := newTestHandler()
	for _, q := range []string{"", "from=2024-03-04", "from=2024-03-06&to=2024-03-04", "from=x&to=2024-03-04"} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?"+q, nil), httptest.NewRecorder())
		expectHTTPError(t, h.Summary(c), http.StatusBadRequest)
	}
}

func TestHandler_Invalidate(t *testing.T) {
	h, f, e := newTestHandler()
	f.ledger.PutVisit(billedVisit(reconDay.Add(10*time.Hour), 5000, 5000))
	if _, err := f.agg.Daily(context.Background(), reconDay); err != nil {
		t.Fatalf("daily: %v", err)
	}

	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("date")
	c.SetParamValues("2024-03-04")

	if err := h.Invalidate(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusNoContent {
		t.Errorf("expected 204, got %d", rec.Code)
	}
	if _, err := f.cache.Get(context.Background(), "2024-03-04"); !errors.Is(err, ErrCacheMiss) {
		t.Errorf("expected the report to be gone, got %v", err)
	}
}
