package reconciliation

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/revleak/internal/platform/apperr"
)

type Handler struct {
	agg      *Aggregator
	exponent int32
}

func NewHandler(agg *Aggregator, exponent int32) *Handler {
	return &Handler{agg: agg, exponent: exponent}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/reconciliation")
	g.GET("/daily/:date", h.Daily)
	g.DELETE("/daily/:date/cache", h.Invalidate)
	g.GET("/summary", h.Summary)
}

type reportResponse struct {
	*Report
	ExpectedDisplay string `json:"expected_total_display"`
	ActualDisplay   string `json:"actual_total_display"`
	ResolvedDisplay string `json:"resolved_leak_total_display"`
	VarianceDisplay string `json:"variance_display"`
}

func (h *Handler) view(r *Report) reportResponse {
	return reportResponse{
		Report:          r,
		ExpectedDisplay: r.ExpectedTotal.Format(h.exponent),
		ActualDisplay:   r.ActualTotal.Format(h.exponent),
		ResolvedDisplay: r.ResolvedLeakTotal.Format(h.exponent),
		VarianceDisplay: r.Variance.Format(h.exponent),
	}
}

func (h *Handler) Daily(c echo.Context) error {
	day, err := h.agg.ParseDay("daily_aggregation", c.Param("date"))
	if err != nil {
		return httpError(err)
	}
	r, err := h.agg.Daily(c.Request().Context(), day)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(r))
}

func (h *Handler) Summary(c echo.Context) error {
	const op = "reconciliation_summary"
	if c.QueryParam("from") == "" || c.QueryParam("to") == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "from and to are required")
	}
	from, err := h.agg.ParseDay(op, c.QueryParam("from"))
	if err != nil {
		return httpError(err)
	}
	to, err := h.agg.ParseDay(op, c.QueryParam("to"))
	if err != nil {
		return httpError(err)
	}

	reports, err := h.agg.Summary(c.Request().Context(), from, to)
	if err != nil {
		return httpError(err)
	}
	views := make([]reportResponse, len(reports))
	for i, r := range reports {
		views[i] = h.view(r)
	}
	runs := UnreconciledRuns(reports)
	if runs == nil {
		runs = []Run{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"reports":           views,
		"unreconciled_runs": runs,
	})
}

func (h *Handler) Invalidate(c echo.Context) error {
	day, err := h.agg.ParseDay("invalidate_report", c.Param("date"))
	if err != nil {
		return httpError(err)
	}
	if err := h.agg.Invalidate(c.Request().Context(), day); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func httpError(err error) error {
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}
