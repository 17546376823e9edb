package leak

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/revleak/internal/domain/ledger"
	"github.com/ehr/revleak/internal/platform/apperr"
	"github.com/ehr/revleak/internal/platform/middleware"
	"github.com/ehr/revleak/pkg/pagination"
)

type Handler struct {
	svc      *Service
	loc      *time.Location
	exponent int32
}

func NewHandler(svc *Service, loc *time.Location, exponent int32) *Handler {
	if loc == nil {
		loc = time.UTC
	}
	return &Handler{svc: svc, loc: loc, exponent: exponent}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/revenue-leaks")
	g.POST("/scan", h.Scan)
	g.GET("", h.ListLeaks)
	g.GET("/summary", h.Summary)
	g.GET("/:id", h.GetLeak)
	g.GET("/:id/history", h.History)
	g.POST("/:id/transition", h.Transition)
}

type leakResponse struct {
	*RevenueLeak
	AmountDisplay string `json:"amount_display"`
}

func (h *Handler) view(l *RevenueLeak) leakResponse {
	return leakResponse{RevenueLeak: l, AmountDisplay: l.Amount.Format(h.exponent)}
}

type scanRequest struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Chunk string `json:"chunk,omitempty"`
}

func (h *Handler) Scan(c echo.Context) error {
	var req scanRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	tr, err := h.parseRange(req.From, req.To)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	var result *ScanResult
	if req.Chunk != "" {
		chunk, perr := time.ParseDuration(req.Chunk)
		if perr != nil || chunk <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid chunk duration")
		}
		result, err = h.svc.DetectChunked(c.Request().Context(), tr, chunk)
	} else {
		result, err = h.svc.DetectAll(c.Request().Context(), tr)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, result)
}

func (h *Handler) ListLeaks(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := ListFilter{Limit: pg.Limit, Cursor: pg.Cursor}

	if v := c.QueryParam("status"); v != "" {
		st, ok := ParseStatus(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown status %q", v))
		}
		f.Status = &st
	}
	if v := c.QueryParam("type"); v != "" {
		t, ok := ParseType(v)
		if !ok {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("unknown leak type %q", v))
		}
		f.Type = &t
	}
	if v := c.QueryParam("from"); v != "" {
		t, err := h.parseInstant(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.From = &t
	}
	if v := c.QueryParam("to"); v != "" {
		t, err := h.parseInstant(v)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		f.To = &t
	}

	page, err := h.svc.ListLeaks(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	items := make([]leakResponse, len(page.Items))
	for i, l := range page.Items {
		items[i] = h.view(l)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, pg.Limit, page.NextCursor))
}

func (h *Handler) Summary(c echo.Context) error {
	tr, err := h.parseRange(c.QueryParam("from"), c.QueryParam("to"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sum, err := h.svc.Summary(c.Request().Context(), tr)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"range":                tr,
		"cells":                sum.Cells,
		"total_count":          sum.TotalCount,
		"total_amount":         sum.TotalAmount,
		"total_amount_display": sum.TotalAmount.Format(h.exponent),
	})
}

func (h *Handler) GetLeak(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	l, err := h.svc.GetLeak(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(l))
}

func (h *Handler) History(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	events, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, events)
}

type transitionRequest struct {
	Target          string `json:"target_status"`
	Note            string `json:"note"`
	ExpectedVersion int    `json:"expected_version"`
}

func (h *Handler) Transition(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var body transitionRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	l, err := h.svc.Resolve(c.Request().Context(), TransitionRequest{
		LeakID:          id,
		Target:          Status(body.Target),
		Actor:           middleware.ActorFromContext(c),
		Note:            body.Note,
		ExpectedVersion: body.ExpectedVersion,
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.view(l))
}

// parseInstant accepts RFC 3339 or a bare date, read as midnight in the
// reconciliation timezone.
func (h *Handler) parseInstant(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if t, err := ledger.ParseDate(s, h.loc); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("invalid time %q, expected RFC 3339 or YYYY-MM-DD", s)
}

func (h *Handler) parseRange(from, to string) (ledger.TimeRange, error) {
	if from == "" || to == "" {
		return ledger.TimeRange{}, fmt.Errorf("from and to are required")
	}
	f, err := h.parseInstant(from)
	if err != nil {
		return ledger.TimeRange{}, err
	}
	t, err := h.parseInstant(to)
	if err != nil {
		return ledger.TimeRange{}, err
	}
	return ledger.TimeRange{From: f, To: t}, nil
}

func httpError(err error) error {
	if errors.Is(err, ErrScanInProgress) {
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	return echo.NewHTTPError(apperr.HTTPStatus(err), err.Error())
}
