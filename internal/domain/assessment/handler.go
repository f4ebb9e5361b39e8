package assessment

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/intake/internal/platform/auth"
	"github.com/ehr/intake/internal/platform/configerr"
	"github.com/ehr/intake/internal/platform/flow"
	"github.com/ehr/intake/internal/platform/rules"
	"github.com/ehr/intake/internal/platform/scoring"
	"github.com/ehr/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleIntake))
	read.GET("/template", h.GetTemplate)
	read.GET("/assessments", h.ListAssessments)
	read.GET("/assessments/:id", h.GetAssessment)
	read.GET("/assessments/:id/flow", h.GetFlow)
	read.GET("/assessments/:id/next", h.GetNext)
	read.GET("/assessments/:id/export-eligibility", h.GetExportEligibility)
	read.GET("/rules/status", h.GetRulesStatus)

	write := api.Group("", auth.RequireRole(auth.RoleClinician, auth.RoleIntake))
	write.POST("/assessments", h.CreateAssessment)
	write.PUT("/assessments/:id/answers/:question_id", h.SetAnswer)
	write.DELETE("/assessments/:id/answers/:question_id", h.ClearAnswer)
	write.POST("/assessments/:id/complete", h.CompleteAssessment)

	clinical := api.Group("", auth.RequireRole(auth.RoleClinician))
	clinical.DELETE("/assessments/:id", h.RetractAssessment)
	clinical.POST("/rules/evaluate", h.EvaluateRules)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/rules/reload", h.ReloadRules)
}

// httpError maps service errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "assessment not found")
	case errors.Is(err, flow.ErrUnknownQuestion), errors.Is(err, ErrInvalidAnswer):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrClosed), errors.Is(err, ErrIncomplete):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNoReloader):
		return echo.NewHTTPError(http.StatusNotImplemented, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error()).SetInternal(err)
}

func assessmentID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func (h *Handler) GetTemplate(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Template())
}

type createRequest struct {
	PatientID uuid.UUID `json:"patient_id"`
}

func (h *Handler) CreateAssessment(c echo.Context) error {
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.PatientID == uuid.Nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	ctx := c.Request().Context()
	a, err := h.svc.Create(ctx, req.PatientID, auth.UserIDFromContext(ctx))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) GetAssessment(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) ListAssessments(c echo.Context) error {
	pid, err := uuid.Parse(c.QueryParam("patient_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id query parameter is required")
	}
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListByPatient(c.Request().Context(), pid, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewPage(items, total, pg, c.Request().URL.Path, c.QueryParams()))
}

type answerRequest struct {
	Value any `json:"value"`
}

func (h *Handler) SetAnswer(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	var req answerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Value == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "value is required")
	}
	st, err := h.svc.SetAnswer(c.Request().Context(), id, c.Param("question_id"), req.Value)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) ClearAnswer(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.ClearAnswer(c.Request().Context(), id, c.Param("question_id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

func (h *Handler) GetFlow(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	st, err := h.svc.Flow(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, st)
}

type nextResponse struct {
	QuestionID string `json:"question_id,omitempty"`
	Done       bool   `json:"done"`
}

func (h *Handler) GetNext(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	next, ok, err := h.svc.Next(c.Request().Context(), id, c.QueryParam("after"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, nextResponse{QuestionID: next, Done: !ok})
}

func (h *Handler) CompleteAssessment(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetExportEligibility(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.ExportEligibility(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) RetractAssessment(c echo.Context) error {
	id, err := assessmentID(c)
	if err != nil {
		return err
	}
	a, err := h.svc.MarkEnteredInError(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, a)
}

func (h *Handler) GetRulesStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.RulesStatus())
}

type evaluateRequest struct {
	Severities map[string]int `json:"severities"`
	Facts      map[string]any `json:"facts"`
}

// EvaluateRules runs the rule engine on caller-supplied severities. An
// unavailable engine still answers 200 with the labelled fallback.
func (h *Handler) EvaluateRules(c echo.Context) error {
	var req evaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(req.Severities) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "severities are required")
	}
	for cat, s := range req.Severities {
		if s < scoring.MinSeverity || s > scoring.MaxSeverity {
			return echo.NewHTTPError(http.StatusBadRequest,
				fmt.Sprintf("severity %s must be between %d and %d", cat, scoring.MinSeverity, scoring.MaxSeverity))
		}
	}
	return c.JSON(http.StatusOK, h.svc.Evaluate(req.Severities, req.Facts))
}

type reloadResponse struct {
	Status rules.Status `json:"status"`
	Error  string       `json:"error,omitempty"`
}

func (h *Handler) ReloadRules(c echo.Context) error {
	st, err := h.svc.ReloadRules()
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, reloadResponse{Status: st})
	case errors.Is(err, ErrNoReloader):
		return httpError(err)
	}
	code := http.StatusServiceUnavailable
	if _, ok := configerr.Issues(err); ok {
		code = http.StatusUnprocessableEntity
	}
	return c.JSON(code, reloadResponse{Status: st, Error: err.Error()})
}
