package labtemplate

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/opsdash/opsdash/internal/platform/auth"
	"github.com/opsdash/opsdash/pkg/pagination"
)

type Handler struct {
	store *Store
	repo  TemplateRepository
}

func NewHandler(store *Store, repo TemplateRepository) *Handler {
	return &Handler{store: store, repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	role := auth.RequireRole("admin", "lab", "clinician")

	g := api.Group("/test-templates", role)
	g.GET("", h.GetState)
	g.POST("/reload", h.Reload)
	g.GET("/search", h.Search)
	g.PUT("/filters/:field", h.SetFilter)
	g.DELETE("/filters", h.ClearFilters)

	g.GET("/selection", h.GetSelection)
	g.GET("/selection/details", h.GetSelectionDetails)
	g.PUT("/selection/:id", h.Select)
	g.DELETE("/selection/:id", h.Deselect)
	g.DELETE("/selection", h.ClearSelection)

	g.GET("/:id", h.GetTemplate)
	g.GET("/:id/form-rows", h.GetFormRows)
	g.POST("/:id/form-rows/classify", h.ClassifyFormRows)
}

type stateResponse struct {
	Templates           *pagination.Response `json:"templates"`
	SelectedTemplateIDs []string             `json:"selected_template_ids"`
	Loading             bool                 `json:"loading"`
	Error               string               `json:"error,omitempty"`
	Filters             FilterSet            `json:"filters"`
	Metadata            Metadata             `json:"metadata"`
	Version             uint64               `json:"version"`
}

func newStateResponse(st State, pg pagination.Params) stateResponse {
	return stateResponse{
		Templates:           pagination.NewResponse(pagination.Page(st.Templates, pg), len(st.Templates), pg.Limit, pg.Offset),
		SelectedTemplateIDs: st.SelectedTemplateIDs,
		Loading:             st.Loading,
		Error:               st.Error,
		Filters:             st.Filters,
		Metadata:            st.Metadata,
		Version:             st.Version,
	}
}

type selectionResponse struct {
	SelectedTemplateIDs []string `json:"selected_template_ids"`
}

// storeContext keeps the request's values but not its cancellation: a client
// that hangs up must not turn a shared catalogue query into an error state.
func storeContext(c echo.Context) context.Context {
	return context.WithoutCancel(c.Request().Context())
}

func (h *Handler) GetState(c echo.Context) error {
	return c.JSON(http.StatusOK, newStateResponse(h.store.State(), pagination.FromContext(c)))
}

// Reload refetches the catalogue and re-applies the active filters to it.
func (h *Handler) Reload(c echo.Context) error {
	h.store.Reload(storeContext(c))
	return c.JSON(http.StatusOK, newStateResponse(h.store.State(), pagination.FromContext(c)))
}

func (h *Handler) Search(c echo.Context) error {
	filters := FilterSet{
		SearchTerm:  c.QueryParam("q"),
		Category:    c.QueryParam("category"),
		SampleType:  c.QueryParam("sample_type"),
		Methodology: c.QueryParam("methodology"),
	}
	h.store.Search(storeContext(c), filters)
	return c.JSON(http.StatusOK, newStateResponse(h.store.State(), pagination.FromContext(c)))
}

type filterRequest struct {
	Value string `json:"value"`
}

var filterAliases = map[string]FilterField{
	"searchterm":  FieldSearchTerm,
	"search_term": FieldSearchTerm,
	"q":           FieldSearchTerm,
	"category":    FieldCategory,
	"sampletype":  FieldSampleType,
	"sample_type": FieldSampleType,
	"methodology": FieldMethodology,
}

// SetFilter answers 202: the search runs in the background and its result
// reaches clients through the state endpoint or the websocket.
func (h *Handler) SetFilter(c echo.Context) error {
	field, ok := filterAliases[strings.ToLower(c.Param("field"))]
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, ErrUnknownFilterField.Error())
	}
	var req filterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.store.SetFilter(field, req.Value); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusAccepted, newStateResponse(h.store.State(), pagination.FromContext(c)))
}

func (h *Handler) ClearFilters(c echo.Context) error {
	h.store.ClearFilters(storeContext(c))
	return c.JSON(http.StatusOK, newStateResponse(h.store.State(), pagination.FromContext(c)))
}

func (h *Handler) GetSelection(c echo.Context) error {
	return c.JSON(http.StatusOK, selectionResponse{SelectedTemplateIDs: h.store.State().SelectedTemplateIDs})
}

func (h *Handler) GetSelectionDetails(c echo.Context) error {
	items, err := h.store.SelectedDetails(c.Request().Context())
	if err != nil {
		return fetchHTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) Select(c echo.Context) error {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	h.store.SelectTemplate(id)
	return h.GetSelection(c)
}

func (h *Handler) Deselect(c echo.Context) error {
	h.store.DeselectTemplate(c.Param("id"))
	return h.GetSelection(c)
}

func (h *Handler) ClearSelection(c echo.Context) error {
	h.store.ClearSelection()
	return c.NoContent(http.StatusNoContent)
}

// lookup prefers the store's current view and falls back to the repository
// for templates that are filtered out or not loaded yet. Inactive templates
// are reported as missing.
func (h *Handler) lookup(c echo.Context) (Template, error) {
	id := c.Param("id")
	if t, ok := h.store.GetByID(id); ok {
		return t, nil
	}
	t, err := h.repo.GetByID(c.Request().Context(), id)
	if errors.Is(err, ErrNotFound) {
		return Template{}, echo.NewHTTPError(http.StatusNotFound, "test template not found")
	}
	if err != nil {
		return Template{}, echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !t.IsActive {
		return Template{}, echo.NewHTTPError(http.StatusNotFound, "test template not found")
	}
	return *t, nil
}

func (h *Handler) GetTemplate(c echo.Context) error {
	t, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, t)
}

func (h *Handler) GetFormRows(c echo.Context) error {
	t, err := h.lookup(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"template_id": t.ID, "rows": ToFormRows(t)})
}

type classifyRequest struct {
	// Values are keyed by parameter id or parameter name.
	Values map[string]string `json:"values"`
}

func (h *Handler) ClassifyFormRows(c echo.Context) error {
	t, err := h.lookup(c)
	if err != nil {
		return err
	}
	var req classifyRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	rows := ToFormRows(t)
	for i := range rows {
		v, ok := req.Values[rows[i].ParameterID]
		if !ok {
			v, ok = req.Values[rows[i].ParameterName]
		}
		if !ok {
			continue
		}
		rows[i].Value = v
		rows[i].Status = ClassifyValue(rows[i], strings.TrimSpace(v))
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"template_id": t.ID, "rows": rows})
}

func fetchHTTPError(err error) error {
	if errors.Is(err, ErrFetchFailure) {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
