package soapnote

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// Handler exposes the parser and serializer as stateless endpoints.
type Handler struct{}

func NewHandler() *Handler {
	return &Handler{}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/soap/parse", h.Parse)
	api.POST("/soap/serialize", h.Serialize)
}

type parseRequest struct {
	Narrative string `json:"narrative"`
}

func (h *Handler) Parse(c echo.Context) error {
	var req parseRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, Parse(req.Narrative))
}

type serializeRequest struct {
	Sections []Section `json:"sections"`
	Format   string    `json:"format"`
}

type serializeResponse struct {
	Narrative string `json:"narrative"`
}

func (h *Handler) Serialize(c echo.Context) error {
	var req serializeRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	format, err := ParseFormat(req.Format)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, serializeResponse{
		Narrative: SerializeAs(NewDocument(req.Sections...), format),
	})
}
