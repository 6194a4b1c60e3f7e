package session

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/quicksoap/quicksoap/internal/domain/capture"
	"github.com/quicksoap/quicksoap/internal/domain/dictation"
	"github.com/quicksoap/quicksoap/internal/domain/draftsync"
	"github.com/quicksoap/quicksoap/internal/domain/report"
	"github.com/quicksoap/quicksoap/internal/domain/soapnote"
	"github.com/quicksoap/quicksoap/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/ledger", h.GetLedger)
	api.PUT("/ledger/manual-input", h.SetManualInput)
	api.POST("/ledger/dictations", h.AddDictation)
	api.PATCH("/ledger/dictations/:id", h.UpdateDictation)
	api.DELETE("/ledger/dictations/:id", h.RemoveDictation)

	api.GET("/recording", h.GetRecording)
	api.POST("/recording/start", h.StartRecording)
	api.POST("/recording/pause", h.PauseRecording)
	api.POST("/recording/resume", h.ResumeRecording)
	api.POST("/recording/stop", h.StopRecording)
	api.POST("/recording/audio", h.FeedAudio)

	api.GET("/report", h.GetReport)
	api.PUT("/report", h.SaveReport)
	api.POST("/report/generate", h.Generate)
	api.PUT("/report/sections/:name", h.EditSection)
	api.POST("/report/finish", h.Finish)

	api.POST("/session/new", h.StartNew)
	api.POST("/session/rehydrate", h.Rehydrate)

	api.POST("/drafts/send", h.SendToDesktop)
	api.GET("/drafts/last-sent", h.LastSent)
	api.GET("/drafts/handoffs", h.PendingHandoffs)
	api.POST("/drafts/:id/adopt", h.Adopt)

	api.GET("/records", h.ListRecords)
	api.GET("/records/:id", h.GetRecord)
}

// httpError maps domain sentinels onto status codes.
func httpError(err error) *echo.HTTPError {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dictation.ErrNotFound),
		errors.Is(err, draftsync.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, capture.ErrSessionActive),
		errors.Is(err, capture.ErrBusy),
		errors.Is(err, capture.ErrNotRecording),
		errors.Is(err, report.ErrNoReport),
		errors.Is(err, draftsync.ErrVersionConflict),
		errors.Is(err, draftsync.ErrDeleteRefused),
		errors.Is(err, draftsync.ErrNotAdoptable):
		status = http.StatusConflict
	case errors.Is(err, report.ErrEmptyLedger),
		errors.Is(err, draftsync.ErrNothingToSend),
		errors.Is(err, capture.ErrEmptyTranscript):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, report.ErrGenerationFailed),
		errors.Is(err, capture.ErrTranscriptionFailed),
		errors.Is(err, draftsync.ErrSyncWriteFailed):
		status = http.StatusBadGateway
	case errors.Is(err, capture.ErrMicrophoneUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, draftsync.ErrNotAuthenticated):
		status = http.StatusUnauthorized
	}
	return echo.NewHTTPError(status, err.Error()).SetInternal(err)
}

func parseDictationID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid dictation id")
	}
	return id, nil
}

func parseRecordID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// -- Ledger --

func (h *Handler) GetLedger(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Ledger())
}

type manualInputRequest struct {
	Text string `json:"text"`
}

func (h *Handler) SetManualInput(c echo.Context) error {
	var req manualInputRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetManualInput(c.Request().Context(), req.Text); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.Ledger())
}

type addDictationRequest struct {
	Text    string `json:"text"`
	Summary string `json:"summary"`
}

// AddDictation appends a typed dictation, e.g. one transcribed client-side.
func (h *Handler) AddDictation(c echo.Context) error {
	var req addDictationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Text == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	d, err := h.svc.AddNote(c.Request().Context(), req.Text, req.Summary)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

type updateDictationRequest struct {
	Expanded *bool `json:"expanded"`
}

func (h *Handler) UpdateDictation(c echo.Context) error {
	id, err := parseDictationID(c)
	if err != nil {
		return err
	}
	var req updateDictationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Expanded == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "expanded is required")
	}
	if err := h.svc.SetExpanded(c.Request().Context(), id, *req.Expanded); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.Ledger())
}

func (h *Handler) RemoveDictation(c echo.Context) error {
	id, err := parseDictationID(c)
	if err != nil {
		return err
	}
	if err := h.svc.RemoveDictation(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Recording --

func (h *Handler) GetRecording(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.RecordingStatus())
}

func (h *Handler) StartRecording(c echo.Context) error {
	if err := h.svc.StartRecording(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.RecordingStatus())
}

func (h *Handler) PauseRecording(c echo.Context) error {
	if err := h.svc.PauseRecording(); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.RecordingStatus())
}

func (h *Handler) ResumeRecording(c echo.Context) error {
	if err := h.svc.ResumeRecording(); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, h.svc.RecordingStatus())
}

type stopResponse struct {
	AudioBytes int                  `json:"audio_bytes"`
	LargeInput bool                 `json:"large_input"`
	Warning    string               `json:"warning,omitempty"`
	Dictation  *dictation.Dictation `json:"dictation,omitempty"`
}

// StopRecording returns 202 while transcription runs in the background, or
// the new dictation with ?wait=true.
func (h *Handler) StopRecording(c echo.Context) error {
	res, err := h.svc.StopRecording(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	resp := stopResponse{AudioBytes: res.AudioBytes, LargeInput: res.LargeInput}
	if res.LargeInput {
		resp.Warning = "large recording, transcription may take several minutes"
	}
	if c.QueryParam("wait") != "true" {
		return c.JSON(http.StatusAccepted, resp)
	}

	select {
	case out := <-res.Done:
		if out.Err != nil {
			return httpError(out.Err)
		}
		resp.Dictation = &out.Dictation
		return c.JSON(http.StatusOK, resp)
	case <-c.Request().Context().Done():
		return echo.NewHTTPError(http.StatusRequestTimeout, "client went away, transcription continues")
	}
}

// FeedAudio appends raw little-endian PCM frames to the active recording.
func (h *Handler) FeedAudio(c echo.Context) error {
	data, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	n, err := h.svc.FeedAudio(data)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"accepted": n})
}

// -- Report --

func (h *Handler) GetReport(c echo.Context) error {
	rep, ok := h.svc.CurrentReport()
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no report")
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Generate(c echo.Context) error {
	rep, err := h.svc.Generate(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) SaveReport(c echo.Context) error {
	var doc soapnote.Document
	if err := c.Bind(&doc); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rep, err := h.svc.SaveEdits(c.Request().Context(), soapnote.NewDocument(doc.Sections...))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

type editSectionRequest struct {
	Content string `json:"content"`
}

func (h *Handler) EditSection(c echo.Context) error {
	name, ok := soapnote.ParseSectionName(c.Param("name"))
	if !ok {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown section: "+c.Param("name"))
	}
	var req editSectionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	rep, err := h.svc.EditSection(c.Request().Context(), name, req.Content)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

func (h *Handler) Finish(c echo.Context) error {
	if err := h.svc.Finish(c.Request().Context()); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Session and drafts --

func (h *Handler) StartNew(c echo.Context) error {
	res, err := h.svc.StartNew(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) Rehydrate(c echo.Context) error {
	rec, err := h.svc.Rehydrate(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if rec == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) SendToDesktop(c echo.Context) error {
	if h.svc.Role() != draftsync.RoleMobile {
		return echo.NewHTTPError(http.StatusBadRequest, "only mobile devices send drafts")
	}
	rec, err := h.svc.SendToDesktop(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, rec)
}

func (h *Handler) LastSent(c echo.Context) error {
	id, ok, err := h.svc.LastSentID(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	if !ok {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id.String()})
}

func (h *Handler) PendingHandoffs(c echo.Context) error {
	refresh := c.QueryParam("refresh") == "true"
	items, err := h.svc.PendingHandoffs(c.Request().Context(), refresh)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"data": items, "total": len(items)})
}

func (h *Handler) Adopt(c echo.Context) error {
	id, err := parseRecordID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Adopt(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) ListRecords(c echo.Context) error {
	pg := pagination.FromContext(c)
	draftsOnly := c.QueryParam("drafts") == "true"
	items, total, err := h.svc.Records(c.Request().Context(), draftsOnly, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	resp := pagination.NewResponse(items, total, pg).WithNext(c.Request().URL.Path, c.QueryParams())
	return c.JSON(http.StatusOK, resp)
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := parseRecordID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Record(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rec)
}
