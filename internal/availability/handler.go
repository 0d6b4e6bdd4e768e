package availability

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/telehealth-scheduling/internal/http/respond"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Handler exposes the practitioner-facing schedule editor endpoints.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

// NewHandler creates a new availability HTTP handler.
func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on a router already scoped to
// /v1/practitioners/{practitionerID}. editGuard, when set, wraps every mutation.
func (h *Handler) Register(r chi.Router, editGuard func(http.Handler) http.Handler) {
	r.Get("/availability", h.GetSchedule)
	r.Group(func(r chi.Router) {
		if editGuard != nil {
			r.Use(editGuard)
		}
		r.Post("/availability", h.CreateSchedule)
		r.Put("/availability/days/{day}/windows", h.SetDayWindows)
		r.Post("/availability/days/{day}/windows", h.AddWindow)
		r.Delete("/availability/days/{day}/windows/{index}", h.RemoveWindow)
		r.Patch("/availability/days/{day}", h.ToggleDay)
		r.Put("/blocked-dates/{date}", h.BlockDate)
		r.Delete("/blocked-dates/{date}", h.UnblockDate)
	})
}

// GetSchedule returns the practitioner's schedule.
// GET /v1/practitioners/{practitionerID}/availability
func (h *Handler) GetSchedule(w http.ResponseWriter, r *http.Request) {
	sched, err := h.svc.Get(r.Context(), chi.URLParam(r, "practitionerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSchedule(w, http.StatusOK, sched)
}

type createScheduleRequest struct {
	Timezone           string `json:"timezone"`
	UseDefaultTemplate *bool  `json:"use_default_template"`
}

// CreateSchedule stores a new schedule, seeded from the default template unless disabled.
// POST /v1/practitioners/{practitionerID}/availability
func (h *Handler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req createScheduleRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRequestBody, err.Error())
		return
	}
	useDefault := req.UseDefaultTemplate == nil || *req.UseDefaultTemplate
	sched, err := h.svc.Create(r.Context(), chi.URLParam(r, "practitionerID"), req.Timezone, useDefault)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSchedule(w, http.StatusCreated, sched)
}

type windowsRequest struct {
	Windows []TimeWindow `json:"windows"`
}

// SetDayWindows replaces a day's windows.
// PUT /v1/practitioners/{practitionerID}/availability/days/{day}/windows
func (h *Handler) SetDayWindows(w http.ResponseWriter, r *http.Request) {
	day, ifMatch, ok := h.dayAndRevision(w, r)
	if !ok {
		return
	}
	var req windowsRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRequestBody, err.Error())
		return
	}
	sched, err := h.svc.SetDayWindows(r.Context(), chi.URLParam(r, "practitionerID"), ifMatch, day, req.Windows)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSchedule(w, http.StatusOK, sched)
}

// AddWindow appends a window to a day.
// POST /v1/practitioners/{practitionerID}/availability/days/{day}/windows
func (h *Handler) AddWindow(w http.ResponseWriter, r *http.Request) {
	day, ifMatch, ok := h.dayAndRevision(w, r)
	if !ok {
		return
	}
	var win TimeWindow
	if err := respond.Decode(r, &win); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRequestBody, err.Error())
		return
	}
	sched, err := h.svc.AddWindow(r.Context(), chi.URLParam(r, "practitionerID"), ifMatch, day, win)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSchedule(w, http.StatusOK, sched)
}

// RemoveWindow removes the window at {index} (start order).
// DELETE /v1/practitioners/{practitionerID}/availability/days/{day}/windows/{index}
func (h *Handler) RemoveWindow(w http.ResponseWriter, r *http.Request) {
	day, ifMatch, ok := h.dayAndRevision(w, r)
	if !ok {
		return
	}
	index, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, "window index must be an integer")
		return
	}
	sched, err := h.svc.RemoveWindow(r.Context(), chi.URLParam(r, "practitionerID"), ifMatch, day, index)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSchedule(w, http.StatusOK, sched)
}

type toggleRequest struct {
	Enabled *bool `json:"enabled"`
}

// ToggleDay enables or disables a weekday.
// PATCH /v1/practitioners/{practitionerID}/availability/days/{day}
func (h *Handler) ToggleDay(w http.ResponseWriter, r *http.Request) {
	day, ifMatch, ok := h.dayAndRevision(w, r)
	if !ok {
		return
	}
	var req toggleRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRequestBody, err.Error())
		return
	}
	if req.Enabled == nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, "enabled is required")
		return
	}
	sched, err := h.svc.ToggleDay(r.Context(), chi.URLParam(r, "practitionerID"), ifMatch, day, *req.Enabled)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSchedule(w, http.StatusOK, sched)
}

// BlockDate blocks {date}.
// PUT /v1/practitioners/{practitionerID}/blocked-dates/{date}
func (h *Handler) BlockDate(w http.ResponseWriter, r *http.Request) {
	h.changeBlocked(w, r, h.svc.BlockDate)
}

// UnblockDate unblocks {date}.
// DELETE /v1/practitioners/{practitionerID}/blocked-dates/{date}
func (h *Handler) UnblockDate(w http.ResponseWriter, r *http.Request) {
	h.changeBlocked(w, r, h.svc.UnblockDate)
}

func (h *Handler) changeBlocked(w http.ResponseWriter, r *http.Request, op func(context.Context, string, *int64, civil.Date) (*Schedule, error)) {
	date, err := civil.ParseDate(chi.URLParam(r, "date"))
	if err != nil || !date.IsValid() {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidDate, "date must be YYYY-MM-DD")
		return
	}
	ifMatch, err := parseIfMatch(r)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, err.Error())
		return
	}
	sched, err := op(r.Context(), chi.URLParam(r, "practitionerID"), ifMatch, date)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeSchedule(w, http.StatusOK, sched)
}

func (h *Handler) dayAndRevision(w http.ResponseWriter, r *http.Request) (Weekday, *int64, bool) {
	day, err := ParseWeekday(chi.URLParam(r, "day"))
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, err.Error())
		return 0, nil, false
	}
	ifMatch, err := parseIfMatch(r)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, err.Error())
		return 0, nil, false
	}
	return day, ifMatch, true
}

// parseIfMatch reads the expected revision from If-Match ("3", "\"3\"" or W/"3").
func parseIfMatch(r *http.Request) (*int64, error) {
	raw := strings.TrimSpace(r.Header.Get("If-Match"))
	if raw == "" {
		return nil, nil
	}
	raw = strings.TrimPrefix(raw, "W/")
	raw = strings.Trim(raw, `"`)
	rev, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || rev < 0 {
		return nil, errors.New("If-Match must carry a schedule revision")
	}
	return &rev, nil
}

func (h *Handler) writeSchedule(w http.ResponseWriter, status int, sched *Schedule) {
	w.Header().Set("ETag", `"`+strconv.FormatInt(sched.Revision, 10)+`"`)
	respond.JSON(w, status, sched)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var winErr *WindowError
	switch {
	case errors.As(err, &winErr), errors.Is(err, ErrInvalidWindow):
		respond.Error(w, http.StatusUnprocessableEntity, respond.CodeInvalidWindow, err.Error())
	case errors.Is(err, ErrInvalidDate):
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidDate, err.Error())
	case errors.Is(err, ErrInvalidDay), errors.Is(err, ErrWindowIndex), errors.Is(err, ErrInvalidTimezone):
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, err.Error())
	case errors.Is(err, ErrStaleRevision):
		respond.Error(w, http.StatusPreconditionFailed, respond.CodeStaleRevision, "schedule changed since it was read; reload and retry")
	case errors.Is(err, ErrAlreadyExists):
		respond.Error(w, http.StatusConflict, respond.CodeConflict, err.Error())
	case errors.Is(err, ErrNotFound):
		respond.Error(w, http.StatusNotFound, respond.CodeNotFound, "schedule not found")
	default:
		logging.FromContext(r.Context(), h.logger).Error("availability request failed", "error", err)
		respond.Internal(w)
	}
}
