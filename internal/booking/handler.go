package booking

import (
	"errors"
	"net/http"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/http/respond"
	"github.com/wolfman30/telehealth-scheduling/internal/payments"
	"github.com/wolfman30/telehealth-scheduling/internal/reservations"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// Handler exposes the booking workflow over HTTP.
type Handler struct {
	svc    *Service
	logger *logging.Logger
}

func NewHandler(svc *Service, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handler{svc: svc, logger: logger}
}

// Register mounts the routes on a router scoped to /v1/bookings.
func (h *Handler) Register(r chi.Router) {
	r.Post("/", h.Create)
	r.Route("/{workflowID}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Post("/slot", h.SelectSlot)
		r.Post("/pay", h.Pay)
		r.Post("/cancel", h.Cancel)
	})
}

// workflowView adds the picker step to the workflow.
type workflowView struct {
	*Workflow
	Step int `json:"step"`
}

func view(wf *Workflow) *workflowView {
	if wf == nil {
		return nil
	}
	return &workflowView{Workflow: wf, Step: wf.State.Step()}
}

type errorResponse struct {
	respond.ErrorBody
	Workflow *workflowView `json:"workflow,omitempty"`
}

// Create POST /v1/bookings
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRequestBody, err.Error())
		return
	}
	wf, err := h.svc.Create(r.Context(), req)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	respond.JSON(w, http.StatusCreated, view(wf))
}

// Get GET /v1/bookings/{workflowID}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	wf, err := h.svc.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err, nil)
		return
	}
	respond.JSON(w, http.StatusOK, view(wf))
}

type selectSlotRequest struct {
	Date  string `json:"date"`
	Start string `json:"start"`
}

// SelectSlot POST /v1/bookings/{workflowID}/slot
func (h *Handler) SelectSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req selectSlotRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRequestBody, err.Error())
		return
	}
	date, err := civil.ParseDate(req.Date)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidDate, "date must be YYYY-MM-DD")
		return
	}
	start, err := availability.ParseClock(req.Start)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, "start must be HH:MM")
		return
	}
	h.respond(w, r, http.StatusOK)(h.svc.SelectSlot(r.Context(), id, date, start))
}

type payRequest struct {
	PaymentMethod string `json:"payment_method"`
}

// Pay POST /v1/bookings/{workflowID}/pay
func (h *Handler) Pay(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	var req payRequest
	if err := respond.Decode(r, &req); err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRequestBody, err.Error())
		return
	}
	h.respond(w, r, http.StatusOK)(h.svc.Pay(r.Context(), id, req.PaymentMethod))
}

// Cancel POST /v1/bookings/{workflowID}/cancel
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := workflowID(w, r)
	if !ok {
		return
	}
	h.respond(w, r, http.StatusOK)(h.svc.Cancel(r.Context(), id))
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, status int) func(*Workflow, error) {
	return func(wf *Workflow, err error) {
		if err != nil {
			h.writeError(w, r, err, wf)
			return
		}
		respond.JSON(w, status, view(wf))
	}
}

func workflowID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "workflowID"))
	if err != nil {
		respond.Error(w, http.StatusNotFound, respond.CodeNotFound, "booking not found")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error, wf *Workflow) {
	status, code, msg := http.StatusInternalServerError, respond.CodeInternalError, "internal server error"
	var recErr *ReconciliationRequiredError
	switch {
	case errors.As(err, &recErr):
		status, code, msg = http.StatusConflict, respond.CodeReconciliationRequired,
			"payment was captured but the slot could not be confirmed; support has been notified"
	case errors.Is(err, ErrNotFound):
		status, code, msg = http.StatusNotFound, respond.CodeNotFound, "booking not found"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, reservations.ErrInvalidHold):
		status, code, msg = http.StatusBadRequest, respond.CodeBadRequest, err.Error()
	case errors.Is(err, ErrSlotUnavailable):
		status, code, msg = http.StatusConflict, respond.CodeSlotUnavailable, "slot is no longer available"
	case errors.Is(err, ErrExpired):
		status, code, msg = http.StatusConflict, respond.CodeHoldExpired, "slot hold expired"
	case errors.Is(err, ErrReleased):
		status, code, msg = http.StatusConflict, respond.CodeHoldReleased, "slot hold was released"
	case payments.IsDeclined(err):
		status, code, msg = http.StatusPaymentRequired, respond.CodePaymentDeclined, "payment declined: "+payments.DeclineReason(err)
	case payments.IsTransient(err):
		status, code, msg = http.StatusBadGateway, respond.CodePaymentError, "payment could not be processed"
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrTerminal), errors.Is(err, ErrPaymentAttempted):
		status, code, msg = http.StatusConflict, respond.CodeInvalidState, err.Error()
	case errors.Is(err, ErrBusy):
		status, code, msg = http.StatusConflict, respond.CodeBusy, "payment in progress"
	case errors.Is(err, ErrConflict):
		status, code, msg = http.StatusConflict, respond.CodeConflict, "booking was modified concurrently"
	default:
		logging.FromContext(r.Context(), h.logger).Error("booking request failed", "error", err)
	}
	respond.JSON(w, status, errorResponse{
		ErrorBody: respond.ErrorBody{Error: msg, Code: code},
		Workflow:  view(wf),
	})
}
