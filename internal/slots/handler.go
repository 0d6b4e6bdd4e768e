package slots

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"cloud.google.com/go/civil"
	"github.com/go-chi/chi/v5"

	"github.com/wolfman30/telehealth-scheduling/internal/availability"
	"github.com/wolfman30/telehealth-scheduling/internal/clock"
	"github.com/wolfman30/telehealth-scheduling/internal/http/respond"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

const defaultRangeDays = 7

// Handler serves the patient-facing slot picker.
type Handler struct {
	finder      *Finder
	granularity time.Duration
	clock       clock.Clock
	logger      *logging.Logger
}

func NewHandler(finder *Finder, defaultGranularity time.Duration, clk clock.Clock, logger *logging.Logger) *Handler {
	if logger == nil {
		logger = logging.Default()
	}
	if defaultGranularity <= 0 {
		defaultGranularity = 30 * time.Minute
	}
	return &Handler{finder: finder, granularity: defaultGranularity, clock: clock.OrSystem(clk), logger: logger}
}

// Register mounts the routes on a router scoped to /v1/practitioners/{practitionerID}.
func (h *Handler) Register(r chi.Router) {
	r.Get("/slots", h.ListSlots)
}

type slotsResponse struct {
	PractitionerID     string `json:"practitioner_id"`
	From               string `json:"from"`
	To                 string `json:"to"`
	GranularityMinutes int    `json:"granularity_minutes"`
	Page
}

// ListSlots returns open slots on the configured grid. granularity is
// optional and must equal the configured slot size when present.
// GET /v1/practitioners/{practitionerID}/slots?from=&to=&granularity=&cursor=&limit=
func (h *Handler) ListSlots(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseQuery(r)
	if err != nil {
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, err.Error())
		return
	}
	page, err := h.finder.OpenSlots(r.Context(), q)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	respond.JSON(w, http.StatusOK, slotsResponse{
		PractitionerID:     q.PractitionerID,
		From:               q.From.String(),
		To:                 q.To.String(),
		GranularityMinutes: int(q.Granularity / time.Minute),
		Page:               page,
	})
}

func (h *Handler) parseQuery(r *http.Request) (Query, error) {
	values := r.URL.Query()
	q := Query{
		PractitionerID: chi.URLParam(r, "practitionerID"),
		Granularity:    h.granularity,
		Cursor:         values.Get("cursor"),
	}

	q.From = civil.DateOf(h.clock.Now().UTC())
	if raw := values.Get("from"); raw != "" {
		d, err := civil.ParseDate(raw)
		if err != nil {
			return Query{}, errors.New("from must be YYYY-MM-DD")
		}
		q.From = d
	}
	q.To = q.From.AddDays(defaultRangeDays)
	if raw := values.Get("to"); raw != "" {
		d, err := civil.ParseDate(raw)
		if err != nil {
			return Query{}, errors.New("to must be YYYY-MM-DD")
		}
		q.To = d
	}
	if raw := values.Get("granularity"); raw != "" {
		g, err := parseGranularity(raw)
		if err != nil {
			return Query{}, err
		}
		// Reservations are keyed on the configured grid; any other size would
		// list slots the booking engine refuses and hide overlapping holds.
		if g != h.granularity {
			return Query{}, fmt.Errorf("granularity must be %s", formatGranularity(h.granularity))
		}
	}
	if raw := values.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return Query{}, errors.New("limit must be a non-negative integer")
		}
		q.Limit = n
	}
	return q, nil
}

// parseGranularity accepts a Go duration ("30m") or a bare number of minutes ("30").
func parseGranularity(raw string) (time.Duration, error) {
	if n, err := strconv.Atoi(raw); err == nil {
		return time.Duration(n) * time.Minute, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, errors.New("granularity must be a duration like 30m")
	}
	return d, nil
}

func formatGranularity(d time.Duration) string {
	return strconv.Itoa(int(d/time.Minute)) + "m"
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrInvalidGranularity), errors.Is(err, ErrInvalidCursor):
		respond.Error(w, http.StatusBadRequest, respond.CodeBadRequest, err.Error())
	case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrRangeTooLarge):
		respond.Error(w, http.StatusBadRequest, respond.CodeInvalidRange, err.Error())
	case errors.Is(err, availability.ErrNotFound):
		respond.Error(w, http.StatusNotFound, respond.CodeNotFound, "schedule not found")
	default:
		logging.FromContext(r.Context(), h.logger).Error("slot listing failed", "error", err)
		respond.Internal(w)
	}
}
