package router

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wolfman30/telehealth-scheduling/internal/http/respond"
	"github.com/wolfman30/telehealth-scheduling/internal/observability/metrics"
	"github.com/wolfman30/telehealth-scheduling/pkg/logging"
)

// AdminHandler reports operational counters for the ops dashboard.
type AdminHandler struct {
	gatherer    prometheus.Gatherer
	subscribers func() int
	logger      *logging.Logger
}

// NewAdminHandler builds the stats endpoint. subscribers may be nil.
func NewAdminHandler(gatherer prometheus.Gatherer, subscribers func() int, logger *logging.Logger) *AdminHandler {
	if logger == nil {
		logger = logging.Default()
	}
	return &AdminHandler{gatherer: gatherer, subscribers: subscribers, logger: logger}
}

type statsResponse struct {
	Counters            []metrics.CounterSample `json:"counters"`
	RealtimeSubscribers int                     `json:"realtime_subscribers"`
}

// Stats GET /admin/stats
func (h *AdminHandler) Stats(w http.ResponseWriter, _ *http.Request) {
	counters, err := metrics.SnapshotCounters(h.gatherer, "telehealth_")
	if err != nil {
		h.logger.Error("failed to gather metrics", "error", err)
		respond.Internal(w)
		return
	}
	out := statsResponse{Counters: counters}
	if h.subscribers != nil {
		out.RealtimeSubscribers = h.subscribers()
	}
	respond.JSON(w, http.StatusOK, out)
}
