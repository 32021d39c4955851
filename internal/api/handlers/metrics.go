package handlers

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"webhookd/internal/platform/models"
)

type DeliveryCounter interface {
	CountByStatus(ctx context.Context) (map[models.DeliveryStatus]int, error)
}

// MetricsHandler exports delivery counts in the Prometheus text format.
type MetricsHandler struct {
	counter DeliveryCounter
}

func NewMetricsHandler(counter DeliveryCounter) *MetricsHandler {
	return &MetricsHandler{counter: counter}
}

func (h *MetricsHandler) Export(w http.ResponseWriter, r *http.Request) {
	counts, err := h.counter.CountByStatus(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("Failed to count deliveries")
	}

	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP webhookd_up Is the server up\n")
	fmt.Fprintf(w, "# TYPE webhookd_up gauge\n")
	fmt.Fprintf(w, "webhookd_up 1\n")

	if err != nil {
		return
	}
	fmt.Fprintf(w, "# HELP webhookd_deliveries Outgoing deliveries by status\n")
	fmt.Fprintf(w, "# TYPE webhookd_deliveries gauge\n")
	for _, status := range []models.DeliveryStatus{models.DeliveryPending, models.DeliveryDelivered, models.DeliveryFailed} {
		fmt.Fprintf(w, "webhookd_deliveries{status=%q} %d\n", status, counts[status])
	}
}
