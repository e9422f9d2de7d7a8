package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"vivosun-blebridge/internal/utils"
)

// Pinger reports whether an optional backend is reachable.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type healthchecker struct {
	db Pinger
}

func (h *healthchecker) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			slog.Error("failed to check database connectivity", "error", err)
			utils.WriteError(w, http.StatusInternalServerError, "failed to check database connectivity")
			return
		}
	}
	utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func registerHealthcheck(r *mux.Router, db Pinger) {
	h := &healthchecker{db: db}
	r.HandleFunc("/healthz", h.handleHealthz).Methods(http.MethodGet)
}
