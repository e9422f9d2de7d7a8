package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/gorilla/mux"

	"vivosun-blebridge/internal/utils"
)

type Deps struct {
	Devices DeviceSource
	Metrics http.Handler
	// DB is pinged by /healthz when set.
	DB     Pinger
	Logger *slog.Logger
}

func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		utils.WriteError(w, http.StatusNotFound, "no such route")
	})

	registerHealthcheck(r, d.DB)
	registerDevices(r, d.Devices)
	if d.Metrics != nil {
		r.Handle("/metrics", d.Metrics).Methods(http.MethodGet)
	}
	return r
}

// NewServer wraps the router with panic recovery and request logging.
func NewServer(addr string, d Deps) *http.Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	h := handlers.RecoveryHandler(handlers.RecoveryLogger(slogWriter{logger: d.Logger}))(NewRouter(d))
	return &http.Server{
		Addr:              addr,
		Handler:           requestLogger(d.Logger, h),
		ReadHeaderTimeout: 5 * time.Second,
	}
}
