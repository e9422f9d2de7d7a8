package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"vivosun-blebridge/internal/types"
	"vivosun-blebridge/internal/utils"
)

// DeviceSource is the read side of the device table.
type DeviceSource interface {
	Values() []types.Reading
	Get(address string) (types.Reading, bool)
}

type deviceHandlers struct {
	src DeviceSource
}

func (h *deviceHandlers) list(w http.ResponseWriter, _ *http.Request) {
	rows := h.src.Values()
	if rows == nil {
		rows = []types.Reading{}
	}
	utils.WriteJSON(w, http.StatusOK, rows)
}

func (h *deviceHandlers) get(w http.ResponseWriter, r *http.Request) {
	addr := mux.Vars(r)["address"]
	row, ok := h.src.Get(addr)
	if !ok {
		utils.WriteError(w, http.StatusNotFound, "unknown device "+addr)
		return
	}
	utils.WriteJSON(w, http.StatusOK, row)
}

func registerDevices(r *mux.Router, src DeviceSource) {
	h := &deviceHandlers{src: src}
	r.HandleFunc("/devices", h.list).Methods(http.MethodGet)
	r.HandleFunc("/devices/{address}", h.get).Methods(http.MethodGet)
}
