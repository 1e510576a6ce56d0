package handler

import (
	"context"
	"net/http"
	"time"

	"ferry/api/store"
)

type ServiceHealth struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // up, down
	Details string `json:"details,omitempty"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	services := make([]ServiceHealth, 0, len(h.checks))
	status := "ok"
	for _, c := range h.checks {
		s := ServiceHealth{Name: c.Name, Status: "up"}
		if err := c.Check(ctx); err != nil {
			s.Status = "down"
			s.Details = err.Error()
			status = "degraded"
		}
		services = append(services, s)
	}

	writeJSON(w, map[string]interface{}{
		"status":   status,
		"services": services,
	})
}

type statsResponse struct {
	Today        *store.DailyStats `json:"today"`
	Environments int               `json:"environments"`
	GateInUse    int64             `json:"gateInUse"`
	GateCapacity int               `json:"gateCapacity"`
	Watchers     int               `json:"watchers"`
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	daily, err := h.store.GetDailyStats(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	envs, err := h.registry.List(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := statsResponse{
		Today:        daily,
		Environments: len(envs),
		GateInUse:    h.registry.Gate().InUse(),
		GateCapacity: h.registry.Gate().Capacity(),
	}
	if h.ws != nil {
		resp.Watchers = h.ws.Clients()
	}
	writeJSON(w, resp)
}
