package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"ferry/api/model"
	"ferry/api/saga"
)

func (h *Handler) GetSagaEvents(w http.ResponseWriter, r *http.Request) {
	sagaID := chi.URLParam(r, "sagaId")
	events, err := h.sagas.ListBySaga(r.Context(), sagaID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(events) == 0 {
		writeDomainError(w, model.Errorf(model.KindNotFound, "no events for attempt %s", sagaID))
		return
	}
	if r.URL.Query().Get("format") == "text" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		saga.WriteText(w, events)
		return
	}
	writeJSON(w, events)
}

func (h *Handler) ListRecentSaga(w http.ResponseWriter, r *http.Request) {
	limit := limitParam(r, 50)

	var (
		events []saga.Event
		err    error
	)
	if branch := r.URL.Query().Get("branch"); branch != "" {
		events, err = h.sagas.ListByBranch(r.Context(), branch, limit)
	} else {
		events, err = h.sagas.ListRecent(r.Context(), limit)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if events == nil {
		events = []saga.Event{}
	}
	writeJSON(w, events)
}
