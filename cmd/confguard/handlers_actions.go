package main

import (
	"fmt"
	"net/http"

	"confguard/internal/httpfault"
	"confguard/internal/metrics"
	"confguard/internal/model"
)

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	name, action, ok := splitTwo(r.URL.Path, "/action/")
	if !ok || !model.ValidEntryName(name) {
		writeFault(w, httpfault.Validationf("Ungueltiger Name"))
		return
	}
	entry, ok := s.registry.Get(name)
	if !ok {
		writeFault(w, httpfault.NotFoundf("Datei fehlt: %s", name))
		return
	}

	status, body := s.dispatcher.Dispatch(r.Context(), entry, action)
	metrics.ActionsTotal.WithLabelValues(action, fmt.Sprintf("%v", body["ok"])).Inc()
	writeJSON(w, status, body)
}
