package main

import (
	"io"
	"net/http"
	"strings"

	"confguard/internal/httpfault"
	"confguard/internal/model"
)

func (s *Server) handleRawConfigsRoot(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		doc, err := s.registry.RawDocument()
		if err != nil {
			writeFault(w, httpfault.Transientf("Lesefehler: %v", err))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(doc)
	case http.MethodPost:
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxConfigBody))
		if err != nil {
			writeFault(w, httpfault.Validationf("Ungueltiger Body"))
			return
		}
		skipped, err := s.registry.ReplaceFromJSON(body)
		if err != nil {
			writeFault(w, httpfault.Validationf("Ungueltiges JSON: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": skipped})
	default:
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
	}
}

func (s *Server) handleRawConfigsSub(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/raw/configs/")

	if rest == "reload" && r.Method == http.MethodPost {
		skipped, err := s.registry.Reload()
		if err != nil {
			writeFault(w, httpfault.Transientf("Lesefehler: %v", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "skipped": skipped})
		return
	}

	if r.Method == http.MethodDelete {
		if rest == "" || !model.ValidEntryName(rest) {
			writeFault(w, httpfault.Validationf("Ungueltiger Name"))
			return
		}
		removed, err := s.registry.Delete(rest)
		if err != nil {
			writeFault(w, httpfault.Transientf("Schreibfehler: %v", err))
			return
		}
		if !removed {
			writeFault(w, httpfault.NotFoundf("Datei fehlt: %s", rest))
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "deleted": rest})
		return
	}

	writeFault(w, httpfault.NotFoundf("404 Not Found"))
}
