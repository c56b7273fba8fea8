package main

import (
	"net/http"

	"confguard/internal/httpfault"
)

const serverVersion = "1.0.0"

// handleRoot serves GET / and doubles as the catch-all for every path no
// other pattern matched, since "/" is net/http.ServeMux's most general
// subtree.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	if r.Method != http.MethodGet {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":      true,
		"name":    "config-manager",
		"version": serverVersion,
		"api_endpoints": []map[string]string{
			{"method": "GET", "path": "/"},
			{"method": "GET", "path": "/health"},
			{"method": "GET", "path": "/configs"},
			{"method": "GET", "path": "/config/*name"},
			{"method": "POST", "path": "/config/*name"},
			{"method": "GET", "path": "/backups/*name"},
			{"method": "GET", "path": "/backupcontent/*name/*filename"},
			{"method": "POST", "path": "/restore/*name/*filename"},
			{"method": "POST", "path": "/action/*name/*cmd"},
			{"method": "GET", "path": "/raw/configs"},
			{"method": "POST", "path": "/raw/configs"},
			{"method": "POST", "path": "/raw/configs/reload"},
			{"method": "DELETE", "path": "/raw/configs/:name"},
			{"method": "GET", "path": "/metrics"},
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": 1, "status": "ok"})
}

func (s *Server) handleConfigs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	entries := s.registry.List()
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		tokens := make([]string, 0, len(e.Actions))
		for token := range e.Actions {
			tokens = append(tokens, token)
		}
		sortStrings(tokens)
		out = append(out, map[string]any{
			"id":       e.Name,
			"filename": e.Path,
			"filetype": fileExt(e.Path),
			"category": e.EffectiveCategory(),
			"actions":  tokens,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "configs": out})
}
