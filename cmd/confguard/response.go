package main

import (
	"context"
	"encoding/json"
	"net/http"

	"confguard/internal/httpfault"
	"confguard/internal/model"
)

type ctxKey string

const requestContextKey ctxKey = "confguard-request-context"

func withRequestContext(r *http.Request, rc *model.RequestContext) context.Context {
	return context.WithValue(r.Context(), requestContextKey, rc)
}

func requestContextFrom(r *http.Request) *model.RequestContext {
	rc, _ := r.Context().Value(requestContextKey).(*model.RequestContext)
	return rc
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeFault writes a typed httpfault.Error as the handler's JSON response,
// using the status and message it already carries.
func writeFault(w http.ResponseWriter, err *httpfault.Error) {
	writeJSON(w, err.Status, map[string]any{"ok": false, "error": err.Message})
}
