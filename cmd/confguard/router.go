package main

import (
	"net/http"
	"strings"

	"confguard/internal/metrics"
)

// newRouter binds HTTP method+path to handlers. Uses a plain
// http.NewServeMux with manual prefix-trimming rather than Go 1.22's
// {wildcard} mux patterns, since entry names and filenames are single path
// segments the handlers split out themselves.
func newRouter(s *Server) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/configs", s.handleConfigs)
	mux.Handle("/metrics", metrics.Handler())

	mux.HandleFunc("/config/", s.handleConfig)
	mux.HandleFunc("/backups/", s.handleBackups)
	mux.HandleFunc("/backupcontent/", s.handleBackupContent)
	mux.HandleFunc("/restore/", s.handleRestore)
	mux.HandleFunc("/action/", s.handleAction)
	mux.HandleFunc("/raw/configs", s.handleRawConfigsRoot)
	mux.HandleFunc("/raw/configs/", s.handleRawConfigsSub)

	return mux
}

// splitTwo splits "<name>/<rest>" into its two path segments, trimming the
// given prefix first. Entry names and filenames never contain "/" (an
// invariant enforced at registry load), so the first segment is always the
// name.
func splitTwo(path, prefix string) (first, second string, ok bool) {
	rest := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
