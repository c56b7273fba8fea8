package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"confguard/internal/atomicwriter"
	"confguard/internal/httpfault"
	"confguard/internal/metrics"
	"confguard/internal/model"
)

const maxConfigBody = 10 << 20 // 10MB, generous for a single config file

// refreshBackupGauge re-counts the entry's retained snapshots and publishes
// the result to confguard_backups_current. Best-effort: a listing failure
// is not logged and leaves the gauge at its last known value.
func (s *Server) refreshBackupGauge(name, targetPath string) {
	files, err := s.backups.List(name, targetPath)
	if err != nil {
		return
	}
	metrics.BackupsCurrent.WithLabelValues(name).Set(float64(len(files)))
}

func (s *Server) lookupEntry(w http.ResponseWriter, name string) (*model.ConfigEntry, bool) {
	if name == "" || !model.ValidEntryName(name) {
		writeFault(w, httpfault.Validationf("Ungueltiger Name"))
		return nil, false
	}
	entry, ok := s.registry.Get(name)
	if !ok {
		writeFault(w, httpfault.NotFoundf("Datei fehlt: %s", name))
		return nil, false
	}
	if !s.guard.IsAllowed(entry.Path) {
		writeFault(w, httpfault.PathDeniedf("Pfad nicht erlaubt"))
		return nil, false
	}
	return entry, true
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/config/")
	entry, ok := s.lookupEntry(w, name)
	if !ok {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.serveConfigRead(w, entry)
	case http.MethodPost:
		s.serveConfigWrite(w, r, name, entry)
	default:
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
	}
}

func (s *Server) serveConfigRead(w http.ResponseWriter, entry *model.ConfigEntry) {
	data, err := os.ReadFile(entry.Path)
	if err != nil {
		if os.IsNotExist(err) {
			writeFault(w, httpfault.NotFoundf("Datei fehlt: %s", entry.Path))
			return
		}
		writeFault(w, httpfault.Transientf("Lesefehler: %v", err))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// jsonBody is the optional JSON-wrapped request shape for POST /config/*name.
type jsonBody struct {
	Content *string `json:"content"`
}

func (s *Server) serveConfigWrite(w http.ResponseWriter, r *http.Request, name string, entry *model.ConfigEntry) {
	r.Body = http.MaxBytesReader(w, r.Body, maxConfigBody)
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		writeFault(w, httpfault.Validationf("Ungueltiger Body"))
		return
	}

	content := raw
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		var body jsonBody
		if jsonErr := json.Unmarshal(raw, &body); jsonErr == nil && body.Content != nil {
			content = []byte(*body.Content)
		}
	}

	if err := s.backups.Snapshot(name, entry.Path); err != nil {
		writeFault(w, httpfault.Transientf("Sicherungsfehler: %v", err))
		return
	}
	s.refreshBackupGauge(name, entry.Path)

	mode := os.FileMode(0o640)
	if info, statErr := os.Stat(entry.Path); statErr == nil {
		mode = info.Mode().Perm()
	}

	method, err := atomicwriter.Write(entry.Path, content, mode)
	if err != nil {
		writeFault(w, httpfault.Transientf("Schreibfehler: %v", err))
		return
	}

	applied, _ := s.applyMeta(entry, entry.Path)

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"saved":  true,
		"path":   entry.Path,
		"method": string(method),
		"requested": map[string]any{
			"user":       entry.User,
			"group":      entry.Group,
			"mode":       entry.Mode,
			"apply_meta": entry.EffectiveApplyMeta(s.global.ApplyMeta),
		},
		"applied": map[string]any{
			"uid":  applied.UID,
			"gid":  applied.GID,
			"mode": fmt.Sprintf("%o", applied.Mode),
		},
	})
}

func (s *Server) handleBackups(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/backups/")
	entry, ok := s.lookupEntry(w, name)
	if !ok {
		return
	}
	files, err := s.backups.List(name, entry.Path)
	if err != nil {
		writeFault(w, httpfault.Transientf("Lesefehler: %v", err))
		return
	}
	metrics.BackupsCurrent.WithLabelValues(name).Set(float64(len(files)))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "backups": files})
}

func (s *Server) handleBackupContent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	name, filename, ok := splitTwo(r.URL.Path, "/backupcontent/")
	if !ok {
		writeFault(w, httpfault.Validationf("Ungueltiger Name"))
		return
	}
	entry, ok := s.lookupEntry(w, name)
	if !ok {
		return
	}
	data, err := s.backups.Read(name, entry.Path, filename)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeFault(w, httpfault.NotFoundf("Datei fehlt: %s", filename))
			return
		}
		writeFault(w, httpfault.Validationf("Ungueltiger Backup-Name"))
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeFault(w, httpfault.NotFoundf("404 Not Found"))
		return
	}
	name, filename, ok := splitTwo(r.URL.Path, "/restore/")
	if !ok {
		writeFault(w, httpfault.Validationf("Ungueltiger Name"))
		return
	}
	entry, ok := s.lookupEntry(w, name)
	if !ok {
		return
	}
	if err := s.backups.Restore(name, entry.Path, filename); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeFault(w, httpfault.NotFoundf("Datei fehlt: %s", filename))
			return
		}
		writeFault(w, httpfault.Validationf("Ungueltiger Backup-Name"))
		return
	}
	applied, _ := s.applyMeta(entry, entry.Path)
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"restored": filename,
		"path":     entry.Path,
		"applied": map[string]any{
			"uid":  applied.UID,
			"gid":  applied.GID,
			"mode": fmt.Sprintf("%o", applied.Mode),
		},
	})
}
