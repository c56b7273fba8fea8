package main

import (
	"sync"
	"time"

	"confguard/internal/backupstore"
	"confguard/internal/dispatcher"
	"confguard/internal/metaenforcer"
	"confguard/internal/model"
	"confguard/internal/pathguard"
	"confguard/internal/registry"
)

// Server bundles the shared, process-wide collaborators every handler
// needs: the immutable GlobalConfig, the hot-reloadable Registry, and one
// instance each of the stateless transaction-engine components.
type Server struct {
	global     *model.GlobalConfig
	registry   *registry.Registry
	guard      *pathguard.Guard
	backups    *backupstore.Store
	dispatcher *dispatcher.Dispatcher

	startedAt time.Time

	healthMu sync.RWMutex
	healthy  bool

	statsMu      sync.Mutex
	requestCount int64
	errorCount   int64
}

func NewServer(global *model.GlobalConfig, reg *registry.Registry) *Server {
	return &Server{
		global:     global,
		registry:   reg,
		guard:      pathguard.New(global.PathGuard, global.AllowedRoots),
		backups:    backupstore.New(global.BackupDir, global.MaxBackups, global.AutoCreateBackups),
		dispatcher: dispatcher.New(global.SystemctlArgv()),
		startedAt:  time.Now(),
		healthy:    true,
	}
}

func (s *Server) incrementRequestCount() {
	s.statsMu.Lock()
	s.requestCount++
	s.statsMu.Unlock()
}

func (s *Server) incrementErrorCount() {
	s.statsMu.Lock()
	s.errorCount++
	s.statsMu.Unlock()
}

func (s *Server) stats() (requests, errors int64) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.requestCount, s.errorCount
}

func (s *Server) setHealthy(healthy bool) {
	s.healthMu.Lock()
	s.healthy = healthy
	s.healthMu.Unlock()
}

func (s *Server) isHealthy() bool {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.healthy
}

// applyMeta is a small convenience wrapper so handlers don't need to know
// about metaenforcer directly when reporting applied ownership/mode.
func (s *Server) applyMeta(entry *model.ConfigEntry, path string) (metaenforcer.Applied, error) {
	return metaenforcer.Apply(entry, path, s.global.ApplyMeta)
}
