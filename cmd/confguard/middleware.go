package main

import (
	"crypto/subtle"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"confguard/internal/httpfault"
	"confguard/internal/metrics"
	"confguard/internal/model"
)

// requestPipeline wraps next with the per-request plumbing every handler
// relies on: request-id/IP attachment, CORS, structured logging, IP-CIDR
// admission, and constant-time token auth.
func requestPipeline(s *Server, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.incrementRequestCount()

		reqCtx := &model.RequestContext{
			ID:     newRequestID(),
			Start:  time.Now(),
			Method: r.Method,
			Path:   r.URL.Path,
		}
		reqCtx.ClientIP = effectiveClientIP(s.global, r)

		if !isCleanRequestPath(r.URL.Path) {
			s.incrementErrorCount()
			writeFault(w, httpfault.PathDeniedf("Pfad nicht erlaubt"))
			logResponse(reqCtx, http.StatusBadRequest)
			metrics.RequestsTotal.WithLabelValues(reqCtx.Method, routeLabel(reqCtx.Path), strconv.Itoa(http.StatusBadRequest)).Inc()
			return
		}

		origin := r.Header.Get("Origin")
		w.Header().Set("Access-Control-Allow-Origin", s.global.OriginAllowed(origin))
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Token, Authorization")
		w.Header().Set("Access-Control-Max-Age", "86400")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		log.Printf("REQUEST req_id=%s ip=%s %s %s", reqCtx.ID, reqCtx.ClientIP, reqCtx.Method, reqCtx.Path)

		status := http.StatusOK
		rw := &statusCapturingWriter{ResponseWriter: w, status: status}

		if len(s.global.AllowedNets) > 0 {
			ip := net.ParseIP(reqCtx.ClientIP)
			if ip == nil || !s.global.IPAllowed(ip) {
				s.incrementErrorCount()
				writeFault(rw, httpfault.Forbiddenf("Forbidden"))
				logResponse(reqCtx, rw.status)
				metrics.RequestsTotal.WithLabelValues(reqCtx.Method, routeLabel(reqCtx.Path), strconv.Itoa(rw.status)).Inc()
				return
			}
		}

		if s.global.APIToken != "" && !tokenMatches(r, s.global.APIToken) {
			s.incrementErrorCount()
			writeFault(rw, httpfault.Unauthorizedf("Unauthorized"))
			logResponse(reqCtx, rw.status)
			metrics.RequestsTotal.WithLabelValues(reqCtx.Method, routeLabel(reqCtx.Path), strconv.Itoa(rw.status)).Inc()
			return
		}

		next.ServeHTTP(rw, r.WithContext(withRequestContext(r, reqCtx)))

		logResponse(reqCtx, rw.status)
		metrics.RequestsTotal.WithLabelValues(reqCtx.Method, routeLabel(reqCtx.Path), strconv.Itoa(rw.status)).Inc()
		metrics.RequestDuration.WithLabelValues(reqCtx.Method, routeLabel(reqCtx.Path)).Observe(time.Since(reqCtx.Start).Seconds())
		if rw.status >= 400 {
			s.incrementErrorCount()
		}
	})
}

// isCleanRequestPath rejects any path that is not already in canonical form,
// including one carrying literal ".." segments. net/url decodes percent
// escapes such as "%2f" into r.URL.Path before this runs, and
// http.ServeMux would otherwise 301-redirect unclean paths to their
// cleaned form without ever invoking a handler — silently turning a
// traversal attempt into a successful request instead of a rejection.
// Checking here, ahead of routing, closes both gaps.
func isCleanRequestPath(p string) bool {
	if p == "" {
		return true
	}
	if strings.Contains(p, "..") {
		return false
	}
	return path.Clean(p) == p
}

func logResponse(reqCtx *model.RequestContext, status int) {
	log.Printf("RESPONSE req_id=%s ip=%s %s %s status=%d time=%.6f",
		reqCtx.ID, reqCtx.ClientIP, reqCtx.Method, reqCtx.Path, status, time.Since(reqCtx.Start).Seconds())
}

// routeLabel collapses a path to its leading segment for metrics
// cardinality control (e.g. "/config/foo" -> "/config").
func routeLabel(path string) string {
	trimmed := strings.TrimPrefix(path, "/")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	if trimmed == "" {
		return "/"
	}
	return "/" + trimmed
}

func newRequestID() string {
	return fmt.Sprintf("%d-%d-%d", time.Now().UnixMilli(), os.Getpid(), rand.Intn(1_000_000))
}

// effectiveClientIP resolves the client IP: the socket peer is
// authoritative unless it is a configured trusted proxy, in which case the
// first hop of X-Forwarded-For is honoured instead.
func effectiveClientIP(global *model.GlobalConfig, r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil {
		return host
	}
	if !global.IsTrustedProxy(peer) {
		return peer.String()
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return peer.String()
	}
	first := strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
	if first == "" {
		return peer.String()
	}
	return first
}

func tokenMatches(r *http.Request, want string) bool {
	got := r.Header.Get("X-API-Token")
	if got == "" {
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			got = strings.TrimPrefix(auth, "Bearer ")
		}
	}
	return len(got) == len(want) && subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

type statusCapturingWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusCapturingWriter) WriteHeader(status int) {
	if !w.wroteHeader {
		w.status = status
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusCapturingWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.status = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}
