package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultStatsHours = 24
	maxStatsHours     = 168
)

// apiServer serves the JSON API, the live spot feed and /metrics
type apiServer struct {
	config   *Config
	reporter *PSKReporter
	metrics  *ReporterMetrics
	listener *WSJTXListener
	spots    *SpotsWebSocketHandler
	limiter  *IPRateLimiter
	now      func() time.Time
}

func newAPIServer(config *Config, reporter *PSKReporter, metrics *ReporterMetrics, listener *WSJTXListener, spots *SpotsWebSocketHandler) *apiServer {
	return &apiServer{
		config:   config,
		reporter: reporter,
		metrics:  metrics,
		listener: listener,
		spots:    spots,
		limiter:  NewIPRateLimiter(config.Server.RequestsPerSecond, 5),
		now:      time.Now,
	}
}

// routes builds the HTTP handler tree
func (s *apiServer) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.Handle("/api/pskreporter/status", s.limited(s.handleStatus))
	mux.Handle("/api/pskreporter/stats", gzhttp.GzipHandler(s.limited(s.handleStats)))
	mux.Handle("/api/pskreporter/grids", gzhttp.GzipHandler(s.limited(s.handleGrids)))
	mux.Handle("/api/pskreporter/health", s.limited(s.handleHealth))
	mux.Handle("/api/wsjtx/clients", s.limited(s.handleWSJTXClients))
	mux.HandleFunc("/api/version", s.handleVersion)

	if s.spots != nil {
		mux.HandleFunc("/ws/spots", s.spots.HandleWebSocket)
	}

	if s.config.Prometheus.Enabled {
		metricsHandler := promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
			clientIP := getClientIP(r)
			if !s.config.Prometheus.IsIPAllowed(clientIP) {
				log.Printf("Prometheus: Denied /metrics request from %s", clientIP)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}
			metricsHandler.ServeHTTP(w, r)
		})
		log.Printf("Prometheus metrics enabled at /metrics (allowed hosts: %v)", s.config.Prometheus.AllowedHosts)
	}

	return mux
}

// limited applies the per-IP request limit
func (s *apiServer) limited(fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := getClientIP(r)
		if !s.limiter.Allow(clientIP) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{
				"error": "Rate limit exceeded",
			})
			if DebugMode {
				log.Printf("DEBUG: API rate limit exceeded for IP: %s", clientIP)
			}
			return
		}
		fn(w, r)
	})
}

func (s *apiServer) requireReporter(w http.ResponseWriter) bool {
	if s.reporter == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "PSKReporter is not enabled",
		})
		return false
	}
	return true
}

func (s *apiServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireReporter(w) {
		return
	}
	writeJSON(w, http.StatusOK, s.reporter.Status())
}

// statsQuery reads the window and filters shared by the analytics endpoints
func statsQuery(r *http.Request) (int, map[string]string, error) {
	q := r.URL.Query()

	hours := defaultStatsHours
	if h := q.Get("hours"); h != "" {
		n, err := strconv.Atoi(h)
		if err != nil || n < 1 || n > maxStatsHours {
			return 0, nil, fmt.Errorf("hours must be between 1 and %d", maxStatsHours)
		}
		hours = n
	}

	filters := make(map[string]string)
	for _, key := range []string{"mode", "band", "callsign", "grid"} {
		if v := strings.TrimSpace(q.Get(key)); v != "" {
			filters[key] = v
		}
	}
	return hours, filters, nil
}

func (s *apiServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.requireReporter(w) {
		return
	}
	hours, filters, err := statsQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	stats := s.reporter.Analytics().GetStats(hours, filters)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window_hours": hours,
		"filters":      filters,
		"count":        len(stats),
		"stations":     stats,
	})
}

func (s *apiServer) handleGrids(w http.ResponseWriter, r *http.Request) {
	if !s.requireReporter(w) {
		return
	}
	hours, filters, err := statsQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"window_hours": hours,
		"grids":        s.reporter.Analytics().GetGridStats(hours, filters),
	})
}

func (s *apiServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	now := s.now()
	if r.URL.Query().Get("diagnostics") == "true" {
		writeJSON(w, http.StatusOK, GetDiagnostics(s.reporter, now))
		return
	}

	health := GetHealthStatus(s.reporter, now)
	status := http.StatusOK
	if !health.Healthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, health)
}

func (s *apiServer) handleWSJTXClients(w http.ResponseWriter, r *http.Request) {
	type clientInfo struct {
		ID            string    `json:"id"`
		Address       string    `json:"address"`
		Schema        uint32    `json:"schema"`
		DialFrequency uint64    `json:"dial_frequency"`
		Mode          string    `json:"mode"`
		DECall        string    `json:"de_call,omitempty"`
		DEGrid        string    `json:"de_grid,omitempty"`
		LastSeen      time.Time `json:"last_seen"`
	}

	clients := make([]clientInfo, 0)
	if s.listener != nil {
		for _, c := range s.listener.Clients() {
			info := clientInfo{
				ID:            c.id,
				Schema:        c.schema,
				DialFrequency: c.dialFreq,
				Mode:          c.mode,
				DECall:        c.deCall,
				DEGrid:        c.deGrid,
				LastSeen:      c.lastSeen,
			}
			if c.addr != nil {
				info.Address = c.addr.String()
			}
			clients = append(clients, info)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"enabled": s.listener != nil,
		"clients": clients,
	})
}

func (s *apiServer) handleVersion(w http.ResponseWriter, r *http.Request) {
	latest := GetLatestVersion()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"program":          ProgramName,
		"version":          Version,
		"latest":           latest,
		"update_available": latest != "" && isNewerVersion(latest, Version),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// getClientIP returns the request source, preferring the first
// X-Forwarded-For entry when a proxy set one
func getClientIP(r *http.Request) string {
	clientIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(clientIP); err == nil {
		clientIP = host
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		clientIP = strings.TrimSpace(xff)
		if commaIdx := strings.Index(clientIP, ","); commaIdx != -1 {
			clientIP = strings.TrimSpace(clientIP[:commaIdx])
		}
		if host, _, err := net.SplitHostPort(clientIP); err == nil {
			clientIP = host
		}
	}
	return clientIP
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController and the websocket upgrader reach
// the underlying connection
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// httpLogger logs requests in Apache combined log format. WebSocket
// upgrades are logged before the handler runs since the connection is
// hijacked.
func httpLogger(out io.Writer, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		userAgent := r.Header.Get("User-Agent")
		if userAgent == "" {
			userAgent = "-"
		}
		referer := r.Referer()
		if referer == "" {
			referer = "-"
		}

		if r.Header.Get("Upgrade") == "websocket" {
			fmt.Fprintf(out, "%s - - [%s] \"%s %s %s\" 101 - \"%s\" \"%s\" 0.000ms\n",
				getClientIP(r), start.Format("02/Jan/2006:15:04:05 -0700"),
				r.Method, r.RequestURI, r.Proto, referer, userAgent)
			next.ServeHTTP(w, r)
			return
		}

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(wrapped, r)

		fmt.Fprintf(out, "%s - - [%s] \"%s %s %s\" %d %d \"%s\" \"%s\" %.3fms\n",
			getClientIP(r), start.Format("02/Jan/2006:15:04:05 -0700"),
			r.Method, r.RequestURI, r.Proto, wrapped.statusCode, wrapped.written,
			referer, userAgent, float64(time.Since(start).Microseconds())/1000.0)
	})
}
