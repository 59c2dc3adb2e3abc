package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/nerrad567/replica-core/internal/store"
)

// SystemMetrics represents the complete system metrics response.
type SystemMetrics struct {
	Timestamp     string         `json:"timestamp"`
	Version       string         `json:"version"`
	UptimeSeconds int64          `json:"uptime_seconds"`
	Runtime       RuntimeMetrics `json:"runtime"`
	HTTP          HTTPMetrics    `json:"http"`
	WebSocket     WSMetrics      `json:"websocket"`
	Ingestion     string         `json:"ingestion,omitempty"`
	Replicas      map[string]int `json:"replicas"`
	Twins         int            `json:"twins"`
}

// RuntimeMetrics contains Go runtime statistics.
type RuntimeMetrics struct {
	Goroutines    int     `json:"goroutines"`
	MemoryAllocMB float64 `json:"memory_alloc_mb"`
	MemoryTotalMB float64 `json:"memory_total_mb"`
	NumGC         uint32  `json:"num_gc"`
}

// HTTPMetrics counts requests served since start.
type HTTPMetrics struct {
	Requests     int64 `json:"requests"`
	ServerErrors int64 `json:"server_errors"`
}

// WSMetrics contains WebSocket hub statistics.
type WSMetrics struct {
	ConnectedClients int `json:"connected_clients"`
}

// handleMetrics returns runtime statistics and per-type record counts.
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	metrics := SystemMetrics{
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
		Version:       s.version,
		UptimeSeconds: int64(time.Since(s.startTime).Seconds()),
		Runtime: RuntimeMetrics{
			Goroutines:    runtime.NumGoroutine(),
			MemoryAllocMB: float64(memStats.Alloc) / 1024 / 1024,
			MemoryTotalMB: float64(memStats.TotalAlloc) / 1024 / 1024,
			NumGC:         memStats.NumGC,
		},
		HTTP: HTTPMetrics{
			Requests:     s.requests.Load(),
			ServerErrors: s.serverErrors.Load(),
		},
		Replicas: make(map[string]int),
	}

	if s.hub != nil {
		metrics.WebSocket.ConnectedClients = s.hub.ClientCount()
	}
	if s.ingestion != nil {
		metrics.Ingestion = s.ingestion.State().String()
	}

	for _, recordType := range s.schemas.Types() {
		docs, err := s.store.Query(ctx, recordType, store.Filter{})
		if err != nil {
			s.writeDomainError(w, err, "failed to count replicas")
			return
		}
		metrics.Replicas[recordType] = len(docs)
	}

	if s.twins != nil {
		twins, err := s.twins.List(ctx)
		if err != nil {
			s.writeDomainError(w, err, "failed to count digital twins")
			return
		}
		metrics.Twins = len(twins)
	}

	writeJSON(w, http.StatusOK, metrics)
}
