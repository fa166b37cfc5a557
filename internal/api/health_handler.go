package api

import (
	"net/http"
	"runtime"
	"time"

	"github.com/busybox42/elemta-outbound/internal/queue"
)

// HealthStats represents server health statistics
type HealthStats struct {
	Status          string           `json:"status"`
	Uptime          int64            `json:"uptime"`           // seconds
	UptimeFormatted string           `json:"uptime_formatted"` // human readable
	StartedAt       time.Time        `json:"started_at"`
	GoVersion       string           `json:"go_version"`
	NumGoroutines   int              `json:"num_goroutines"`
	NumCPU          int              `json:"num_cpu"`
	Memory          MemoryStats      `json:"memory"`
	Queue           QueueHealth      `json:"queue"`
	Workers         *queue.PoolStats `json:"workers,omitempty"`
}

// MemoryStats represents memory usage statistics
type MemoryStats struct {
	Alloc      uint64  `json:"alloc"`       // bytes allocated and in use
	TotalAlloc uint64  `json:"total_alloc"` // bytes allocated total
	Sys        uint64  `json:"sys"`         // bytes obtained from system
	HeapInuse  uint64  `json:"heap_inuse"`
	NumGC      uint32  `json:"num_gc"`
	AllocMB    float64 `json:"alloc_mb"`
	SysMB      float64 `json:"sys_mb"`
}

// QueueHealth summarizes the queue
type QueueHealth struct {
	Messages    int       `json:"messages"`
	Pending     int       `json:"pending"`
	InFlight    int       `json:"in_flight"`
	Deferred    int       `json:"deferred"`
	Failed      int       `json:"failed"`
	OldestAge   string    `json:"oldest_age,omitempty"`
	NextDue     time.Time `json:"next_due,omitempty"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

// handleHealthStats returns process and queue health. A store that cannot be
// read degrades the status instead of failing the request.
func (s *Server) handleHealthStats(w http.ResponseWriter, r *http.Request) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	uptime := time.Since(s.startedAt)
	health := HealthStats{
		Status:          "healthy",
		Uptime:          int64(uptime.Seconds()),
		UptimeFormatted: formatDuration(uptime),
		StartedAt:       s.startedAt,
		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		NumCPU:          runtime.NumCPU(),
		Memory: MemoryStats{
			Alloc:      m.Alloc,
			TotalAlloc: m.TotalAlloc,
			Sys:        m.Sys,
			HeapInuse:  m.HeapInuse,
			NumGC:      m.NumGC,
			AllocMB:    float64(m.Alloc) / 1024 / 1024,
			SysMB:      float64(m.Sys) / 1024 / 1024,
		},
	}

	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Warn("Failed to read queue stats", "error", err)
		health.Status = "degraded"
		health.Queue.Unavailable = true
	} else {
		health.Queue = QueueHealth{
			Messages: stats.Messages,
			Pending:  stats.ByStatus[queue.StatusPending],
			InFlight: stats.ByStatus[queue.StatusInFlight],
			Deferred: stats.ByStatus[queue.StatusTemporaryFailure],
			Failed:   stats.ByStatus[queue.StatusPermanentFailure] + stats.ByStatus[queue.StatusDeadLettered],
			NextDue:  stats.NextDue,
		}
		if !stats.Oldest.IsZero() {
			health.Queue.OldestAge = formatDuration(time.Since(stats.Oldest))
		}
	}

	if s.deps.Workers != nil {
		ws := s.deps.Workers.Stats()
		health.Workers = &ws
	}

	writeJSON(w, health)
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	return d.String()
}
