package api

import (
	"context"
	"net/http"
	"time"
)

// Pinger is a dependency with a liveness check, such as the database.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Connectivity reports a broker link.
type Connectivity interface {
	IsConnected() bool
}

// QueueStats reports worker pool occupancy.
type QueueStats interface {
	QueueDepth() map[string]int
	Busy() map[string]int
}

type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
	QueueDepth    map[string]int    `json:"queue_depth,omitempty"`
	Busy          map[string]int    `json:"busy_workers,omitempty"`
}

type HealthHandler struct {
	db        Pinger
	mqtt      Connectivity
	queue     QueueStats
	version   string
	startTime time.Time
}

// NewHealthHandler accepts nil for any dependency that is not configured.
func NewHealthHandler(db Pinger, mqtt Connectivity, queue QueueStats, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		queue:     queue,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	// Database check
	switch {
	case h.db == nil:
		checks["database"] = "in_memory"
	case h.db.HealthCheck(r.Context()) != nil:
		checks["database"] = "error"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	default:
		checks["database"] = "ok"
	}

	// MQTT check
	if h.mqtt != nil {
		if h.mqtt.IsConnected() {
			checks["mqtt"] = "ok"
		} else {
			checks["mqtt"] = "disconnected"
			if status == "healthy" {
				status = "degraded"
			}
		}
	} else {
		checks["mqtt"] = "not_configured"
	}

	resp := HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	}
	if h.queue != nil {
		checks["workers"] = "ok"
		resp.QueueDepth = h.queue.QueueDepth()
		resp.Busy = h.queue.Busy()
	} else {
		checks["workers"] = "not_configured"
	}

	WriteJSON(w, httpStatus, resp)
}
