package api

import (
	"net/http"
	"time"

	"github.com/whisperforge/wf-engine/internal/database"
	"github.com/whisperforge/wf-engine/internal/notify"
	"github.com/whisperforge/wf-engine/internal/validate"
)

// HealthResponse is the health endpoint body.
type HealthResponse struct {
	Status        string            `json:"status"`
	Version       string            `json:"version"`
	UptimeSeconds int64             `json:"uptime_seconds"`
	Checks        map[string]string `json:"checks"`
}

// HealthHandler reports service and dependency health. db and mqtt may be
// nil when those backends are not configured.
type HealthHandler struct {
	db        *database.DB
	mqtt      *notify.MQTTPublisher
	version   string
	startTime time.Time
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db *database.DB, mqtt *notify.MQTTPublisher, version string, startTime time.Time) *HealthHandler {
	return &HealthHandler{
		db:        db,
		mqtt:      mqtt,
		version:   version,
		startTime: startTime,
	}
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := "healthy"
	httpStatus := http.StatusOK

	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			checks["database"] = "error"
			status = "unhealthy"
			httpStatus = http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	} else {
		checks["database"] = "not_configured"
	}

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

	if validate.CheckFFmpeg() {
		checks["ffmpeg"] = "ok"
	} else {
		checks["ffmpeg"] = "missing"
		if status == "healthy" {
			status = "degraded"
		}
	}

	WriteJSON(w, httpStatus, HealthResponse{
		Status:        status,
		Version:       h.version,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
		Checks:        checks,
	})
}
