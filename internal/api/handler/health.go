package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/ringforge/internal/jobs"
	"github.com/timmy/ringforge/internal/metrics"
)

// StatsSource reports engine occupancy.
type StatsSource interface {
	Stats() jobs.Stats
}

// Probe reports whether an external dependency is usable.
type Probe func() bool

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	service string
	kind    string
	stats   StatsSource
	blender Probe
	llm     Probe
}

// NewHealthHandler creates a new health handler. Nil probes report false.
func NewHealthHandler(service, kind string, stats StatsSource, blender, llm Probe) *HealthHandler {
	return &HealthHandler{service: service, kind: kind, stats: stats, blender: blender, llm: llm}
}

// HealthResponse is the readiness document.
type HealthResponse struct {
	Status            string               `json:"status"`
	Service           string               `json:"service"`
	Kind              string               `json:"kind"`
	QueueSize         int                  `json:"queue_size"`
	ActiveJobs        int                  `json:"active_jobs"`
	RunningJobs       int                  `json:"running_jobs"`
	MaxConcurrentJobs int                  `json:"max_concurrent_jobs"`
	MaxQueueSize      int                  `json:"max_queue_size"`
	BlenderExists     bool                 `json:"blender_exists"`
	LLMAvailable      bool                 `json:"llm_available"`
	Host              metrics.HostSnapshot `json:"host"`
}

// Health returns the health status of the service.
func (h *HealthHandler) Health(c *gin.Context) {
	st := h.stats.Stats()
	c.JSON(http.StatusOK, HealthResponse{
		Status:            "ok",
		Service:           h.service,
		Kind:              h.kind,
		QueueSize:         st.QueueSize,
		ActiveJobs:        st.ActiveJobs,
		RunningJobs:       st.RunningJobs,
		MaxConcurrentJobs: st.MaxConcurrentJobs,
		MaxQueueSize:      st.MaxQueueSize,
		BlenderExists:     h.blender != nil && h.blender(),
		LLMAvailable:      h.llm != nil && h.llm(),
		Host:              metrics.CollectHost(c.Request.Context()),
	})
}
