package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/ringforge/internal/service"
)

// SessionHandler serves session working files.
type SessionHandler struct {
	sessions *service.SessionStore
}

// NewSessionHandler creates a session handler.
func NewSessionHandler(sessions *service.SessionStore) *SessionHandler {
	return &SessionHandler{sessions: sessions}
}

// Summary handles GET /sessions/:id.
func (h *SessionHandler) Summary(c *gin.Context) {
	raw, err := h.sessions.ReadSummary(c.Param("id"))
	if err != nil {
		sessionError(c, err, "Session not found")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// Model handles GET /sessions/:id/model.glb.
func (h *SessionHandler) Model(c *gin.Context) {
	path, err := h.sessions.Model(c.Param("id"))
	if err != nil {
		sessionError(c, err, "GLB not found")
		return
	}
	c.Header("Content-Type", "model/gltf-binary")
	c.File(path)
}

func sessionError(c *gin.Context, err error, notFound string) {
	if errors.Is(err, service.ErrSessionNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": notFound})
		return
	}
	respondError(c, err)
}
