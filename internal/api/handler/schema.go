package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/timmy/ringforge/internal/service"
)

// SchemaHandler serves the tool description used by registries.
type SchemaHandler struct {
	task service.Task
}

// NewSchemaHandler creates a schema handler for task.
func NewSchemaHandler(task service.Task) *SchemaHandler {
	return &SchemaHandler{task: task}
}

// ToolSchema handles GET /tool/schema.
func (h *SchemaHandler) ToolSchema(c *gin.Context) {
	c.JSON(http.StatusOK, h.task.Schema())
}
