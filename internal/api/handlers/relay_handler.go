package handlers

import (
	"net/http"
	"strconv"

	"example.com/backstage/services/relay/internal/services"
	"example.com/backstage/services/relay/internal/tracing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// RelayHandler handles relay-related HTTP requests
type RelayHandler struct {
	relayService *services.RelayService
	tracer       tracing.Tracer
}

// NewRelayHandler creates a new relay handler
func NewRelayHandler(relayService *services.RelayService, tracer tracing.Tracer) *RelayHandler {
	return &RelayHandler{
		relayService: relayService,
		tracer:       tracer,
	}
}

// RegisterRoutes registers the relay routes
func (h *RelayHandler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api/v1/relay")
	api.POST("/run", h.HandleRunBatch)
	api.GET("/deadletters", h.HandleListDeadletters)
	api.GET("/status", h.HandleGetStatus)
}

// HandleRunBatch triggers a single relay batch on demand
func (h *RelayHandler) HandleRunBatch(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-relay-run")
	defer h.tracer.EndTransaction(txn)

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}

	result := h.relayService.RunBatch(c.Request.Context(), limit)

	log.Info().
		Bool("skipped", result.Skipped).
		Int("attempted", result.Attempted).
		Msg("Manual relay batch triggered")

	c.JSON(http.StatusOK, result)
}

// HandleListDeadletters returns recently deadlettered records
func (h *RelayHandler) HandleListDeadletters(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-relay-deadletters")
	defer h.tracer.EndTransaction(txn)

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = parsed
	}

	records, err := h.relayService.Deadletters(c.Request.Context(), limit)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list deadlettered records")
		h.tracer.RecordError(txn, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list deadlettered records"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"count":   len(records),
		"records": records,
	})
}

// HandleGetStatus returns the cached summary of the most recent batch
func (h *RelayHandler) HandleGetStatus(c *gin.Context) {
	result, ok := h.relayService.LastRun(c.Request.Context())
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no batch has run yet"})
		return
	}

	c.JSON(http.StatusOK, result)
}
