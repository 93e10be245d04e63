// Copyright (C) 2025 Eventbook Authors (maintainers@eventbook.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package notebook

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/eventbook/eventbook/pkg/validation"
	"github.com/eventbook/eventbook/services/notebook/datatypes"
	"github.com/eventbook/eventbook/services/notebook/eventlog"
)

// ErrorResponse is the error body for every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// SubmitEventRequest is the body of POST /v1/stores/:storeId/events.
// The server assigns id, timestamp and version; client-sent values for
// those are ignored except the optional id, which is kept for idempotent
// retries.
type SubmitEventRequest struct {
	ID        string          `json:"id,omitempty"`
	EventType string          `json:"event_type" binding:"required"`
	Payload   json.RawMessage `json:"payload"`
}

// EventsResponse is the body of GET /v1/stores/:storeId/events. TotalCount
// is the store's full event count, so a paging client can tell whether more
// events exist beyond the filtered slice.
type EventsResponse struct {
	StoreID    string            `json:"store_id"`
	Events     []datatypes.Event `json:"events"`
	TotalCount int64             `json:"total_count"`
}

// StoresResponse is the body of GET /v1/stores.
type StoresResponse struct {
	Stores []string `json:"stores"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Handlers contains the HTTP handlers for the event engine.
type Handlers struct {
	svc *Service
}

// NewHandlers creates handlers for the given service.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc}
}

// HandleSubmitEvent handles POST /v1/stores/:storeId/events.
//
// Description:
//
//	Validates the event payload, appends the event to the store's log with
//	the next version, and broadcasts it to subscribers. The stored event,
//	including its assigned version, is returned.
//
// Response:
//
//	201 Created: the stored Event
//	400 Bad Request: malformed body or payload
//	409 Conflict: duplicate event id
func (h *Handlers) HandleSubmitEvent(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleSubmitEvent")
	storeID, ok := storeIDParam(c)
	if !ok {
		return
	}

	var req SubmitEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Warn("Invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "Invalid request body",
			Code:  "INVALID_REQUEST",
		})
		return
	}
	if err := validation.ValidateEventID(req.ID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_REQUEST",
		})
		return
	}

	event := datatypes.Event{
		ID:          req.ID,
		EventType:   req.EventType,
		AggregateID: storeID,
		Payload:     req.Payload,
	}
	stored, err := h.svc.Submit(c.Request.Context(), event)
	if err != nil {
		status, code := classifyError(err)
		logger.Warn("Submit rejected", "store_id", storeID, "event_type", req.EventType, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	logger.Info("Event appended",
		"store_id", storeID,
		"event_type", stored.EventType,
		"version", stored.Version)
	c.JSON(http.StatusCreated, stored)
}

// HandleGetEvents handles GET /v1/stores/:storeId/events.
//
// Description:
//
//	Returns the store's events in ascending version order. Supports
//	after_version, since_timestamp, event_type (repeatable), offset and
//	limit query parameters, the shape a reconciler uses for both initial
//	load and resync.
//
// Response:
//
//	200 OK: EventsResponse
//	404 Not Found: unknown store
func (h *Handlers) HandleGetEvents(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleGetEvents")
	storeID, ok := storeIDParam(c)
	if !ok {
		return
	}

	filter := eventlog.Filter{EventTypes: c.QueryArray("event_type")}
	if raw := c.Query("after_version"); raw != "" {
		v, ok := parseNonNegativeInt64(c, "after_version", raw)
		if !ok {
			return
		}
		filter.AfterVersion = v
	}
	if raw := c.Query("since_timestamp"); raw != "" {
		v, ok := parseNonNegativeInt64(c, "since_timestamp", raw)
		if !ok {
			return
		}
		filter.SinceTimestamp = v
	}
	if raw := c.Query("offset"); raw != "" {
		v, ok := parseNonNegativeInt64(c, "offset", raw)
		if !ok {
			return
		}
		filter.Offset = int(v)
	}
	if raw := c.Query("limit"); raw != "" {
		v, ok := parseNonNegativeInt64(c, "limit", raw)
		if !ok {
			return
		}
		filter.Limit = int(v)
	}

	events, err := h.svc.Events(c.Request.Context(), storeID, filter)
	if err != nil {
		status, code := classifyError(err)
		logger.Warn("Query failed", "store_id", storeID, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	info, err := h.svc.StoreInfo(c.Request.Context(), storeID)
	if err != nil {
		status, code := classifyError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}

	c.JSON(http.StatusOK, EventsResponse{
		StoreID:    storeID,
		Events:     events,
		TotalCount: info.EventCount,
	})
}

// HandleStoreInfo handles GET /v1/stores/:storeId.
//
// Response:
//
//	200 OK: eventlog.AggregateInfo
//	404 Not Found: unknown store
func (h *Handlers) HandleStoreInfo(c *gin.Context) {
	requestID := getOrCreateRequestID(c)
	logger := slog.With("request_id", requestID, "handler", "HandleStoreInfo")
	storeID, ok := storeIDParam(c)
	if !ok {
		return
	}

	info, err := h.svc.StoreInfo(c.Request.Context(), storeID)
	if err != nil {
		status, code := classifyError(err)
		logger.Warn("Info failed", "store_id", storeID, "error", err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, info)
}

// HandleListStores handles GET /v1/stores.
func (h *Handlers) HandleListStores(c *gin.Context) {
	stores, err := h.svc.Stores(c.Request.Context())
	if err != nil {
		status, code := classifyError(err)
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	c.JSON(http.StatusOK, StoresResponse{Stores: stores})
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: ServiceVersion})
}

// parseNonNegativeInt64 parses a query parameter, writing a 400 response on
// bad input.
func parseNonNegativeInt64(c *gin.Context, name, raw string) (int64, bool) {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: name + " must be a non-negative integer",
			Code:  "INVALID_REQUEST",
		})
		return 0, false
	}
	return v, true
}

// storeIDParam extracts and validates the :storeId path parameter, writing
// a 400 response when it is unusable as a database key.
func storeIDParam(c *gin.Context) (string, bool) {
	storeID := c.Param("storeId")
	if err := validation.ValidateStoreID(storeID); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: err.Error(),
			Code:  "INVALID_STORE_ID",
		})
		return "", false
	}
	return storeID, true
}

// classifyError maps the engine's error taxonomy to HTTP status codes.
func classifyError(err error) (int, string) {
	switch {
	case datatypes.IsValidation(err):
		return http.StatusBadRequest, "VALIDATION_FAILED"
	case datatypes.IsNotFound(err):
		return http.StatusNotFound, "NOT_FOUND"
	case datatypes.IsConflict(err):
		return http.StatusConflict, "CONFLICT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

func getOrCreateRequestID(c *gin.Context) string {
	requestID := c.GetHeader("X-Request-ID")
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Header("X-Request-ID", requestID)
	return requestID
}
