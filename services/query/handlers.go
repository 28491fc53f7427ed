// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/intentql/intentql/services/query/qerr"
)

// Handlers exposes the service over HTTP.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates the HTTP handler set.
func NewHandlers(svc *Service, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{svc: svc, logger: logger}
}

// statusFor maps a failure kind to an HTTP status.
func statusFor(kind qerr.Kind) int {
	switch kind {
	case qerr.KindMissingParameters, qerr.KindParameterMismatch:
		return http.StatusUnprocessableEntity
	case qerr.KindUnknownEnvironment, qerr.KindUnknownTemplate:
		return http.StatusNotFound
	case qerr.KindPoolExhausted:
		return http.StatusServiceUnavailable
	case qerr.KindConnectionFailure:
		return http.StatusBadGateway
	case qerr.KindRateLimited:
		return http.StatusTooManyRequests
	case qerr.KindCancelled:
		// Nginx's convention for client-closed requests.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders the uniform error envelope for a pipeline failure.
func (h *Handlers) writeError(c *gin.Context, requestID string, err error) {
	var qe *qerr.E
	if !errors.As(err, &qe) {
		h.logger.Error("unclassified error",
			slog.String("request_id", requestID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			RequestID: requestID,
			Error:     "internal error",
			Code:      string(qerr.KindDatabaseError),
		})
		return
	}

	status := statusFor(qe.Kind)
	if status == http.StatusServiceUnavailable {
		c.Header("Retry-After", "1")
	}
	c.JSON(status, ErrorResponse{
		RequestID: requestID,
		Error:     qe.Message,
		Code:      string(qe.Kind),
		Params:    qe.Params,
	})
}

// HandleRun resolves and executes a free-text request.
//
// POST /v1/query/run
func (h *Handlers) HandleRun(c *gin.Context) {
	requestID := uuid.New().String()
	logger := h.logger.With(slog.String("request_id", requestID))

	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "bad_request",
		})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "text must not be blank",
			Code:  "bad_request",
		})
		return
	}

	resp, err := h.svc.Run(c.Request.Context(), requestID, req)
	if err != nil {
		logger.Warn("run failed",
			slog.String("kind", string(qerr.KindOf(err))),
			slog.String("error", err.Error()),
		)
		h.writeError(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleMatch resolves intent only, without touching any database.
//
// POST /v1/query/match
func (h *Handlers) HandleMatch(c *gin.Context) {
	requestID := uuid.New().String()

	var req MatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "invalid request body: " + err.Error(),
			Code:  "bad_request",
		})
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error: "text must not be blank",
			Code:  "bad_request",
		})
		return
	}

	resp, err := h.svc.Match(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, requestID, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleCatalog lists the live template catalog.
//
// GET /v1/query/catalog
func (h *Handlers) HandleCatalog(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Catalog())
}

// HandleCatalogRefresh reloads the catalog file.
//
// POST /v1/query/catalog/refresh
func (h *Handlers) HandleCatalogRefresh(c *gin.Context) {
	resp, err := h.svc.RefreshCatalog()
	if err != nil {
		h.logger.Error("catalog refresh failed", slog.String("error", err.Error()))
		c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
			Error: err.Error(),
			Code:  "catalog_invalid",
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

// HandleSession returns a session's history.
//
// GET /v1/query/session/:id
func (h *Handlers) HandleSession(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Session(c.Param("id")))
}

// HandleSessionClear drops a session's history.
//
// DELETE /v1/query/session/:id
func (h *Handlers) HandleSessionClear(c *gin.Context) {
	h.svc.ClearSession(c.Param("id"))
	c.Status(http.StatusNoContent)
}

// HandleEnvironments lists registered environment names.
//
// GET /v1/query/environments
func (h *Handlers) HandleEnvironments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"environments": h.svc.Environments()})
}

// HandleHealth reports liveness.
//
// GET /health
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleReady reports readiness: the catalog must be non-empty.
//
// GET /ready
func (h *Handlers) HandleReady(c *gin.Context) {
	if h.svc.store.Current().Len() == 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "empty catalog"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
