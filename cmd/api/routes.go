package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"callline-platform/internal/calls"
	"callline-platform/internal/config"
	"callline-platform/internal/dialogue"
	"callline-platform/internal/engine"
	"callline-platform/internal/live"
	"callline-platform/internal/reporting"
	"callline-platform/internal/telephony"
	"callline-platform/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type apiDeps struct {
	cfg     config.Config
	log     *slog.Logger
	store   calls.Store
	ctrl    telephony.Controller
	engines *engine.Manager
	turns   *dialogue.TurnService
	reports *reporting.Service
	feed    *live.FeedHandler
}

// registerRoutes wires HTTP routes to handlers.
// Keep this file free of business logic. Handlers should delegate to internal modules.
func registerRoutes(r *gin.Engine, d *apiDeps) {
	r.GET("/healthz", d.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Provider webhooks (public).
	// NOTE: These endpoints should be protected by Twilio signature validation in production.
	wh := &telephony.WebhookHandler{Store: d.store, Turns: d.turns}
	r.POST("/webhooks/twilio/voice/status", wh.HandleStatus)
	r.POST("/webhooks/twilio/voice/transcription", wh.HandleTranscription)

	v1 := r.Group("/v1")
	{
		v1.POST("/calls", d.createCall)
		v1.GET("/calls/:id", d.getCall)
		v1.POST("/calls/:id/recap/retry", d.retryRecap)
		v1.GET("/calls/:id/live", d.feed.Serve)

		v1.GET("/reports/calls", d.callsReport)
	}
}

func (d *apiDeps) health(c *gin.Context) {
	if err := d.ctrl.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "provider": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createCallRequest struct {
	To     string            `json:"to" binding:"required"`
	From   string            `json:"from"`
	Intent string            `json:"intent" binding:"required"`
	Info   map[string]string `json:"info"`
}

func (d *apiDeps) createCall(c *gin.Context) {
	log := logger.FromGin(c)

	var req createCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	from := req.From
	if from == "" {
		from = d.cfg.Twilio.FromNumber
	}
	if from == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no from number configured"})
		return
	}

	session := calls.CallSession{
		ID:           uuid.NewString(),
		Direction:    calls.DirectionOutbound,
		From:         from,
		To:           req.To,
		Status:       calls.StatusPending,
		ClosingState: calls.ClosingStateActive,
		Purpose:      dialogue.ParsePurpose(req.Intent, req.Info),
	}
	if err := d.store.Create(c.Request.Context(), session); err != nil {
		log.Error("call create failed", "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create call"})
		return
	}

	// The engine watches from the very first webhook onward.
	d.engines.Start(session.ID)

	res, err := d.ctrl.PlaceCall(c.Request.Context(), telephony.PlaceCallRequest{
		CallID:            session.ID,
		From:              from,
		To:                req.To,
		StatusCallbackURL: d.cfg.App.PublicBaseURL + "/webhooks/twilio/voice/status?call_id=" + session.ID,
	})
	if err != nil {
		log.Error("place call failed", "call_id", session.ID, "err", err)
		now := time.Now().UTC()
		ended := calls.StatusEnded
		if _, uerr := d.store.Update(c.Request.Context(), session.ID, calls.Patch{
			Status: &ended, EndedAt: &now,
		}); uerr != nil {
			log.Error("failed to mark unplaceable call ended", "call_id", session.ID, "err", uerr)
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": "call could not be placed", "call_id": session.ID})
		return
	}

	_ = d.store.SetCheckpoint(c.Request.Context(), session.ID, calls.CheckpointCallPlaced, time.Now().UTC())
	if res.ProviderCallID != "" {
		if _, err := d.store.Update(c.Request.Context(), session.ID, calls.Patch{
			ProviderCallID: &res.ProviderCallID,
		}); err != nil {
			log.Warn("could not persist provider call id", "call_id", session.ID, "err", err)
		}
	}

	c.JSON(http.StatusCreated, gin.H{
		"call_id":          session.ID,
		"provider_call_id": res.ProviderCallID,
		"status":           calls.StatusPending,
	})
}

// getCall returns the stored session, overlaid with the consistency engine's
// view when one is running. The engine's view carries poll-timeout state that
// is deliberately never persisted.
func (d *apiDeps) getCall(c *gin.Context) {
	id := c.Param("id")
	session, err := d.store.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}
	if eng, ok := d.engines.Get(id); ok {
		session = eng.Snapshot()
	}
	c.JSON(http.StatusOK, session)
}

func (d *apiDeps) retryRecap(c *gin.Context) {
	id := c.Param("id")
	if _, err := d.store.Get(c.Request.Context(), id); err != nil {
		if errors.Is(err, calls.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "call not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "lookup failed"})
		return
	}

	// After a restart no engine is running for old calls; start one so the
	// retry has an owner for polling and reconciliation.
	eng, ok := d.engines.Get(id)
	if !ok {
		d.engines.Start(id)
		if eng, ok = d.engines.Get(id); !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "engine unavailable"})
			return
		}
	}

	if err := eng.Retry(c.Request.Context()); err != nil {
		if errors.Is(err, engine.ErrRecapNotRetryable) {
			c.JSON(http.StatusConflict, gin.H{"error": "recap is not in a retryable state"})
			return
		}
		logger.FromGin(c).Error("recap retry failed", "call_id", id, "err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retry failed"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "retrying"})
}

func (d *apiDeps) callsReport(c *gin.Context) {
	var rng reporting.TimeRange
	var err error
	if rng.From, err = time.Parse(time.RFC3339, c.Query("from")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "from must be RFC3339"})
		return
	}
	if rng.To, err = time.Parse(time.RFC3339, c.Query("to")); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "to must be RFC3339"})
		return
	}

	summary, err := d.reports.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{Range: rng})
	if err != nil {
		if errors.Is(err, reporting.ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid report range"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "report failed"})
		return
	}
	c.JSON(http.StatusOK, summary)
}
