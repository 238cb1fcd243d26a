package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/channel"
	"github.com/kalder/reach/internal/orchestrator"
	"github.com/kalder/reach/internal/recipient"
)

// Version is set at build time
var Version = "dev"

// SendRequest is the request body for POST /api/v1/outreach/send
type SendRequest struct {
	CampaignID string             `json:"campaign_id"`
	Recipient  *recipient.Profile `json:"recipient"`
	Content    channel.ContentMap `json:"content"`
}

// BatchRequest is the request body for POST /api/v1/outreach/batch
type BatchRequest struct {
	CampaignID string               `json:"campaign_id"`
	Recipients []*recipient.Profile `json:"recipients"`
	Content    channel.ContentMap   `json:"content"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleSend handles POST /api/v1/outreach/send. Policy blocks come
// back as 200 with a structured result; only transport-level problems
// use error statuses.
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.CampaignID == "" {
		s.sendError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}
	if req.Recipient == nil {
		s.sendError(w, http.StatusBadRequest, "recipient is required")
		return
	}

	res, err := s.orchestrator.SendOutreach(r.Context(), req.CampaignID, req.Recipient, req.Content)
	if err != nil {
		s.sendStoreError(w, req.CampaignID, err)
		return
	}

	if res.Status == orchestrator.StatusFailed && res.Reason == orchestrator.ReasonMalformedInput {
		s.sendJSON(w, http.StatusBadRequest, res)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleBatch handles POST /api/v1/outreach/batch
func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.CampaignID == "" {
		s.sendError(w, http.StatusBadRequest, "campaign_id is required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}

	res, err := s.orchestrator.SendBatch(r.Context(), req.CampaignID, req.Recipients, req.Content)
	if err != nil {
		s.sendStoreError(w, req.CampaignID, err)
		return
	}
	s.sendJSON(w, http.StatusOK, res)
}

// handleCampaignStatus handles GET /api/v1/campaigns/{id}/status
func (s *Server) handleCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.orchestrator.Status(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, status)
}

// handleCreateCampaign handles POST /api/v1/campaigns
func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var c campaign.Campaign
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if err := c.Validate(); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.campaigns.Create(r.Context(), &c); err != nil {
		s.logger.Error("failed to create campaign", "error", err)
		s.sendError(w, http.StatusBadGateway, "campaign store unavailable")
		return
	}

	s.logger.Info("campaign created", "campaign_id", c.ID, "name", c.Name)
	s.sendJSON(w, http.StatusCreated, c)
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		s.sendStoreError(w, id, err)
		return
	}
	s.sendJSON(w, http.StatusOK, c)
}

// handleUpdateCampaignStatus handles PATCH /api/v1/campaigns/{id}/status
func (s *Server) handleUpdateCampaignStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body struct {
		Status campaign.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if !body.Status.Valid() {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", body.Status))
		return
	}

	if err := s.campaigns.UpdateStatus(r.Context(), id, body.Status); err != nil {
		s.sendStoreError(w, id, err)
		return
	}

	s.logger.Info("campaign status updated", "campaign_id", id, "status", body.Status)
	s.sendJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(body.Status)})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).Round(time.Second).String(),
	})
}

// sendStoreError maps campaign store errors onto HTTP statuses.
func (s *Server) sendStoreError(w http.ResponseWriter, campaignID string, err error) {
	if errors.Is(err, campaign.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, fmt.Sprintf("campaign %s not found", campaignID))
		return
	}
	s.logger.Error("campaign store error", "campaign_id", campaignID, "error", err)
	s.sendError(w, http.StatusBadGateway, "campaign store unavailable")
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
