package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/kalder/reach/internal/budget"
	"github.com/kalder/reach/internal/campaign"
	"github.com/kalder/reach/internal/channel"
	"github.com/kalder/reach/internal/config"
	"github.com/kalder/reach/internal/dedup"
	"github.com/kalder/reach/internal/history"
	"github.com/kalder/reach/internal/orchestrator"
	"github.com/kalder/reach/internal/schedule"
	"github.com/kalder/reach/internal/selector"
)

func newTestServer(t *testing.T, apiKey string) (*Server, *campaign.Store) {
	t.Helper()
	dir := t.TempDir()

	campaigns, err := campaign.NewStore(filepath.Join(dir, "campaigns.db"))
	if err != nil {
		t.Fatalf("campaign.NewStore() error = %v", err)
	}
	t.Cleanup(func() { campaigns.Close() })

	hist, err := history.NewBoltStore(filepath.Join(dir, "history.db"), nil)
	if err != nil {
		t.Fatalf("history.NewBoltStore() error = %v", err)
	}
	t.Cleanup(func() { hist.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := orchestrator.New(
		campaigns,
		hist,
		dedup.NewChecker(hist, dedup.Config{}, nil),
		selector.New(selector.DefaultWeights(), 2, nil),
		budget.NewManager(campaigns, nil, 0, nil),
		schedule.New(campaigns, 0, nil),
		nil,
		orchestrator.Config{},
		logger,
		nil,
	)

	cfg := &config.APIConfig{ListenAddr: ":0", APIKey: apiKey}
	return NewServer(orch, campaigns, cfg, logger), campaigns
}

func createTestCampaign(t *testing.T, store *campaign.Store) *campaign.Campaign {
	t.Helper()
	c := &campaign.Campaign{
		Name:        "spring-launch",
		Status:      campaign.StatusActive,
		Channels:    map[channel.Channel]bool{channel.Email: true},
		BudgetTotal: 1.0,
		StartAt:     time.Now().UTC().Add(-time.Hour),
		EndAt:       time.Now().UTC().Add(24 * time.Hour),
	}
	if err := store.Create(context.Background(), c); err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	return c
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func sendBody(campaignID, recipientID string) map[string]any {
	return map[string]any{
		"campaign_id": campaignID,
		"recipient": map[string]any{
			"id":            recipientID,
			"customer_type": "new",
			"contact":       map[string]string{"email": recipientID + "@example.com"},
		},
		"content": map[string]any{
			"email": map[string]string{"subject": "Hello", "body": "Welcome."},
		},
	}
}

func TestHandleSendScheduled(t *testing.T) {
	srv, store := newTestServer(t, "")
	c := createTestCampaign(t, store)

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/outreach/send", sendBody(c.ID, "rec-1"))
	if w.Code != http.StatusOK {
		t.Fatalf("send status = %d, body = %s", w.Code, w.Body.String())
	}

	var res orchestrator.SendResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if res.Status != orchestrator.StatusScheduled {
		t.Errorf("result status = %s, want scheduled", res.Status)
	}
	if res.Channel != channel.Email {
		t.Errorf("result channel = %s, want email", res.Channel)
	}
}

func TestHandleSendBlockedIsOK(t *testing.T) {
	srv, store := newTestServer(t, "")
	c := createTestCampaign(t, store)

	first := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/outreach/send", sendBody(c.ID, "rec-1"))
	if first.Code != http.StatusOK {
		t.Fatalf("first send status = %d", first.Code)
	}

	// A policy block is a decision, not a transport error.
	second := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/outreach/send", sendBody(c.ID, "rec-1"))
	if second.Code != http.StatusOK {
		t.Fatalf("blocked send status = %d, want 200", second.Code)
	}
	var res orchestrator.SendResult
	if err := json.Unmarshal(second.Body.Bytes(), &res); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if res.Status != orchestrator.StatusBlocked || res.Reason != orchestrator.ReasonDuplicate {
		t.Errorf("result = %s/%s, want blocked/duplicate", res.Status, res.Reason)
	}
}

func TestHandleSendMalformedInput(t *testing.T) {
	srv, store := newTestServer(t, "")
	c := createTestCampaign(t, store)

	body := sendBody(c.ID, "rec-1")
	body["recipient"].(map[string]any)["id"] = ""

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/outreach/send", body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("send status = %d, want 400", w.Code)
	}
}

func TestHandleSendValidation(t *testing.T) {
	srv, store := newTestServer(t, "")
	c := createTestCampaign(t, store)

	tests := []struct {
		name string
		body map[string]any
	}{
		{"missing campaign_id", map[string]any{"recipient": map[string]any{"id": "rec-1"}}},
		{"missing recipient", map[string]any{"campaign_id": c.ID}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/outreach/send", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("send status = %d, want 400", w.Code)
			}
		})
	}
}

func TestHandleSendUnknownCampaign(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/outreach/send", sendBody("missing", "rec-1"))
	if w.Code != http.StatusNotFound {
		t.Fatalf("send status = %d, want 404", w.Code)
	}
}

func TestHandleBatch(t *testing.T) {
	srv, store := newTestServer(t, "")
	c := createTestCampaign(t, store)

	recipients := make([]map[string]any, 3)
	for i := range recipients {
		recipients[i] = map[string]any{
			"id":            fmt.Sprintf("rec-%d", i),
			"customer_type": "new",
			"contact":       map[string]string{"email": fmt.Sprintf("rec-%d@example.com", i)},
		}
	}
	body := map[string]any{
		"campaign_id": c.ID,
		"recipients":  recipients,
		"content": map[string]any{
			"email": map[string]string{"subject": "Hello", "body": "Welcome."},
		},
	}

	w := doJSON(t, srv.Handler(), http.MethodPost, "/api/v1/outreach/batch", body)
	if w.Code != http.StatusOK {
		t.Fatalf("batch status = %d, body = %s", w.Code, w.Body.String())
	}

	var res orchestrator.BatchResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if res.Total != 3 || res.Scheduled != 3 {
		t.Errorf("batch result = %d/%d scheduled, want 3/3", res.Total, res.Scheduled)
	}
}

func TestCampaignLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, "")
	h := srv.Handler()

	create := map[string]any{
		"name":         "autumn-launch",
		"status":       "active",
		"channels":     map[string]bool{"email": true},
		"budget_total": 5.0,
		"start_at":     time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
		"end_at":       time.Now().UTC().Add(48 * time.Hour).Format(time.RFC3339),
	}
	w := doJSON(t, h, http.MethodPost, "/api/v1/campaigns", create)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body = %s", w.Code, w.Body.String())
	}
	var created campaign.Campaign
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("created campaign has no ID")
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/campaigns/"+created.ID, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get status = %d", w.Code)
	}

	w = doJSON(t, h, http.MethodGet, "/api/v1/campaigns/"+created.ID+"/status", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status endpoint = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPatch, "/api/v1/campaigns/"+created.ID+"/status", map[string]string{"status": "paused"})
	if w.Code != http.StatusOK {
		t.Fatalf("patch status = %d, body = %s", w.Code, w.Body.String())
	}

	w = doJSON(t, h, http.MethodPatch, "/api/v1/campaigns/"+created.ID+"/status", map[string]string{"status": "bogus"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("patch bogus status = %d, want 400", w.Code)
	}
}

func TestCampaignNotFound(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doJSON(t, srv.Handler(), http.MethodGet, "/api/v1/campaigns/missing", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("get status = %d, want 404", w.Code)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, store := newTestServer(t, "testkey")
	c := createTestCampaign(t, store)
	h := srv.Handler()

	// No key.
	w := doJSON(t, h, http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("no key status = %d, want 401", w.Code)
	}

	// Wrong key.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	req.Header.Set("X-API-Key", "wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong key status = %d, want 401", rec.Code)
	}

	// Header key.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	req.Header.Set("X-API-Key", "testkey")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("header key status = %d, want 200", rec.Code)
	}

	// Bearer token.
	req = httptest.NewRequest(http.MethodGet, "/api/v1/campaigns/"+c.ID, nil)
	req.Header.Set("Authorization", "Bearer testkey")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("bearer key status = %d, want 200", rec.Code)
	}

	// Health stays open.
	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("health status = %d, want 200", rec.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	srv, _ := newTestServer(t, "")

	w := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("health status = %d", w.Code)
	}
	var res HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if res.Status != "ok" {
		t.Errorf("health status field = %s, want ok", res.Status)
	}
}
