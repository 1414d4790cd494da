package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rotomail/rotomail/internal/campaign"
	"github.com/rotomail/rotomail/internal/recipients"
)

// RotationSettings are the per-campaign rotation knobs. Threshold is a
// send count for by_count mode and a number of seconds for by_time.
type RotationSettings struct {
	Mode            string   `json:"mode"`
	Threshold       int      `json:"threshold"`
	DelaySeconds    *float64 `json:"delay_seconds,omitempty"`
	FailoverEnabled *bool    `json:"failover_enabled,omitempty"`
	MaxRetries      *int     `json:"max_retries,omitempty"`
}

// CampaignRequest is the request body for POST /api/v1/campaigns
type CampaignRequest struct {
	Servers    []campaign.Server `json:"servers"`
	Rotation   RotationSettings  `json:"rotation"`
	Message    campaign.Message  `json:"message"`
	Recipients []string          `json:"recipients"`
	DryRun     bool              `json:"dry_run"`
}

// RecipientCounts summarizes validation of a submitted recipient list
type RecipientCounts struct {
	Valid      int `json:"valid"`
	Invalid    int `json:"invalid"`
	Duplicates int `json:"duplicates"`
}

// CampaignResponse is the response for POST /api/v1/campaigns
type CampaignResponse struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Recipients RecipientCounts `json:"recipients"`
}

// CampaignListResponse is the response for GET /api/v1/campaigns
type CampaignListResponse struct {
	Active []campaign.Status `json:"active"`
	Recent []*campaign.Run   `json:"recent"`
}

// ValidateRequest is the request body for POST /api/v1/recipients/validate
type ValidateRequest struct {
	Emails []string `json:"emails,omitempty"`
	Text   string   `json:"text,omitempty"`
}

// InvalidEntry describes one rejected address
type InvalidEntry struct {
	Email  string `json:"email"`
	Reason string `json:"reason"`
}

// ValidateResponse is the response for POST /api/v1/recipients/validate
type ValidateResponse struct {
	Valid   []string        `json:"valid"`
	Invalid []InvalidEntry  `json:"invalid"`
	Counts  RecipientCounts `json:"counts"`
}

// TestServersRequest is the request body for POST /api/v1/servers/test
type TestServersRequest struct {
	Servers []campaign.Server `json:"servers"`
}

// ServerTestResult is one probe outcome
type ServerTestResult struct {
	Name  string `json:"name"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status string `json:"status"`
	Uptime string `json:"uptime"`
	Active int    `json:"active_campaigns"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleStartCampaign handles POST /api/v1/campaigns
func (s *Server) handleStartCampaign(w http.ResponseWriter, r *http.Request) {
	var req CampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Servers) == 0 {
		s.sendError(w, http.StatusBadRequest, "servers is required")
		return
	}
	if len(req.Recipients) == 0 {
		s.sendError(w, http.StatusBadRequest, "recipients is required")
		return
	}
	if req.Message.Subject == "" && req.Message.Body == "" {
		s.sendError(w, http.StatusBadRequest, "message subject or body is required")
		return
	}

	policy, err := s.buildPolicy(req.Rotation)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := recipients.Clean(recipients.FromStrings(req.Recipients))
	if len(result.Valid) == 0 {
		s.sendError(w, http.StatusBadRequest, "no valid recipients")
		return
	}

	runReq := &campaign.Request{
		Servers:    req.Servers,
		Policy:     policy,
		Message:    req.Message,
		Recipients: toCampaignRecipients(result.Valid),
		DryRun:     req.DryRun,
	}

	// The run outlives this request; it is bound to the manager's
	// lifecycle, not the connection.
	id, err := s.manager.Start(context.Background(), runReq)
	if err != nil {
		if errors.Is(err, campaign.ErrNoServersAvailable) {
			s.sendError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sendJSON(w, http.StatusAccepted, CampaignResponse{
		ID:     id,
		Status: string(campaign.StateRunning),
		Recipients: RecipientCounts{
			Valid:      len(result.Valid),
			Invalid:    len(result.Invalid),
			Duplicates: result.Duplicates,
		},
	})
}

// handleListCampaigns handles GET /api/v1/campaigns
func (s *Server) handleListCampaigns(w http.ResponseWriter, r *http.Request) {
	recent, err := s.store.ListRuns(20)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to load run history")
		return
	}

	s.sendJSON(w, http.StatusOK, CampaignListResponse{
		Active: s.manager.List(),
		Recent: recent,
	})
}

// handleGetCampaign handles GET /api/v1/campaigns/{id}
func (s *Server) handleGetCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	status, err := s.manager.Get(id)
	if err != nil {
		if errors.Is(err, campaign.ErrRunNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, status)
}

// handleCancelCampaign handles DELETE /api/v1/campaigns/{id}
func (s *Server) handleCancelCampaign(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.manager.Cancel(id); err != nil {
		if errors.Is(err, campaign.ErrRunNotFound) {
			s.sendError(w, http.StatusNotFound, "Campaign not found")
			return
		}
		s.sendError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.sendJSON(w, http.StatusAccepted, map[string]string{
		"id":     id,
		"status": "cancelling",
	})
}

// handleValidateRecipients handles POST /api/v1/recipients/validate
func (s *Server) handleValidateRecipients(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	raw := req.Emails
	if req.Text != "" {
		raw = append(raw, recipients.SplitList(req.Text)...)
	}
	if len(raw) == 0 {
		s.sendError(w, http.StatusBadRequest, "emails or text is required")
		return
	}

	result := recipients.Clean(recipients.FromStrings(raw))

	resp := ValidateResponse{
		Valid:   make([]string, 0, len(result.Valid)),
		Invalid: make([]InvalidEntry, 0, len(result.Invalid)),
		Counts: RecipientCounts{
			Valid:      len(result.Valid),
			Invalid:    len(result.Invalid),
			Duplicates: result.Duplicates,
		},
	}
	for _, e := range result.Valid {
		resp.Valid = append(resp.Valid, e.Email)
	}
	for _, e := range result.Invalid {
		resp.Invalid = append(resp.Invalid, InvalidEntry{Email: e.Email, Reason: e.Reason})
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleTestServers handles POST /api/v1/servers/test
func (s *Server) handleTestServers(w http.ResponseWriter, r *http.Request) {
	var req TestServersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Servers) == 0 {
		s.sendError(w, http.StatusBadRequest, "servers is required")
		return
	}

	results := make([]ServerTestResult, 0, len(req.Servers))
	for i := range req.Servers {
		srv := &req.Servers[i]

		probeCtx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
		err := s.prober.Probe(probeCtx, srv)
		cancel()

		result := ServerTestResult{Name: srv.Name, OK: err == nil}
		if err != nil {
			result.Error = err.Error()
		}
		results = append(results, result)
	}

	s.sendJSON(w, http.StatusOK, map[string][]ServerTestResult{"results": results})
}

// handleAnalytics handles GET /api/v1/analytics
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.Summarize()
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "Failed to summarize history")
		return
	}
	s.sendJSON(w, http.StatusOK, summary)
}

// handleUsage handles GET /api/v1/usage
func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	s.sendJSON(w, http.StatusOK, map[string]map[string]int{
		"current_hour": s.usage.Stats(),
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	for _, st := range s.manager.List() {
		if st.State == campaign.StateRunning {
			active++
		}
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
		Active: active,
	})
}

// buildPolicy merges rotation settings with configured dispatch
// defaults.
func (s *Server) buildPolicy(rot RotationSettings) (campaign.Policy, error) {
	policy := campaign.Policy{
		DelayBetweenSends: s.config.Dispatch.DelayBetweenSends,
		FailoverEnabled:   s.config.Dispatch.FailoverEnabled,
		MaxRetries:        s.config.Dispatch.MaxRetries,
	}

	switch rot.Mode {
	case "", string(campaign.RotateByCount):
		policy.Mode = campaign.RotateByCount
		policy.Threshold = rot.Threshold
		if policy.Threshold <= 0 {
			policy.Threshold = 50
		}
	case string(campaign.RotateByTime):
		policy.Mode = campaign.RotateByTime
		if rot.Threshold <= 0 {
			return campaign.Policy{}, errors.New("rotation.threshold (seconds) must be positive for by_time mode")
		}
		policy.Interval = time.Duration(rot.Threshold) * time.Second
	default:
		return campaign.Policy{}, errors.New("rotation.mode must be by_count or by_time")
	}

	if rot.DelaySeconds != nil {
		if *rot.DelaySeconds < 0 {
			return campaign.Policy{}, errors.New("rotation.delay_seconds must not be negative")
		}
		policy.DelayBetweenSends = time.Duration(*rot.DelaySeconds * float64(time.Second))
	}
	if rot.FailoverEnabled != nil {
		policy.FailoverEnabled = *rot.FailoverEnabled
	}
	if rot.MaxRetries != nil {
		if *rot.MaxRetries < 0 {
			return campaign.Policy{}, errors.New("rotation.max_retries must not be negative")
		}
		policy.MaxRetries = *rot.MaxRetries
	}

	return policy, nil
}

func toCampaignRecipients(entries []recipients.Entry) []campaign.Recipient {
	out := make([]campaign.Recipient, len(entries))
	for i, e := range entries {
		out[i] = campaign.Recipient{
			Email:  e.Email,
			Name:   e.Name,
			Fields: e.Fields,
		}
	}
	return out
}

// sendJSON writes a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
