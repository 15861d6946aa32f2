package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/whatsapp-automation/broadcaster/internal/autopause"
	"github.com/whatsapp-automation/broadcaster/internal/campaign"
	"github.com/whatsapp-automation/broadcaster/internal/dispatcher"
	"github.com/whatsapp-automation/broadcaster/internal/message"
	"github.com/whatsapp-automation/broadcaster/internal/metrics"
	"github.com/whatsapp-automation/broadcaster/internal/session"
	"github.com/whatsapp-automation/broadcaster/internal/whatsapp"
)

// Sessions is the session manager surface the API needs.
type Sessions interface {
	Connect(ctx context.Context, p whatsapp.ConnectParams) (*whatsapp.ConnectResult, error)
	Account(id string) (whatsapp.AccountStatus, error)
	Accounts(ownerID string) []whatsapp.AccountStatus
	QRCodePNG(sessionID string) ([]byte, error)
	Disconnect(ctx context.Context, sessionID string) error
	Logout(ctx context.Context, sessionID string) error
	Inbox() *whatsapp.Inbox
}

// Deps are the components the API serves.
type Deps struct {
	Sessions   Sessions
	Campaigns  *campaign.Manager
	Dispatcher *dispatcher.Dispatcher
	Pool       *session.Pool
	Health     *autopause.Monitor
	Metrics    *metrics.Metrics
	Version    string
	Log        *logrus.Entry
}

// Server represents the HTTP API server
type Server struct {
	sessions   Sessions
	campaigns  *campaign.Manager
	dispatcher *dispatcher.Dispatcher
	pool       *session.Pool
	health     *autopause.Monitor
	metrics    *metrics.Metrics
	version    string
	started    time.Time
	log        *logrus.Entry
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Server{
		sessions:   d.Sessions,
		campaigns:  d.Campaigns,
		dispatcher: d.Dispatcher,
		pool:       d.Pool,
		health:     d.Health,
		metrics:    d.Metrics,
		version:    d.Version,
		started:    time.Now(),
		log:        log.WithField("component", "api"),
	}
}

// RegisterRoutes registers HTTP routes
func (s *Server) RegisterRoutes(r *mux.Router) {
	// Health
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	// Sessions
	r.HandleFunc("/sessions", s.handleSessionsList).Methods(http.MethodGet)
	r.HandleFunc("/sessions/connect", s.handleConnect).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}", s.handleSessionGet).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}", s.handleDisconnect).Methods(http.MethodDelete)
	r.HandleFunc("/sessions/{id}/qr", s.handleQR).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/logout", s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/health", s.handleSessionHealth).Methods(http.MethodGet)
	r.HandleFunc("/sessions/{id}/resume", s.handleSessionResume).Methods(http.MethodPost)
	r.HandleFunc("/sessions/{id}/inbox", s.handleSessionInbox).Methods(http.MethodGet)
	r.HandleFunc("/inbox", s.handleInbox).Methods(http.MethodGet)

	// Campaigns
	r.HandleFunc("/campaigns", s.handleCampaignsList).Methods(http.MethodGet)
	r.HandleFunc("/campaigns", s.handleCampaignCreate).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{name}", s.handleCampaignGet).Methods(http.MethodGet)
	r.HandleFunc("/campaigns/{name}", s.handleCampaignDelete).Methods(http.MethodDelete)
	r.HandleFunc("/campaigns/{name}/stats", s.handleCampaignStats).Methods(http.MethodGet)
	r.HandleFunc("/campaigns/{name}/contacts", s.handleAddContacts).Methods(http.MethodPost)
	r.HandleFunc("/campaigns/{name}/messages", s.handleSetMessages).Methods(http.MethodPut)
	r.HandleFunc("/campaigns/{name}/sessions", s.handleLinkSessions).Methods(http.MethodPut)
	r.HandleFunc("/campaigns/{name}/{action:start|pause|resume|stop}", s.handleCampaignAction).Methods(http.MethodPost)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]interface{}{"error": true, "message": message})
}

// fail maps a domain error onto a status code.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dispatcher.ErrAlreadyActive), errors.Is(err, campaign.ErrInvalidTransition):
		status = http.StatusConflict
	case errors.Is(err, campaign.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, campaign.ErrNotFound), errors.Is(err, whatsapp.ErrSessionNotFound):
		status = http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.log.WithError(err).WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).Error("Request failed")
	}
	writeError(w, status, err.Error())
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return false
	}
	return true
}

func queryInt(r *http.Request, key string, def int) int {
	if n, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil && n > 0 {
		return n
	}
	return def
}

// ============================================
// HEALTH
// ============================================

// GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"healthy":          true,
		"version":          s.version,
		"uptime":           time.Since(s.started).Round(time.Second).String(),
		"sessions_ready":   s.pool.ReadyCount(),
		"campaigns_active": len(s.campaigns.Names(campaign.StatusRunning)),
	})
}

// ============================================
// SESSIONS
// ============================================

// GET /sessions?owner=
func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	accounts := s.sessions.Accounts(r.URL.Query().Get("owner"))
	ready := 0
	for _, acc := range accounts {
		if acc.Ready {
			ready++
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions":    accounts,
		"total_ready": ready,
	})
}

// POST /sessions/connect - QR or phone pairing login
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	var req whatsapp.ConnectParams
	if !decode(w, r, &req) {
		return
	}
	if req.Method == "" {
		req.Method = whatsapp.MethodQR
	}

	ctx, cancel := context.WithTimeout(r.Context(), 120*time.Second)
	defer cancel()

	result, err := s.sessions.Connect(ctx, req)
	if err != nil {
		s.fail(w, r, err)
		return
	}

	s.log.WithFields(logrus.Fields{
		"session": result.SessionID,
		"status":  result.Status,
	}).Info("Connect requested")
	writeJSON(w, http.StatusOK, result)
}

// GET /sessions/{id}
func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	acc, err := s.sessions.Account(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GET /sessions/{id}/qr - pending QR code as PNG
func (s *Server) handleQR(w http.ResponseWriter, r *http.Request) {
	png, err := s.sessions.QRCodePNG(mux.Vars(r)["id"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	w.Write(png)
}

// DELETE /sessions/{id} - disconnect, keep credentials
func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Disconnect(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sessionId": id})
}

// POST /sessions/{id}/logout - unlink and delete credentials
func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.sessions.Logout(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.health.Forget(id)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "sessionId": id})
}

// GET /sessions/{id}/health
func (s *Server) handleSessionHealth(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stats := s.health.Stats(id)
	resp := map[string]interface{}{"stats": stats}
	if remaining := s.health.Remaining(id); remaining > 0 {
		resp["resumes_in"] = remaining.Round(time.Second).String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// POST /sessions/{id}/resume - lift an auto pause before its cooldown ends
func (s *Server) handleSessionResume(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessionId": id,
		"resumed":   s.health.Resume(id),
	})
}

// GET /sessions/{id}/inbox
func (s *Server) handleSessionInbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": s.sessions.Inbox().ForSession(mux.Vars(r)["id"]),
	})
}

// GET /inbox?limit=
func (s *Server) handleInbox(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages": s.sessions.Inbox().Recent(queryInt(r, "limit", 50)),
	})
}

// ============================================
// CAMPAIGNS
// ============================================

// CampaignSummary is a campaign without its contact list.
type CampaignSummary struct {
	Name        string          `json:"name"`
	DisplayName string          `json:"displayName"`
	OwnerID     string          `json:"ownerId"`
	Status      campaign.Status `json:"status"`
	Stats       campaign.Stats  `json:"stats"`
	Progress    float64         `json:"progress"`
	Active      bool            `json:"active"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

func (s *Server) summarize(c *campaign.Campaign) CampaignSummary {
	return CampaignSummary{
		Name:        c.Name,
		DisplayName: c.DisplayName,
		OwnerID:     c.OwnerID,
		Status:      c.Status,
		Stats:       c.Stats,
		Progress:    c.Progress(),
		Active:      s.dispatcher.Active(c.Name),
		CreatedAt:   c.CreatedAt,
		StartedAt:   c.StartedAt,
		CompletedAt: c.CompletedAt,
	}
}

// GET /campaigns?owner=
func (s *Server) handleCampaignsList(w http.ResponseWriter, r *http.Request) {
	list := s.campaigns.List(r.URL.Query().Get("owner"))
	out := make([]CampaignSummary, 0, len(list))
	for _, c := range list {
		out = append(out, s.summarize(c))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"campaigns": out})
}

// CreateCampaignRequest for POST /campaigns. MaxDelay is a duration string
// such as "45s"; empty uses the configured default.
type CreateCampaignRequest struct {
	Name     string                  `json:"name"`
	OwnerID  string                  `json:"ownerId"`
	Contacts []campaign.ContactInput `json:"contacts"`
	Messages []message.Template      `json:"messages"`
	Sessions []string                `json:"sessions"`
	MaxDelay string                  `json:"maxDelay"`
}

// POST /campaigns
func (s *Server) handleCampaignCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateCampaignRequest
	if !decode(w, r, &req) {
		return
	}

	var maxDelay time.Duration
	if req.MaxDelay != "" {
		d, err := time.ParseDuration(req.MaxDelay)
		if err != nil {
			writeError(w, http.StatusBadRequest, "maxDelay must be a duration such as 30s")
			return
		}
		maxDelay = d
	}

	c, err := s.campaigns.Create(r.Context(), campaign.CreateParams{
		DisplayName:    req.Name,
		OwnerID:        req.OwnerID,
		Contacts:       req.Contacts,
		Messages:       req.Messages,
		LinkedSessions: req.Sessions,
		MaxDelay:       maxDelay,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// GET /campaigns/{name}
func (s *Server) handleCampaignGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(mux.Vars(r)["name"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// GET /campaigns/{name}/stats
func (s *Server) handleCampaignStats(w http.ResponseWriter, r *http.Request) {
	c, err := s.campaigns.Get(mux.Vars(r)["name"])
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"campaign":     s.summarize(c),
		"sessionStats": c.SessionStats,
	})
}

// DELETE /campaigns/{name}
func (s *Server) handleCampaignDelete(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.dispatcher.Delete(r.Context(), name); err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "name": name})
}

// POST /campaigns/{name}/contacts
func (s *Server) handleAddContacts(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Contacts []campaign.ContactInput `json:"contacts"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.campaigns.AddContacts(r.Context(), mux.Vars(r)["name"], req.Contacts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.summarize(c))
}

// PUT /campaigns/{name}/messages
func (s *Server) handleSetMessages(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Messages []message.Template `json:"messages"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.campaigns.SetMessages(r.Context(), mux.Vars(r)["name"], req.Messages)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": c.Name, "messages": c.Messages})
}

// PUT /campaigns/{name}/sessions
func (s *Server) handleLinkSessions(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sessions []string `json:"sessions"`
	}
	if !decode(w, r, &req) {
		return
	}
	c, err := s.campaigns.LinkSessions(r.Context(), mux.Vars(r)["name"], req.Sessions)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"name": c.Name, "sessions": c.LinkedSessions})
}

// POST /campaigns/{name}/{start|pause|resume|stop}
func (s *Server) handleCampaignAction(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	name, action := vars["name"], vars["action"]

	var err error
	switch action {
	case "start":
		err = s.dispatcher.Start(r.Context(), name)
	case "pause":
		err = s.dispatcher.Pause(r.Context(), name)
	case "resume":
		err = s.dispatcher.Resume(r.Context(), name)
	case "stop":
		err = s.dispatcher.Stop(r.Context(), name)
	}
	if err != nil {
		s.fail(w, r, err)
		return
	}

	status, err := s.campaigns.Status(name)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.log.WithFields(logrus.Fields{
		"campaign": name,
		"action":   action,
		"status":   status,
	}).Info("Campaign control")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"name":    name,
		"status":  status,
	})
}
