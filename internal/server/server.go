// Package server exposes the HTTP API: auth, uploads, report jobs, the token
// ledger, and referrals.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strings"

	"velvet/internal/app"
	"velvet/internal/ratelimit"
	"velvet/internal/util"
	"velvet/pkg/auth"
	"velvet/pkg/domain"
)

const docxContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// AuthLimiter throttles credential and code-validation endpoints. Nil
	// disables throttling (tests).
	AuthLimiter *ratelimit.FixedWindowLimiter
	// TrustedProxies controls when forwarded headers are believed for
	// client IP resolution. Nil means the direct peer address is used.
	TrustedProxies *util.TrustedProxies
	// MaxUploadBytes caps the request body on the upload endpoint.
	MaxUploadBytes int64
}

// Server exposes HTTP endpoints for the manuscript service.
type Server struct {
	app            *app.App
	mux            *http.ServeMux
	authLimiter    *ratelimit.FixedWindowLimiter
	trustedProxies *util.TrustedProxies
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) *Server {
	maxUpload := cfg.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = 100 << 20
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		authLimiter:    cfg.AuthLimiter,
		trustedProxies: cfg.TrustedProxies,
		maxUploadBytes: maxUpload,
	}
	s.routes()
	return s
}

// Router returns the configured handler with the shared middleware applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("velvet", util.WithSecurityHeaders(util.WithCORS(s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// auth
	s.mux.HandleFunc("/api/auth/register", s.handleRegister)
	s.mux.HandleFunc("/api/auth/login", s.handleLogin)
	s.mux.Handle("/api/users/me", s.authenticated(s.handleMe))

	// uploads
	s.mux.Handle("/api/uploads", s.authenticated(s.handleUploads))
	s.mux.Handle("/api/uploads/", s.authenticated(s.handleUploadByID))

	// report jobs
	s.mux.Handle("/api/reports", s.authenticated(s.handleReports))
	s.mux.Handle("/api/reports/", s.authenticated(s.handleReportByID))

	// token ledger
	s.mux.Handle("/api/tokens/balance", s.authenticated(s.handleBalance))
	s.mux.Handle("/api/tokens/history", s.authenticated(s.handleHistory))
	s.mux.Handle("/api/tokens/estimate", s.authenticated(s.handleEstimate))
	s.mux.Handle("/api/tokens/packages", s.authenticated(s.handlePackages))
	s.mux.Handle("/api/tokens/purchase", s.authenticated(s.handlePurchase))
	s.mux.Handle("/api/tokens/consume", s.authenticated(s.handleConsume))

	// referrals
	s.mux.Handle("/api/referrals/code", s.authenticated(s.handleReferralCode))
	s.mux.Handle("/api/referrals/invite", s.authenticated(s.handleReferralInvite))
	s.mux.HandleFunc("/api/referrals/validate", s.handleReferralValidate)
	s.mux.Handle("/api/referrals/eligibility", s.authenticated(s.handleReferralEligibility))
	s.mux.Handle("/api/referrals/stats", s.authenticated(s.handleReferralStats))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, ok := s.app.UserFromToken(token)
		if !ok {
			s.audit(r, "auth.token.verify", "fail")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r, user)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, "too many signup attempts") {
		return
	}
	var req registerRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Register(req.Email, req.Password, req.ReferralCode)
	if err != nil {
		s.audit(r, "auth.register", "fail")
		writeAppError(w, err)
		return
	}
	s.audit(r, "auth.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, "too many login attempts") {
		return
	}
	var req loginRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(req.Email, req.Password)
	if err != nil {
		s.audit(r, "auth.login", "fail")
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	s.audit(r, "auth.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	profile, account, err := s.app.Me(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   profile,
		"tokens": account,
	})
}

// upload handlers
func (s *Server) handleUploads(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		s.handleCreateUpload(w, r, user)
	case http.MethodGet:
		uploads, err := s.app.ListUploads(user)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": uploads,
			"count": len(uploads),
		})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCreateUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid multipart body")
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	files := make([]app.IncomingFile, 0, len(headers))
	closers := make([]io.Closer, 0, len(headers))
	defer func() {
		for _, c := range closers {
			c.Close()
		}
	}()
	for _, h := range headers {
		f, err := h.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable multipart file")
			return
		}
		closers = append(closers, f)
		files = append(files, app.IncomingFile{Name: h.Filename, Size: h.Size, Content: f})
	}

	upload, err := s.app.CreateUpload(user, files)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, upload)
}

func (s *Server) handleUploadByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := strings.TrimPrefix(r.URL.Path, "/api/uploads/")
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	upload, err := s.app.GetUpload(user, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, upload)
}

// report handlers
func (s *Server) handleReports(w http.ResponseWriter, r *http.Request, user domain.User) {
	switch r.Method {
	case http.MethodPost:
		var req submitReportRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		if req.UploadID == "" {
			writeError(w, http.StatusBadRequest, "uploadId is required")
			return
		}
		job, err := s.app.SubmitJob(user, req.UploadID)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, job)
	case http.MethodGet:
		jobs, err := s.app.ListJobs(user)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": jobs,
			"count": len(jobs),
		})
	default:
		methodNotAllowed(w)
	}
}

// /api/reports/{id}, /api/reports/{id}/download, /api/reports/{id}/regenerate,
// /api/reports/{id}/feedback
func (s *Server) handleReportByID(w http.ResponseWriter, r *http.Request, user domain.User) {
	path := strings.TrimPrefix(r.URL.Path, "/api/reports/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	if len(parts) == 2 {
		switch parts[1] {
		case "download":
			s.handleDownloadReport(w, r, user, id)
		case "regenerate":
			s.handleRegenerateReport(w, r, user, id)
		case "feedback":
			s.handleReportFeedback(w, r, user, id)
		default:
			http.NotFound(w, r)
		}
		return
	}
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	view, err := s.app.GetJob(user, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDownloadReport(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	path, err := s.app.ReportFile(user, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	w.Header().Set("Content-Type", docxContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(path)+`"`)
	http.ServeFile(w, r, path)
}

func (s *Server) handleRegenerateReport(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	job, err := s.app.RegenerateJob(user, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

func (s *Server) handleReportFeedback(w http.ResponseWriter, r *http.Request, user domain.User, id string) {
	switch r.Method {
	case http.MethodPost:
		var req feedbackRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		fb, err := s.app.SubmitFeedback(user, id, req.Section, req.Approved, req.Comments)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, fb)
	case http.MethodGet:
		list, err := s.app.ListFeedback(user, id)
		if err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": list,
			"count": len(list),
		})
	default:
		methodNotAllowed(w)
	}
}

// token handlers
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	summary, err := s.app.BalanceWithHistory(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	history, err := s.app.TransactionHistory(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": history,
		"count": len(history),
	})
}

func (s *Server) handleEstimate(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	projectType := r.URL.Query().Get("complexity")
	if projectType == "" && r.URL.Query().Get("uploadId") != "" {
		upload, err := s.app.GetUpload(user, r.URL.Query().Get("uploadId"))
		if err != nil {
			writeAppError(w, err)
			return
		}
		projectType = s.app.ClassifyUpload(upload)
	}
	estimate, err := s.app.Estimate(user, projectType)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, estimate)
}

func (s *Server) handlePackages(w http.ResponseWriter, r *http.Request, _ domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": s.app.Packages(),
	})
}

func (s *Server) handlePurchase(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req purchaseRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	result, err := s.app.Purchase(user, req.Package, req.PaymentRef)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req consumeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	cost, err := s.app.EstimateCost(req.ProjectType)
	if err != nil {
		writeAppError(w, err)
		return
	}
	desc := "Manuscript generation (" + strings.ToLower(strings.TrimSpace(req.ProjectType)) + ")"
	if req.ProjectID != "" {
		desc += " for project " + req.ProjectID
	}
	account, err := s.app.Consume(user, cost, desc)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"consumed": cost,
		"balance":  account.Balance,
		"account":  account,
	})
}

// referral handlers
func (s *Server) handleReferralCode(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	ref, err := s.app.ReferralCode(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ref)
}

func (s *Server) handleReferralInvite(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req inviteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	invite, err := s.app.SendInvitation(user, req.Email)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, invite)
}

func (s *Server) handleReferralValidate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, "too many validation attempts") {
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}
	check, err := s.app.ValidateReferralCode(code)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, check)
}

func (s *Server) handleReferralEligibility(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	eligible, err := s.app.ReferralEligibility(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"eligible": eligible})
}

func (s *Server) handleReferralStats(w http.ResponseWriter, r *http.Request, user domain.User) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	stats, err := s.app.Stats(user)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// request/response types
type registerRequest struct {
	Email        string `json:"email"`
	Password     string `json:"password"`
	ReferralCode string `json:"referralCode"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type submitReportRequest struct {
	UploadID string `json:"uploadId"`
}

type feedbackRequest struct {
	Section  string `json:"section"`
	Approved bool   `json:"approved"`
	Comments string `json:"comments"`
}

type purchaseRequest struct {
	Package    string `json:"package"`
	PaymentRef string `json:"paymentRef"`
}

type consumeRequest struct {
	ProjectType string `json:"projectType"`
	ProjectID   string `json:"projectId"`
}

type inviteRequest struct {
	Email string `json:"email"`
}

// helpers
func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, msg string) bool {
	if s.authLimiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if s.authLimiter.Allow(key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	if outcome == "success" {
		slog.Info("security_event", logAttrs...)
		return
	}
	slog.Warn("security_event", logAttrs...)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, app.ErrEmailAlreadyExists),
		errors.Is(err, app.ErrReportNotReady):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInsufficientTokens):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, app.ErrFileTooLarge),
		errors.Is(err, app.ErrUploadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, app.ErrNoFiles),
		errors.Is(err, app.ErrFileTypeNotAllowed),
		errors.Is(err, app.ErrInvalidAmount),
		errors.Is(err, app.ErrUnknownPackage),
		errors.Is(err, app.ErrUnknownProjectType),
		errors.Is(err, app.ErrFeedbackSectionRequired),
		errors.Is(err, app.ErrSelfReferral),
		errors.Is(err, app.ErrEmailRequired),
		errors.Is(err, app.ErrInvalidEmail),
		errors.Is(err, app.ErrEmailAndPasswordRequired),
		errors.Is(err, auth.ErrPasswordTooShort):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		slog.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
