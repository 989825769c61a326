// Package app implements the application services behind the HTTP surface:
// account registration and login, upload intake, job submission, the token
// ledger, and the referral program.
package app

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"velvet/internal/report"
	"velvet/pkg/ai"
	"velvet/pkg/auth"
	"velvet/pkg/domain"
	"velvet/pkg/store"
)

// Config holds runtime configuration for the core application.
type Config struct {
	DatabaseURL string
	Store       store.Store

	JWTSecret  string
	SessionTTL time.Duration
	Sessions   *auth.JWTSessionStore

	Generator       ai.TextGenerator
	GenTimeout      time.Duration
	MaxOutputTokens int

	UploadDir         string
	ReportDir         string
	MaxFileSizeMB     int
	MaxUploadSizeMB   int
	AllowedExtensions []string
}

// App wires storage, sessions, and the job orchestrator together.
type App struct {
	store    store.Store
	sessions *auth.JWTSessionStore
	jobs     *report.Orchestrator

	uploadDir      string
	maxFileBytes   int64
	maxUploadBytes int64
	allowedExts    map[string]bool
}

// New constructs the application. A caller-provided Store or session store
// takes precedence over the DSN/secret wiring, which is how tests inject
// fixtures.
func New(cfg Config) (*App, error) {
	dataStore := cfg.Store
	if dataStore == nil {
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL required")
		}
		var err error
		dataStore, err = store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init store: %w", err)
		}
	}

	sessions := cfg.Sessions
	if sessions == nil {
		var err error
		sessions, err = auth.NewJWTSessionStore(cfg.JWTSecret, cfg.SessionTTL)
		if err != nil {
			return nil, fmt.Errorf("init session store: %w", err)
		}
	}

	if cfg.Generator == nil {
		return nil, fmt.Errorf("text generator required")
	}
	if cfg.UploadDir == "" || cfg.ReportDir == "" {
		return nil, fmt.Errorf("uploadDir and reportDir required")
	}
	if cfg.MaxFileSizeMB <= 0 {
		cfg.MaxFileSizeMB = 50
	}
	if cfg.MaxUploadSizeMB <= 0 {
		cfg.MaxUploadSizeMB = 100
	}
	exts := cfg.AllowedExtensions
	if len(exts) == 0 {
		exts = []string{".csv", ".xlsx", ".xls", ".docx", ".pdf", ".txt"}
	}
	allowed := make(map[string]bool, len(exts))
	for _, ext := range exts {
		allowed[strings.ToLower(ext)] = true
	}

	jobs, err := report.New(report.Config{
		Store:           dataStore,
		Generator:       cfg.Generator,
		ReportDir:       cfg.ReportDir,
		GenTimeout:      cfg.GenTimeout,
		MaxOutputTokens: cfg.MaxOutputTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("init orchestrator: %w", err)
	}

	return &App{
		store:          dataStore,
		sessions:       sessions,
		jobs:           jobs,
		uploadDir:      cfg.UploadDir,
		maxFileBytes:   int64(cfg.MaxFileSizeMB) << 20,
		maxUploadBytes: int64(cfg.MaxUploadSizeMB) << 20,
		allowedExts:    allowed,
	}, nil
}

// Register creates an account and issues a session token. A referral code, if
// supplied and valid, ties the new account to its referrer; an unknown code
// does not block registration.
func (a *App) Register(email, password, referralCode string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return domain.User{}, "", ErrEmailAndPasswordRequired
	}
	if err := auth.ValidatePassword(password); err != nil {
		return domain.User{}, "", err
	}
	exists, err := a.store.HasUserEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("check email: %w", err)
	}
	if exists {
		return domain.User{}, "", ErrEmailAlreadyExists
	}
	passwordHash, err := auth.HashPassword(password)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("hash password: %w", err)
	}
	user := domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: passwordHash,
		IsActive:     true,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.SaveUser(user); err != nil {
		return domain.User{}, "", fmt.Errorf("save user: %w", err)
	}

	if code := strings.TrimSpace(strings.ToUpper(referralCode)); code != "" {
		a.recordReferralSignup(code, user)
	}

	token, err := a.sessions.NewSession(user.ID, user.Email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// Login validates credentials and issues a session token.
func (a *App) Login(email, password string) (domain.User, string, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	user, ok, err := a.store.GetUserByEmail(email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("fetch user: %w", err)
	}
	if !ok || !user.IsActive {
		return domain.User{}, "", ErrInvalidCredentials
	}
	if !auth.CheckPassword(password, user.PasswordHash) {
		return domain.User{}, "", ErrInvalidCredentials
	}
	token, err := a.sessions.NewSession(user.ID, user.Email)
	if err != nil {
		return domain.User{}, "", fmt.Errorf("issue session: %w", err)
	}
	return user, token, nil
}

// UserFromToken resolves a user from a session token.
func (a *App) UserFromToken(token string) (domain.User, bool) {
	claims, err := a.sessions.Verify(token)
	if err != nil {
		return domain.User{}, false
	}
	user, ok, err := a.store.GetUserByID(claims.UserID)
	if err != nil || !ok || !user.IsActive {
		return domain.User{}, false
	}
	return user, true
}

// Me returns the account profile together with the token balance.
func (a *App) Me(user domain.User) (domain.User, domain.TokenAccount, error) {
	account, err := a.store.GetUserTokens(user.ID)
	if err != nil {
		return domain.User{}, domain.TokenAccount{}, fmt.Errorf("fetch token account: %w", err)
	}
	return user, account, nil
}

func (a *App) recordReferralSignup(code string, user domain.User) {
	ref, ok, err := a.store.GetReferralByCode(code)
	if err != nil {
		slog.Error("look up referral code at signup", "code", code, "err", err)
		return
	}
	if !ok || ref.ReferrerID == user.ID || ref.RefereeUserID != "" {
		return
	}
	if err := a.store.SetReferralSignup(code, user.ID); err != nil {
		slog.Error("record referral signup", "code", code, "err", err)
		return
	}
	slog.Info("referral signup recorded", "code", code, "referee_id", user.ID)
}
