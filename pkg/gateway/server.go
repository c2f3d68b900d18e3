// Package gateway is the HTTP control plane: credential issuance, bearer
// validation, per-principal gating, quota accounting, and streaming
// pass-through to the upstream chat API.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatgate/pkg/clock"
	"chatgate/pkg/config"
	"chatgate/pkg/gate"
	"chatgate/pkg/quota"
	"chatgate/pkg/token"
	"chatgate/pkg/upstream"
	"chatgate/pkg/users"
)

// ChatClient is the upstream collaborator: one request in, a byte stream out.
type ChatClient interface {
	ChatStream(ctx context.Context, body []byte) (io.ReadCloser, error)
}

type Server struct {
	cfg      config.Config
	users    *users.Store
	tokens   *token.Service
	logins   *token.LoginCache
	gate     *gate.Gate
	ledger   *quota.Ledger
	upstream ChatClient
	logger   *Logger
}

// New assembles the server from its components. Callers that need a custom
// upstream (tests) pass it in; Run wires the real client.
func New(cfg config.Config, store *users.Store, ledger *quota.Ledger, client ChatClient, logger *Logger) (*Server, error) {
	tokens, err := token.NewService(cfg.Auth.JWTSecret, cfg.TokenTTL())
	if err != nil {
		return nil, err
	}
	return &Server{
		cfg:      cfg,
		users:    store,
		tokens:   tokens,
		logins:   token.NewLoginCache(cfg.LoginCacheTTL()),
		gate:     gate.New(),
		ledger:   ledger,
		upstream: client,
		logger:   logger,
	}, nil
}

// Run builds the full gateway from configuration and serves until SIGINT or
// SIGTERM, then drains the quota ledger.
func Run(cfg config.Config) error {
	logger := NewLogger(ParseLogLevel(cfg.Log.Level))

	seeds := make([]users.Seed, 0, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		seeds = append(seeds, users.Seed{Name: u.Name, Credential: u.Credential, Tier: u.Tier})
	}
	store, err := users.Open(cfg.Data.UsersDir, seeds, logger.Printf)
	if err != nil {
		return err
	}

	ledger, err := quota.NewLedger(quota.Options{
		Dir:          cfg.Data.QuotasDir,
		SaveInterval: cfg.Quota.SaveInterval,
		ResetDay:     cfg.ResetDay(),
		TierOf: func(name string) (string, bool) {
			rec, ok := store.Lookup(name)
			if !ok {
				return "", false
			}
			return rec.Tier, true
		},
		LimitOf: cfg.TierLimit,
		Logf:    logger.Printf,
	})
	if err != nil {
		return err
	}

	s, err := New(cfg, store, ledger, upstream.New(cfg.Upstream), logger)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logger.Info("gateway listening", "addr", cfg.Addr(), "upstream", cfg.Upstream.BaseURL)
	err = server.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	logger.Info("draining quota ledger")
	if err := ledger.Drain(); err != nil {
		logger.Error("drain incomplete", "error", err.Error())
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/auth/quota", s.handleQuota)
	mux.HandleFunc("/chat/completions", s.handleChat)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/admin/users", s.loopbackOnly(s.handleAdminUsers))
	mux.HandleFunc("/admin/users/", s.loopbackOnly(s.handleAdminUser))
	return mux
}

type loginRequest struct {
	Name       string `json:"name"`
	Credential string `json:"credential"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expires_in"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodPost {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use POST")
		return
	}
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeAPIError(w, http.StatusBadRequest, "bad_request", err.Error())
		s.logRequest(r, http.StatusBadRequest, start)
		return
	}

	switch s.users.Verify(req.Name, req.Credential) {
	case users.Valid:
	case users.Disabled:
		writeAccountDisabled(w)
		s.logRequest(r, http.StatusForbidden, start)
		return
	default:
		// Unknown and BadCredential are indistinguishable on the wire.
		writeUnauthorized(w)
		s.logRequest(r, http.StatusUnauthorized, start)
		return
	}

	tok, err := s.logins.GetOrIssue(req.Name, func() (string, error) {
		return s.tokens.Issue(req.Name)
	})
	if err != nil {
		s.logger.Error("token issuance failed", "user", req.Name, "error", err.Error())
		writeInternalError(w)
		s.logRequest(r, http.StatusInternalServerError, start)
		return
	}

	// expires_in reflects the effective lifetime a client should assume:
	// within the cache window a re-login returns this same token.
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     tok,
		ExpiresIn: int(s.logins.TTL().Seconds()),
	})
	s.logRequest(r, http.StatusOK, start)
}

// authenticate resolves the bearer to an active principal, writing the error
// response itself on failure.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (users.Record, bool) {
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(authz, "Bearer ") {
		writeUnauthorized(w)
		return users.Record{}, false
	}
	name, err := s.tokens.Validate(strings.TrimSpace(strings.TrimPrefix(authz, "Bearer ")))
	if err != nil {
		writeUnauthorized(w)
		return users.Record{}, false
	}
	rec, ok := s.users.Lookup(name)
	if !ok {
		writeUnauthorized(w)
		return users.Record{}, false
	}
	if !rec.Active {
		writeAccountDisabled(w)
		return users.Record{}, false
	}
	return rec, true
}

func (s *Server) handleQuota(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	if r.Method != http.MethodGet {
		writeAPIError(w, http.StatusMethodNotAllowed, "method_not_allowed", "use GET")
		return
	}
	rec, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	snap, err := s.ledger.Peek(rec.Name)
	if err != nil {
		s.logger.Error("quota peek failed", "user", rec.Name, "error", err.Error())
		writeInternalError(w)
		s.logRequest(r, http.StatusInternalServerError, start)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"name":             snap.Name,
		"tier":             snap.Tier,
		"limit":            snap.Limit,
		"used":             snap.Used,
		"remaining":        snap.Remaining(),
		"reset_at":         clock.Format(snap.ResetAt),
		"usage_percentage": snap.UsagePercentage(),
		"active":           rec.Active,
	})
	s.logRequest(r, http.StatusOK, start)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func readJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, 1024*1024))
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	return json.Unmarshal(body, out)
}

func (s *Server) logRequest(r *http.Request, status int, start time.Time) {
	if !s.cfg.Log.Requests || s.logger == nil {
		return
	}
	s.logger.Info("request",
		"method", r.Method,
		"path", r.URL.Path,
		"status", fmt.Sprintf("%d", status),
		"elapsed", time.Since(start).String())
}
