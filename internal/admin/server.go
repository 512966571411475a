package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/digkill/WellyBot/internal/models"
	"github.com/digkill/WellyBot/internal/service"
)

const (
	maxWebhookBody      = 64 << 10
	broadcastWorkers    = 4
	webhookRateLimit    = 120
	webhookRateWindow   = time.Minute
	shutdownGracePeriod = 10 * time.Second
)

// Sender delivers a plain text message to a chat.
type Sender interface {
	SendText(ctx context.Context, chatID int64, text string) error
}

type Deps struct {
	Users    *service.UserService
	Packages *service.PackageService
	Payments *service.PaymentService
	Ledger   *service.CreditLedger
	Sender   Sender
	History  GenerationHistory
}

// GenerationHistory reports per-user generation outcomes.
type GenerationHistory interface {
	CountByOutcome(ctx context.Context, telegramID int64, outcome models.Outcome) (int, error)
}

type Config struct {
	Addr     string
	Username string
	Password string
}

type Server struct {
	cfg    Config
	deps   Deps
	log    zerolog.Logger
	router *chi.Mux
}

func NewServer(cfg Config, deps Deps, log zerolog.Logger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		cfg:    cfg,
		deps:   deps,
		log:    log.With().Str("component", "admin").Logger(),
		router: r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.With(rateLimit(webhookRateLimit, webhookRateWindow)).Post("/webhook/yookassa", s.handleYooKassaWebhook)

	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Route("/packages", func(r chi.Router) {
			r.Get("/", s.handleListPackages)
			r.Post("/", s.handleCreatePackage)
			r.Put("/{id}", s.handleUpdatePackage)
			r.Delete("/{id}", s.handleDeletePackage)
		})
		protected.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Post("/credits", s.handleGrantCredits)
		})
	})
	return s
}

// Handler exposes the router for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGracePeriod)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error().Err(err).Msg("admin shutdown error")
		}
	}()

	s.log.Info().Str("addr", s.cfg.Addr).Msg("admin server listening")
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type broadcastRequest struct {
	Message string `json:"message"`
}

// handleBroadcast fans a message out to every known user. Individual send
// failures are counted, not fatal.
func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		http.Error(w, "message required", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	ids, err := s.deps.Users.ListTelegramIDs(ctx)
	if err != nil {
		s.internalError(w, err)
		return
	}

	var sent atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastWorkers)
	for _, id := range ids {
		g.Go(func() error {
			if err := s.deps.Sender.SendText(gctx, id, req.Message); err != nil {
				s.log.Warn().Err(err).Int64("user_id", id).Msg("broadcast send failed")
				return nil
			}
			sent.Add(1)
			return nil
		})
	}
	_ = g.Wait()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  sent.Load(),
		"total": len(ids),
	})
}

func (s *Server) handleListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.deps.Packages.List(r.Context(), false)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, packages)
}

func (s *Server) handleCreatePackage(w http.ResponseWriter, r *http.Request) {
	var req packageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pkg, err := s.deps.Packages.Create(r.Context(), service.CreatePackageInput{
		Title:       req.Title,
		Generations: req.Generations,
		Price:       req.Price,
		Currency:    req.Currency,
		IsActive:    req.IsActive,
	})
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, pkg)
}

func (s *Server) handleUpdatePackage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req packageUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	pkg, err := s.deps.Packages.Update(r.Context(), id, service.UpdatePackageInput{
		Title:       req.Title,
		Generations: req.Generations,
		Price:       req.Price,
		Currency:    req.Currency,
		IsActive:    req.IsActive,
	})
	if errors.Is(err, service.ErrPackageNotFound) {
		http.Error(w, "package not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.badRequest(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleDeletePackage(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	if err := s.deps.Packages.Delete(r.Context(), id); err != nil {
		s.badRequest(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	user, err := s.deps.Users.Get(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if user == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	resp := userResponse{
		TelegramID:      user.TelegramID,
		Username:        user.Username,
		Generations:     user.Generations,
		GenerationsUsed: user.GenerationsUsed,
		ReferredBy:      user.ReferredBy,
	}
	if s.deps.History != nil {
		failed, err := s.deps.History.CountByOutcome(r.Context(), id, models.OutcomeFailed)
		if err != nil {
			s.internalError(w, err)
			return
		}
		resp.Failed = failed
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type creditsRequest struct {
	Amount int `json:"amount"`
}

func (s *Server) handleGrantCredits(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req creditsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	user, err := s.deps.Users.Get(ctx, id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	if user == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	if err := s.deps.Ledger.Grant(ctx, id, req.Amount, "admin"); err != nil {
		if errors.Is(err, service.ErrInvalidAmount) {
			s.badRequest(w, err)
			return
		}
		s.internalError(w, err)
		return
	}
	balance, err := s.deps.Ledger.Balance(ctx, id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.log.Info().Int64("user_id", id).Int("amount", req.Amount).Msg("credits granted by admin")
	s.writeJSON(w, http.StatusOK, map[string]int{"generations": balance})
}

// handleYooKassaWebhook accepts gateway notifications. Unknown payments are
// acknowledged so the gateway stops retrying; transient failures are not.
func (s *Server) handleYooKassaWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	result, err := s.deps.Payments.HandleWebhook(r.Context(), body)
	switch {
	case errors.Is(err, service.ErrPaymentNotFound):
		s.log.Warn().Err(err).Msg("webhook for unknown payment")
	case errors.Is(err, service.ErrInvalidWebhook):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		s.log.Error().Err(err).Msg("yookassa webhook")
		http.Error(w, "temporarily unavailable", http.StatusBadGateway)
		return
	default:
		s.log.Info().Str("result", string(result)).Msg("yookassa webhook processed")
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.cfg.Username || pass != s.cfg.Password {
				w.Header().Set("WWW-Authenticate", `Basic realm="wellybot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimit caps requests per client IP over a sliding window.
func rateLimit(limit int, window time.Duration) func(http.Handler) http.Handler {
	return httprate.Limit(
		limit,
		window,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(int(window.Seconds())))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limit_exceeded"}`))
		}),
	)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) badRequest(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("admin handler error")
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}

type packageRequest struct {
	Title       string `json:"title"`
	Generations int    `json:"generations"`
	Price       int    `json:"price"`
	Currency    string `json:"currency"`
	IsActive    *bool  `json:"is_active"`
}

type packageUpdateRequest struct {
	Title       *string `json:"title"`
	Generations *int    `json:"generations"`
	Price       *int    `json:"price"`
	Currency    *string `json:"currency"`
	IsActive    *bool   `json:"is_active"`
}

type userResponse struct {
	TelegramID      int64  `json:"telegram_id"`
	Username        string `json:"username,omitempty"`
	Generations     int    `json:"generations"`
	GenerationsUsed int    `json:"generations_used"`
	ReferredBy      *int64 `json:"referred_by,omitempty"`
	Failed          int    `json:"failed_generations"`
}
