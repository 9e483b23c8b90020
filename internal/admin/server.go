package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/digkill/AIImageBot/internal/apperr"
	"github.com/digkill/AIImageBot/internal/models"
)

const maxWebhookBody = 64 << 10

type Ledger interface {
	Now() time.Time
	GetStats(ctx context.Context) (models.Stats, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	CreditUser(ctx context.Context, userID int64, amount int) (bool, error)
	ActivateSubscription(ctx context.Context, userID int64, durationDays int) (bool, error)
	ListPendingTransactions(ctx context.Context, limit int) ([]models.Transaction, error)
	GetTransaction(ctx context.Context, txnID int64) (*models.Transaction, error)
	ListUserIDs(ctx context.Context) ([]int64, error)
}

type Settlement interface {
	Confirm(ctx context.Context, txnID int64) (*models.Transaction, error)
	Fail(ctx context.Context, txnID int64) (*models.Transaction, error)
	HandleWebhook(ctx context.Context, payload []byte) (*models.Transaction, error)
}

type Messenger interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Options struct {
	Addr          string
	Username      string
	Password      string
	WebhookSecret string
}

type Server struct {
	opts       Options
	log        *slog.Logger
	ledger     Ledger
	settlement Settlement
	bot        Messenger
	router     *chi.Mux
}

func NewServer(opts Options, log *slog.Logger, ledger Ledger, settlement Settlement, bot Messenger) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		opts:       opts,
		log:        log,
		ledger:     ledger,
		settlement: settlement,
		bot:        bot,
		router:     r,
	}
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok"))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Post("/webhook/payment", s.handlePaymentWebhook)
	r.Group(func(protected chi.Router) {
		protected.Use(s.basicAuthMiddleware())
		protected.Post("/broadcast", s.handleBroadcast)
		protected.Get("/stats", s.handleStats)
		protected.Route("/users/{id}", func(r chi.Router) {
			r.Get("/", s.handleGetUser)
			r.Post("/credits", s.handleCreditUser)
			r.Post("/subscription", s.handleActivateSubscription)
		})
		protected.Route("/transactions", func(r chi.Router) {
			r.Get("/pending", s.handleListPending)
			r.Get("/{id}", s.handleGetTransaction)
			r.Post("/{id}/confirm", s.handleSettle(true))
			r.Post("/{id}/fail", s.handleSettle(false))
		})
	})
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("admin shutdown error", "err", err)
		}
	}()

	s.log.Info("admin panel listening", "addr", s.opts.Addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin listen: %w", err)
	}
	return nil
}

type broadcastRequest struct {
	Message string `json:"message"`
}

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

	ids, err := s.ledger.ListUserIDs(r.Context())
	if err != nil {
		s.internalError(w, err)
		return
	}

	count := 0
	for _, id := range ids {
		msg := tgbotapi.NewMessage(id, req.Message)
		if _, err := s.bot.Send(msg); err != nil {
			s.log.Error("send broadcast", "user_id", id, "err", err)
			continue
		}
		count++
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sent":  count,
		"total": len(ids),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.GetStats(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	u, err := s.ledger.GetUser(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if u == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"user":         u,
		"subscription": u.SubscriptionState(s.ledger.Now()),
	})
}

type creditRequest struct {
	Amount int `json:"amount"`
}

func (s *Server) handleCreditUser(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req creditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ok, err := s.ledger.CreditUser(r.Context(), id, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	s.log.Info("credits granted by admin", "user_id", id, "amount", req.Amount)
	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "added": req.Amount})
}

type subscriptionRequest struct {
	Days int `json:"days"`
}

func (s *Server) handleActivateSubscription(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	ok, err := s.ledger.ActivateSubscription(r.Context(), id, req.Days)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !ok {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	s.log.Info("subscription granted by admin", "user_id", id, "days", req.Days)
	s.writeJSON(w, http.StatusOK, map[string]any{"user_id": id, "days": req.Days})
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	txns, err := s.ledger.ListPendingTransactions(r.Context(), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if txns == nil {
		txns = []models.Transaction{}
	}
	s.writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid id", http.StatusBadRequest)
		return
	}
	t, err := s.ledger.GetTransaction(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if t == nil {
		http.Error(w, "transaction not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleSettle(confirm bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseID(chi.URLParam(r, "id"))
		if err != nil {
			http.Error(w, "invalid id", http.StatusBadRequest)
			return
		}
		var t *models.Transaction
		if confirm {
			t, err = s.settlement.Confirm(r.Context(), id)
		} else {
			t, err = s.settlement.Fail(r.Context(), id)
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, t)
	}
}

// handlePaymentWebhook is the public endpoint payment relays call. It is
// disabled until a shared secret is configured.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if s.opts.WebhookSecret == "" {
		http.NotFound(w, r)
		return
	}
	got := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(s.opts.WebhookSecret)) != 1 {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	if _, err := s.settlement.HandleWebhook(r.Context(), body); err != nil {
		s.log.Error("payment webhook", "err", err)
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.opts.Username || pass != s.opts.Password {
				w.Header().Set("WWW-Authenticate", `Basic realm="aiimagebot"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps ledger error kinds to status codes. Storage failures are
// logged and hidden behind a generic message.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch apperr.KindOf(err) {
	case apperr.KindValidation:
		http.Error(w, err.Error(), http.StatusBadRequest)
	case apperr.KindNotFound:
		http.Error(w, err.Error(), http.StatusNotFound)
	case apperr.KindInvalidTransition, apperr.KindDuplicateReference:
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error("admin handler error", "err", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}

func parseID(value string) (int64, error) {
	return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
}
