package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"escrow-auction/internal/auction"
	"escrow-auction/internal/config"
	"escrow-auction/internal/db"
	"escrow-auction/internal/engine"
	"escrow-auction/internal/model"
	"escrow-auction/internal/observability"
	"escrow-auction/internal/ws"
)

// Deps are the collaborators the HTTP layer routes to.
type Deps struct {
	Store   db.Store
	Manager *engine.Manager
	Hub     *ws.Hub
	Health  *observability.HealthChecker
	Metrics http.Handler // nil disables /metrics
	Log     zerolog.Logger
}

type Server struct {
	store   db.Store
	manager *engine.Manager
	hub     *ws.Hub
	health  *observability.HealthChecker
	metrics http.Handler
	log     zerolog.Logger
	cfg     config.Config
	secret  []byte
}

func NewServer(d Deps, cfg config.Config) *Server {
	health := d.Health
	if health == nil {
		health = observability.NewHealthChecker()
	}
	return &Server{
		store:   d.Store,
		manager: d.Manager,
		hub:     d.Hub,
		health:  health,
		metrics: d.Metrics,
		log:     d.Log,
		cfg:     cfg,
		secret:  []byte(cfg.JWTSecret),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(observability.RequestLogger(s.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	// Health
	r.Get("/health", s.health.LivenessHandler)
	r.Get("/ready", s.health.ReadinessHandler)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	// WebSocket
	r.Get("/ws", s.hub.HandleWS)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))

		// Auth (public)
		r.Post("/api/register", s.register)
		r.Post("/api/login", s.login)

		// Protected routes
		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/api/wallet", s.getWallet)

			r.Post("/api/auctions", s.createAuction)
			r.Get("/api/auctions", s.listAuctions)
			r.Route("/api/auctions/{id}", func(r chi.Router) {
				r.Get("/", s.getAuction)
				r.Post("/open", s.openAuction)
				r.Post("/bids", s.placeBid)
				r.Post("/claims", s.claims)
				r.Post("/close", s.closeAuction)
				r.Post("/refunds", s.refund)
				r.Post("/withdraw", s.withdraw)
				r.Get("/winner", s.winner)
				r.Get("/balance", s.balance)
				r.Get("/events", s.listEvents)
			})

			// Admin
			r.Group(func(r chi.Router) {
				r.Use(s.adminOnly)
				r.Post("/api/admin/deposit", s.adminDeposit)
			})
		})
	})

	return r
}

// ── Auth ─────────────────────────────────────────────

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if req.Email == "" || len(req.Password) < 6 {
		jsonErr(w, 400, "email and password (min 6 chars) required")
		return
	}

	existing, _ := s.store.GetUserByEmail(r.Context(), req.Email)
	if existing != nil {
		jsonErr(w, 409, "email already registered")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		jsonErr(w, 500, "hash failed")
		return
	}

	role := model.RoleUser
	if s.cfg.IsAdmin(req.Email) {
		role = model.RoleAdmin
	}
	user, err := s.store.CreateUser(r.Context(), req.Email, string(hash), role)
	if err != nil {
		s.log.Error().Err(err).Str("email", req.Email).Msg("create user failed")
		jsonErr(w, 500, "create user failed")
		return
	}
	if err := s.store.CreateWallet(r.Context(), user.ID); err != nil {
		s.log.Error().Err(err).Str("user_id", user.ID).Msg("create wallet failed")
		jsonErr(w, 500, "create wallet failed")
		return
	}

	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		jsonErr(w, 500, "sign token failed")
		return
	}
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}

	user, err := s.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil || user == nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		jsonErr(w, 401, "invalid credentials")
		return
	}

	token, err := s.makeToken(user.ID, user.Role)
	if err != nil {
		jsonErr(w, 500, "sign token failed")
		return
	}
	json200(w, map[string]any{"user": user, "token": token})
}

func (s *Server) makeToken(userID string, role model.Role) (string, error) {
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": string(role),
		"exp":  time.Now().Add(s.cfg.TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}

// ── Middleware ────────────────────────────────────────

type ctxKey string

const (
	ctxUserID ctxKey = "userID"
	ctxRole   ctxKey = "role"
)

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			jsonErr(w, 401, "missing token")
			return
		}
		tokenStr := strings.TrimPrefix(auth, "Bearer ")
		token, err := jwt.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method")
			}
			return s.secret, nil
		})
		if err != nil || !token.Valid {
			jsonErr(w, 401, "invalid token")
			return
		}
		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			jsonErr(w, 401, "invalid claims")
			return
		}
		userID, _ := claims["sub"].(string)
		role, _ := claims["role"].(string)
		if userID == "" {
			jsonErr(w, 401, "invalid claims")
			return
		}
		ctx := context.WithValue(r.Context(), ctxUserID, userID)
		ctx = context.WithValue(ctx, ctxRole, role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		role, _ := r.Context().Value(ctxRole).(string)
		if role != string(model.RoleAdmin) {
			jsonErr(w, 403, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func callerID(r *http.Request) string {
	uid, _ := r.Context().Value(ctxUserID).(string)
	return uid
}

// ── Wallet ───────────────────────────────────────────

func (s *Server) getWallet(w http.ResponseWriter, r *http.Request) {
	wallet, err := s.store.GetWallet(r.Context(), callerID(r))
	if err != nil || wallet == nil {
		jsonErr(w, 404, "wallet not found")
		return
	}
	json200(w, wallet)
}

func (s *Server) adminDeposit(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Cents  int64  `json:"cents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	if req.UserID == "" || req.Cents <= 0 {
		jsonErr(w, 400, "user_id and cents > 0 required")
		return
	}
	wallet, err := s.store.DepositWallet(r.Context(), req.UserID, req.Cents)
	if errors.Is(err, db.ErrNotFound) {
		jsonErr(w, 404, "wallet not found")
		return
	}
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	s.log.Info().Str("user_id", req.UserID).Int64("cents", req.Cents).Msg("wallet deposit")
	json200(w, wallet)
}

// ── Auctions ─────────────────────────────────────────

func (s *Server) createAuction(w http.ResponseWriter, r *http.Request) {
	a, err := s.manager.Create(r.Context(), callerID(r))
	if err != nil {
		writeOpErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(a)
}

func (s *Server) listAuctions(w http.ResponseWriter, r *http.Request) {
	json200(w, s.manager.List())
}

// engineFor resolves {id}; it writes a 404 and returns nil when unknown.
func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) *engine.AuctionEngine {
	eng, err := s.manager.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeOpErr(w, err)
		return nil
	}
	return eng
}

func (s *Server) getAuction(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	json200(w, eng.State())
}

func (s *Server) openAuction(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	var req model.OpenAuctionReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	duration, err := auction.DurationFromSeconds(req.DurationSeconds)
	if err != nil {
		writeOpErr(w, err)
		return
	}
	ev, err := eng.Open(callerID(r), req.MinimumBidCents, duration)
	writeEvent(w, ev, err)
}

func (s *Server) placeBid(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	var req model.BidReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	ev, err := eng.Bid(callerID(r), req.AmountCents)
	writeEvent(w, ev, err)
}

func (s *Server) claims(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	ev, err := eng.Claims(callerID(r))
	writeEvent(w, ev, err)
}

func (s *Server) closeAuction(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	ev, err := eng.Close(callerID(r))
	writeEvent(w, ev, err)
}

func (s *Server) refund(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	var req model.RefundReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, 400, "invalid json")
		return
	}
	ev, err := eng.Refund(callerID(r), req.BidderID)
	writeEvent(w, ev, err)
}

func (s *Server) withdraw(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	ev, err := eng.Withdraw(callerID(r))
	writeEvent(w, ev, err)
}

func (s *Server) winner(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	json200(w, eng.Winner())
}

// balance reports the escrow held for the caller. The owner may name
// another bidder with ?bidder=.
func (s *Server) balance(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	caller := callerID(r)
	bidder := caller
	if q := r.URL.Query().Get("bidder"); q != "" && q != caller {
		if eng.State().OwnerID != caller {
			writeOpErr(w, fmt.Errorf("%w: only the owner may read another bidder's balance", auction.ErrNotAuthorized))
			return
		}
		bidder = q
	}
	acct := eng.Account(bidder)
	json200(w, model.BalanceResult{
		AuctionID:      eng.ID(),
		BidderID:       bidder,
		LockedCents:    acct.LockedCents,
		ClaimableCents: acct.ClaimableCents,
		TotalCents:     acct.Total(),
	})
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	eng := s.engineFor(w, r)
	if eng == nil {
		return
	}
	limit := 100
	if n, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && n > 0 && n <= 500 {
		limit = n
	}
	id := eng.ID()
	events, err := s.store.ListEvents(r.Context(), &id, limit)
	if err != nil {
		jsonErr(w, 500, err.Error())
		return
	}
	if events == nil {
		events = []model.EventLog{}
	}
	json200(w, events)
}

// ── Helpers ──────────────────────────────────────────

func json200(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func writeEvent(w http.ResponseWriter, ev model.Event, err error) {
	if err != nil {
		writeOpErr(w, err)
		return
	}
	json200(w, ev)
}

func writeOpErr(w http.ResponseWriter, err error) {
	jsonErr(w, statusFor(err), err.Error())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, engine.ErrAuctionNotFound):
		return http.StatusNotFound
	case errors.Is(err, auction.ErrNotAuthorized):
		return http.StatusForbidden
	case errors.Is(err, auction.ErrBidTooLow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, auction.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, db.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	case errors.Is(err, auction.ErrInvalidState),
		errors.Is(err, auction.ErrNothingToClaim),
		errors.Is(err, auction.ErrNothingToRefund),
		errors.Is(err, auction.ErrNothingToWithdraw):
		return http.StatusConflict
	case errors.Is(err, engine.ErrEngineStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
