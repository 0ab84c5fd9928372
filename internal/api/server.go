package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tradesim/internal/auth"
	"tradesim/internal/engine"
	"tradesim/internal/game"
	"tradesim/internal/metrics"
	"tradesim/internal/outbox"
	"tradesim/internal/store"
	"tradesim/internal/ws"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
)

type contextKey string

const userContextKey contextKey = "user"

type UserContext struct {
	UserID string
	Email  string
	Admin  bool
	Token  string
}

type Options struct {
	Engine   *engine.Engine
	Relay    *outbox.Relay
	Verifier auth.Verifier
	// Accounts is optional; without it the signup and login routes are not
	// mounted.
	Accounts *auth.SupabaseClient
	Hub      *ws.Hub
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	log      *slog.Logger
	eng      *engine.Engine
	relay    *outbox.Relay
	verifier auth.Verifier
	accounts *auth.SupabaseClient
	hub      *ws.Hub
	metrics  *metrics.Metrics
	mux      *chi.Mux
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		log:      opts.Logger,
		eng:      opts.Engine,
		relay:    opts.Relay,
		verifier: opts.Verifier,
		accounts: opts.Accounts,
		hub:      opts.Hub,
		metrics:  opts.Metrics,
		mux:      chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler())
	}
	if s.hub != nil {
		r.With(queryToken, s.authMiddleware).Get("/ws", s.hub.HandleWS)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(60 * time.Second))
		if s.accounts != nil {
			r.Post("/auth/signup", s.handleSignup)
			r.Post("/auth/login", s.handleLogin)
		}

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Get("/sessions", s.handleSessionsList)
			r.Get("/sessions/{id}", s.handleSessionGet)
			r.Get("/sessions/{id}/ranking", s.handleRanking)

			r.Post("/sessions/{id}/players", s.handleRegister)
			r.Get("/sessions/{id}/players", s.handlePlayersList)
			r.Get("/sessions/{id}/players/me", s.handlePlayerMe)
			r.Patch("/sessions/{id}/players/me", s.handlePlayerIntro)

			r.Post("/sessions/{id}/buy", s.handleTrade(game.ActionBuy))
			r.Post("/sessions/{id}/sell", s.handleTrade(game.ActionSell))
			r.Post("/sessions/{id}/draw-info", s.handleDrawInfo)
			r.Post("/sessions/{id}/loan", s.handleBorrow)
			r.Post("/sessions/{id}/loan/settle", s.handleSettleLoan)

			r.Group(func(r chi.Router) {
				r.Use(adminOnly)
				r.Post("/sessions", s.handleSessionCreate)
				r.Patch("/sessions/{id}", s.handleSessionPatch)
				r.Delete("/sessions/{id}", s.handleSessionDelete)
				r.Post("/sessions/{id}/reset", s.handleSessionReset)
				r.Post("/sessions/{id}/init", s.handleInitRound)
				r.Post("/sessions/{id}/phase", s.handleSetPhase)
				r.Post("/sessions/{id}/settle", s.handleSettle)
				r.Post("/sessions/{id}/end", s.handleEndGame)
				r.Post("/sessions/{id}/reconcile", s.handleReconcile)
				r.Delete("/sessions/{id}/players/{userID}", s.handlePlayerRemove)
				r.Delete("/sessions/{id}/players", s.handlePlayersRemoveAll)

				r.Get("/outbox/dead-letters", s.handleDeadLetters)
				r.Post("/outbox/{id}/requeue", s.handleRequeue)
			})
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.verifier.Verify(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID: user.ID,
			Email:  user.Email,
			Admin:  user.Admin,
			Token:  token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// queryToken lets websocket clients, which cannot set headers on the
// upgrade request, pass the bearer token as ?access_token=.
func queryToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			if tok := r.URL.Query().Get("access_token"); tok != "" {
				r.Header.Set("Authorization", "Bearer "+tok)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := userFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if !user.Admin {
			writeError(w, http.StatusForbidden, "admin only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.UserID == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func (s *Server) handleSignup(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.accounts.SignUp(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	session, err := s.accounts.Login(r.Context(), strings.TrimSpace(in.Email), strings.TrimSpace(in.Password))
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (s *Server) handleSessionCreate(w http.ResponseWriter, r *http.Request) {
	var in engine.CreateSessionInput
	if err := decodeOptionalJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.eng.CreateSession(r.Context(), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleSessionsList(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	list, err := s.eng.ListSessions(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !user.Admin {
		now := s.eng.Now()
		for i := range list {
			list[i] = list[i].ViewFor(user.UserID, now)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": list})
}

func (s *Server) handleSessionGet(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	st, err := s.eng.GetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !user.Admin {
		st = st.ViewFor(user.UserID, s.eng.Now())
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionPatch(w http.ResponseWriter, r *http.Request) {
	var patch game.StockPatch
	if err := decodeJSON(r, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.eng.PatchSession(r.Context(), chi.URLParam(r, "id"), patch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSessionDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.DeleteSession(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessionReset(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.ResetSession(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleInitRound(w http.ResponseWriter, r *http.Request) {
	var in engine.InitRoundInput
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.eng.InitRound(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSetPhase(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Phase string `json:"phase"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	phase, err := game.ParsePhase(in.Phase)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	st, err := s.eng.SetPhase(r.Context(), chi.URLParam(r, "id"), phase)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.SettleRound(r.Context(), chi.URLParam(r, "id"))
	s.writeSettlement(w, rep, err)
}

func (s *Server) handleEndGame(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.EndGame(r.Context(), chi.URLParam(r, "id"))
	s.writeSettlement(w, rep, err)
}

// writeSettlement reports partial failures with 207 so the caller can retry
// only the listed players.
func (s *Server) writeSettlement(w http.ResponseWriter, rep engine.SettlementReport, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, rep)
	case len(rep.Failed) > 0:
		writeJSON(w, http.StatusMultiStatus, rep)
	default:
		writeDomainError(w, err)
	}
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	rep, err := s.eng.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleRanking(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	rows, err := s.eng.Ranking(r.Context(), chi.URLParam(r, "id"), force && user.Admin)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ranking": rows})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Nickname     string  `json:"nickname"`
		Gender       string  `json:"gender"`
		Introduction *string `json:"introduction"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Nickname) == "" {
		writeError(w, http.StatusBadRequest, "nickname is required")
		return
	}
	if in.Introduction != nil {
		intro := strings.TrimSpace(*in.Introduction)
		in.Introduction = &intro
		if intro == "" {
			in.Introduction = nil
		}
	}
	u, err := s.eng.RegisterPlayer(r.Context(), chi.URLParam(r, "id"), engine.RegisterInput{
		UserID:       user.UserID,
		Nickname:     in.Nickname,
		Gender:       in.Gender,
		Introduction: in.Introduction,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

func (s *Server) handlePlayersList(w http.ResponseWriter, r *http.Request) {
	list, err := s.eng.ListPlayers(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"players": list})
}

func (s *Server) handlePlayerMe(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	u, err := s.eng.GetPlayer(r.Context(), chi.URLParam(r, "id"), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handlePlayerIntro(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	var in struct {
		Introduction string `json:"introduction"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	u, err := s.eng.UpdateIntroduction(r.Context(), chi.URLParam(r, "id"), user.UserID, in.Introduction)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

func (s *Server) handlePlayerRemove(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.RemovePlayer(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "userID")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handlePlayersRemoveAll(w http.ResponseWriter, r *http.Request) {
	if err := s.eng.RemoveAllPlayers(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleTrade answers every failure with the order's {status, message}; only
// an order still in flight gets 409 so clients know to retry the same key.
func (s *Server) handleTrade(action game.Action) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		user, err := userFromContext(r.Context())
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		var in struct {
			Company   string `json:"company"`
			Amount    int64  `json:"amount"`
			UnitPrice int64  `json:"unit_price"`
			Round     int    `json:"round"`
		}
		if err := decodeJSON(r, &in); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		res, err := s.eng.Trade(r.Context(), engine.DeliveryContext{DeliveryID: idempotencyKey(r)}, engine.Order{
			StockID:   chi.URLParam(r, "id"),
			UserID:    user.UserID,
			Action:    action,
			Company:   in.Company,
			Amount:    in.Amount,
			UnitPrice: in.UnitPrice,
			Round:     in.Round,
		})
		switch {
		case err == nil:
			writeJSON(w, http.StatusOK, res)
		case errors.Is(err, engine.ErrOrderInFlight):
			writeJSON(w, http.StatusConflict, res)
		default:
			writeJSON(w, http.StatusBadRequest, res)
		}
	}
}

func (s *Server) handleDrawInfo(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	res, err := s.eng.DrawInfo(r.Context(), optionalDelivery(r), chi.URLParam(r, "id"), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBorrow(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	res, err := s.eng.Borrow(r.Context(), optionalDelivery(r), chi.URLParam(r, "id"), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSettleLoan(w http.ResponseWriter, r *http.Request) {
	user, err := userFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	res, err := s.eng.SettleLoan(r.Context(), optionalDelivery(r), chi.URLParam(r, "id"), user.UserID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	msgs, err := s.relay.DeadLetters(r.Context(), limit)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": msgs, "max_retries": s.relay.MaxRetries()})
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.relay.Requeue(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": game.OutboxPending})
}

func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, game.ErrSessionNotFound), errors.Is(err, game.ErrPlayerNotFound),
		errors.Is(err, game.ErrCompanyNotFound), errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, game.ErrPlayerAlreadyExists), errors.Is(err, store.ErrAlreadyExists),
		errors.Is(err, engine.ErrOrderInFlight), errors.Is(err, engine.ErrDeliveryIDReused),
		errors.Is(err, engine.ErrRoundInProgress), errors.Is(err, game.ErrInvalidTransition),
		errors.Is(err, store.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, engine.ErrRankingHidden):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, engine.ErrInvalidPatch), errors.Is(err, game.ErrInvalidSeries),
		engine.IsFinal(err):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func decodeOptionalJSON(r *http.Request, out any) error {
	if err := decodeJSON(r, out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func idempotencyKey(r *http.Request) string {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if key != "" {
		return key
	}
	return uuid.NewString()
}

// optionalDelivery logs draws and loans only when the client sent a key.
func optionalDelivery(r *http.Request) engine.DeliveryContext {
	return engine.DeliveryContext{DeliveryID: strings.TrimSpace(r.Header.Get("Idempotency-Key"))}
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
