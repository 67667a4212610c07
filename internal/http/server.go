package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"copyhub/internal/config"
	"copyhub/internal/domain"
	"copyhub/internal/service/entitlement"
	"copyhub/internal/service/signal"
	storepkg "copyhub/internal/store"
)

type contextKey string

const (
	contextKeyAdminSubject contextKey = "admin_subject"
	contextKeySession      contextKey = "terminal_session"
)

type Server struct {
	cfg      config.Config
	store    storepkg.Store
	signals  *signal.Service
	gate     *entitlement.Gate
	log      zerolog.Logger
	validate *validator.Validate
}

func NewServer(cfg config.Config, store storepkg.Store, signals *signal.Service, gate *entitlement.Gate, log zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    store,
		signals:  signals,
		gate:     gate,
		log:      log,
		validate: validator.New(),
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Post("/admin/login", s.handleAdminLogin)
	r.Post("/api/v1/devices/register", s.handleDeviceRegister)

	r.Group(func(admin chi.Router) {
		admin.Use(s.requireAdmin)
		admin.Post("/admin/tiers", s.handleUpsertTier)
		admin.Post("/admin/users", s.handleCreateUser)
		admin.Post("/admin/accounts", s.handleLinkAccount)
		admin.Post("/admin/subscriptions", s.handleUpsertSubscription)
		admin.Post("/admin/signals/{id}/cancel", s.handleCancelSignal)
		admin.Get("/admin/events", s.handleListEvents)
	})

	r.Group(func(terminal chi.Router) {
		terminal.Use(s.requireSession)
		terminal.Post("/api/v1/heartbeat", s.handleHeartbeat)
		terminal.Post("/api/v1/signals", s.handleBroadcast)
		terminal.Get("/api/v1/signals/pending", s.handlePending)
		terminal.Post("/api/v1/executions/ack", s.handleAcknowledge)
		terminal.Get("/api/v1/history", s.handleHistory)
		terminal.Get("/api/v1/stats", s.handleStats)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username != s.cfg.AdminUsername || req.Password != s.cfg.AdminPassword {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := s.signAdminToken(req.Username)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to create admin token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      token,
		"expires_at": expiresAt.Format(time.RFC3339),
		"type":       "Bearer",
	})
}

func (s *Server) handleDeviceRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ConnectCode   string `json:"connect_code" validate:"required"`
		AccountNumber string `json:"account_number" validate:"required"`
		DeviceID      string `json:"device_id" validate:"required"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.ConnectCode != s.cfg.ConnectCode {
		writeError(w, http.StatusUnauthorized, "invalid connect code")
		return
	}

	acct, err := s.store.AccountByNumber(req.AccountNumber)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !acct.Active {
		writeError(w, http.StatusForbidden, "account is deactivated")
		return
	}

	session := s.store.IssueSession(acct.UserID, acct.Number, req.DeviceID)
	s.store.TouchDevice(req.DeviceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"token":      session.Token,
		"expires_at": session.ExpiresAt.Format(time.RFC3339),
		"scopes":     session.Scopes,
		"role":       acct.Role,
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing terminal session")
		return
	}
	s.store.TouchDevice(session.DeviceID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"server_time": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing terminal session")
		return
	}
	var req signal.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.SourceAccount == "" {
		req.SourceAccount = session.AccountNumber
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	signalID, err := s.signals.Ingest(r.Context(), session.UserID, req, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":   true,
		"signal_id": signalID,
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing terminal session")
		return
	}
	res, err := s.signals.Poll(r.Context(), session.UserID, session.AccountNumber, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing terminal session")
		return
	}
	var req signal.AckRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := s.signals.Acknowledge(r.Context(), session.UserID, session.AccountNumber, req, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing terminal session")
		return
	}
	filter := domain.HistoryFilter{
		Limit:  parseInt(r.URL.Query().Get("limit"), 50),
		Offset: parseOffset(r.URL.Query().Get("offset")),
		Symbol: r.URL.Query().Get("symbol"),
	}
	if raw := r.URL.Query().Get("from"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "from must be RFC3339")
			return
		}
		filter.From = ts
	}
	if raw := r.URL.Query().Get("to"); raw != "" {
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "to must be RFC3339")
			return
		}
		filter.To = ts
	}

	items, err := s.signals.History(r.Context(), session.UserID, session.AccountNumber, filter)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"items": items,
		"count": len(items),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	session, err := sessionFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing terminal session")
		return
	}
	period := domain.StatsPeriod(r.URL.Query().Get("period"))
	switch period {
	case "":
		period = domain.PeriodDay
	case domain.PeriodDay, domain.PeriodWeek, domain.PeriodMonth, domain.PeriodAll:
	default:
		writeError(w, http.StatusBadRequest, "period must be day, week, month or all")
		return
	}

	stats, err := s.signals.Stats(r.Context(), session.UserID, session.AccountNumber, period, time.Now().UTC())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"period": period,
		"stats":  stats,
	})
}

func (s *Server) handleUpsertTier(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Code             string `json:"code" validate:"required"`
		Name             string `json:"name"`
		DailySignalLimit int    `json:"daily_signal_limit" validate:"gte=-1"`
		DelaySeconds     int    `json:"delay_seconds" validate:"gte=0"`
		MaxAccounts      int    `json:"max_accounts" validate:"gte=0"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.UpsertTier(domain.Tier{
		Code:             req.Code,
		Name:             req.Name,
		DailySignalLimit: req.DailySignalLimit,
		DelaySeconds:     req.DelaySeconds,
		MaxAccounts:      req.MaxAccounts,
	}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id" validate:"required"`
		Name   string `json:"name"`
		Status string `json:"status" validate:"omitempty,oneof=ACTIVE SUSPENDED"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.CreateUser(domain.User{ID: req.UserID, Name: req.Name, Status: req.Status}); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleLinkAccount(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id" validate:"required"`
		Number string `json:"number" validate:"required"`
		Role   string `json:"role" validate:"required,oneof=PROVIDER RECEIVER"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	role := domain.AccountRole(req.Role)
	if role == domain.RoleReceiver {
		// The tier caps how many receiver terminals a user may link.
		ceiling, err := s.gate.MaxAccounts(req.UserID, time.Now().UTC())
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if ceiling > 0 {
			existing, err := s.store.AccountsByUser(req.UserID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
			receivers := 0
			for _, a := range existing {
				if a.Role == domain.RoleReceiver {
					receivers++
				}
			}
			if receivers >= ceiling {
				writeError(w, http.StatusConflict, "tier account limit reached")
				return
			}
		}
	}

	acct, err := s.store.LinkAccount(domain.TradeAccount{
		UserID: req.UserID,
		Number: req.Number,
		Role:   role,
		Active: true,
	})
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (s *Server) handleUpsertSubscription(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID    string `json:"user_id" validate:"required"`
		TierCode  string `json:"tier_code" validate:"required"`
		Status    string `json:"status" validate:"omitempty,oneof=ACTIVE CANCELED"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	sub := domain.Subscription{
		UserID:   req.UserID,
		TierCode: req.TierCode,
		Status:   req.Status,
	}
	if sub.Status == "" {
		sub.Status = domain.SubscriptionStatusActive
	}
	if req.ExpiresAt != "" {
		ts, err := time.Parse(time.RFC3339, req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "expires_at must be RFC3339")
			return
		}
		sub.ExpiresAt = ts
	}
	if err := s.store.UpsertSubscription(sub); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleCancelSignal(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "id")
	canceled, err := s.signals.Cancel(r.Context(), signalID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"canceled":  canceled,
		"signal_id": signalID,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	events := s.store.ListEvents(parseInt(r.URL.Query().Get("limit"), 20))
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (s *Server) signAdminToken(subject string) (string, time.Time, error) {
	expiresAt := time.Now().UTC().Add(12 * time.Hour)
	claims := jwt.MapClaims{
		"sub": subject,
		"exp": expiresAt.Unix(),
		"iat": time.Now().UTC().Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		parsed, err := jwt.Parse(token, func(token *jwt.Token) (interface{}, error) {
			return []byte(s.cfg.JWTSecret), nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid admin token")
			return
		}
		claims, ok := parsed.Claims.(jwt.MapClaims)
		if !ok {
			writeError(w, http.StatusUnauthorized, "invalid admin claims")
			return
		}
		sub, _ := claims["sub"].(string)
		ctx := context.WithValue(r.Context(), contextKeyAdminSubject, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requireSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		session, err := s.store.ValidateSession(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid session token")
			return
		}
		ctx := context.WithValue(r.Context(), contextKeySession, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("request")
	})
}

func sessionFromContext(ctx context.Context) (domain.Session, error) {
	v := ctx.Value(contextKeySession)
	session, ok := v.(domain.Session)
	if !ok {
		return domain.Session{}, errors.New("terminal session not found")
	}
	return session, nil
}

func bearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func parseInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func parseOffset(raw string) int {
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func decodeJSON(r *http.Request, target interface{}) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeStoreError(w http.ResponseWriter, err error) {
	if errors.Is(err, storepkg.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}
