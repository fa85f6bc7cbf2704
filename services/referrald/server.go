package referrald

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"cgdao/gateway/middleware"
	"cgdao/native/referral"
)

const (
	cookieRefCode = "ref_code"
	cookieRefIP   = "ref_ip"

	maxBodyBytes = 64 << 10
)

// ReadStore is the query surface behind the read-only endpoints.
type ReadStore interface {
	Ping(ctx context.Context) error
	Edge(ctx context.Context, newUser string) (*referral.Edge, error)
	SignupBonus(ctx context.Context, recipient string) (*referral.SignupBonus, error)
	Commissions(ctx context.Context, sourceSignup string) ([]referral.Commission, error)
	CommissionsForReferrer(ctx context.Context, referrer string, limit int) ([]referral.Commission, error)
	CodeStats(ctx context.Context, code string) (clicks, conversions int64, err error)
	Legs(ctx context.Context, status referral.LegStatus, limit int) ([]referral.Leg, error)
	Attempts(ctx context.Context, status referral.AttemptStatus, limit int) ([]referral.Attempt, error)
}

// CookieConfig controls the attribution cookies set on click tracking.
type CookieConfig struct {
	Domain string
	Secure bool
}

// ServerConfig captures the dependencies required to construct the server.
type ServerConfig struct {
	Executor    *Executor
	Tracker     *Tracker
	Treasury    *TreasuryGate
	Store       ReadStore
	Auth        middleware.AuthConfig
	OpsScope    string
	CORS        middleware.CORSConfig
	RateLimits  map[string]middleware.RateLimit
	Cookies     CookieConfig
	LogRequests bool
	Logger      *slog.Logger
}

// Server exposes the referral HTTP API.
type Server struct {
	executor *Executor
	tracker  *Tracker
	treasury *TreasuryGate
	store    ReadStore
	cookies  CookieConfig
	logger   *slog.Logger

	router http.Handler
}

// NewServer wires the chi router with CORS, rate limiting, auth and telemetry.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		executor: cfg.Executor,
		tracker:  cfg.Tracker,
		treasury: cfg.Treasury,
		store:    cfg.Store,
		cookies:  cfg.Cookies,
		logger:   logger.With("component", "server"),
	}
	s.router = s.buildRouter(cfg, logger)
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg ServerConfig, logger *slog.Logger) http.Handler {
	obs := middleware.NewObservability(middleware.ObservabilityConfig{
		ServiceName: "referrald",
		LogRequests: cfg.LogRequests,
		Enabled:     true,
	}, logger)
	limiter := middleware.NewRateLimiter(cfg.RateLimits, logger)
	auth := middleware.NewAuthenticator(cfg.Auth, logger)
	scope := cfg.OpsScope
	if scope == "" {
		scope = "referrals:ops"
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(cfg.CORS))

	route := func(name, group string) func(http.Handler) http.Handler {
		return func(next http.Handler) http.Handler {
			return obs.Middleware(name)(limiter.Middleware(group)(next))
		}
	}

	r.Route("/referrals", func(api chi.Router) {
		api.With(route("bonus_distribute", "bonus")).Post("/bonus", s.handleDistribute)
		api.With(route("bonus_query", "bonus")).Get("/bonus", s.handleBonusQuery)
		api.With(route("track_click", "track")).Post("/track", s.handleTrackClick)
		api.With(route("track_convert", "track")).Put("/track", s.handleConvert)
		api.With(route("codes_issue", "codes")).Post("/codes", s.handleIssueCode)
		api.With(route("codes_lookup", "codes")).Get("/codes", s.handleLookupCode)
	})

	r.Route("/ops/referrals", func(ops chi.Router) {
		ops.Use(auth.Middleware(scope))
		ops.With(obs.Middleware("ops_status")).Get("/status", s.handleOpsStatus)
		ops.With(obs.Middleware("ops_pause")).Post("/pause", s.handlePause)
		ops.With(obs.Middleware("ops_resume")).Post("/resume", s.handleResume)
		ops.With(obs.Middleware("ops_attempts")).Get("/attempts", s.handleAttempts)
	})

	r.Handle("/metrics", obs.MetricsHandler())
	r.Get("/healthz", s.handleHealth)

	return otelhttp.NewHandler(r, "referrald")
}

type distributeRequest struct {
	Wallet       string `json:"wallet"`
	ReferralCode string `json:"referralCode"`
}

type distributionErrorBody struct {
	middleware.ErrorBody
	PartialResult *DistributionResult `json:"partialResult,omitempty"`
}

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	var req distributeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "invalid request body", false)
		return
	}
	if strings.TrimSpace(req.Wallet) == "" {
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "wallet required", false)
		return
	}
	code := strings.TrimSpace(req.ReferralCode)
	if code == "" {
		code = cookieValue(r, cookieRefCode)
	}
	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "referralCode required", false)
		return
	}
	result, err := s.executor.DistributeSignupBonus(r.Context(), req.Wallet, code)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), err.Error(), false)
		return
	}
	status := distributionHTTPStatus(result.Status)
	if status == http.StatusOK {
		writeJSON(w, status, result)
		return
	}
	body := distributionErrorBody{PartialResult: result}
	body.Retriable = result.Retriable
	body.Kind = string(result.Status)
	body.Error = string(result.Status)
	if len(result.Errors) > 0 {
		body.Kind = string(result.Errors[0].Kind)
		body.Error = result.Errors[0].Message
	}
	if result.Retriable {
		w.Header().Set("Retry-After", "30")
	}
	writeJSON(w, status, body)
}

func distributionHTTPStatus(status DistributionStatus) int {
	switch status {
	case StatusCompleted, StatusAlreadyReceived:
		return http.StatusOK
	case StatusNotEligible:
		return http.StatusNotFound
	case StatusExceedsCap:
		return http.StatusUnprocessableEntity
	case StatusTreasuryExhausted, StatusPaused:
		return http.StatusServiceUnavailable
	case StatusInProgress:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type treasuryResponse struct {
	Balance     string  `json:"balance"`
	Pending     string  `json:"pending"`
	Distributed string  `json:"distributed"`
	PoolCap     *string `json:"poolCap"`
	Remaining   string  `json:"remaining"`
	Paused      bool    `json:"paused"`
}

type bonusRecordResponse struct {
	Amount     string    `json:"amount"`
	TxHash     string    `json:"txHash"`
	ReceivedAt time.Time `json:"receivedAt"`
}

type commissionResponse struct {
	referral.Commission
	Amount string `json:"amount"`
}

type walletStatusResponse struct {
	Wallet      string               `json:"wallet"`
	Referred    bool                 `json:"referred"`
	Referral    *referral.Edge       `json:"referral,omitempty"`
	Received    bool                 `json:"received"`
	Bonus       *bonusRecordResponse `json:"bonus,omitempty"`
	Commissions []commissionResponse `json:"commissions"`
}

type earningsResponse struct {
	Wallet      string               `json:"wallet"`
	Total       string               `json:"total"`
	Commissions []commissionResponse `json:"commissions"`
}

func (s *Server) handleBonusQuery(w http.ResponseWriter, r *http.Request) {
	kind := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("type")))
	if kind == "treasury" {
		s.writeTreasury(w, r)
		return
	}
	addr, err := referral.NormalizeAddress(r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	switch kind {
	case "", "status":
		s.writeWalletStatus(w, r, addr)
	case "commissions":
		s.writeEarnings(w, r, addr)
	default:
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "unknown type "+strconv.Quote(kind), false)
	}
}

func (s *Server) writeTreasury(w http.ResponseWriter, r *http.Request) {
	status, err := s.treasury.Status(r.Context())
	if err != nil {
		s.logger.Warn("treasury status unavailable", "error", err)
		middleware.WriteError(w, http.StatusServiceUnavailable, string(referral.KindInternal), "treasury status unavailable", true)
		return
	}
	writeJSON(w, http.StatusOK, newTreasuryResponse(status, s.executor.Paused()))
}

func newTreasuryResponse(status referral.TreasuryStatus, paused bool) treasuryResponse {
	resp := treasuryResponse{
		Balance:     amountString(status.Balance),
		Pending:     amountString(status.Pending),
		Distributed: amountString(status.Distributed),
		Remaining:   amountString(status.Remaining),
		Paused:      paused,
	}
	if status.PoolCap != nil {
		poolCap := status.PoolCap.String()
		resp.PoolCap = &poolCap
	}
	return resp
}

func (s *Server) writeWalletStatus(w http.ResponseWriter, r *http.Request, addr string) {
	ctx := r.Context()
	resp := walletStatusResponse{Wallet: addr, Commissions: []commissionResponse{}}
	edge, err := s.store.Edge(ctx, addr)
	switch {
	case err == nil:
		resp.Referred = true
		resp.Referral = edge
	case !errors.Is(err, referral.ErrNotFound):
		s.writeError(w, err)
		return
	}
	bonus, err := s.store.SignupBonus(ctx, addr)
	switch {
	case err == nil:
		resp.Received = true
		resp.Bonus = &bonusRecordResponse{Amount: amountString(bonus.Amount), TxHash: bonus.TxHash, ReceivedAt: bonus.ReceivedAt}
	case !errors.Is(err, referral.ErrNotFound):
		s.writeError(w, err)
		return
	}
	paid, err := s.store.Commissions(ctx, addr)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp.Commissions = commissionResponses(paid)
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeEarnings(w http.ResponseWriter, r *http.Request, addr string) {
	limit := queryLimit(r, 100)
	earned, err := s.store.CommissionsForReferrer(r.Context(), addr, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total := new(big.Int)
	for _, c := range earned {
		if c.Amount != nil {
			total.Add(total, c.Amount)
		}
	}
	writeJSON(w, http.StatusOK, earningsResponse{Wallet: addr, Total: total.String(), Commissions: commissionResponses(earned)})
}

func commissionResponses(in []referral.Commission) []commissionResponse {
	out := make([]commissionResponse, 0, len(in))
	for _, c := range in {
		out = append(out, commissionResponse{Commission: c, Amount: amountString(c.Amount)})
	}
	return out
}

type trackRequest struct {
	Code        string `json:"code"`
	Source      string `json:"source"`
	Medium      string `json:"medium"`
	Campaign    string `json:"campaign"`
	Referer     string `json:"referer"`
	LandingPage string `json:"landingPage"`
}

func (s *Server) handleTrackClick(w http.ResponseWriter, r *http.Request) {
	var req trackRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "invalid request body", false)
			return
		}
	}
	q := r.URL.Query()
	if req.Code == "" {
		req.Code = q.Get("ref")
	}
	if req.Source == "" {
		req.Source = q.Get("utm_source")
	}
	if req.Medium == "" {
		req.Medium = q.Get("utm_medium")
	}
	if req.Campaign == "" {
		req.Campaign = q.Get("utm_campaign")
	}
	if req.Referer == "" {
		req.Referer = r.Referer()
	}
	receipt, err := s.tracker.TrackClick(r.Context(), ClickInput{
		Code:        req.Code,
		IP:          middleware.ClientIP(r),
		UserAgent:   r.UserAgent(),
		Referer:     req.Referer,
		LandingPage: req.LandingPage,
		Source:      req.Source,
		Medium:      req.Medium,
		Campaign:    req.Campaign,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	maxAge := int(s.tracker.CookieWindow() / time.Second)
	http.SetCookie(w, s.cookie(cookieRefCode, receipt.Code, maxAge))
	http.SetCookie(w, s.cookie(cookieRefIP, receipt.IPHash, maxAge))
	writeJSON(w, http.StatusCreated, receipt)
}

type convertRequest struct {
	Wallet string `json:"wallet"`
	Code   string `json:"code"`
}

type convertResponse struct {
	Registered bool           `json:"registered"`
	Referral   *referral.Edge `json:"referral,omitempty"`
}

func (s *Server) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req convertRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "invalid request body", false)
		return
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = cookieValue(r, cookieRefCode)
	}
	if code == "" {
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "code required", false)
		return
	}
	ipHash := cookieValue(r, cookieRefIP)
	if ipHash == "" {
		ipHash = s.tracker.HashIP(middleware.ClientIP(r))
	}
	ctx := r.Context()
	edge, err := s.tracker.RegisterReferral(ctx, req.Wallet, code, Attribution{IPHash: ipHash})
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := convertResponse{Registered: edge != nil, Referral: edge}
	if edge == nil {
		addr, _ := referral.NormalizeAddress(req.Wallet)
		if existing, err := s.store.Edge(ctx, addr); err == nil {
			resp.Referral = existing
		}
	}
	if resp.Registered {
		if err := s.tracker.MarkClickConverted(ctx, ipHash, code, req.Wallet); err != nil {
			s.logger.Warn("click conversion failed", "error", err)
		}
	}
	http.SetCookie(w, s.cookie(cookieRefCode, "", -1))
	http.SetCookie(w, s.cookie(cookieRefIP, "", -1))
	writeJSON(w, http.StatusOK, resp)
}

type codeRequest struct {
	Wallet string `json:"wallet"`
}

type codeResponse struct {
	referral.Code
	Clicks      int64 `json:"clicks"`
	Conversions int64 `json:"conversions"`
}

func (s *Server) handleIssueCode(w http.ResponseWriter, r *http.Request) {
	var req codeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, string(referral.KindInvalidInput), "invalid request body", false)
		return
	}
	code, err := s.tracker.IssueCode(r.Context(), req.Wallet)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codeResponse{Code: *code})
}

func (s *Server) handleLookupCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	code, err := s.tracker.CodeFor(ctx, r.URL.Query().Get("wallet"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	clicks, conversions, err := s.store.CodeStats(ctx, code.Code)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, codeResponse{Code: *code, Clicks: clicks, Conversions: conversions})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, string(referral.KindInternal), "store unavailable", true)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   s.cookies.Domain,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := referral.KindOf(err)
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, referral.ErrCodeNotFound):
		status = http.StatusNotFound
	case errors.Is(err, referral.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, referral.ErrSelfReferral), errors.Is(err, referral.ErrReferralCycle):
		status = http.StatusUnprocessableEntity
	case kind == referral.KindInvalidInput:
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
		msg = "internal error"
	}
	middleware.WriteError(w, status, string(kind), msg, kind.Retriable())
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func cookieValue(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(c.Value)
}

func queryLimit(r *http.Request, fallback int) int {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return min(n, 1000)
}
