// Package server implements the marketplace HTTP API: the off-chain mirror of
// escrow requests and bids, provider coverage and consumer interest areas,
// ratings, provider profiles, reconciliation of wallet transactions and the
// API-key protected agent routes.
package server

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

	"github.com/DroneBid/dronebid-market-go/internal/chain"
	errordefs "github.com/DroneBid/dronebid-market-go/internal/errors"
	"github.com/DroneBid/dronebid-market-go/internal/event"
	"github.com/DroneBid/dronebid-market-go/internal/jwks"
	"github.com/DroneBid/dronebid-market-go/internal/media"
	"github.com/DroneBid/dronebid-market-go/internal/metrics"
	"github.com/DroneBid/dronebid-market-go/internal/model"
	"github.com/DroneBid/dronebid-market-go/internal/ratelimit"
	"github.com/DroneBid/dronebid-market-go/internal/reconcile"
	"github.com/DroneBid/dronebid-market-go/internal/schema"
	"github.com/DroneBid/dronebid-market-go/internal/storage"
	"github.com/DroneBid/dronebid-market-go/internal/telemetry"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
)

// ContextKey is used for context values to avoid collisions
// when storing values in request context
type ContextKey string

const (
	ContextKeyWallet        ContextKey = "wallet"        // Wallet address from the session token
	ContextKeyCorrelationID ContextKey = "correlationId" // Unique ID for request tracking

	maxBodyBytes = 1 << 20
)

// auth selects how a route authenticates mutating requests.
type auth int

const (
	authNone   auth = iota
	authWallet      // Bearer session token on POST, PUT and DELETE
	authAgent       // x-api-key header on every request
)

// Deps are the collaborators of the HTTP API. Chain, Reconciler and Images may
// be nil, in which case the routes that need them answer 503.
type Deps struct {
	Store      storage.Store
	Publisher  event.Publisher
	Validator  *schema.Validator
	JWKS       *jwks.Client
	Chain      chain.Client
	Reconciler *reconcile.Reconciler
	Images     media.ImageStore
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	ReadLimiter  *ratelimit.Limiter
	WriteLimiter *ratelimit.Limiter

	AgentAPIKey        string
	CORSAllowedOrigins []string

	// Now is the clock for deadline checks.
	Now func() time.Time
}

// Mux handles HTTP requests for the marketplace.
type Mux struct {
	mux *http.ServeMux
	Deps
}

// NewMux registers every route and returns the handler.
func NewMux(d Deps) *http.ServeMux {
	if d.Publisher == nil {
		d.Publisher = event.NewNoop()
	}
	if d.Metrics == nil {
		d.Metrics = metrics.NewMetrics()
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	m := &Mux{mux: http.NewServeMux(), Deps: d}

	m.mux.HandleFunc("/healthz", m.handleHealthz)
	m.mux.HandleFunc("/readyz", m.handleReadyz)
	m.mux.Handle("/metrics", promhttp.Handler())

	m.mux.HandleFunc("/api/users", m.withMiddleware(authWallet, m.methods(map[string]http.HandlerFunc{
		http.MethodPost: m.handleUpsertUser,
		http.MethodGet:  m.handleGetUser,
	})))
	m.mux.HandleFunc("/api/requests", m.withMiddleware(authWallet, m.methods(map[string]http.HandlerFunc{
		http.MethodPost: m.handleUpsertRequest,
		http.MethodGet:  m.handleListRequests,
	})))
	m.mux.HandleFunc("/api/requests/{id}", m.withMiddleware(authNone, m.method(http.MethodGet, m.handleGetRequest)))
	m.mux.HandleFunc("/api/bids", m.withMiddleware(authWallet, m.methods(map[string]http.HandlerFunc{
		http.MethodPost: m.handleUpsertBid,
		http.MethodGet:  m.handleListBids,
	})))
	m.mux.HandleFunc("/api/coverage-areas", m.withMiddleware(authWallet, m.methods(map[string]http.HandlerFunc{
		http.MethodPost:   m.handleCreateCoverageArea,
		http.MethodGet:    m.handleListCoverageAreas,
		http.MethodPut:    m.handleUpdateCoverageArea,
		http.MethodDelete: m.handleDeleteCoverageArea,
	})))
	m.mux.HandleFunc("/api/areas-of-interest", m.withMiddleware(authWallet, m.methods(map[string]http.HandlerFunc{
		http.MethodPost:   m.handleUpsertAreaOfInterest,
		http.MethodGet:    m.handleGetAreasOfInterest,
		http.MethodDelete: m.handleDeleteAreaOfInterest,
	})))
	m.mux.HandleFunc("/api/providers/nearby", m.withMiddleware(authNone, m.method(http.MethodGet, m.handleNearbyProviders)))
	m.mux.HandleFunc("/api/ratings", m.withMiddleware(authWallet, m.methods(map[string]http.HandlerFunc{
		http.MethodPost: m.handleCreateRating,
		http.MethodGet:  m.handleListRatings,
	})))
	m.mux.HandleFunc("/api/provider-profiles", m.withMiddleware(authWallet, m.methods(map[string]http.HandlerFunc{
		http.MethodGet:  m.handleGetProviderProfile,
		http.MethodPost: m.handleCreateProviderProfile,
		http.MethodPut:  m.handlePatchProviderProfile,
	})))
	m.mux.HandleFunc("/api/provider-profiles/image-upload", m.withMiddleware(authWallet, m.method(http.MethodPost, m.handleImageUpload)))

	m.mux.HandleFunc("/api/reconcile/requests", m.withMiddleware(authWallet, m.method(http.MethodPost, m.handleReconcileRequest)))
	m.mux.HandleFunc("/api/reconcile/bids", m.withMiddleware(authWallet, m.method(http.MethodPost, m.handleReconcileBid)))

	m.mux.HandleFunc("/api/agents/create-request", m.withMiddleware(authAgent, m.method(http.MethodPost, m.handleAgentCreateRequest)))
	m.mux.HandleFunc("/api/agents/submit-bid", m.withMiddleware(authAgent, m.method(http.MethodPost, m.handleAgentSubmitBid)))
	m.mux.HandleFunc("/api/agents/accept-bid", m.withMiddleware(authAgent, m.method(http.MethodPost, m.handleAgentAcceptBid)))
	m.mux.HandleFunc("/api/agents/deliver-job", m.withMiddleware(authAgent, m.method(http.MethodPost, m.handleAgentDeliverJob)))
	m.mux.HandleFunc("/api/agents/approve-delivery", m.withMiddleware(authAgent, m.method(http.MethodPost, m.handleAgentApproveDelivery)))

	return m.mux
}

// method ensures the HTTP method matches the expected method
func (m *Mux) method(method string, h http.HandlerFunc) http.HandlerFunc {
	return m.methods(map[string]http.HandlerFunc{method: h})
}

// methods dispatches on the request method.
func (m *Mux) methods(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := handlers[r.Method]
		if !ok {
			m.fail(w, r, errordefs.MKT_METHOD_NOT_ALLOWED, "method not allowed")
			return
		}
		h(w, r)
	}
}

// statusRecorder captures the status written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// withMiddleware applies CORS, correlation IDs, rate limiting, authentication,
// metrics and request logging.
func (m *Mux) withMiddleware(mode auth, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		allowedOrigin := m.allowedOrigin(r.Header.Get("Origin"))
		if allowedOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", allowedOrigin)
			w.Header().Set("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			if allowedOrigin != "" {
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Correlation-Id, X-Wallet-Address, X-Api-Key")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}
			w.WriteHeader(http.StatusNoContent)
			return
		}

		correlationID := r.Header.Get("X-Correlation-Id")
		if correlationID == "" {
			correlationID = uuid.New().String()
		}
		ctx := context.WithValue(r.Context(), ContextKeyCorrelationID, correlationID)
		ctx = event.WithCorrelationID(ctx, correlationID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Correlation-Id", correlationID)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		defer func() {
			elapsed := time.Since(start)
			status := strconv.Itoa(rec.status)
			m.Metrics.HTTPRequestTotal.WithLabelValues(r.Method, r.Pattern, status).Inc()
			m.Metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.Pattern, status).Observe(elapsed.Seconds())
			m.logRequest(r, rec.status, elapsed, correlationID)
		}()

		if !m.allowRate(rec, r) {
			return
		}

		switch mode {
		case authAgent:
			if e := m.checkAgentKey(r); e != nil {
				m.writeErrorDef(rec, r, e)
				return
			}
		case authWallet:
			if r.Method == http.MethodPost || r.Method == http.MethodPut || r.Method == http.MethodDelete {
				wallet, e := m.authenticate(r)
				if e != nil {
					m.writeErrorDef(rec, r, e)
					return
				}
				r = r.WithContext(context.WithValue(r.Context(), ContextKeyWallet, wallet))
			}
		}

		h(rec, r)
	}
}

func (m *Mux) allowedOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	for _, allowed := range m.CORSAllowedOrigins {
		if allowed == "*" || allowed == origin {
			return origin
		}
	}
	return ""
}

// allowRate applies the read limit to GET and the write limit to everything
// else, and reports whether the request may proceed. Limiter failures fail open.
func (m *Mux) allowRate(w http.ResponseWriter, r *http.Request) bool {
	limiter, class := m.WriteLimiter, "write"
	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		limiter, class = m.ReadLimiter, "read"
	}
	if limiter == nil {
		return true
	}

	d, err := limiter.Allow(r.Context(), class, ratelimit.ClientID(r))
	if err != nil {
		m.Logger.Warn("rate limiter unavailable", "error", err)
		return true
	}
	w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(d.Limit, 10))
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if d.Allowed {
		return true
	}

	m.Metrics.RateLimitRejectedTotal.WithLabelValues(class).Inc()
	w.Header().Set("Retry-After", strconv.FormatInt(d.RetryAfterSeconds(), 10))
	m.writeErrorDef(w, r, errordefs.NewWithDetails(errordefs.MKT_RATE_LIMIT, "too many requests", "",
		map[string]interface{}{"retryAfter": d.RetryAfterSeconds()}))
	return false
}

// authenticate validates the bearer session token and returns its wallet.
func (m *Mux) authenticate(r *http.Request) (string, *errordefs.Error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", errordefs.New(errordefs.MKT_AUTHN, "missing Authorization header", "")
	}
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", errordefs.New(errordefs.MKT_AUTHN, "invalid Authorization header format", "")
	}
	if m.JWKS == nil {
		return "", errordefs.New(errordefs.MKT_UNAVAILABLE, "session validation not configured", "")
	}

	session, err := m.JWKS.ValidateJWT(r.Context(), token)
	switch {
	case err == nil:
		return session.Wallet, nil
	case errors.Is(err, jwt.ErrTokenExpired):
		return "", errordefs.New(errordefs.MKT_JWT_EXPIRED, "JWT token expired", "")
	case errors.Is(err, jwt.ErrTokenMalformed):
		return "", errordefs.New(errordefs.MKT_JWT_MALFORMED, "malformed JWT", "")
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return "", errordefs.New(errordefs.MKT_JWT_INVALID, "invalid JWT issuer", "")
	case errors.Is(err, jwt.ErrTokenInvalidAudience):
		return "", errordefs.New(errordefs.MKT_JWT_INVALID, "invalid JWT audience", "")
	case errors.Is(err, jwks.ErrInvalidSubject):
		return "", errordefs.New(errordefs.MKT_JWT_INVALID, "JWT subject is not a wallet address", "")
	default:
		return "", errordefs.New(errordefs.MKT_JWT_INVALID, fmt.Sprintf("failed to validate JWT: %v", err), "")
	}
}

func (m *Mux) checkAgentKey(r *http.Request) *errordefs.Error {
	if m.AgentAPIKey == "" {
		return errordefs.New(errordefs.MKT_UNAVAILABLE, "agent routes are not configured", "")
	}
	key := r.Header.Get("x-api-key")
	if subtle.ConstantTimeCompare([]byte(key), []byte(m.AgentAPIKey)) != 1 {
		return errordefs.New(errordefs.MKT_AUTHN, "invalid API key", "")
	}
	return nil
}

// requireWallet checks that the session wallet owns address.
func (m *Mux) requireWallet(w http.ResponseWriter, r *http.Request, address string) bool {
	wallet, _ := r.Context().Value(ContextKeyWallet).(string)
	if wallet == "" || !model.SameAddress(wallet, address) {
		m.fail(w, r, errordefs.MKT_WALLET_MISMATCH, "address must match the signed-in wallet")
		return false
	}
	return true
}

func correlationID(r *http.Request) string {
	id, _ := r.Context().Value(ContextKeyCorrelationID).(string)
	return id
}

// decode reads the body, validates it against the named schema and unmarshals
// it into dst. On failure the error response has been written.
func (m *Mux) decode(w http.ResponseWriter, r *http.Request, schemaName string, dst interface{}) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		m.fail(w, r, errordefs.MKT_BAD_REQUEST, "request body too large or unreadable")
		return false
	}
	if !json.Valid(body) {
		m.fail(w, r, errordefs.MKT_VALIDATION, "invalid JSON")
		return false
	}
	if err := m.Validator.Validate(schemaName, body); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			m.writeErrorDef(w, r, errordefs.NewWithDetails(errordefs.MKT_SCHEMA_REJECT, "schema validation failed", "", map[string]interface{}{"problems": verr.Problems}))
			return false
		}
		m.fail(w, r, errordefs.MKT_VALIDATION, err.Error())
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		m.fail(w, r, errordefs.MKT_VALIDATION, err.Error())
		return false
	}
	return true
}

// writeSuccess writes a successful response
func (m *Mux) writeSuccess(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"data": data})
}

// writeErrorDef writes an error envelope, stamping the request correlation ID.
func (m *Mux) writeErrorDef(w http.ResponseWriter, r *http.Request, e *errordefs.Error) {
	if e.CorrelationID == "" {
		e.CorrelationID = correlationID(r)
	}
	if span := trace.SpanFromContext(r.Context()); span.IsRecording() {
		span.RecordError(e)
	}
	body := map[string]interface{}{
		"code":          e.Code,
		"message":       e.Message,
		"correlationId": e.CorrelationID,
	}
	if e.Details != nil {
		body["details"] = e.Details
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.HTTPStatus)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": body})
}

// fail writes an error envelope for code.
func (m *Mux) fail(w http.ResponseWriter, r *http.Request, code errordefs.ErrorCode, message string) {
	m.writeErrorDef(w, r, errordefs.New(code, message, ""))
}

// storeError maps storage errors onto the envelope. Unexpected errors are
// logged and reported as internal.
func (m *Mux) storeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.fail(w, r, errordefs.MKT_NOT_FOUND, op+": not found")
	case errors.Is(err, storage.ErrConflict):
		m.fail(w, r, errordefs.MKT_CONFLICT, op+": already exists")
	case errors.Is(err, storage.ErrCapacity):
		m.fail(w, r, errordefs.MKT_CAPACITY, op+": capacity reached")
	default:
		m.Logger.Error(op+" failed", "error", err, "correlation_id", correlationID(r))
		m.fail(w, r, errordefs.MKT_INTERNAL, op+" failed")
	}
}

// logRequest logs request details
func (m *Mux) logRequest(r *http.Request, status int, duration time.Duration, correlationID string) {
	attrs := []slog.Attr{
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.Int("status", status),
		slog.Duration("duration", duration),
		slog.String("correlation_id", correlationID),
		slog.String("remote_addr", r.RemoteAddr),
	}
	if wallet, ok := r.Context().Value(ContextKeyWallet).(string); ok && wallet != "" {
		attrs = append(attrs, slog.String("wallet", wallet))
	}
	level := slog.LevelInfo
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	m.Logger.LogAttrs(r.Context(), level, "request completed", attrs...)
}

// startSpan opens the handler span.
func startSpan(r *http.Request, name string) (*http.Request, trace.Span) {
	ctx, span := telemetry.Tracer("server").Start(r.Context(), name)
	return r.WithContext(ctx), span
}

// handleHealthz handles liveness health check requests
func (m *Mux) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz reports whether the store answers.
func (m *Mux) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := m.Store.Ping(ctx); err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// queryAddress reads an optional address parameter, normalised to lowercase.
func (m *Mux) queryAddress(w http.ResponseWriter, r *http.Request, name string, required bool) (string, bool) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		if required {
			m.fail(w, r, errordefs.MKT_VALIDATION, name+" is required")
			return "", false
		}
		return "", true
	}
	if !model.ValidAddress(v) {
		m.fail(w, r, errordefs.MKT_VALIDATION, "invalid "+name)
		return "", false
	}
	return model.NormalizeAddress(v), true
}

// queryInt reads an optional integer parameter no smaller than min.
func (m *Mux) queryInt(w http.ResponseWriter, r *http.Request, name string, min int64) (int64, bool) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < min {
		m.fail(w, r, errordefs.MKT_VALIDATION, fmt.Sprintf("%s must be an integer >= %d", name, min))
		return 0, false
	}
	return n, true
}

// queryPage reads limit and offset. limit is capped at storage.MaxLimit.
func (m *Mux) queryPage(w http.ResponseWriter, r *http.Request) (limit, offset int, ok bool) {
	l, ok := m.queryInt(w, r, "limit", 1)
	if !ok {
		return 0, 0, false
	}
	if l > storage.MaxLimit {
		m.fail(w, r, errordefs.MKT_VALIDATION, fmt.Sprintf("limit must be <= %d", storage.MaxLimit))
		return 0, 0, false
	}
	o, ok := m.queryInt(w, r, "offset", 0)
	if !ok {
		return 0, 0, false
	}
	return int(l), int(o), true
}
