// Package httpapi exposes the mutual closure workflow over JSON/HTTP.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"toolshare/auth"
	"toolshare/closure"
	"toolshare/dispute"
)

type ctxKey string

const (
	ctxKeyUserID ctxKey = "userID"
	ctxKeyRole   ctxKey = "role"
)

// ClosureService is the workflow surface the handlers drive.
type ClosureService interface {
	CheckEligibility(ctx context.Context, disputeID, userID string) (closure.Eligibility, error)
	CreateRequest(ctx context.Context, disputeID, initiatorID string, in closure.CreateInput, meta closure.RequestMeta) (closure.View, error)
	RespondToRequest(ctx context.Context, closureID, responderID string, in closure.RespondInput, meta closure.RequestMeta) (closure.View, error)
	CancelRequest(ctx context.Context, closureID, userID, reason string, meta closure.RequestMeta) (closure.View, error)
	AdminReview(ctx context.Context, closureID, adminID string, action closure.AdminAction, notes string, meta closure.RequestMeta) (closure.View, error)
	Get(ctx context.Context, closureID, userID string, isAdmin bool) (closure.View, error)
	ListForDispute(ctx context.Context, disputeID, userID string, isAdmin bool) ([]closure.View, error)
	AuditTrail(ctx context.Context, closureID, userID string, isAdmin bool) ([]closure.AuditEntry, error)
}

type DisputeService interface {
	List(ctx context.Context, userID, rentalID string) ([]dispute.Record, error)
	Create(ctx context.Context, userID string, params dispute.CreateParams) (dispute.Record, error)
}

type Authenticator interface {
	Authenticate(ctx context.Context, token string) (auth.Identity, error)
}

// RequestRecorder counts served requests by route pattern.
type RequestRecorder interface {
	HTTPRequest(method, route string, status int)
}

type Server struct {
	closureService ClosureService
	disputeService DisputeService
	authenticator  Authenticator
	recorder       RequestRecorder
	metrics        http.Handler
	tracer         trace.Tracer
	logger         *slog.Logger
}

type Options struct {
	Closures       ClosureService
	Disputes       DisputeService
	Authenticator  Authenticator
	Recorder       RequestRecorder
	MetricsHandler http.Handler
	// TracerProvider defaults to the global provider.
	TracerProvider trace.TracerProvider
	Logger         *slog.Logger
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.TracerProvider == nil {
		opts.TracerProvider = otel.GetTracerProvider()
	}
	return &Server{
		closureService: opts.Closures,
		disputeService: opts.Disputes,
		authenticator:  opts.Authenticator,
		recorder:       opts.Recorder,
		metrics:        opts.MetricsHandler,
		tracer:         opts.TracerProvider.Tracer("toolshare/httpapi"),
		logger:         opts.Logger,
	}
}

// Routes builds the router. Everything under /api requires a bearer token.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.traceRequests)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authenticate)

		r.Get("/disputes", s.handleDisputes)
		r.Post("/disputes", s.handleCreateDispute)

		r.Get("/disputes/{disputeID}/mutual-closure/eligibility", s.handleEligibility)
		r.Get("/disputes/{disputeID}/mutual-closures", s.handleListClosures)
		r.Post("/disputes/{disputeID}/mutual-closures", s.handleCreateClosure)

		r.Get("/mutual-closures/{closureID}", s.handleClosure)
		r.Post("/mutual-closures/{closureID}/respond", s.handleRespond)
		r.Post("/mutual-closures/{closureID}/cancel", s.handleCancel)

		r.With(requireAdmin).Post("/admin/mutual-closures/{closureID}/review", s.handleAdminReview)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			writeFailure(w, http.StatusUnauthorized, "Authentication required")
			return
		}

		id, err := s.authenticator.Authenticate(r.Context(), strings.TrimSpace(token))
		if err != nil {
			switch {
			case errors.Is(err, auth.ErrSuspended):
				writeFailure(w, http.StatusForbidden, "Account suspended")
			case errors.Is(err, auth.ErrInvalidToken):
				writeFailure(w, http.StatusUnauthorized, "Invalid or expired token")
			default:
				s.logger.ErrorContext(r.Context(), "authenticate request", slog.Any("error", err))
				writeFailure(w, http.StatusInternalServerError, "An unexpected error occurred")
			}
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyUserID, id.UserID)
		ctx = context.WithValue(ctx, ctxKeyRole, id.Role)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isAdmin(r) {
			writeFailure(w, http.StatusForbidden, "Admin access required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := routePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if s.recorder != nil {
			s.recorder.HTTPRequest(r.Method, route, status)
		}
		s.logger.InfoContext(r.Context(), "http request",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// traceRequests opens a server span per request, continuing any inbound
// W3C trace context. The span is renamed to the route pattern once routing ends.
func (s *Server) traceRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx, span := s.tracer.Start(ctx, r.Method+" "+r.URL.Path, trace.WithSpanKind(trace.SpanKindServer))
		defer span.End()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		r = r.WithContext(ctx)
		next.ServeHTTP(ww, r)

		route := routePattern(r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		span.SetName(r.Method + " " + route)
		span.SetAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("http.route", route),
			attribute.Int("http.response.status_code", status),
			attribute.String("request.id", middleware.GetReqID(ctx)),
		)
		if status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(status))
		}
	})
}

func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return r.URL.Path
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKeyUserID).(string)
	return id
}

func isAdmin(r *http.Request) bool {
	role, _ := r.Context().Value(ctxKeyRole).(auth.Role)
	return role == auth.RoleAdmin
}

// requestMeta prefers the first X-Forwarded-For hop over the socket address.
func requestMeta(r *http.Request) closure.RequestMeta {
	ip := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			ip = first
		}
	} else if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return closure.RequestMeta{IPAddress: ip, UserAgent: r.UserAgent()}
}
