package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/barretodotcom/zentrix_inbox/api/requests"
	"github.com/barretodotcom/zentrix_inbox/api/utils"
	"github.com/barretodotcom/zentrix_inbox/credentials"
	"github.com/barretodotcom/zentrix_inbox/db"
	"github.com/barretodotcom/zentrix_inbox/idempotency"
	"github.com/barretodotcom/zentrix_inbox/ingest"
	"github.com/barretodotcom/zentrix_inbox/queue"
	"github.com/barretodotcom/zentrix_inbox/session"
	"github.com/barretodotcom/zentrix_inbox/ws"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

const signatureHeader = "X-Webhook-Hmac"

type Server struct {
	Store       db.Store
	Sessions    *session.Provisioner
	Credentials *credentials.Manager
	Normalizer  *ingest.Normalizer
	Seen        idempotency.Cache
	SeenTTL     time.Duration
	Queue       queue.Client
	Hub         *ws.Hub
	Claims      requests.ClaimsProvider

	MaxBodyBytes int64
	Log          *zap.Logger
}

func (s *Server) log() *zap.Logger {
	if s.Log != nil {
		return s.Log
	}
	return zap.L()
}

// Routes builds the HTTP surface: the provider-facing webhook, the
// tenant-scoped provisioning and read API, and the websocket feed.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, s.accessLog, middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// long-lived, so kept out of the request timeout
	r.Get("/api/ws", func(w http.ResponseWriter, r *http.Request) {
		ws.Serve(s.Hub, s.Claims, w, r)
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/health", s.Health)
		r.Post("/webhook/{token}", s.Webhook)

		r.Route("/api", func(r chi.Router) {
			r.Use(s.RequireAuth)

			r.Route("/sessions", func(r chi.Router) {
				r.With(middleware.AllowContentType("application/json")).Post("/", s.CreateSession)
				r.Get("/", s.ListSessions)
				r.Get("/{id}", s.GetSession)
				r.Post("/{id}/connect", s.ConnectSession)
				r.Post("/{id}/disconnect", s.DisconnectSession)
				r.Post("/{id}/webhook/rotate", s.RotateWebhook)
				r.Delete("/{id}", s.TerminateSession)
			})

			r.Get("/conversations", s.ListConversations)
			r.Get("/conversations/{id}/messages", s.ListMessages)
			r.Post("/conversations/{id}/read", s.MarkRead)
			r.Post("/conversations/{id}/archive", s.Archive)

			r.Get("/contacts/{phone}", s.GetContact)
			r.Put("/contacts/{phone}", s.SaveContact)

			r.Get("/dead-letters", s.ListDeadLetters)
		})
	})
	return r
}

func (s *Server) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth == "" || !strings.HasPrefix(auth, "Bearer ") {
			utils.HttpError(w, http.StatusUnauthorized, "missing or invalid Authorization header")
			return
		}
		claims, err := s.Claims.Parse(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			utils.HttpError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(requests.WithClaims(r.Context(), claims)))
	})
}

// accessLog writes one line per request. Paths are logged by route
// pattern so webhook tokens never reach the logs.
func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
		} else if strings.HasPrefix(path, "/webhook/") {
			path = "/webhook/{token}"
		}
		s.log().Info("http",
			zap.String("method", r.Method),
			zap.String("path", path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("took", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	utils.JsonOK(w, map[string]string{"status": "ok"})
}

// tenant returns the caller's tenant, writing 401 when the request carries
// no claims.
func tenant(w http.ResponseWriter, r *http.Request) (string, bool) {
	claims := requests.GetClaims(r)
	if claims == nil {
		utils.HttpError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return claims.TenantID, true
}
