package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(serverErrorLoggerMiddleware)
	r.Use(corsMiddleware(d.AllowedOrigins))
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(newIPRateLimiter(ratePerMinute(d), time.Minute).middleware)
	r.Use(middleware.Heartbeat("/healthz"))

	s := newServer(d)
	s.routes(r)
	return r
}

func newServer(d Deps) *server {
	backlog := d.ChatBacklogLimit
	if backlog < 1 {
		backlog = 50
	}
	keepAlive := d.SSEKeepAlive
	if keepAlive <= 0 {
		keepAlive = 25 * time.Second
	}
	buf := d.SSESubscriberBuffer
	if buf < 1 {
		buf = 64
	}
	return &server{
		store:        d.Store,
		br:           newBroker(buf),
		validate:     validator.New(),
		backlogLimit: backlog,
		keepAlive:    keepAlive,
	}
}

func (s *server) routes(r chi.Router) {
	r.Get("/messages", s.handleListMessages)
	r.Post("/messages", s.handleCreateMessage)
	r.Get("/messages/stream", s.handleMessagesStream)

	r.Handle("/metrics", promhttp.Handler())
}

func ratePerMinute(d Deps) int {
	if d.RateLimitPerMinute < 1 {
		return 120
	}
	return d.RateLimitPerMinute
}
