package chatnet

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/tripchat/realtime/internal/observability"
)

type RouterConfig struct {
	Secret            string
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

func NewRouter(s *Server, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(observability.MetricsMiddleware(serviceName))
	r.Use(middleware.Recoverer)
	if cfg.RateLimitRequests > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Minute
		}
		r.Use(httprate.LimitByIP(cfg.RateLimitRequests, window))
	}

	r.Get("/health/live", observability.HealthLiveHandler)
	r.Get("/health/ready", observability.HealthReadyHandler(nil))

	r.Group(func(p chi.Router) {
		p.Use(JWT(cfg.Secret))

		p.Post("/v1/users/connect", s.ConnectUser)

		p.Route("/v1/conversations/{id}", func(c chi.Router) {
			c.Post("/messages", s.SendMessage)
			c.Get("/messages", s.History)
			c.Patch("/messages/{mid}", s.EditMessage)
			c.Delete("/messages/{mid}", s.DeleteMessage)
			c.Get("/unread", s.Unread)
			c.Post("/read", s.MarkRead)
		})

		p.Get("/ws", s.Subscribe)
	})

	return r
}
