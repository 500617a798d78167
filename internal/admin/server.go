package admin

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danmuck/slowbreak/internal/auth"
	"github.com/danmuck/slowbreak/internal/observability"
	"github.com/danmuck/slowbreak/internal/protocol/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrActionNotFound  = errors.New("action not found")
	ErrInvalidRequest  = errors.New("invalid request")
)

const version = "0.0.1"

// Admin is the HTTP control surface over a Registry.
type Admin struct {
	ID       string
	Addr     string
	Appeared time.Time
	Registry *Registry

	router *gin.Engine
	// validator guards mutating routes; nil leaves them open.
	validator auth.Validator
}

// ActionRequest is the optional JSON body of a session action.
type ActionRequest struct {
	Interval string `json:"interval"`
	From     uint64 `json:"from"`
}

type sessionAction func(s *session.Session, req ActionRequest) error

var actions = map[string]sessionAction{
	"stop": func(s *session.Session, _ ActionRequest) error {
		s.StopRequest()
		return nil
	},
	"heartbeat": func(s *session.Session, req ActionRequest) error {
		d, err := time.ParseDuration(strings.TrimSpace(req.Interval))
		if err != nil || d < time.Second {
			return ErrInvalidRequest
		}
		s.SetHeartbeat(d)
		return nil
	},
	"gap-fill": func(s *session.Session, req ActionRequest) error {
		if req.From == 0 {
			return ErrInvalidRequest
		}
		s.GapFill(req.From)
		return nil
	},
}

func New(id, addr string, corsOrigins []string, registry *Registry) *Admin {
	observability.RegisterMetrics()
	if registry == nil {
		registry = NewRegistry()
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.ComponentLogger("admin")))
	r.Use(observability.RequestMetricsMiddleware(id))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(corsOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	a := &Admin{
		ID:       id,
		Addr:     addr,
		Appeared: time.Now(),
		Registry: registry,
		router:   r,
	}
	a.RegisterRoutes()
	return a
}

func (a *Admin) HTTPRouter() *gin.Engine {
	return a.router
}

// RequireToken makes session actions require "Authorization: Bearer token".
func (a *Admin) RequireToken(token string) {
	if token == "" {
		a.validator = nil
		return
	}
	a.validator = auth.StaticToken{Token: token}
}

func (a *Admin) authorize(c *gin.Context) {
	if a.validator == nil {
		c.Next()
		return
	}
	if err := a.validator.Validate(auth.BearerToken(c.GetHeader("Authorization"))); err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	c.Next()
}

func (a *Admin) RegisterRoutes() {
	a.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":   "ok",
			"uptime":   time.Since(a.Appeared).String(),
			"service":  a.ID,
			"version":  version,
			"sessions": len(a.Registry.All()),
		})
	})

	a.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	a.router.GET("/sessions", func(c *gin.Context) {
		all := a.Registry.All()
		out := make([]session.Status, 0, len(all))
		for _, s := range all {
			out = append(out, s.Status())
		}
		c.JSON(http.StatusOK, gin.H{"sessions": out})
	})

	a.router.GET("/sessions/:name", func(c *gin.Context) {
		s, ok := a.Registry.Get(c.Param("name"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": ErrSessionNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, s.Status())
	})

	a.router.POST("/sessions/:name/:action", a.authorize, func(c *gin.Context) {
		var req ActionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
		st, err := a.ExecuteAction(c.Param("name"), c.Param("action"), req)
		if err != nil {
			status := http.StatusInternalServerError
			switch {
			case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrActionNotFound):
				status = http.StatusNotFound
			case errors.Is(err, ErrInvalidRequest):
				status = http.StatusBadRequest
			}
			c.JSON(status, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "accepted", "session": st})
	})
}

// ExecuteAction enqueues action on the named session and returns its
// status as of the request.
func (a *Admin) ExecuteAction(name, action string, req ActionRequest) (session.Status, error) {
	s, ok := a.Registry.Get(name)
	if !ok {
		return session.Status{}, ErrSessionNotFound
	}
	fn, ok := actions[action]
	if !ok {
		return session.Status{}, ErrActionNotFound
	}
	if err := fn(s, req); err != nil {
		log.Warn().
			Str("admin", a.ID).
			Str("session", name).
			Str("action", action).
			Err(err).
			Msg("session action refused")
		return session.Status{}, err
	}
	log.Info().
		Str("admin", a.ID).
		Str("session", name).
		Str("action", action).
		Msg("session action enqueued")
	return s.Status(), nil
}

// Serve listens on Addr until ctx is done.
func (a *Admin) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.Addr,
		Handler:           a.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	log.Info().Str("admin", a.ID).Str("addr", a.Addr).Msg("admin listening")

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		<-errCh
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
