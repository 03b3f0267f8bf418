// Package devserver serves built bundles and their tracking files during development.
//
// Bundles are served under /static/ with the layout a collectstatic run would
// produce: <app>/static/dist/<app>/basic.js is served at /static/dist/<app>/basic.js.
package devserver

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/mass-aquaponics/assetpipe/internal/bundleconfig"
	"github.com/mass-aquaponics/assetpipe/internal/observability"
	"github.com/mass-aquaponics/assetpipe/internal/stats"
)

// shutdownTimeout bounds the graceful shutdown of the server
const shutdownTimeout = 5 * time.Second

// Options configures a Server
type Options struct {
	// Metrics, when set, are exposed at /metrics
	Metrics *observability.Metrics

	// AllowOrigins is the CORS origin list; the page is usually served by another port
	AllowOrigins string

	// Tracing wraps requests in server spans
	Tracing bool

	Debug bool
}

// Server is the development server of one project
type Server struct {
	app  *fiber.App
	hub  *Hub
	opts Options

	mu      sync.RWMutex
	configs map[string]*bundleconfig.Config
}

// New creates a server for the given bundle configurations. Each configuration
// must already be resolved against the project root.
func New(configs []*bundleconfig.Config, opts Options) *Server {
	if opts.AllowOrigins == "" {
		opts.AllowOrigins = "*"
	}

	s := &Server{
		hub:     NewHub(),
		opts:    opts,
		configs: make(map[string]*bundleconfig.Config, len(configs)),
	}
	for _, c := range configs {
		s.configs[c.App] = c
	}

	s.app = fiber.New(fiber.Config{
		AppName:               "assetpipe dev server",
		DisableStartupMessage: true,
		ErrorHandler:          errorHandler,
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Use(recover.New(recover.Config{EnableStackTrace: s.opts.Debug}))
	s.app.Use(requestid.New())
	if s.opts.Tracing {
		s.app.Use(requestTracer("/healthz", "/metrics"))
	}
	s.app.Use(requestLogger("/healthz", "/metrics"))
	s.app.Use(cors.New(cors.Config{AllowOrigins: s.opts.AllowOrigins}))

	s.app.Get("/healthz", s.handleHealth)
	s.app.Get("/__stats/:app", s.handleStats)
	s.app.Get("/__reload", s.hub.handleUpgrade)
	if s.opts.Metrics != nil {
		s.app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(s.opts.Metrics.Registry(), promhttp.HandlerOpts{})))
	}
	s.app.Get("/static/dist/:app/*", bundleETag(), s.handleStatic)
}

// App returns the underlying fiber app
func (s *Server) App() *fiber.App {
	return s.app
}

// Hub returns the hub notifying reload clients
func (s *Server) Hub() *Hub {
	return s.hub
}

// SetConfigs replaces the served configurations, e.g. after the plan changed
func (s *Server) SetConfigs(configs []*bundleconfig.Config) {
	m := make(map[string]*bundleconfig.Config, len(configs))
	for _, c := range configs {
		m[c.App] = c
	}

	s.mu.Lock()
	s.configs = m
	s.mu.Unlock()
}

// NotifyBuild tells reload clients that app finished building
func (s *Server) NotifyBuild(app string, err error) {
	e := Event{Type: EventRebuild, App: app, Status: string(stats.StatusDone)}
	if err != nil {
		e.Status = string(stats.StatusError)
		e.Error = err.Error()
	}
	s.hub.Broadcast(e)
}

// Listen serves on address until ctx is done
func (s *Server) Listen(ctx context.Context, address string) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.app.Listen(address)
	}()
	log.Info().Str("address", address).Msg("Dev server listening")

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		if err := s.app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return err
		}
		return <-errCh
	}
}

func (s *Server) config(app string) (*bundleconfig.Config, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.configs[app]
	return c, ok
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	s.mu.RLock()
	apps := make([]string, 0, len(s.configs))
	for name := range s.configs {
		apps = append(apps, name)
	}
	s.mu.RUnlock()
	sort.Strings(apps)

	return c.JSON(fiber.Map{
		"status":         "ok",
		"apps":           apps,
		"reload_clients": s.hub.Count(),
	})
}

// handleStats returns the tracking file of an application
func (s *Server) handleStats(c *fiber.Ctx) error {
	bc, ok := s.config(c.Params("app"))
	if !ok {
		return fiber.NewError(fiber.StatusNotFound, "unknown application")
	}

	p := bc.StatsPath()
	if p == "" {
		return fiber.NewError(fiber.StatusNotFound, "application has no tracking file")
	}

	f, err := stats.Load(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fiber.NewError(fiber.StatusServiceUnavailable, "application has not been built yet")
		}
		return err
	}
	return c.JSON(f)
}

// handleStatic serves a file from the output directory of an application
func (s *Server) handleStatic(c *fiber.Ctx) error {
	bc, ok := s.config(c.Params("app"))
	if !ok {
		return fiber.ErrNotFound
	}

	rel := path.Clean("/" + c.Params("*"))
	if rel == "/" {
		return fiber.ErrNotFound
	}

	file := filepath.Join(bc.OutputDir(), filepath.FromSlash(rel))
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		return fiber.ErrNotFound
	}

	// read on every request; rebuilt bundles must never be served stale
	data, err := os.ReadFile(file) //nolint:gosec // rel is cleaned above
	if err != nil {
		return err
	}
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Type(filepath.Ext(file))
	return c.Send(data)
}

func errorHandler(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var e *fiber.Error
	if errors.As(err, &e) {
		code = e.Code
		message = e.Message
	}

	if code >= 500 && code != fiber.StatusServiceUnavailable {
		log.Error().Err(err).Str("path", c.Path()).Msg("Server error")
	}

	return c.Status(code).JSON(fiber.Map{
		"error": message,
		"code":  code,
	})
}
