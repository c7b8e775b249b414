// Package api exposes the license lifecycle, delegate and metering endpoints
// over HTTP.
package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"licensegate/internal/auth"
	"licensegate/internal/config"
	"licensegate/internal/envelope"
	"licensegate/internal/logger"
	"licensegate/internal/metrics"
	"licensegate/internal/models"
	"licensegate/internal/resolver"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// secretHeader carries the shared secret on server-to-server calls. The same
// header doubles as a license key carrier on customer calls; the gateway
// disambiguates.
const secretHeader = "X-PPA-Key"

// Storage is the store surface the handlers need.
type Storage interface {
	resolver.LicenseSource
	resolver.ActivationSource
	KeyExists(ctx context.Context, key string) (bool, error)
	CreateLicense(ctx context.Context, lic *models.License, keySHA256 string) error
	CountActivations(ctx context.Context, licenseID int64) (int64, error)
	CreateActivation(ctx context.Context, act *models.Activation, maxSites int64, unlimited bool) error
	Touch(ctx context.Context, activationID int64, at time.Time) error
	DeleteActivation(ctx context.Context, activationID int64) error
	FindBySite(ctx context.Context, siteURLs []string) (*models.Activation, error)
}

// Limiter bounds request volume per scope.
type Limiter interface {
	Allow(ctx context.Context, scope, ip, licenseKey string) error
}

// Authorizer is the request-level authorization decision.
type Authorizer interface {
	Authorize(ctx context.Context, providedSecret, rawKey, rawSiteURL string) (*auth.Decision, error)
	CheckSecret(provided string) bool
}

// Recorder meters AI token usage.
type Recorder interface {
	Record(ctx context.Context, ev *models.UsageEvent)
}

// Delegate pushes content payloads downstream.
type Delegate interface {
	Push(ctx context.Context, target string, payload any) (*envelope.Outcome, error)
}

// Server wires the HTTP surface together.
type Server struct {
	app      *fiber.App
	cfg      *config.Config
	db       Storage
	resolver *resolver.Resolver
	matcher  *resolver.Matcher
	limiter  Limiter
	gateway  Authorizer
	meter    Recorder
	delegate Delegate
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New builds the server and registers all routes.
func New(cfg *config.Config, db Storage, limiter Limiter, gateway Authorizer, meter Recorder, delegate Delegate, m *metrics.Metrics) *Server {
	app := fiber.New(fiber.Config{
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
		DisableStartupMessage: true,
	})

	s := &Server{
		app:      app,
		cfg:      cfg,
		db:       db,
		resolver: resolver.New(db),
		matcher:  resolver.NewMatcher(db),
		limiter:  limiter,
		gateway:  gateway,
		meter:    meter,
		delegate: delegate,
		metrics:  m,
		log:      logger.With(zap.String("component", "api")),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.app.Use(recover.New())
	s.app.Use(cors.New())
	s.app.Use(s.observe)

	s.app.Get("/health", s.handleHealth)

	lic := s.app.Group("/license", s.requireSecret)
	lic.Post("/activate", s.handleActivate)
	lic.Post("/verify", s.handleVerify)
	lic.Post("/deactivate", s.handleDeactivate)
	lic.Post("/issue", s.handleIssue)

	s.app.Post("/store", s.handleStore)
	s.app.Post("/usage/report", s.handleUsageReport)
}

// observe records request counts and latency per route.
func (s *Server) observe(c *fiber.Ctx) error {
	start := time.Now()
	err := c.Next()

	endpoint := c.Route().Path
	s.metrics.RequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	s.metrics.RequestsTotal.WithLabelValues(endpoint, strconv.Itoa(c.Response().StatusCode())).Inc()
	return err
}

// requireSecret gates the server-to-server license lifecycle endpoints.
func (s *Server) requireSecret(c *fiber.Ctx) error {
	if !s.gateway.CheckSecret(c.Get(secretHeader)) {
		s.log.Info("lifecycle call rejected",
			zap.String("path", c.Path()),
			zap.Int("secret_len", len(c.Get(secretHeader))))
		return fail(c, errUnauthorized())
	}
	return c.Next()
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

// App exposes the fiber app for testing.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen starts serving on the configured address.
func (s *Server) Listen() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.HTTPPort)
	s.log.Info("listening", zap.String("addr", addr))
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
