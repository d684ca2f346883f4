package http

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"cofre/internal/auth"
	"cofre/internal/cache"
	"cofre/internal/core"
	applog "cofre/internal/log"
	"cofre/internal/middleware/ratelimit"
	"cofre/internal/middleware/security"
	"cofre/internal/middleware/trace"
	"cofre/internal/services"
)

const (
	summaryCacheSize   = 500
	summaryCacheTTL    = 5 * time.Minute
	cacheCleanupPeriod = time.Minute
)

// Options configures NewServer. Vaults and Auth are required.
type Options struct {
	Addr               string
	Vaults             *services.VaultService
	Exports            *services.ExportService
	Auth               *auth.Authenticator
	Logger             *applog.Logger
	Currency           string
	RateLimitPerMinute int
	// TrustedProxies are CIDRs whose forwarding headers are honoured.
	TrustedProxies []string
}

type appMetrics struct {
	movementsRecorded int64
	cacheHits         int64
	cacheMisses       int64
	startedAt         time.Time
}

// Server wraps http.Server with the vault API routes and their middleware.
type Server struct {
	http.Server

	vaults   *services.VaultService
	exports  *services.ExportService
	auth     *auth.Authenticator
	logger   *applog.Logger
	currency string

	limiter   *ratelimit.Limiter
	detector  *security.Detector
	tracer    *trace.Middleware
	summaries *cache.LRUCache[core.VaultSummary]
	caches    *cache.Manager

	// generations counts summary invalidations per owner/vault key.
	genMu       sync.Mutex
	generations map[string]uint64

	metrics appMetrics
	now     func() time.Time

	shutdownOnce sync.Once
}

// NewServer configures routes and middleware, returning a ready-to-run server.
// Call Shutdown to stop the background cleanup goroutines.
func NewServer(opts Options) (*Server, error) {
	if opts.Vaults == nil {
		return nil, errors.New("http server: vault service is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("http server: authenticator is required")
	}
	if opts.Logger == nil {
		opts.Logger = applog.New(applog.DefaultConfig())
	}
	if opts.Currency == "" {
		opts.Currency = core.DefaultCurrency
	}

	s := &Server{
		vaults:   opts.Vaults,
		exports:  opts.Exports,
		auth:     opts.Auth,
		logger:   opts.Logger.WithComponent(applog.ComponentHTTP),
		currency: opts.Currency,
		limiter: ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: opts.RateLimitPerMinute,
		}),
		detector:  security.NewDetector(),
		summaries: cache.NewLRUCache[core.VaultSummary](summaryCacheSize, summaryCacheTTL),
		caches:    cache.NewManager(),
		now:       time.Now,

		generations: make(map[string]uint64),
	}
	s.metrics.startedAt = s.now()

	for _, cidr := range opts.TrustedProxies {
		if err := s.detector.AddTrustedProxy(cidr); err != nil {
			s.limiter.Stop()
			return nil, err
		}
	}
	s.tracer = trace.NewMiddleware(s.detector.ExtractClientIP, opts.Logger)

	s.caches.Register(s.summaries)
	s.caches.StartCleanup(cacheCleanupPeriod)
	s.vaults.OnChange(s.invalidateVault)

	s.Server = http.Server{
		Addr:              opts.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.tracer.Middleware)
	r.Use(security.NewHeadersMiddleware(security.DefaultHeadersConfig()).Middleware)
	r.Use(s.detector.Middleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		NotFoundError("route not found").Write(w)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		ErrorResponse(http.StatusMethodNotAllowed, CodeBadRequest, "method not allowed").Write(w)
	})

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", s.handleMetrics)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth.Middleware(func(w http.ResponseWriter, _ *http.Request, err error) {
			FromError(err).Write(w)
		}))
		r.Use(s.limiter.Middleware(s.rateLimitKey, func(w http.ResponseWriter, _ *http.Request) {
			TooManyRequestsError().Write(w)
		}))

		r.Get("/vaults", s.handleListVaults)
		r.Post("/vaults", s.handleCreateVault)
		r.Post("/vaults/default", s.handleEnsureDefaultVault)
		r.Get("/vaults/export.csv", s.handleExportVaults)

		r.Route("/vaults/{vaultID}", func(r chi.Router) {
			r.Get("/", s.handleGetVault)
			r.Patch("/", s.handleUpdateVault)
			r.Delete("/", s.handleDeleteVault)
			r.Get("/movements", s.handleHistory)
			r.Post("/movements", s.handleRecord)
			r.Get("/movements.csv", s.handleExportMovements)
			r.Get("/summary", s.handleSummary)
			r.Post("/recompute", s.handleRecompute)
			r.Get("/audit", s.handleAudit)
		})

		r.Patch("/movements/{movementID}", s.handleAmend)
		r.Delete("/movements/{movementID}", s.handleRemove)
	})
	return r
}

// rateLimitKey buckets authenticated requests per user, others per client IP.
func (s *Server) rateLimitKey(r *http.Request) string {
	if userID, ok := auth.UserIDFromContext(r.Context()); ok {
		return "user:" + userID
	}
	return "ip:" + s.detector.ExtractClientIP(r)
}

// invalidateVault drops every cached summary of the vault and bumps its
// generation so summaries still being computed are not stored.
func (s *Server) invalidateVault(ctx context.Context, ownerID, vaultID string) {
	vaultKey := cache.Key(ownerID, vaultID)
	s.genMu.Lock()
	s.generations[vaultKey]++
	n := s.summaries.DeletePrefix(vaultKey + ":")
	s.genMu.Unlock()
	if n > 0 {
		s.logger.DebugContext(ctx, "Summary cache invalidated",
			applog.FieldVaultID, vaultID,
			"entries", n)
	}
}

func (s *Server) summaryGeneration(vaultKey string) uint64 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	return s.generations[vaultKey]
}

// storeSummary caches summary under key unless the vault was invalidated
// after gen was read.
func (s *Server) storeSummary(vaultKey, key string, gen uint64, summary core.VaultSummary) bool {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	if s.generations[vaultKey] != gen {
		return false
	}
	s.summaries.Set(key, summary)
	return true
}

// Shutdown stops background goroutines and gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	var shutdownErr error
	s.shutdownOnce.Do(func() {
		s.logger.InfoContext(ctx, "Shutting down HTTP server", applog.FieldOperation, applog.OpShutdown)
		s.limiter.Stop()
		s.caches.Stop()
		shutdownErr = s.Server.Shutdown(ctx)
	})
	return shutdownErr
}
