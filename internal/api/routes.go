// routes.go - Route registration helpers
// This file provides a clean way to register all API routes
package api

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/docpipe/backend/internal/kv"
	"github.com/docpipe/backend/internal/metrics"
)

// Dependencies holds all handler dependencies
type Dependencies struct {
	Files   FileService
	Configs ConfigurationService
	Jobs    AnalysisService
	// Objects is nil unless objects are stored on local disk
	Objects ObjectServer
	Hub     *Hub
	// Store, when set, is probed by the health check
	Store   kv.Store
	Version string
}

// Handlers holds all handler instances
type Handlers struct {
	Health        HealthHandler
	Files         FileHandler
	Configuration ConfigurationHandler
	Analysis      AnalysisHandler
	Objects       ObjectHandler
	WebSocket     *Hub
}

// NewHandlers creates all handler instances
func NewHandlers(deps *Dependencies) *Handlers {
	h := &Handlers{
		Health:        NewHealthHandler(deps.Version, deps.Store),
		Files:         NewFileHandler(deps.Files),
		Configuration: NewConfigurationHandler(deps.Configs),
		Analysis:      NewAnalysisHandler(deps.Jobs),
		WebSocket:     deps.Hub,
	}
	if deps.Objects != nil {
		h.Objects = NewObjectHandler(deps.Objects)
	}
	return h
}

// RegisterRoutes registers all API routes under basePath. auth, when not
// nil, guards every route except health and signed object downloads.
func RegisterRoutes(e *echo.Echo, handlers *Handlers, basePath string, auth echo.MiddlewareFunc) {
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	public := e.Group(basePath)
	public.GET("/health", handlers.Health.HandleHealth)
	if handlers.Objects != nil {
		// the token query parameter is the credential
		public.GET("/objects/:bucket/*", handlers.Objects.HandleGetObject)
	}

	apiGroup := e.Group(basePath)
	if auth != nil {
		apiGroup.Use(auth)
	}

	// File routes
	apiGroup.POST("/upload", handlers.Files.HandleUploadFile)
	apiGroup.GET("/files", handlers.Files.HandleListFiles)
	apiGroup.GET("/files/:fileId", handlers.Files.HandleGetFile)
	apiGroup.DELETE("/files/:fileId", handlers.Files.HandleDeleteFile)
	apiGroup.POST("/files/:fileId/reprocess", handlers.Files.HandleReprocessFile)

	// Configuration routes
	apiGroup.POST("/configuration", handlers.Configuration.HandleSaveConfiguration)
	apiGroup.GET("/configurations", handlers.Configuration.HandleListConfigurations)

	// Analysis routes
	apiGroup.POST("/analyze", handlers.Analysis.HandleStartAnalysis)
	apiGroup.GET("/analysis/:jobId", handlers.Analysis.HandleAnalysisStatus)

	// WebSocket endpoint
	if handlers.WebSocket != nil {
		apiGroup.GET("/ws/jobs", handlers.WebSocket.HandleWebSocket)
	}
}

// NewAuthMiddleware requires "Authorization: Bearer <token>". Browsers
// cannot set headers on WebSocket requests, so an access_token query
// parameter is accepted as well.
func NewAuthMiddleware(token string) echo.MiddlewareFunc {
	return middleware.KeyAuthWithConfig(middleware.KeyAuthConfig{
		KeyLookup:  "header:" + echo.HeaderAuthorization + ",query:access_token",
		AuthScheme: "Bearer",
		Validator: func(key string, c echo.Context) (bool, error) {
			return subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1, nil
		},
		ErrorHandler: func(err error, c echo.Context) error {
			return NewUnauthorizedError(nil)
		},
	})
}

// MiddlewareConfig holds the settings SetupMiddleware needs
type MiddlewareConfig struct {
	Logger         *slog.Logger
	ExposeDetails  bool
	RequestLogging bool
	RequestTimeout time.Duration
	BodyLimit      string
	EnableCORS     bool
	AllowOrigins   []string
}

// SetupMiddleware configures common middleware
func SetupMiddleware(e *echo.Echo, cfg MiddlewareConfig) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	// Use custom error handler
	e.HTTPErrorHandler = NewErrorHandler(logger, cfg.ExposeDetails)

	e.Use(middleware.RecoverWithConfig(middleware.RecoverConfig{
		StackSize: 4 << 10,
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			logger.Error("panic recovered", "path", c.Request().URL.Path, "error", err, "stack", string(stack))
			return err
		},
	}))

	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		Skipper: func(c echo.Context) bool {
			return !cfg.RequestLogging || quietPath(c.Request().URL.Path)
		},
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{
				"method", v.Method,
				"uri", v.URI,
				"status", v.Status,
				"latency", v.Latency,
				"requestId", v.RequestID,
			}
			if v.Error != nil {
				logger.Warn("request", append(attrs, "error", v.Error)...)
				return nil
			}
			logger.Info("request", attrs...)
			return nil
		},
	}))

	if cfg.RequestTimeout > 0 {
		e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
			Timeout: cfg.RequestTimeout,
			Skipper: func(c echo.Context) bool {
				path := c.Request().URL.Path
				return strings.HasSuffix(path, "/upload") ||
					strings.Contains(path, "/ws/") ||
					strings.Contains(path, "/objects/")
			},
			ErrorMessage: "Request timeout",
		}))
	}

	// Compression middleware
	e.Use(middleware.GzipWithConfig(middleware.GzipConfig{
		Skipper: func(c echo.Context) bool {
			// range responses from /objects/ must reach the client unencoded
			path := c.Request().URL.Path
			return strings.Contains(path, "/ws/") || strings.Contains(path, "/objects/")
		},
	}))

	// Body limit middleware
	if cfg.BodyLimit != "" {
		e.Use(middleware.BodyLimit(cfg.BodyLimit))
	}

	// CORS configuration
	if cfg.EnableCORS {
		origins := cfg.AllowOrigins
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: origins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization},
		}))
	}
}

// SplitOrigins parses a comma separated origin list
func SplitOrigins(list string) []string {
	var origins []string
	for _, o := range strings.Split(list, ",") {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	return origins
}

// health checks, metric scrapes and job polls would drown the log
func quietPath(path string) bool {
	return strings.HasSuffix(path, "/health") ||
		path == "/metrics" ||
		strings.Contains(path, "/analysis/")
}
