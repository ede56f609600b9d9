package breadbot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	apiPrefix        = "/api"
	apiHealthCheck   = "/healthz"
	apiPathNames     = "/names"
	apiPathName      = "/names/:id"
	apiPathRuns      = "/runs"
	xRequestIDHeader = "X-Request-ID"

	authorizationBearerPrefix = "Bearer "
	apiShutdownTimeout        = 10 * time.Second
)

// API is the admin HTTP API. It exposes stored names and rename runs,
// and allows forgetting a member's stored name so the next /rename
// generates a new one.
type API struct {
	config     *APIConfig
	httpServer *http.Server
	listener   net.Listener
	engine     *gin.Engine
	logger     *slog.Logger
	handlers   *APIHandlers
	mu         sync.Mutex
}

// newAPI builds the gin engine, middleware and routes. If an SSL cert
// and key are configured, they're loaded here.
func newAPI(b *BreadBot, config *APIConfig) (*API, error) {
	logger := slog.New(newTintHandler(config.LogLevel)).With(loggerNameKey, "api")

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	api := &API{
		config:   config,
		engine:   r,
		logger:   logger,
		handlers: &APIHandlers{b: b, logger: logger},
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" || config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(logger),
	)
	if len(config.CORS.AllowOrigins) > 0 {
		r.Use(cors.New(config.CORS.GINConfig()))
	}

	h := api.handlers
	r.GET(apiHealthCheck, h.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(config.Secret, logger))
	protected.GET(apiPathNames, h.listNames)
	protected.GET(apiPathName, h.getName)
	protected.DELETE(apiPathName, h.deleteName)
	protected.GET(apiPathRuns, h.listRuns)

	return api, nil
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts the server down.
func (a *API) Serve(ctx context.Context) error {
	a.mu.Lock()
	if a.listener == nil {
		network := a.config.ListenNetwork
		if network == "" {
			network = defaultListenNetwork
		}
		listenCfg := &net.ListenConfig{}
		ln, err := listenCfg.Listen(ctx, network, a.config.Listen)
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
		if a.httpServer.TLSConfig != nil {
			ln = tls.NewListener(ln, a.httpServer.TLSConfig)
		}
		a.listener = ln
	}
	ln := a.listener
	a.mu.Unlock()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(
			context.WithoutCancel(ctx),
			apiShutdownTimeout,
		)
		defer cancel()
		if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error shutting down api", tint.Err(err))
		}
	}()

	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())
	return a.httpServer.Serve(ln)
}

// APIHandlers implements the API's routes
type APIHandlers struct {
	b      *BreadBot
	logger *slog.Logger
}

// Pagination represents the pagination parameters for API requests.
type Pagination struct {
	Limit  int `form:"limit" binding:"omitempty,min=1,max=1000"`
	Offset int `form:"offset" binding:"omitempty,min=0"`
}

type healthCheckResponse struct {
	Status
}

// httpError represents an error message returned to the client
type httpError struct {
	Error string `json:"error"`
}

// httpReply represents a standard HTTP response message.
type httpReply struct {
	Message string `json:"message"`
}

func (h *APIHandlers) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, healthCheckResponse{Status: h.b.Status()})
}

// listNames returns stored names, ordered by member ID
func (h *APIHandlers) listNames(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}

	records, err := h.b.writeDB.List(
		c.Request.Context(),
		pagination.Limit,
		pagination.Offset,
	)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error listing names",
			tint.Err(err),
		)
		ginReplyError(c, "error listing names")
		return
	}
	c.JSON(http.StatusOK, records)
}

func (h *APIHandlers) getName(c *gin.Context) {
	memberID, ok := memberIDParam(c)
	if !ok {
		return
	}
	record, err := h.b.writeDB.Get(c.Request.Context(), memberID)
	switch {
	case errors.Is(err, ErrNameNotFound):
		c.JSON(http.StatusNotFound, httpError{Error: "not found"})
	case err != nil:
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error getting name",
			tint.Err(err),
		)
		ginReplyError(c, "error getting name")
	default:
		c.JSON(http.StatusOK, record)
	}
}

// deleteName forgets a member's stored name. The next /rename will
// generate a new one.
func (h *APIHandlers) deleteName(c *gin.Context) {
	memberID, ok := memberIDParam(c)
	if !ok {
		return
	}
	deleted, err := h.b.writeDB.Delete(c.Request.Context(), memberID)
	switch {
	case err != nil:
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error deleting name",
			tint.Err(err),
		)
		ginReplyError(c, "error deleting name")
	case !deleted:
		c.JSON(http.StatusNotFound, httpError{Error: "not found"})
	default:
		ginReplyMessage(c, "deleted")
	}
}

func (h *APIHandlers) listRuns(c *gin.Context) {
	var pagination Pagination
	if err := c.ShouldBindQuery(&pagination); err != nil {
		c.JSON(http.StatusBadRequest, httpError{Error: "invalid pagination"})
		return
	}
	runs, err := recentRenameRuns(c.Request.Context(), h.b.writeDB, pagination.Limit)
	if err != nil {
		ginContextLogger(c).ErrorContext(
			c.Request.Context(),
			"error listing rename runs",
			tint.Err(err),
		)
		ginReplyError(c, "error listing rename runs")
		return
	}
	c.JSON(http.StatusOK, runs)
}

func memberIDParam(c *gin.Context) (uint64, bool) {
	memberID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || memberID == 0 {
		c.AbortWithStatusJSON(
			http.StatusBadRequest,
			httpError{Error: "invalid member id"},
		)
		return 0, false
	}
	return memberID, true
}

// authMiddleware requires an `Authorization: Bearer <secret>` header
func authMiddleware(secret string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, found := strings.CutPrefix(
			c.GetHeader("Authorization"),
			authorizationBearerPrefix,
		)
		if !found || secret == "" ||
			subtle.ConstantTimeCompare([]byte(token), []byte(secret)) != 1 {
			logger.Warn("unauthorized request", "path", c.Request.URL.Path)
			c.AbortWithStatusJSON(
				http.StatusUnauthorized,
				httpError{Error: "unauthorized"},
			)
			return
		}
		c.Next()
	}
}

// requestIDMiddleware assigns a unique request ID to each incoming
// request, and returns it in the X-Request-ID response header.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates a logger with request details included,
// and sets the logger in the context so the next call to ginContextLogger
// will return the new logger.
func ginContextLogger(c *gin.Context) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	return setGinContextLogger(c, slog.Default())
}

func setGinContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request, with its duration and
// response status.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := setGinContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if errs := c.Errors.ByType(gin.ErrorTypePrivate); len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs.Errors(),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// ginReplyMessage sends a JSON response with a message,
// with HTTP status code 200
func ginReplyMessage(c *gin.Context, message string) {
	c.JSON(http.StatusOK, httpReply{Message: message})
}

// ginReplyError sends a JSON response with a message,
// with HTTP status code 500
func ginReplyError(c *gin.Context, err string) {
	c.AbortWithStatusJSON(http.StatusInternalServerError, httpError{Error: err})
}
