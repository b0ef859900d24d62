package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/glimte/mmate-rpc/bridge"
	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/health"
	"github.com/glimte/mmate-rpc/internal/metrics"
	"github.com/glimte/mmate-rpc/internal/reliability"
)

// StatusClientClosedRequest is reported when the caller went away mid-call
const StatusClientClosedRequest = 499

// Caller is the part of the bridge the HTTP handlers use
type Caller interface {
	Publish(ctx context.Context, env contracts.Envelope, tag contracts.RoutingTag, opts ...bridge.CallOption) (contracts.Replies, error)
	PublishBinary(ctx context.Context, data []byte, side contracts.Envelope, tag contracts.RoutingTag, opts ...bridge.CallOption) (contracts.Replies, error)
}

// Server exposes the bridge over HTTP
type Server struct {
	echo       *echo.Echo
	caller     Caller
	health     *health.Registry
	metrics    *metrics.Collector
	limiter    *DomainLimiter
	logger     *slog.Logger
	maxUpload  int64
	maxTimeout time.Duration
}

// ServerConfig holds configuration for the server
type ServerConfig struct {
	Logger         *slog.Logger
	Health         *health.Registry
	Metrics        *metrics.Collector
	Limiter        *DomainLimiter
	MaxUploadBytes int64
	MaxCallTimeout time.Duration
}

// ServerOption configures the server
type ServerOption func(*ServerConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ServerOption {
	return func(c *ServerConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithHealth serves registry on /healthz
func WithHealth(registry *health.Registry) ServerOption {
	return func(c *ServerConfig) {
		c.Health = registry
	}
}

// WithMetrics serves collector on /metrics and counts rate limited calls
func WithMetrics(collector *metrics.Collector) ServerOption {
	return func(c *ServerConfig) {
		c.Metrics = collector
	}
}

// WithRateLimit admits rps calls per second per target domain with the
// given burst. Refused calls get 429.
func WithRateLimit(rps float64, burst int) ServerOption {
	return func(c *ServerConfig) {
		c.Limiter = NewDomainLimiter(rps, burst, 0)
	}
}

// WithMaxUploadBytes caps the multipart body of an upload
func WithMaxUploadBytes(n int64) ServerOption {
	return func(c *ServerConfig) {
		if n > 0 {
			c.MaxUploadBytes = n
		}
	}
}

// WithMaxCallTimeout caps the ?timeout a caller may ask for
func WithMaxCallTimeout(d time.Duration) ServerOption {
	return func(c *ServerConfig) {
		if d > 0 {
			c.MaxCallTimeout = d
		}
	}
}

// NewServer creates the HTTP layer over caller
func NewServer(caller Caller, opts ...ServerOption) *Server {
	config := &ServerConfig{
		Logger:         slog.Default(),
		MaxUploadBytes: 32 << 20,
		MaxCallTimeout: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(config)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:       e,
		caller:     caller,
		health:     config.Health,
		metrics:    config.Metrics,
		limiter:    config.Limiter,
		logger:     config.Logger,
		maxUpload:  config.MaxUploadBytes,
		maxTimeout: config.MaxCallTimeout,
	}

	rpc := e.Group("/rpc", s.rateLimit)
	rpc.POST("/:domain/:action", s.handleCall)
	rpc.POST("/:domain/:action/upload", s.handleUpload)

	if s.health != nil {
		e.GET("/healthz", s.handleHealth)
	}
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}

	return s
}

// Handler returns the router, for tests and embedding
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start serves on addr until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Start(addr string) error {
	s.logger.Info("http gateway listening", "addr", addr)
	if err := s.echo.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// rateLimit refuses calls for a domain whose bucket is empty
func (s *Server) rateLimit(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		domain := c.Param("domain")
		if s.limiter.Allow(domain, time.Now()) {
			return next(c)
		}
		if s.metrics != nil {
			s.metrics.RateLimited(domain)
		}
		if wait := s.limiter.RetryAfter(); wait > 0 {
			secs := int(wait.Round(time.Second) / time.Second)
			if secs < 1 {
				secs = 1
			}
			c.Response().Header().Set("Retry-After", strconv.Itoa(secs))
		}
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded for domain "+domain)
	}
}

// callParams are the parts of a call taken from the URL
type callParams struct {
	domains []string
	action  string
	opts    []bridge.CallOption
}

func (s *Server) parseCall(c echo.Context) (*callParams, error) {
	domain := strings.TrimSpace(c.Param("domain"))
	action := strings.TrimSpace(c.Param("action"))
	if domain == "" || action == "" {
		return nil, echo.NewHTTPError(http.StatusBadRequest, "domain and action are required")
	}

	domains := []string{domain}
	seen := map[string]bool{domain: true}
	if raw := c.QueryParam("flags"); raw != "" {
		for _, flag := range strings.Split(raw, ",") {
			flag = strings.TrimSpace(flag)
			if flag != "" && !seen[flag] {
				seen[flag] = true
				domains = append(domains, flag)
			}
		}
	}

	expect := len(domains)
	if raw := c.QueryParam("expect"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "expect must be a positive integer")
		}
		expect = n
	}
	opts := []bridge.CallOption{bridge.WithExpectedReplies(expect)}

	if raw := c.QueryParam("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			return nil, echo.NewHTTPError(http.StatusBadRequest, "timeout must be a positive duration")
		}
		if d > s.maxTimeout {
			d = s.maxTimeout
		}
		opts = append(opts, bridge.WithTimeout(d))
	}

	return &callParams{domains: domains, action: action, opts: opts}, nil
}

func (p *callParams) envelope(body any) contracts.Envelope {
	env := make(contracts.Envelope, len(p.domains))
	for _, domain := range p.domains {
		env[domain] = contracts.Request{Action: p.action, Body: body}
	}
	return env
}

func (s *Server) handleCall(c echo.Context) error {
	params, err := s.parseCall(c)
	if err != nil {
		return err
	}

	body, err := readJSONBody(c.Request().Body)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	env := params.envelope(body)
	replies, err := s.caller.Publish(c.Request().Context(), env, contracts.NewRoutingTag(params.domains...), params.opts...)
	return s.respond(c, params, replies, err)
}

func (s *Server) handleUpload(c echo.Context) error {
	params, err := s.parseCall(c)
	if err != nil {
		return err
	}

	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.maxUpload)

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return echo.NewHTTPError(http.StatusRequestEntityTooLarge, "upload exceeds size limit")
		}
		return echo.NewHTTPError(http.StatusBadRequest, "multipart field \"file\" is required")
	}
	f, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to open upload")
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "failed to read upload")
	}

	side := map[string]any{
		"filename":     fh.Filename,
		"size":         fh.Size,
		"content_type": fh.Header.Get(echo.HeaderContentType),
	}
	if raw := c.FormValue("body"); raw != "" {
		var extra any
		if err := json.Unmarshal([]byte(raw), &extra); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "form field \"body\" must be JSON")
		}
		side["body"] = extra
	}

	replies, err := s.caller.PublishBinary(req.Context(), data, params.envelope(side), contracts.NewRoutingTag(params.domains...), params.opts...)
	return s.respond(c, params, replies, err)
}

// respond writes a single-domain reply as its own status and message, and
// a fanned-out reply as the full domain mapping
func (s *Server) respond(c echo.Context, params *callParams, replies contracts.Replies, err error) error {
	if err != nil {
		return s.callError(c, err)
	}

	if len(params.domains) == 1 {
		if payload, ok := replies[params.domains[0]]; ok && len(replies) == 1 {
			if payload.IsSuccess() {
				return c.JSON(payload.Status(), map[string]any{"message": payload.Message})
			}
			return c.JSON(payload.Status(), map[string]any{"error": payload.Error})
		}
	}
	return c.JSON(http.StatusOK, replies)
}

// callError maps bridge errors to gateway status codes
func (s *Server) callError(c echo.Context, err error) error {
	var timeoutErr *bridge.TimeoutError
	if errors.As(err, &timeoutErr) {
		return c.JSON(http.StatusGatewayTimeout, map[string]any{
			"error":    "timed out waiting for replies",
			"expected": timeoutErr.Expected,
			"received": timeoutErr.Received,
			"replies":  timeoutErr.Replies,
		})
	}

	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Warn("call failed", "path", c.Path(), "status", status, "error", err)
	}
	message := http.StatusText(status)
	if message == "" {
		message = "client closed request"
	}
	return echo.NewHTTPError(status, message).SetInternal(err)
}

// StatusFor returns the HTTP status for a call error
func StatusFor(err error) int {
	var transportErr *bridge.TransportError
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, bridge.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, bridge.ErrCancelled),
		errors.Is(err, bridge.ErrTooManyPending),
		errors.Is(err, bridge.ErrNotConnected),
		errors.Is(err, reliability.ErrCircuitOpen),
		errors.Is(err, reliability.ErrCircuitHalfOpenLimit):
		return http.StatusServiceUnavailable
	case errors.As(err, &transportErr):
		return http.StatusBadGateway
	case errors.Is(err, contracts.ErrEmptyEnvelope),
		errors.Is(err, contracts.ErrMissingAction),
		errors.Is(err, contracts.ErrEmptyRoutingTag):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return StatusClientClosedRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	h := s.health.CheckAll(ctx)
	return c.JSON(h.Status.HTTPStatus(), h)
}

// readJSONBody decodes an optional JSON document. An empty body is nil.
func readJSONBody(r io.Reader) (any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}
	var body any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("body must be JSON: %w", err)
	}
	return body, nil
}
