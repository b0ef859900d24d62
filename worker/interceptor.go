package worker

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Interceptor wraps request handling. Interceptors run in registration
// order around the action handler and may short-circuit by not calling next.
type Interceptor interface {
	// Intercept processes a request and calls the next handler in the chain
	Intercept(ctx context.Context, req *Request, next HandlerFunc) (any, error)

	// Name returns the interceptor name for logging and debugging
	Name() string
}

// InterceptorFunc is a function adapter for Interceptor
type InterceptorFunc struct {
	name string
	fn   func(ctx context.Context, req *Request, next HandlerFunc) (any, error)
}

// NewInterceptorFunc creates a new function-based interceptor
func NewInterceptorFunc(name string, fn func(ctx context.Context, req *Request, next HandlerFunc) (any, error)) *InterceptorFunc {
	return &InterceptorFunc{name: name, fn: fn}
}

// Intercept implements Interceptor
func (i *InterceptorFunc) Intercept(ctx context.Context, req *Request, next HandlerFunc) (any, error) {
	return i.fn(ctx, req, next)
}

// Name implements Interceptor
func (i *InterceptorFunc) Name() string {
	return i.name
}

// chain wraps final with interceptors, the first one outermost
func chain(interceptors []Interceptor, final HandlerFunc) HandlerFunc {
	handler := final
	for i := len(interceptors) - 1; i >= 0; i-- {
		interceptor := interceptors[i]
		next := handler
		handler = func(ctx context.Context, req *Request) (any, error) {
			return interceptor.Intercept(ctx, req, next)
		}
	}
	return handler
}

// LoggingInterceptor logs every request with its outcome
type LoggingInterceptor struct {
	logger *slog.Logger
}

// NewLoggingInterceptor creates a new logging interceptor
func NewLoggingInterceptor(logger *slog.Logger) *LoggingInterceptor {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingInterceptor{logger: logger}
}

// Intercept implements Interceptor
func (i *LoggingInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (any, error) {
	start := time.Now()

	result, err := next(ctx, req)
	duration := time.Since(start)

	if err != nil {
		i.logger.Warn("request failed",
			"domain", req.Domain,
			"action", req.Action,
			"correlationId", req.CorrelationID,
			"statusCode", statusOf(err),
			"duration", duration,
			"error", err,
		)
		return result, err
	}

	i.logger.Info("request handled",
		"domain", req.Domain,
		"action", req.Action,
		"correlationId", req.CorrelationID,
		"binary", req.IsBinary(),
		"duration", duration,
	)
	return result, nil
}

// Name implements Interceptor
func (i *LoggingInterceptor) Name() string {
	return "LoggingInterceptor"
}

// MetricsCollector receives one observation per handled request
type MetricsCollector interface {
	RequestHandled(domain, action string, statusCode int, elapsed time.Duration)
}

// MetricsInterceptor reports handled requests to a collector
type MetricsInterceptor struct {
	collector MetricsCollector
}

// NewMetricsInterceptor creates a new metrics interceptor
func NewMetricsInterceptor(collector MetricsCollector) *MetricsInterceptor {
	return &MetricsInterceptor{collector: collector}
}

// Intercept implements Interceptor
func (i *MetricsInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (any, error) {
	start := time.Now()
	result, err := next(ctx, req)

	code := http.StatusOK
	if err != nil {
		code = statusOf(err)
	}
	i.collector.RequestHandled(req.Domain, req.Action, code, time.Since(start))
	return result, err
}

// Name implements Interceptor
func (i *MetricsInterceptor) Name() string {
	return "MetricsInterceptor"
}

// RequestValidator checks a request before its handler runs
type RequestValidator interface {
	Validate(ctx context.Context, req *Request) error
}

// ValidatorFunc is a function adapter for RequestValidator
type ValidatorFunc func(ctx context.Context, req *Request) error

// Validate implements RequestValidator
func (f ValidatorFunc) Validate(ctx context.Context, req *Request) error {
	return f(ctx, req)
}

// ValidationInterceptor rejects requests the validator refuses with a 400
// reply, unless the validator already chose a status
type ValidationInterceptor struct {
	validator RequestValidator
}

// NewValidationInterceptor creates a new validation interceptor
func NewValidationInterceptor(validator RequestValidator) *ValidationInterceptor {
	return &ValidationInterceptor{validator: validator}
}

// Intercept implements Interceptor
func (i *ValidationInterceptor) Intercept(ctx context.Context, req *Request, next HandlerFunc) (any, error) {
	if err := i.validator.Validate(ctx, req); err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			return nil, err
		}
		return nil, BadRequest(err)
	}
	return next(ctx, req)
}

// Name implements Interceptor
func (i *ValidationInterceptor) Name() string {
	return "ValidationInterceptor"
}
