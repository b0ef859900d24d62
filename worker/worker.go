package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
)

const replyTimeout = 10 * time.Second

// Worker answers calls for one domain. Handlers are registered per action
// before Start; every request is answered with a {domain: payload} reply on
// the caller's reply address.
type Worker struct {
	transport      messaging.ServerTransport
	domain         string
	handlers       map[string]HandlerFunc
	logger         *slog.Logger
	retryPolicy    reliability.RetryPolicy
	prefetch       int
	concurrency    int
	handlerTimeout time.Duration
	interceptors   []Interceptor

	mu      sync.RWMutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WorkerConfig holds configuration for the worker
type WorkerConfig struct {
	Logger         *slog.Logger
	RetryPolicy    reliability.RetryPolicy
	Prefetch       int
	Concurrency    int
	HandlerTimeout time.Duration
	Interceptors   []Interceptor
}

// WorkerOption configures the worker
type WorkerOption func(*WorkerConfig)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) WorkerOption {
	return func(c *WorkerConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

// WithRetryPolicy sets the policy used to resend a reply the transport
// refused
func WithRetryPolicy(policy reliability.RetryPolicy) WorkerOption {
	return func(c *WorkerConfig) {
		if policy != nil {
			c.RetryPolicy = policy
		}
	}
}

// WithPrefetch sets how many unacknowledged requests the broker may push
func WithPrefetch(n int) WorkerOption {
	return func(c *WorkerConfig) {
		if n > 0 {
			c.Prefetch = n
		}
	}
}

// WithConcurrency sets how many requests are handled in parallel
func WithConcurrency(n int) WorkerOption {
	return func(c *WorkerConfig) {
		if n > 0 {
			c.Concurrency = n
		}
	}
}

// WithHandlerTimeout bounds each handler invocation. Zero disables it.
func WithHandlerTimeout(d time.Duration) WorkerOption {
	return func(c *WorkerConfig) {
		if d >= 0 {
			c.HandlerTimeout = d
		}
	}
}

// WithInterceptors appends interceptors run around every action handler
func WithInterceptors(interceptors ...Interceptor) WorkerOption {
	return func(c *WorkerConfig) {
		c.Interceptors = append(c.Interceptors, interceptors...)
	}
}

// New creates a worker for domain on transport
func New(transport messaging.ServerTransport, domain string, opts ...WorkerOption) (*Worker, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if domain == "" {
		return nil, fmt.Errorf("domain cannot be empty")
	}

	config := &WorkerConfig{
		Logger:         slog.Default(),
		RetryPolicy:    reliability.NewExponentialBackoff(100*time.Millisecond, 2*time.Second, 2.0, 3),
		Prefetch:       10,
		Concurrency:    4,
		HandlerTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(config)
	}

	return &Worker{
		transport:      transport,
		domain:         domain,
		handlers:       make(map[string]HandlerFunc),
		logger:         config.Logger.With("domain", domain),
		retryPolicy:    config.RetryPolicy,
		prefetch:       config.Prefetch,
		concurrency:    config.Concurrency,
		handlerTimeout: config.HandlerTimeout,
		interceptors:   config.Interceptors,
	}, nil
}

// Domain returns the domain the worker answers for
func (w *Worker) Domain() string {
	return w.domain
}

// Handle registers fn for action
func (w *Worker) Handle(action string, fn HandlerFunc) error {
	if action == "" {
		return fmt.Errorf("action cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}
	if _, exists := w.handlers[action]; exists {
		return fmt.Errorf("handler already registered for action: %s", action)
	}

	w.handlers[action] = fn
	w.logger.Info("registered action handler", "action", action)
	return nil
}

// Actions returns the registered action names, sorted
func (w *Worker) Actions() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	actions := make([]string, 0, len(w.handlers))
	for action := range w.handlers {
		actions = append(actions, action)
	}
	sort.Strings(actions)
	return actions
}

// IsRunning reports whether the worker is consuming
func (w *Worker) IsRunning() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// Start connects the transport if needed, binds the domain queue and starts
// consuming. It returns once consumers are running.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return ErrAlreadyRunning
	}
	if len(w.handlers) == 0 {
		return fmt.Errorf("no handlers registered")
	}

	if !w.transport.IsConnected() {
		if err := w.transport.Connect(ctx); err != nil {
			return fmt.Errorf("failed to connect transport: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	requests, err := w.transport.Listen(runCtx, w.domain, w.prefetch)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to listen on domain %s: %w", w.domain, err)
	}

	w.cancel = cancel
	w.running = true

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.consume(runCtx, requests)
	}

	w.logger.Info("worker started",
		"actions", len(w.handlers),
		"concurrency", w.concurrency,
		"prefetch", w.prefetch,
	)
	return nil
}

// Stop stops consuming and waits for in-flight requests to finish. The
// transport stays open.
func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return ErrNotRunning
	}
	w.running = false
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()

	cancel()
	w.wg.Wait()

	w.logger.Info("worker stopped")
	return nil
}

// Close stops the worker if it is running and closes its transport
func (w *Worker) Close() error {
	if err := w.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return w.transport.Close()
}

func (w *Worker) consume(ctx context.Context, requests <-chan messaging.Delivery) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-requests:
			if !ok {
				if ctx.Err() == nil {
					w.logger.Warn("request stream closed")
				}
				return
			}
			w.handleDelivery(ctx, d)
		}
	}
}

// handleDelivery answers one request and settles it. A request is only
// rejected when its reply could not be sent.
func (w *Worker) handleDelivery(ctx context.Context, d messaging.Delivery) {
	start := time.Now()
	token := d.CorrelationID()
	replyTo := d.ReplyTo()

	req, codec, err := w.decode(d)

	var payload contracts.Payload
	if err != nil {
		w.logger.Warn("malformed request", "correlationId", token, "error", err)
		payload = contracts.Fail(http.StatusBadRequest, err.Error())
	} else {
		payload = w.dispatch(ctx, req)
	}

	if replyTo == "" || token == "" {
		w.logger.Warn("request has no reply address, dropping reply",
			"correlationId", token,
			"replyTo", replyTo,
		)
		d.Acknowledge()
		return
	}

	// an answered request is still replied to while the worker stops
	replyCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), replyTimeout)
	defer cancel()

	if err := w.reply(replyCtx, replyTo, token, codec, payload); err != nil {
		w.logger.Error("failed to send reply",
			"correlationId", token,
			"replyTo", replyTo,
			"error", err,
		)
		d.Reject(false)
		return
	}

	if err := d.Acknowledge(); err != nil {
		w.logger.Debug("failed to acknowledge request", "correlationId", token, "error", err)
	}

	w.logger.Debug("request processed",
		"correlationId", token,
		"statusCode", payload.Status(),
		"duration", time.Since(start),
	)
}

// decode extracts this domain's request. The returned codec is the one
// replies are encoded with, so a CBOR caller gets a CBOR reply.
func (w *Worker) decode(d messaging.Delivery) (*Request, contracts.Codec, error) {
	contentType := d.ContentType()
	body := d.Body()
	var data []byte

	if contentType == contracts.ContentTypeBinary {
		data = body
		if data == nil {
			data = []byte{}
		}
		contentType = messaging.HeaderString(d.Headers(), messaging.HeaderEnvelopeContentType)
		body = messaging.HeaderBytes(d.Headers(), messaging.HeaderEnvelope)
	}

	codec, err := contracts.CodecFor(contentType)
	if err != nil {
		return nil, contracts.JSON, err
	}

	env, err := contracts.DecodeEnvelope(contentType, body)
	if err != nil {
		return nil, codec, err
	}

	r, ok := env[w.domain]
	if !ok {
		return nil, codec, fmt.Errorf("envelope has no request for domain %s", w.domain)
	}

	return &Request{
		Domain:        w.domain,
		Action:        r.Action,
		Body:          r.Body,
		CorrelationID: d.CorrelationID(),
		ReplyTo:       d.ReplyTo(),
		Headers:       d.Headers(),
		Data:          data,
		codec:         codec,
	}, codec, nil
}

// dispatch runs the action handler and turns its outcome into a payload
func (w *Worker) dispatch(ctx context.Context, req *Request) (payload contracts.Payload) {
	w.mu.RLock()
	handler, exists := w.handlers[req.Action]
	w.mu.RUnlock()

	if !exists {
		return contracts.Fail(http.StatusNotFound, fmt.Sprintf("%v: %s", ErrUnknownAction, req.Action))
	}

	if w.handlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.handlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("handler panicked",
				"action", req.Action,
				"correlationId", req.CorrelationID,
				"panic", r,
			)
			payload = contracts.Fail(http.StatusInternalServerError, fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	result, err := chain(w.interceptors, handler)(ctx, req)
	if err != nil {
		code := statusOf(err)
		if code >= http.StatusInternalServerError {
			w.logger.Error("handler failed", "action", req.Action, "correlationId", req.CorrelationID, "error", err)
		}
		return contracts.Fail(code, err.Error())
	}

	if p, ok := result.(contracts.Payload); ok {
		return p
	}
	return contracts.OK(http.StatusOK, result)
}

// reply sends payload to replyTo, retrying transport failures with the
// worker's retry policy
func (w *Worker) reply(ctx context.Context, replyTo, token string, codec contracts.Codec, payload contracts.Payload) error {
	body, err := codec.Marshal(contracts.Replies{w.domain: payload})
	if err != nil {
		return reliability.Permanent(fmt.Errorf("failed to encode reply: %w", err))
	}

	frame := &messaging.Frame{
		CorrelationID: token,
		ContentType:   codec.ContentType(),
		Body:          body,
		Headers:       map[string]interface{}{messaging.HeaderDomain: w.domain},
		Timestamp:     time.Now(),
	}

	attempt := 0
	return reliability.Retry(ctx, w.retryPolicy, func() error {
		attempt++
		err := w.transport.Reply(ctx, replyTo, frame)
		if err != nil && attempt > 1 {
			w.logger.Warn("reply attempt failed", "correlationId", token, "attempt", attempt, "error", err)
		}
		return err
	})
}
