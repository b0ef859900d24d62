package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/glimte/mmate-rpc/contracts"
	"github.com/glimte/mmate-rpc/internal/reliability"
	"github.com/glimte/mmate-rpc/messaging"
)

// Bridge turns a publish on an asynchronous broker into a blocking call.
// One Bridge owns one transport connection, one reply listener and one
// correlation table, and is safe for concurrent use.
type Bridge struct {
	transport      messaging.ClientTransport
	table          *Table
	codec          contracts.Codec
	breaker        *reliability.CircuitBreaker
	observer       Observer
	logger         *slog.Logger
	defaultTimeout time.Duration
	nextLen        atomic.Int64

	// lifeMu serialises Connect, Stop and Close; mu guards the fields below
	lifeMu       sync.Mutex
	mu           sync.Mutex
	connected    bool
	cancelListen context.CancelFunc
	listenDone   chan struct{}
}

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	MaxPendingCalls int
	DefaultTimeout  time.Duration
	CircuitBreaker  *reliability.CircuitBreaker
	Codec           contracts.Codec
	Observer        Observer
	Logger          *slog.Logger
}

// BridgeOption configures the bridge
type BridgeOption func(*BridgeConfig)

// WithMaxPendingCalls caps concurrent calls; further calls fail with
// ErrTooManyPending. Zero or less removes the cap.
func WithMaxPendingCalls(max int) BridgeOption {
	return func(c *BridgeConfig) {
		c.MaxPendingCalls = max
	}
}

// WithDefaultTimeout sets the timeout of calls that do not pass WithTimeout
func WithDefaultTimeout(timeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		if timeout > 0 {
			c.DefaultTimeout = timeout
		}
	}
}

// WithCircuitBreaker guards the publish step. An open circuit fails the
// call immediately with a *TransportError.
func WithCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithCodec sets the encoding of outbound envelopes
func WithCodec(codec contracts.Codec) BridgeOption {
	return func(c *BridgeConfig) {
		if codec != nil {
			c.Codec = codec
		}
	}
}

// WithObserver receives call outcomes and listener events
func WithObserver(o Observer) BridgeOption {
	return func(c *BridgeConfig) {
		if o != nil {
			c.Observer = o
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		if logger != nil {
			c.Logger = logger
		}
	}
}

type callOptions struct {
	expected int
	timeout  time.Duration
}

// CallOption configures one Publish
type CallOption func(*callOptions)

// WithExpectedReplies sets how many reply frames complete the call
func WithExpectedReplies(n int) CallOption {
	return func(o *callOptions) {
		if n > 0 {
			o.expected = n
		}
	}
}

// WithTimeout sets how long the call waits for its replies
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New creates an unconnected bridge on transport
func New(transport messaging.ClientTransport, opts ...BridgeOption) (*Bridge, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}

	config := &BridgeConfig{
		MaxPendingCalls: 1000,
		DefaultTimeout:  30 * time.Second,
		Codec:           contracts.JSON,
		Observer:        noopObserver{},
		Logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(config)
	}

	return &Bridge{
		transport:      transport,
		table:          NewTable(config.MaxPendingCalls),
		codec:          config.Codec,
		breaker:        config.CircuitBreaker,
		observer:       config.Observer,
		logger:         config.Logger,
		defaultTimeout: config.DefaultTimeout,
	}, nil
}

// Open creates a bridge and connects it. The caller must Close it.
func Open(ctx context.Context, transport messaging.ClientTransport, opts ...BridgeOption) (*Bridge, error) {
	b, err := New(transport, opts...)
	if err != nil {
		return nil, err
	}
	if err := b.Connect(ctx); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

// Use opens a bridge for the duration of fn. The bridge is closed on every
// exit path, including a panic in fn, which is then re-raised.
func Use(ctx context.Context, transport messaging.ClientTransport, fn func(*Bridge) error, opts ...BridgeOption) (err error) {
	b, err := Open(ctx, transport, opts...)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := b.Close(); cerr != nil && err == nil {
			err = &TransportError{Op: "close", Err: cerr}
		}
	}()
	return fn(b)
}

// Connect connects the transport and starts the reply listener. Calling it
// on a connected bridge is a no-op.
func (b *Bridge) Connect(ctx context.Context) error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	if b.IsConnected() {
		return nil
	}
	b.stopListener()

	if err := b.transport.Connect(ctx); err != nil {
		return &TransportError{Op: "connect", Err: err}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	stream, err := b.transport.Replies(listenCtx)
	if err != nil {
		cancel()
		return &TransportError{Op: "subscribe", Err: err}
	}

	done := make(chan struct{})
	b.mu.Lock()
	b.cancelListen = cancel
	b.listenDone = done
	b.connected = true
	b.mu.Unlock()

	go b.listen(listenCtx, stream, done)

	b.logger.Info("bridge connected", "replyTo", b.transport.ReplyAddress())
	return nil
}

// Stop stops the reply listener and resolves every pending call with
// ErrCancelled. The transport stays open; Connect starts a new listener.
func (b *Bridge) Stop() {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	b.stop()
}

func (b *Bridge) stop() {
	b.stopListener()
	if n := b.table.CancelAll(ErrCancelled); n > 0 {
		b.logger.Info("cancelled pending calls", "count", n)
	}
	b.observer.PendingChanged(0)
}

// Close stops the listener and closes the transport. Safe on an
// unconnected bridge and safe to call twice.
func (b *Bridge) Close() error {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()

	b.stop()
	if err := b.transport.Close(); err != nil {
		return fmt.Errorf("failed to close transport: %w", err)
	}
	return nil
}

// stopListener cancels the listener and waits for it to exit. It must not
// hold mu while waiting since a listener whose stream just ended takes it.
func (b *Bridge) stopListener() {
	b.mu.Lock()
	b.connected = false
	cancel, done := b.cancelListen, b.listenDone
	b.cancelListen, b.listenDone = nil, nil
	b.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// IsConnected reports whether calls can be issued
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected && b.transport.IsConnected()
}

// PendingCount returns the number of calls awaiting replies
func (b *Bridge) PendingCount() int {
	return b.table.Len()
}

// ReplyAddress returns the address replies are consumed from
func (b *Bridge) ReplyAddress() string {
	return b.transport.ReplyAddress()
}

// SetResponseLen sets the expected reply count of the next call only.
// WithExpectedReplies on that call takes precedence.
func (b *Bridge) SetResponseLen(n int) {
	b.nextLen.Store(int64(n))
}

func (b *Bridge) takeResponseLen() int {
	if n := b.nextLen.Swap(0); n > 0 {
		return int(n)
	}
	return 1
}

// Publish sends env to every service bound to a flag of tag and blocks
// until the expected replies arrive, the timeout elapses, the transport
// fails or ctx is done.
func (b *Bridge) Publish(ctx context.Context, env contracts.Envelope, tag contracts.RoutingTag, opts ...CallOption) (contracts.Replies, error) {
	o := b.callOptions(opts)

	if err := env.Validate(); err != nil {
		return nil, err
	}
	if err := tag.Validate(); err != nil {
		return nil, err
	}

	body, err := b.codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode envelope: %w", err)
	}

	frame := &messaging.Frame{
		Tag:         tag,
		ContentType: b.codec.ContentType(),
		Body:        body,
	}
	return b.call(ctx, frame, env.Domains(), o)
}

// PublishBinary sends data as the frame body with side carried in the
// frame headers. Replies are correlated exactly like Publish.
func (b *Bridge) PublishBinary(ctx context.Context, data []byte, side contracts.Envelope, tag contracts.RoutingTag, opts ...CallOption) (contracts.Replies, error) {
	o := b.callOptions(opts)

	if err := side.Validate(); err != nil {
		return nil, err
	}
	if err := tag.Validate(); err != nil {
		return nil, err
	}

	sideBody, err := b.codec.Marshal(side)
	if err != nil {
		return nil, fmt.Errorf("failed to encode side envelope: %w", err)
	}

	frame := &messaging.Frame{
		Tag:         tag,
		ContentType: contracts.ContentTypeBinary,
		Body:        data,
		Headers: map[string]interface{}{
			messaging.HeaderEnvelope:            sideBody,
			messaging.HeaderEnvelopeContentType: b.codec.ContentType(),
		},
	}
	return b.call(ctx, frame, side.Domains(), o)
}

func (b *Bridge) callOptions(opts []CallOption) callOptions {
	o := callOptions{
		expected: b.takeResponseLen(),
		timeout:  b.defaultTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (b *Bridge) call(ctx context.Context, frame *messaging.Frame, domains []string, o callOptions) (replies contracts.Replies, err error) {
	domain := strings.Join(domains, ",")
	start := time.Now()
	outcome := OutcomeOK
	defer func() {
		b.observer.CallFinished(domain, outcome, time.Since(start))
	}()

	if !b.IsConnected() {
		outcome = OutcomeTransport
		return nil, &TransportError{Op: "publish", Err: ErrNotConnected}
	}

	token := uuid.New().String()
	pending, err := b.table.RegisterDomains(token, o.expected, start.Add(o.timeout), domains)
	if err != nil {
		outcome = OutcomeRejected
		return nil, err
	}
	b.observer.PendingChanged(b.table.Len())
	defer func() {
		b.table.Complete(token)
		b.observer.PendingChanged(b.table.Len())
	}()

	frame.CorrelationID = token
	frame.ReplyTo = b.transport.ReplyAddress()
	frame.Timestamp = start

	// the deadline covers the publish as well as the wait for replies
	callCtx, cancel := context.WithDeadline(ctx, pending.Deadline)
	defer cancel()

	if err := b.publish(callCtx, frame); err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
			return nil, b.timeoutError(pending, context.DeadlineExceeded)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			outcome = OutcomeAborted
			return nil, ctxErr
		}
		outcome = OutcomeTransport
		return nil, &TransportError{Op: "publish", Err: err}
	}

	b.logger.Debug("published call",
		"correlationId", token,
		"tag", frame.Tag.String(),
		"expected", pending.Expected,
		"timeout", o.timeout,
	)

	select {
	case <-pending.Done():
		return b.resolved(pending, &outcome)

	case <-callCtx.Done():
		select {
		case <-pending.Done():
			return b.resolved(pending, &outcome)
		default:
		}
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			outcome = OutcomeTimeout
			// nil unless the caller's own deadline fired first
			return nil, b.timeoutError(pending, ctx.Err())
		}
		outcome = OutcomeAborted
		return nil, ctx.Err()
	}
}

func (b *Bridge) publish(ctx context.Context, frame *messaging.Frame) error {
	if b.breaker == nil {
		return b.transport.Publish(ctx, frame)
	}
	return b.breaker.Execute(ctx, func() error {
		return b.transport.Publish(ctx, frame)
	})
}

func (b *Bridge) resolved(pending *PendingCall, outcome *string) (contracts.Replies, error) {
	if err := pending.Err(); err != nil {
		if errors.Is(err, ErrCancelled) {
			*outcome = OutcomeCancelled
		} else {
			*outcome = OutcomeTransport
		}
		return nil, err
	}
	replies, _ := pending.Snapshot()
	return replies, nil
}

func (b *Bridge) timeoutError(pending *PendingCall, cause error) *TimeoutError {
	replies, received := pending.Snapshot()
	b.logger.Warn("call timed out",
		"correlationId", pending.Token,
		"expected", pending.Expected,
		"received", received,
		"domains", replies.Domains(),
	)
	return &TimeoutError{
		CorrelationID: pending.Token,
		Expected:      pending.Expected,
		Received:      received,
		Replies:       replies,
		Err:           cause,
	}
}
