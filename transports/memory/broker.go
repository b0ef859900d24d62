package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-rpc/messaging"
)

var (
	ErrNotConnected  = errors.New("memory: transport not connected")
	ErrQueueNotFound = errors.New("memory: queue not found")
	ErrQueueFull     = errors.New("memory: queue full")
)

const defaultQueueCapacity = 1024

// Broker is an in-process stand-in for a headers exchange. A frame published
// with a routing tag is copied once into every queue bound to at least one
// of its true flags. Replies go straight to a named queue.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*queue
	bindings   map[string]map[string]struct{}
	publishErr error
	transports map[*Transport]struct{}
	capacity   int
}

type queue struct {
	name      string
	ch        chan *Delivery
	exclusive bool
	closed    bool
}

// BrokerOption configures the broker
type BrokerOption func(*Broker)

// WithQueueCapacity sets how many deliveries a queue buffers
func WithQueueCapacity(n int) BrokerOption {
	return func(b *Broker) {
		if n > 0 {
			b.capacity = n
		}
	}
}

// NewBroker creates an empty broker
func NewBroker(options ...BrokerOption) *Broker {
	b := &Broker{
		queues:     make(map[string]*queue),
		bindings:   make(map[string]map[string]struct{}),
		transports: make(map[*Transport]struct{}),
		capacity:   defaultQueueCapacity,
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Inject puts a frame straight into a queue, bypassing routing. Tests use it
// to deliver malformed, late or duplicate replies.
func (b *Broker) Inject(queueName string, frame *messaging.Frame) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok || q.closed {
		return fmt.Errorf("%w: %s", ErrQueueNotFound, queueName)
	}
	return b.enqueueLocked(q, newDelivery(b, queueName, frame))
}

// FailPublish makes every subsequent Publish and Reply fail with err until
// it is called again with nil
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Sever drops every transport connection as if the broker went away.
// Exclusive queues are deleted and all delivery streams end.
func (b *Broker) Sever() {
	b.mu.Lock()
	transports := make([]*Transport, 0, len(b.transports))
	for t := range b.transports {
		transports = append(transports, t)
	}
	b.mu.Unlock()

	for _, t := range transports {
		t.drop()
	}
}

// QueueCount returns the number of live queues
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// Bindings returns the queues bound to flag, sorted
func (b *Broker) Bindings(flag string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, 0, len(b.bindings[flag]))
	for name := range b.bindings[flag] {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Depth returns the number of undelivered messages in a queue
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[queueName]; ok {
		return len(q.ch)
	}
	return 0
}

func (b *Broker) attach(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transports[t] = struct{}{}
}

func (b *Broker) detach(t *Transport) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.transports, t)
}

func (b *Broker) declare(name string, exclusive bool) *queue {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok && !q.closed {
		return q
	}
	q := &queue{name: name, ch: make(chan *Delivery, b.capacity), exclusive: exclusive}
	b.queues[name] = q
	return q
}

func (b *Broker) bind(flag, queueName string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	set, ok := b.bindings[flag]
	if !ok {
		set = make(map[string]struct{})
		b.bindings[flag] = set
	}
	set[queueName] = struct{}{}
}

func (b *Broker) deleteQueue(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return
	}
	q.closed = true
	close(q.ch)
	delete(b.queues, name)
	for flag, set := range b.bindings {
		delete(set, name)
		if len(set) == 0 {
			delete(b.bindings, flag)
		}
	}
}

// route copies frame into every queue bound to one of its flags and reports
// how many queues received it
func (b *Broker) route(frame *messaging.Frame) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return 0, b.publishErr
	}

	targets := make(map[string]struct{})
	for _, flag := range frame.Tag.Flags() {
		for name := range b.bindings[flag] {
			targets[name] = struct{}{}
		}
	}

	for name := range targets {
		q := b.queues[name]
		if q == nil || q.closed {
			continue
		}
		if err := b.enqueueLocked(q, newDelivery(b, name, frame)); err != nil {
			return 0, err
		}
	}
	return len(targets), nil
}

// sendTo delivers frame to one queue. A missing queue drops the frame the
// way the AMQP default exchange does.
func (b *Broker) sendTo(queueName string, frame *messaging.Frame) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return false, b.publishErr
	}
	q, ok := b.queues[queueName]
	if !ok || q.closed {
		return false, nil
	}
	return true, b.enqueueLocked(q, newDelivery(b, queueName, frame))
}

func (b *Broker) requeue(queueName string, d *Delivery) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[queueName]; ok && !q.closed {
		_ = b.enqueueLocked(q, &Delivery{
			broker:        b,
			queue:         queueName,
			correlationID: d.correlationID,
			replyTo:       d.replyTo,
			contentType:   d.contentType,
			body:          d.body,
			headers:       d.headers,
			Timestamp:     d.Timestamp,
			Redelivered:   true,
		})
	}
}

func (b *Broker) enqueueLocked(q *queue, d *Delivery) error {
	select {
	case q.ch <- d:
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrQueueFull, q.name)
	}
}

// Delivery is a message held by the in-memory broker
type Delivery struct {
	broker        *Broker
	queue         string
	correlationID string
	replyTo       string
	contentType   string
	body          []byte
	headers       map[string]interface{}
	mu            sync.Mutex
	settled       bool

	Timestamp   time.Time
	Redelivered bool
}

func newDelivery(b *Broker, queueName string, frame *messaging.Frame) *Delivery {
	headers := make(map[string]interface{}, len(frame.Headers)+len(frame.Tag))
	for k, v := range frame.Headers {
		headers[k] = v
	}
	for _, flag := range frame.Tag.Flags() {
		headers[flag] = true
	}

	body := make([]byte, len(frame.Body))
	copy(body, frame.Body)

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return &Delivery{
		broker:        b,
		queue:         queueName,
		correlationID: frame.CorrelationID,
		replyTo:       frame.ReplyTo,
		contentType:   frame.ContentType,
		body:          body,
		headers:       headers,
		Timestamp:     ts,
	}
}

func (d *Delivery) CorrelationID() string            { return d.correlationID }
func (d *Delivery) ReplyTo() string                  { return d.replyTo }
func (d *Delivery) ContentType() string              { return d.contentType }
func (d *Delivery) Body() []byte                     { return d.body }
func (d *Delivery) Headers() map[string]interface{} { return d.headers }

// Acknowledge settles the delivery. Settling twice is a no-op.
func (d *Delivery) Acknowledge() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settled = true
	return nil
}

// Reject settles the delivery, putting it back on its queue when requeue
// is set
func (d *Delivery) Reject(requeue bool) error {
	d.mu.Lock()
	if d.settled {
		d.mu.Unlock()
		return nil
	}
	d.settled = true
	d.mu.Unlock()

	if requeue {
		d.broker.requeue(d.queue, d)
	}
	return nil
}
