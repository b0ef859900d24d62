package kafka

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/glimte/mmate-rpc/messaging"
)

var (
	ErrNoBrokers    = errors.New("kafka: no brokers configured")
	ErrNotConnected = errors.New("kafka: transport not connected")
)

// Config holds the transport settings
type Config struct {
	Brokers           []string
	TopicPrefix       string
	Partitions        int
	ReplicationFactor int
	DialTimeout       time.Duration
	BatchTimeout      time.Duration
	MaxWait           time.Duration
}

// Option configures the transport
type Option func(*Transport)

// WithTopicPrefix sets the prefix of domain and reply topics
func WithTopicPrefix(prefix string) Option {
	return func(t *Transport) {
		if prefix != "" {
			t.cfg.TopicPrefix = prefix
		}
	}
}

// WithReplicationFactor sets the replication factor of created topics
func WithReplicationFactor(n int) Option {
	return func(t *Transport) {
		if n > 0 {
			t.cfg.ReplicationFactor = n
		}
	}
}

// WithDialTimeout bounds broker dials
func WithDialTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.cfg.DialTimeout = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transport) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// Transport implements the client and server transport roles on Kafka.
// Each true routing flag maps to the topic <prefix>.<flag>; every client
// owns a reply topic <prefix>.reply.<id> for its lifetime.
type Transport struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	connected  bool
	writer     *kafkago.Writer
	replyTopic string
	readers    []*kafkago.Reader
}

var (
	_ messaging.ClientTransport = (*Transport)(nil)
	_ messaging.ServerTransport = (*Transport)(nil)
)

// NewTransport creates an unconnected transport
func NewTransport(brokers []string, options ...Option) *Transport {
	t := &Transport{
		cfg: Config{
			Brokers:           brokers,
			TopicPrefix:       "mmate.rpc",
			Partitions:        1,
			ReplicationFactor: 1,
			DialTimeout:       10 * time.Second,
			BatchTimeout:      5 * time.Millisecond,
			MaxWait:           250 * time.Millisecond,
		},
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// TopicFor returns the topic a flag routes to
func TopicFor(prefix, flag string) string {
	return prefix + "." + flag
}

// ReplyTopic returns the reply topic of a client id
func ReplyTopic(prefix, id string) string {
	return prefix + ".reply." + id
}

// Connect creates the reply topic and the writer. It is a no-op when
// already connected.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return nil
	}
	if len(t.cfg.Brokers) == 0 {
		return ErrNoBrokers
	}

	replyTopic := ReplyTopic(t.cfg.TopicPrefix, uuid.New().String())
	if err := t.createTopics(ctx, replyTopic); err != nil {
		return err
	}

	t.writer = &kafkago.Writer{
		Addr:                   kafkago.TCP(t.cfg.Brokers...),
		Balancer:               &kafkago.Hash{},
		RequiredAcks:           kafkago.RequireOne,
		BatchTimeout:           t.cfg.BatchTimeout,
		AllowAutoTopicCreation: true,
	}
	t.replyTopic = replyTopic
	t.connected = true

	t.logger.Info("kafka transport ready", "brokers", t.cfg.Brokers, "replyTopic", replyTopic)
	return nil
}

// Close stops every reader, closes the writer and deletes the reply topic
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		return nil
	}
	t.connected = false

	var errs []error
	for _, r := range t.readers {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	t.readers = nil

	if err := t.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	t.writer = nil

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	defer cancel()
	if err := t.withController(ctx, func(conn *kafkago.Conn) error {
		return conn.DeleteTopics(t.replyTopic)
	}); err != nil {
		t.logger.Warn("failed to delete reply topic", "topic", t.replyTopic, "error", err)
	}
	t.replyTopic = ""

	return errors.Join(errs...)
}

// IsConnected returns connection status
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// ReplyAddress returns the reply topic
func (t *Transport) ReplyAddress() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.replyTopic
}

// Publish writes one record per true flag
func (t *Transport) Publish(ctx context.Context, frame *messaging.Frame) error {
	writer, err := t.liveWriter()
	if err != nil {
		return err
	}

	flags := frame.Tag.Flags()
	msgs := make([]kafkago.Message, 0, len(flags))
	for _, flag := range flags {
		msgs = append(msgs, ToMessage(TopicFor(t.cfg.TopicPrefix, flag), frame))
	}
	if len(msgs) == 0 {
		return nil
	}
	return writer.WriteMessages(ctx, msgs...)
}

// Reply writes frame to the requester's reply topic
func (t *Transport) Reply(ctx context.Context, replyTo string, frame *messaging.Frame) error {
	writer, err := t.liveWriter()
	if err != nil {
		return err
	}
	return writer.WriteMessages(ctx, ToMessage(replyTo, frame))
}

// Replies reads the reply topic from its start. Reply records are not
// committed; the topic lives only as long as the client.
func (t *Transport) Replies(ctx context.Context) (<-chan messaging.Delivery, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:     t.cfg.Brokers,
		Topic:       t.replyTopic,
		Partition:   0,
		StartOffset: kafkago.FirstOffset,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     t.cfg.MaxWait,
	})
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	return t.pump(ctx, reader, false), nil
}

// Listen joins the consumer group of domain on its topic. Records are
// committed when the delivery is acknowledged.
func (t *Transport) Listen(ctx context.Context, domain string, prefetch int) (<-chan messaging.Delivery, error) {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil, ErrNotConnected
	}
	t.mu.Unlock()

	topic := TopicFor(t.cfg.TopicPrefix, domain)
	if err := t.createTopics(ctx, topic); err != nil {
		return nil, err
	}

	if prefetch < 1 {
		prefetch = 1
	}
	reader := kafkago.NewReader(kafkago.ReaderConfig{
		Brokers:       t.cfg.Brokers,
		GroupID:       t.cfg.TopicPrefix + ".workers." + domain,
		Topic:         topic,
		MinBytes:      1,
		MaxBytes:      10e6,
		MaxWait:       t.cfg.MaxWait,
		QueueCapacity: prefetch,
	})

	t.mu.Lock()
	t.readers = append(t.readers, reader)
	t.mu.Unlock()

	t.logger.Info("listening", "topic", topic, "group", t.cfg.TopicPrefix+".workers."+domain)
	return t.pump(ctx, reader, true), nil
}

func (t *Transport) liveWriter() (*kafkago.Writer, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return nil, ErrNotConnected
	}
	return t.writer, nil
}

func (t *Transport) pump(ctx context.Context, reader *kafkago.Reader, grouped bool) <-chan messaging.Delivery {
	out := make(chan messaging.Delivery)
	go func() {
		defer close(out)
		for {
			var (
				m   kafkago.Message
				err error
			)
			if grouped {
				m, err = reader.FetchMessage(ctx)
			} else {
				m, err = reader.ReadMessage(ctx)
			}
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				t.logger.Warn("kafka read error", "topic", reader.Config().Topic, "error", err)
				select {
				case <-time.After(t.cfg.MaxWait):
					continue
				case <-ctx.Done():
					return
				}
			}

			d := &delivery{msg: m}
			if grouped {
				d.reader = reader
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// createTopics creates topics through the controller, ignoring topics
// that already exist
func (t *Transport) createTopics(ctx context.Context, topics ...string) error {
	configs := make([]kafkago.TopicConfig, 0, len(topics))
	for _, topic := range topics {
		configs = append(configs, kafkago.TopicConfig{
			Topic:             topic,
			NumPartitions:     t.cfg.Partitions,
			ReplicationFactor: t.cfg.ReplicationFactor,
		})
	}

	err := t.withController(ctx, func(conn *kafkago.Conn) error {
		return conn.CreateTopics(configs...)
	})
	if err != nil && !errors.Is(err, kafkago.TopicAlreadyExists) {
		return err
	}
	return nil
}

func (t *Transport) withController(ctx context.Context, fn func(*kafkago.Conn) error) error {
	if len(t.cfg.Brokers) == 0 {
		return ErrNoBrokers
	}

	dialer := &kafkago.Dialer{Timeout: t.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.cfg.Brokers[0])
	if err != nil {
		return fmt.Errorf("kafka: dial %s: %w", t.cfg.Brokers[0], err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("kafka: find controller: %w", err)
	}

	ctrl, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("kafka: dial controller: %w", err)
	}
	defer ctrl.Close()

	return fn(ctrl)
}

// ToMessage converts a frame to a record for topic. Correlation id,
// reply-to and content type travel as record headers.
func ToMessage(topic string, frame *messaging.Frame) kafkago.Message {
	headers := make([]kafkago.Header, 0, len(frame.Headers)+3)
	if frame.CorrelationID != "" {
		headers = append(headers, kafkago.Header{Key: messaging.HeaderCorrelationID, Value: []byte(frame.CorrelationID)})
	}
	if frame.ReplyTo != "" {
		headers = append(headers, kafkago.Header{Key: messaging.HeaderReplyTo, Value: []byte(frame.ReplyTo)})
	}
	if frame.ContentType != "" {
		headers = append(headers, kafkago.Header{Key: messaging.HeaderContentType, Value: []byte(frame.ContentType)})
	}
	for k, v := range frame.Headers {
		headers = append(headers, kafkago.Header{Key: k, Value: headerValue(v)})
	}

	ts := frame.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	return kafkago.Message{
		Topic:   topic,
		Key:     []byte(frame.CorrelationID),
		Value:   frame.Body,
		Headers: headers,
		Time:    ts,
	}
}

func headerValue(v interface{}) []byte {
	switch x := v.(type) {
	case []byte:
		return x
	case string:
		return []byte(x)
	case bool:
		return []byte(strconv.FormatBool(x))
	case nil:
		return nil
	default:
		return []byte(fmt.Sprint(x))
	}
}

// delivery adapts a Kafka record to messaging.Delivery
type delivery struct {
	msg    kafkago.Message
	reader *kafkago.Reader
}

func (d *delivery) header(key string) string {
	for _, h := range d.msg.Headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func (d *delivery) CorrelationID() string { return d.header(messaging.HeaderCorrelationID) }
func (d *delivery) ReplyTo() string       { return d.header(messaging.HeaderReplyTo) }
func (d *delivery) ContentType() string   { return d.header(messaging.HeaderContentType) }
func (d *delivery) Body() []byte          { return d.msg.Value }

func (d *delivery) Headers() map[string]interface{} {
	headers := make(map[string]interface{}, len(d.msg.Headers))
	for _, h := range d.msg.Headers {
		headers[h.Key] = h.Value
	}
	return headers
}

// Acknowledge commits the record for grouped readers
func (d *delivery) Acknowledge() error {
	if d.reader == nil {
		return nil
	}
	return d.reader.CommitMessages(context.Background(), d.msg)
}

// Reject commits the record unless requeue is set, in which case it is
// left uncommitted and delivered again after the next rebalance
func (d *delivery) Reject(requeue bool) error {
	if requeue {
		return nil
	}
	return d.Acknowledge()
}
