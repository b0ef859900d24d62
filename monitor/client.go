package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"
)

// Client reads queue state from the RabbitMQ management API
type Client struct {
	managementURL string
	httpClient    *http.Client
	username      string
	password      string
}

// QueueInfo contains queue statistics
type QueueInfo struct {
	Name            string  `json:"name"`
	VHost           string  `json:"vhost"`
	Messages        int     `json:"messages"`
	MessagesReady   int     `json:"messages_ready"`
	MessagesUnacked int     `json:"messages_unacknowledged"`
	Consumers       int     `json:"consumers"`
	PublishRate     float64 `json:"publish_rate"`
	State           string  `json:"state"`
}

// DomainQueue is the shared request queue of one domain
type DomainQueue struct {
	Domain string `json:"domain"`
	QueueInfo
}

// Idle reports a queue nobody consumes. Calls to its domain time out.
func (q DomainQueue) Idle() bool {
	return q.Consumers == 0
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithManagementURL overrides the management API base URL derived from the
// broker URL
func WithManagementURL(u string) ClientOption {
	return func(c *Client) {
		if u != "" {
			c.managementURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client used for management requests
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient creates a management client for the broker at amqpURL. The
// credentials of the AMQP URL are reused; the API is assumed on port 15672
// of the same host unless WithManagementURL says otherwise.
func NewClient(amqpURL string, options ...ClientOption) (*Client, error) {
	u, err := url.Parse(amqpURL)
	if err != nil {
		return nil, fmt.Errorf("invalid AMQP URL: %w", err)
	}
	if u.Scheme != "amqp" && u.Scheme != "amqps" {
		return nil, fmt.Errorf("invalid AMQP URL scheme: %q", u.Scheme)
	}

	username := "guest"
	password := "guest"
	if u.User != nil {
		username = u.User.Username()
		if p, ok := u.User.Password(); ok {
			password = p
		}
	}

	scheme := "http"
	if u.Scheme == "amqps" {
		scheme = "https"
	}

	c := &Client{
		managementURL: fmt.Sprintf("%s://%s:15672/api", scheme, u.Hostname()),
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		username:      username,
		password:      password,
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// ManagementURL returns the API base URL in use
func (c *Client) ManagementURL() string {
	return c.managementURL
}

// ListQueues returns information about all queues
func (c *Client) ListQueues(ctx context.Context) ([]QueueInfo, error) {
	var apiQueues []struct {
		Name            string `json:"name"`
		VHost           string `json:"vhost"`
		Messages        int    `json:"messages"`
		MessagesReady   int    `json:"messages_ready"`
		MessagesUnacked int    `json:"messages_unacknowledged"`
		Consumers       int    `json:"consumers"`
		State           string `json:"state"`
		MessageStats    struct {
			PublishDetails struct {
				Rate float64 `json:"rate"`
			} `json:"publish_details"`
		} `json:"message_stats"`
	}
	if err := c.get(ctx, "/queues", &apiQueues); err != nil {
		return nil, err
	}

	queues := make([]QueueInfo, len(apiQueues))
	for i, q := range apiQueues {
		queues[i] = QueueInfo{
			Name:            q.Name,
			VHost:           q.VHost,
			Messages:        q.Messages,
			MessagesReady:   q.MessagesReady,
			MessagesUnacked: q.MessagesUnacked,
			Consumers:       q.Consumers,
			PublishRate:     q.MessageStats.PublishDetails.Rate,
			State:           q.State,
		}
	}
	return queues, nil
}

// DomainQueues returns the queues named prefix+domain, sorted by domain
func (c *Client) DomainQueues(ctx context.Context, prefix string) ([]DomainQueue, error) {
	queues, err := c.ListQueues(ctx)
	if err != nil {
		return nil, err
	}

	var domains []DomainQueue
	for _, q := range queues {
		domain, ok := strings.CutPrefix(q.Name, prefix)
		if !ok || domain == "" {
			continue
		}
		domains = append(domains, DomainQueue{Domain: domain, QueueInfo: q})
	}
	sort.Slice(domains, func(i, j int) bool {
		return domains[i].Domain < domains[j].Domain
	})
	return domains, nil
}

// get makes an authenticated GET request and decodes the JSON answer into v
func (c *Client) get(ctx context.Context, endpoint string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.managementURL+endpoint, nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.username, c.password)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("management API request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("management API error: %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
