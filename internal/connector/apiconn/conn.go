// Package apiconn implements the "api" connector type: a client for a
// remote instance exposing pipes over JSON endpoints. Only the client
// side lives here; the server is somebody else's process.
package apiconn

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pipestream-io/pipestream/internal/connector"
	"github.com/pipestream-io/pipestream/internal/logging"
)

func init() {
	connector.Register("api", New)
}

// tokenSlack renews the session this long before it expires.
const tokenSlack = 30 * time.Second

// APIConnector talks to a remote pipes instance over HTTP.
type APIConnector struct {
	label    string
	protocol string
	host     string
	port     int
	username string
	password string

	// chaining marks this connector as a parent other instances sync
	// through; chaining over plain http is a policy violation.
	chaining bool

	client *http.Client

	mu      sync.Mutex
	token   string
	expires time.Time
}

// New builds an APIConnector from its attribute map.
func New(label string, attrs map[string]interface{}) (connector.Connector, error) {
	host := connector.StringAttr(attrs, "host", "")
	if host == "" {
		return nil, fmt.Errorf("api connector %q needs a host attribute", label)
	}
	protocol := connector.StringAttr(attrs, "protocol", "https")
	if protocol != "http" && protocol != "https" {
		return nil, fmt.Errorf("api connector %q: unsupported protocol %q", label, protocol)
	}
	port := connector.IntAttr(attrs, "port", 0)
	if port == 0 {
		port = 443
		if protocol == "http" {
			port = 80
		}
	}
	chaining := false
	if v, ok := attrs["chaining"].(bool); ok {
		chaining = v
	}
	return &APIConnector{
		label:    label,
		protocol: protocol,
		host:     host,
		port:     port,
		username: connector.StringAttr(attrs, "username", ""),
		password: connector.StringAttr(attrs, "password", ""),
		chaining: chaining,
		client:   &http.Client{Timeout: 90 * time.Second},
	}, nil
}

func (c *APIConnector) Keys() string  { return "api:" + c.label }
func (c *APIConnector) Type() string  { return "api" }
func (c *APIConnector) Label() string { return c.label }
func (c *APIConnector) Close() error  { return nil }

// BaseURL returns the connector's root endpoint.
func (c *APIConnector) BaseURL() string {
	return fmt.Sprintf("%s://%s:%d", c.protocol, c.host, c.port)
}

// Preflight rejects chaining over plain http before any network
// attempt is made.
func (c *APIConnector) Preflight() error {
	if c.chaining && c.protocol == "http" {
		return fmt.Errorf("%w: parent %s uses http", connector.ErrChainingPolicy, c.BaseURL())
	}
	return nil
}

// Test probes liveness with a login round trip.
func (c *APIConnector) Test(ctx context.Context) error {
	return c.login(ctx)
}

type loginResponse struct {
	Token   string `json:"access_token"`
	Expires string `json:"expires"`
}

// login fetches a fresh session token when the current one is missing
// or about to expire.
func (c *APIConnector) login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Until(c.expires) > tokenSlack {
		return nil
	}

	body, _ := json.Marshal(map[string]string{
		"username": c.username,
		"password": c.password,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL()+"/api/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("login to %s: %w", c.Keys(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("login to %s failed (%d): %s", c.Keys(), resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	var lr loginResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("decoding login response from %s: %w", c.Keys(), err)
	}
	c.token = lr.Token
	c.expires = time.Now().Add(10 * time.Minute)
	if lr.Expires != "" {
		if t, err := time.Parse(time.RFC3339, lr.Expires); err == nil {
			c.expires = t
		}
	}
	logging.Debug("logged in to %s, session expires %s", c.Keys(), c.expires.Format(time.RFC3339))
	return nil
}

// statusError is a non-2xx response.
type statusError struct {
	status int
	msg    string
}

func (e *statusError) Error() string { return e.msg }

// statusOf returns the HTTP status behind err, 0 when err is not a
// response error.
func statusOf(err error) int {
	var se *statusError
	if errors.As(err, &se) {
		return se.status
	}
	return 0
}

// do performs an authenticated request and decodes the JSON response
// into out when non-nil.
func (c *APIConnector) do(ctx context.Context, method, path string, query url.Values, payload, out interface{}) error {
	if err := c.login(ctx); err != nil {
		return err
	}

	endpoint := c.BaseURL() + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encoding request for %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	req.Header.Set("Authorization", "Bearer "+c.token)
	c.mu.Unlock()
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s on %s: %w", method, path, c.Keys(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{
			status: resp.StatusCode,
			msg: fmt.Sprintf("%s %s on %s failed (%d): %s",
				method, path, c.Keys(), resp.StatusCode, strings.TrimSpace(string(msg))),
		}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response from %s: %w", path, c.Keys(), err)
	}
	return nil
}
