// Package client talks to a running beeswarm daemon over its HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/events"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/health"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/manager"
	"github.com/brunobertapeli/BeeSwarmv2-sub001/internal/process"
)

const (
	DefaultBaseURL = "http://127.0.0.1:8787/api"
	// DefaultTimeout covers a full start, which waits for readiness.
	DefaultTimeout = 60 * time.Second
)

// Client provides HTTP client functionality to communicate with the daemon.
type Client struct {
	baseURL string
	client  *http.Client
	// stream has no timeout; event streams are bounded by their context.
	stream *http.Client
	logger *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // optional
}

func DefaultConfig() Config {
	return Config{BaseURL: DefaultBaseURL, Timeout: DefaultTimeout}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = DefaultTimeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		client:  &http.Client{Timeout: config.Timeout},
		stream:  &http.Client{},
		logger:  config.Logger,
	}
}

// BaseURL returns the daemon API root the client targets.
func (c *Client) BaseURL() string { return c.baseURL }

// PortResponse is the body of a successful start or restart.
type PortResponse struct {
	ID   string `json:"id"`
	Port int    `json:"port"`
}

type activeBody struct {
	ID string `json:"id"`
}

func (c *Client) Start(id, dir string) (int, error) {
	var out PortResponse
	err := c.do(http.MethodPost, projectPath(id, "start"), map[string]string{"dir": dir}, &out)
	return out.Port, err
}

func (c *Client) Stop(id string, force bool) error {
	return c.do(http.MethodPost, projectPath(id, "stop")+"?force="+strconv.FormatBool(force), nil, nil)
}

// Restart with an empty dir reuses the daemon's known directory.
func (c *Client) Restart(id, dir string) (int, error) {
	var body any
	if dir != "" {
		body = map[string]string{"dir": dir}
	}
	var out PortResponse
	err := c.do(http.MethodPost, projectPath(id, "restart"), body, &out)
	return out.Port, err
}

func (c *Client) Project(id string) (manager.ProjectInfo, error) {
	var out manager.ProjectInfo
	err := c.do(http.MethodGet, projectPath(id, ""), nil, &out)
	return out, err
}

func (c *Client) Projects() ([]manager.ProjectInfo, error) {
	var out []manager.ProjectInfo
	err := c.do(http.MethodGet, "/projects", nil, &out)
	return out, err
}

func (c *Client) Output(id string, limit int) ([]process.Line, error) {
	var out []process.Line
	err := c.do(http.MethodGet, projectPath(id, "output")+"?limit="+strconv.Itoa(limit), nil, &out)
	return out, err
}

func (c *Client) Health(id string, check bool) (health.Status, error) {
	method, path := http.MethodGet, projectPath(id, "health")
	if check {
		method, path = http.MethodPost, projectPath(id, "health/check")
	}
	var out health.Status
	err := c.do(method, path, nil, &out)
	return out, err
}

func (c *Client) Active() (string, error) {
	var out activeBody
	err := c.do(http.MethodGet, "/active", nil, &out)
	return out.ID, err
}

func (c *Client) SetActive(id string) error {
	return c.do(http.MethodPut, "/active", activeBody{ID: id}, nil)
}

// Follow streams events for project (all projects when empty) until ctx is
// done or the daemon closes the stream.
func (c *Client) Follow(ctx context.Context, project string, fn func(events.Event)) error {
	u := c.baseURL + "/events"
	if project != "" {
		u += "?project=" + url.QueryEscape(project)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		var e events.Event
		if err := json.Unmarshal([]byte(data), &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		fn(e)
	}
	if ctx.Err() != nil {
		return nil
	}
	return sc.Err()
}

func projectPath(id, action string) string {
	p := "/projects/" + url.PathEscape(id)
	if action != "" {
		p += "/" + action
	}
	return p
}

func (c *Client) do(method, path string, body, out any) error {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.baseURL+path, rdr)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon request failed", "method", method, "path", path, "error", err)
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return apiError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func apiError(resp *http.Response) error {
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("API error: %s", resp.Status)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
