package xray

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/merdocx/veil-xray/pkg/logger"
)

// ClientConfig configures the ControlClient.
type ClientConfig struct {
	// APIBaseURL is the xray HTTP API root, e.g. http://127.0.0.1:10085.
	APIBaseURL string
	// BinaryPath locates the xray binary for statsquery subprocess calls.
	BinaryPath string
	// StatsServer is the host:port passed to `xray api statsquery --server`.
	StatsServer string
	// RetryAttempts is the total number of tries per API call.
	RetryAttempts int
	// RetryBackoff is the base delay between retries.
	RetryBackoff time.Duration
	// RetryCap bounds the exponential backoff.
	RetryCap time.Duration
	// RequestTimeout bounds a single HTTP attempt.
	RequestTimeout time.Duration
	// HealthTimeout bounds the health probe.
	HealthTimeout time.Duration
}

// ControlClient talks to the running xray process: client add/remove via
// its HTTP API and traffic counters via the statsquery subcommand. Every
// method degrades instead of failing; the running process is advisory
// and the config file on disk is the source of truth.
type ControlClient struct {
	config  ClientConfig
	http    *retryablehttp.Client
	healthy atomic.Bool
	logger  *logger.Logger
}

// UserTraffic holds one key's byte counters as reported by xray.
type UserTraffic struct {
	Upload   int64 `json:"upload"`
	Download int64 `json:"download"`
}

// NewControlClient creates a ControlClient with retrying HTTP transport.
func NewControlClient(config ClientConfig, log *logger.Logger) *ControlClient {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 3
	}
	if config.RetryBackoff <= 0 {
		config.RetryBackoff = 2 * time.Second
	}
	if config.RetryCap <= 0 {
		config.RetryCap = 10 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 10 * time.Second
	}
	if config.HealthTimeout <= 0 {
		config.HealthTimeout = 5 * time.Second
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = config.RetryAttempts - 1
	rc.RetryWaitMin = config.RetryBackoff
	rc.RetryWaitMax = config.RetryCap
	rc.HTTPClient.Timeout = config.RequestTimeout
	rc.Logger = nil
	rc.CheckRetry = checkRetry

	return &ControlClient{
		config: config,
		http:   rc,
		logger: log.WithComponent("xray.control"),
	}
}

// checkRetry retries on transport errors and non-2xx statuses, except
// 404 which callers treat as a meaningful answer, not a transient fault.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	if err != nil {
		return true, nil
	}
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return true, nil
	}
	return false, nil
}

// CheckHealth probes the running process by issuing a statsquery and
// caches the answer for Healthy().
func (c *ControlClient) CheckHealth(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, c.config.HealthTimeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, c.config.BinaryPath,
		"api", "statsquery", "--server="+c.config.StatsServer)
	err := cmd.Run()
	up := err == nil

	prev := c.healthy.Swap(up)
	if prev != up {
		c.logger.Info("xray health changed", slog.Bool("healthy", up))
	}
	return up
}

// Healthy returns the cached result of the last CheckHealth.
func (c *ControlClient) Healthy() bool {
	return c.healthy.Load()
}

type addUserRequest struct {
	InboundTag string `json:"inbound_tag,omitempty"`
	UUID       string `json:"uuid"`
	Email      string `json:"email"`
	Flow       string `json:"flow"`
}

type removeUserRequest struct {
	InboundTag string `json:"inbound_tag,omitempty"`
	Email      string `json:"email"`
}

// AddUserLive pushes a client into the running process without a
// restart. Returns false on any failure; callers proceed regardless
// because the durable config write is what actually provisions the key.
func (c *ControlClient) AddUserLive(ctx context.Context, uuid, email, flow string) bool {
	if !c.CheckHealth(ctx) {
		c.logger.Debug("skipping live add, xray API unreachable",
			slog.String("email", email))
		return false
	}

	body := addUserRequest{UUID: uuid, Email: email, Flow: flow}
	resp, err := c.post(ctx, "/api/v1/users/add", body)
	if err != nil {
		c.logger.Warn("live user add failed",
			slog.String("email", email),
			slog.String("error", err.Error()))
		return false
	}
	defer drainAndClose(resp)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("live user add rejected",
			slog.String("email", email),
			slog.Int("status", resp.StatusCode))
		return false
	}

	c.logger.Info("user added to running xray", slog.String("email", email))
	return true
}

// RemoveUserLive removes a client from the running process. A 404 from
// the API means the user is already gone, which is the desired state.
func (c *ControlClient) RemoveUserLive(ctx context.Context, email string) bool {
	if !c.CheckHealth(ctx) {
		c.logger.Debug("skipping live remove, xray API unreachable",
			slog.String("email", email))
		return false
	}

	body := removeUserRequest{Email: email}
	resp, err := c.post(ctx, "/api/v1/users/remove", body)
	if err != nil {
		c.logger.Warn("live user remove failed",
			slog.String("email", email),
			slog.String("error", err.Error()))
		return false
	}
	defer drainAndClose(resp)

	if resp.StatusCode == http.StatusNotFound {
		c.logger.Debug("user already absent from running xray",
			slog.String("email", email))
		return true
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Warn("live user remove rejected",
			slog.String("email", email),
			slog.Int("status", resp.StatusCode))
		return false
	}

	c.logger.Info("user removed from running xray", slog.String("email", email))
	return true
}

func (c *ControlClient) post(ctx context.Context, path string, payload any) (*http.Response, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, c.config.APIBaseURL+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	return c.http.Do(req)
}

func drainAndClose(resp *http.Response) {
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
}

// statsResponse is the JSON shape `xray api statsquery` prints. The
// value field arrives as a quoted int64 on some xray versions and as a
// bare number on others, so it is decoded leniently.
type statsResponse struct {
	Stat []struct {
		Name  string    `json:"name"`
		Value flexInt64 `json:"value"`
	} `json:"stat"`
}

// flexInt64 decodes both `"123"` and `123`.
type flexInt64 int64

func (v *flexInt64) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*v = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return err
	}
	*v = flexInt64(n)
	return nil
}

// UserStats queries traffic counters for a key identified by its email.
// Counter names look like `user>>>email>>>traffic>>>uplink`. Returns
// zeros on any failure.
func (c *ControlClient) UserStats(ctx context.Context, email string) UserTraffic {
	pattern := fmt.Sprintf("user>>>%s>>>", email)

	cmd := exec.CommandContext(ctx, c.config.BinaryPath,
		"api", "statsquery",
		"--server="+c.config.StatsServer,
		"--pattern", pattern)
	output, err := cmd.Output()
	if err != nil {
		c.logger.Debug("statsquery failed",
			slog.String("email", email),
			slog.String("error", err.Error()))
		return UserTraffic{}
	}

	return parseUserStats(output, email)
}

func parseUserStats(output []byte, email string) UserTraffic {
	var parsed statsResponse
	if err := json.Unmarshal(output, &parsed); err != nil {
		return UserTraffic{}
	}

	prefix := "user>>>" + email + ">>>"
	var traffic UserTraffic
	for _, stat := range parsed.Stat {
		if !strings.HasPrefix(stat.Name, prefix) {
			continue
		}
		switch {
		case strings.HasSuffix(stat.Name, ">>>uplink"):
			traffic.Upload += int64(stat.Value)
		case strings.HasSuffix(stat.Name, ">>>downlink"):
			traffic.Download += int64(stat.Value)
		}
	}
	return traffic
}
