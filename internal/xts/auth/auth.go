// Package auth obtains and releases market-data session tokens: host lookup for
// the unique key, login for the token, logout at the end of the day.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"
	"marketfeed.com/pkg/logger"
	"marketfeed.com/pkg/ratelimit"
	"marketfeed.com/pkg/xerr"
)

const (
	breakerHostLookup = "xts_hostlookup"
	breakerLogin      = "xts_login"
	breakerLogout     = "xts_logout"

	maxBody = 1 << 20
)

var ErrEmptyResult = errors.New("auth: empty result")

type Config struct {
	BaseURL        string        `mapstructure:"base_url"` // e.g. https://ttblaze.iifl.com
	LookupPort     int           `mapstructure:"lookup_port"`
	AccessPassword string        `mapstructure:"access_password"`
	Version        string        `mapstructure:"version"`
	AppKey         string        `mapstructure:"app_key"`
	SecretKey      string        `mapstructure:"secret_key"`
	Source         string        `mapstructure:"source"`
	Timeout        time.Duration `mapstructure:"timeout"`
	TokenTTL       time.Duration `mapstructure:"token_ttl"`
}

func (c *Config) defaults() {
	if c.LookupPort == 0 {
		c.LookupPort = 4000
	}
	if c.Source == "" {
		c.Source = "WEB"
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	if c.TokenTTL <= 0 {
		c.TokenTTL = 8 * time.Hour
	}
}

func (c Config) Validate() error {
	var missing []string
	if c.BaseURL == "" {
		missing = append(missing, "base_url")
	}
	if c.AppKey == "" {
		missing = append(missing, "app_key")
	}
	if c.SecretKey == "" {
		missing = append(missing, "secret_key")
	}
	if len(missing) > 0 {
		return xerr.New(xerr.RequestParamsError, "auth: missing "+strings.Join(missing, ", "))
	}
	return nil
}

// Session is what login hands back.
type Session struct {
	Token  string `json:"token"`
	UserID string `json:"userID"`
}

// Client talks to the gateway's REST endpoints. Every call goes through a
// per-endpoint circuit breaker and a per-endpoint rate limiter.
type Client struct {
	cfg      Config
	http     *http.Client
	breakers *ratelimit.Manager
	limits   *ratelimit.Store
	cache    TokenCache
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithBreakers(m *ratelimit.Manager) Option { return func(c *Client) { c.breakers = m } }

func WithLimits(s *ratelimit.Store) Option { return func(c *Client) { c.limits = s } }

// WithTokenCache lets Authenticate reuse a token from an earlier run.
func WithTokenCache(tc TokenCache) Option { return func(c *Client) { c.cache = tc } }

func New(cfg Config, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.defaults()
	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		breakers: ratelimit.NewManager(ratelimit.Rule{
			TripConsecutiveFailures: 3,
			Timeout:                 30 * time.Second,
		}, nil),
		// 网关对登录接口有频率限制
		limits: ratelimit.NewStore(1, 1),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// envelope is the gateway's response wrapper.
type envelope struct {
	Type        string          `json:"type"`
	Code        string          `json:"code"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

// HostLookUp returns the unique key the login call needs as its authorization.
func (c *Client) HostLookUp(ctx context.Context) (string, error) {
	u, err := c.lookupURL()
	if err != nil {
		return "", err
	}
	req := map[string]string{
		"accesspassword": c.cfg.AccessPassword,
		"version":        c.cfg.Version,
	}
	var res struct {
		UniqueKey        string `json:"uniqueKey"`
		ConnectionString string `json:"connectionString"`
	}
	if err := c.call(ctx, breakerHostLookup, http.MethodPost, u, "", req, &res); err != nil {
		return "", err
	}
	if res.UniqueKey == "" {
		return "", fmt.Errorf("host lookup: %w", ErrEmptyResult)
	}
	return res.UniqueKey, nil
}

// Login exchanges the app credentials for a session token.
func (c *Client) Login(ctx context.Context, uniqueKey string) (Session, error) {
	req := map[string]string{
		"secretKey": c.cfg.SecretKey,
		"appKey":    c.cfg.AppKey,
		"source":    c.cfg.Source,
	}
	var s Session
	if err := c.call(ctx, breakerLogin, http.MethodPost, c.apiURL("/apimarketdata/auth/login"), uniqueKey, req, &s); err != nil {
		return Session{}, err
	}
	if s.Token == "" {
		return Session{}, fmt.Errorf("login: %w", ErrEmptyResult)
	}
	return s, nil
}

// Logout invalidates token and drops it from the cache.
func (c *Client) Logout(ctx context.Context, token string) error {
	if token == "" {
		return xerr.New(xerr.RequestParamsError, "logout: empty token")
	}
	if err := c.call(ctx, breakerLogout, http.MethodDelete, c.apiURL("/apimarketdata/auth/logout"), token, nil, nil); err != nil {
		return err
	}
	if c.cache != nil {
		if err := c.cache.Drop(ctx); err != nil {
			logger.Warn(ctx, "token cache drop failed", zap.Error(err))
		}
	}
	logger.Info(ctx, "logged out")
	return nil
}

// Authenticate returns a cached session if there is one, otherwise performs
// host lookup and login and caches the result.
func (c *Client) Authenticate(ctx context.Context) (Session, error) {
	if c.cache != nil {
		s, ok, err := c.cache.Get(ctx)
		switch {
		case err != nil:
			logger.Warn(ctx, "token cache read failed", zap.Error(err))
		case ok:
			logger.Info(ctx, "using cached session token", zap.String("user_id", s.UserID))
			return s, nil
		}
	}

	key, err := c.HostLookUp(ctx)
	if err != nil {
		return Session{}, fmt.Errorf("host lookup: %w", err)
	}
	s, err := c.Login(ctx, key)
	if err != nil {
		return Session{}, fmt.Errorf("login: %w", err)
	}
	logger.Info(ctx, "logged in", zap.String("user_id", s.UserID))

	if c.cache != nil {
		if err := c.cache.Put(ctx, s, c.cfg.TokenTTL); err != nil {
			logger.Warn(ctx, "token cache write failed", zap.Error(err))
		}
	}
	return s, nil
}

func (c *Client) lookupURL() (string, error) {
	u, err := url.Parse(c.cfg.BaseURL)
	if err != nil {
		return "", xerr.New(xerr.RequestParamsError, "auth: base_url: "+err.Error())
	}
	u.Host = net.JoinHostPort(u.Hostname(), fmt.Sprint(c.cfg.LookupPort))
	u.Path = "/HostLookUp"
	return u.String(), nil
}

func (c *Client) apiURL(path string) string {
	return strings.TrimRight(c.cfg.BaseURL, "/") + path
}

// call runs one request through the limiter and breaker and decodes result into out.
func (c *Client) call(ctx context.Context, name, method, target, authz string, in, out any) error {
	if err := c.limits.Wait(ctx, name); err != nil {
		return xerr.New(xerr.UpstreamTimeout, name+": "+err.Error())
	}

	body, err := c.breakers.Execute(name, func() ([]byte, error) {
		return c.do(ctx, method, target, authz, in)
	})
	if err != nil {
		logger.Warn(ctx, "gateway call failed", zap.String("call", name), zap.Error(err))
		return err
	}
	if out == nil {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return xerr.New(xerr.UpstreamError, name+": decode: "+err.Error())
	}
	if len(env.Result) == 0 || string(env.Result) == "null" {
		return fmt.Errorf("%s: %w", name, ErrEmptyResult)
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return xerr.New(xerr.UpstreamError, name+": decode result: "+err.Error())
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, target, authz string, in any) ([]byte, error) {
	var rd io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return nil, xerr.New(xerr.RequestParamsError, err.Error())
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return nil, xerr.New(xerr.RequestParamsError, err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	if authz != "" {
		req.Header.Set("Authorization", authz)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var ne net.Error
		if (errors.As(err, &ne) && ne.Timeout()) || errors.Is(err, context.DeadlineExceeded) {
			return nil, xerr.New(xerr.UpstreamTimeout, err.Error())
		}
		return nil, xerr.New(xerr.UpstreamError, err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, xerr.New(xerr.UpstreamError, err.Error())
	}
	if resp.StatusCode/100 != 2 {
		return nil, statusError(resp.StatusCode, body)
	}
	return body, nil
}

// statusError keeps the gateway's description but never the request.
func statusError(status int, body []byte) error {
	var env envelope
	desc := http.StatusText(status)
	if json.Unmarshal(body, &env) == nil && env.Description != "" {
		desc = env.Description
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return xerr.New(xerr.Unauthorized, desc)
	case status == http.StatusNotFound:
		return xerr.New(xerr.RecordNotFound, desc)
	case status >= 400 && status < 500:
		return xerr.New(xerr.RequestParamsError, desc)
	case status == http.StatusGatewayTimeout:
		return xerr.New(xerr.UpstreamTimeout, desc)
	default:
		return xerr.New(xerr.UpstreamError, fmt.Sprintf("status %d: %s", status, desc))
	}
}
