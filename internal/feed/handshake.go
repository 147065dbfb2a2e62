package feed

import (
	"fmt"
	"net/url"
	"strings"
)

const redactedToken = "xxxxx"

// BuildHandshakeURL appends the four authentication parameters to the base
// address. Keys are always written in the same order so logged URLs can be
// compared across runs.
func BuildHandshakeURL(cfg SessionConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	return buildURL(cfg, cfg.Token)
}

// RedactedURL is BuildHandshakeURL with the token masked; use it for logs and errors.
func RedactedURL(cfg SessionConfig) string {
	u, err := buildURL(cfg, redactedToken)
	if err != nil {
		return cfg.BaseURL
	}
	return u
}

func buildURL(cfg SessionConfig, token string) (string, error) {
	base, err := url.Parse(strings.TrimSpace(cfg.BaseURL))
	if err != nil {
		return "", fmt.Errorf("%w: base_url: %v", ErrInvalidConfig, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("%w: base_url %q needs scheme and host", ErrInvalidConfig, cfg.BaseURL)
	}
	if base.Path == "" {
		base.Path = "/"
	}
	base.RawQuery = ""
	base.Fragment = ""

	var b strings.Builder
	b.WriteString(base.String())
	b.WriteString("?token=")
	b.WriteString(url.QueryEscape(token))
	b.WriteString("&userID=")
	b.WriteString(url.QueryEscape(cfg.UserID))
	b.WriteString("&publishFormat=")
	b.WriteString(url.QueryEscape(string(cfg.PublishFormat)))
	b.WriteString("&broadcastMode=")
	b.WriteString(url.QueryEscape(string(cfg.BroadcastMode)))
	return b.String(), nil
}
