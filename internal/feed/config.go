package feed

import (
	"fmt"
	"strings"
)

// PublishFormat selects the payload encoding the gateway pushes.
type PublishFormat string

const (
	PublishJSON   PublishFormat = "JSON"
	PublishBinary PublishFormat = "Binary"
)

// BroadcastMode selects full snapshots or partial (changed fields only) updates.
type BroadcastMode string

const (
	BroadcastFull    BroadcastMode = "Full"
	BroadcastPartial BroadcastMode = "Partial"
)

// SessionConfig is built once at startup and never mutated; the client and every
// reconnect attempt use the same copy.
type SessionConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	Token         string        `mapstructure:"token"`
	UserID        string        `mapstructure:"user_id"`
	PublishFormat PublishFormat `mapstructure:"publish_format"`
	BroadcastMode BroadcastMode `mapstructure:"broadcast_mode"`
}

// Validate only checks that every field is present. Token and enum values are
// judged by the gateway during the handshake.
func (c SessionConfig) Validate() error {
	var missing []string
	if strings.TrimSpace(c.BaseURL) == "" {
		missing = append(missing, "base_url")
	}
	if c.Token == "" {
		missing = append(missing, "token")
	}
	if c.UserID == "" {
		missing = append(missing, "user_id")
	}
	if c.PublishFormat == "" {
		missing = append(missing, "publish_format")
	}
	if c.BroadcastMode == "" {
		missing = append(missing, "broadcast_mode")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidConfig, strings.Join(missing, ", "))
	}
	return nil
}
