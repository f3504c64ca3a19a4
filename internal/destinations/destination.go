package destinations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownDestinationType = errors.New("unknown destination type")
	ErrInvalidDescriptor      = errors.New("invalid destination descriptor")
)

const (
	TypeWebhook    = "webhook"
	TypeFilesystem = "filesystem"
)

// RetryPolicyConfig is the per-destination retry knob persisted on the job row.
type RetryPolicyConfig struct {
	MaxAttempts       int     `json:"max_attempts,omitempty"`
	InitialDelayMs    int     `json:"initial_delay_ms,omitempty"`
	MaxDelayMs        int     `json:"max_delay_ms,omitempty"`
	BackoffMultiplier float64 `json:"backoff_multiplier,omitempty"`
}

// AuthConfig covers the webhook auth modes.
type AuthConfig struct {
	Type     string `json:"type"` // bearer | basic | api_key
	Token    string `json:"token,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	Header   string `json:"header,omitempty"` // api_key header name
	Key      string `json:"key,omitempty"`    // api_key value
}

// Descriptor is the tagged, persisted destination shape. Fields are flat; the
// Type tag decides which subset is meaningful.
type Descriptor struct {
	Type string `json:"type"`

	// filesystem
	Path           string `json:"path,omitempty"`
	Format         string `json:"format,omitempty"` // json | yaml
	CreateDirs     bool   `json:"create_dirs,omitempty"`
	Overwrite      bool   `json:"overwrite,omitempty"`
	BackupExisting bool   `json:"backup_existing,omitempty"`
	Permissions    string `json:"permissions,omitempty"` // octal, e.g. "0644"

	// webhook
	URL            string            `json:"url,omitempty"`
	Method         string            `json:"method,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Auth           *AuthConfig       `json:"auth,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	RetryPolicy    *RetryPolicyConfig `json:"retry_policy,omitempty"`
}

func (d Descriptor) Validate() error {
	switch d.Type {
	case TypeFilesystem:
		if d.Path == "" {
			return fmt.Errorf("%w: filesystem destination requires path", ErrInvalidDescriptor)
		}
		if d.Format != "" && d.Format != "json" && d.Format != "yaml" {
			return fmt.Errorf("%w: unsupported format %q", ErrInvalidDescriptor, d.Format)
		}
	case TypeWebhook:
		if d.URL == "" {
			return fmt.Errorf("%w: webhook destination requires url", ErrInvalidDescriptor)
		}
		if d.Auth != nil {
			switch d.Auth.Type {
			case "bearer", "basic", "api_key":
			default:
				return fmt.Errorf("%w: unsupported auth type %q", ErrInvalidDescriptor, d.Auth.Type)
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownDestinationType, d.Type)
	}
	return nil
}

// Summary is the short descriptor string recorded on delivery results.
func (d Descriptor) Summary() string {
	switch d.Type {
	case TypeWebhook:
		return "webhook:" + d.URL
	case TypeFilesystem:
		return "filesystem:" + d.Path
	default:
		return d.Type
	}
}

// ParseList decodes the destinations JSON persisted on a job row.
func ParseList(raw json.RawMessage) ([]Descriptor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var out []Descriptor
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDescriptor, err)
	}
	return out, nil
}

// DeliveryContext carries the values destinations may interpolate into
// templates and request metadata.
type DeliveryContext struct {
	JobUUID   string
	TaskName  string
	Timestamp time.Time
	Env       string
}

// Destination performs a single delivery attempt. The dispatcher owns retry
// and attempt recording; implementations just try once.
type Destination interface {
	// Deliver returns the HTTP status when one was observed (webhooks) and
	// the attempt error, nil on success.
	Deliver(ctx context.Context, payload json.RawMessage, dctx DeliveryContext) (*int, error)
}

// Build resolves a descriptor to its runtime destination.
func Build(d Descriptor) (Destination, error) {
	if err := d.Validate(); err != nil {
		return nil, err
	}
	switch d.Type {
	case TypeWebhook:
		return newWebhook(d), nil
	case TypeFilesystem:
		return newFilesystem(d), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDestinationType, d.Type)
	}
}
