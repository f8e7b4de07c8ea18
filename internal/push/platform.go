package push

import (
	"context"
	"errors"
	"os/exec"

	"github.com/smallsteps/notify/internal/delivery"
)

// Payload is an OS-level push delivered outside the hub, typically while the
// hub connection is down. Bare payloads may carry only a tag and display
// text; NotificationID is zero when the push service stripped it.
type Payload struct {
	NotificationID int64  `json:"notificationId,omitempty"`
	Tag            string `json:"tag,omitempty"`
	Type           string `json:"type,omitempty"`
	Title          string `json:"title"`
	Message        string `json:"message"`
	RedirectURL    string `json:"redirectUrl,omitempty"`
}

// Platform abstracts the hosting platform: whether native push registration
// is possible at all, the current alert permission, how alerts are raised,
// and where the device push token comes from.
type Platform interface {
	delivery.Platform

	// Name identifies the platform to the device token registry
	// (e.g. "android", "ios", "desktop-linux").
	Name() string
	// PushCapable reports whether this install can receive OS-level pushes.
	PushCapable() bool
	// Token returns the current device push token.
	Token(ctx context.Context) (string, error)
	// DeviceModel describes the device for the registry, may be empty.
	DeviceModel() string
	// Pushes exposes the OS push feed; nil when PushCapable is false.
	Pushes() <-chan Payload
}

// Unsupported returns a platform with no alert or push capability. The
// coordinator still applies state updates; it just never raises alerts.
func Unsupported() Platform {
	return unsupportedPlatform{}
}

type unsupportedPlatform struct{}

func (unsupportedPlatform) AlertsSupported() bool        { return false }
func (unsupportedPlatform) AlertPermissionGranted() bool { return false }
func (unsupportedPlatform) Raise(context.Context, delivery.Alert) error {
	return errors.New("push: alerts unsupported")
}
func (unsupportedPlatform) Name() string          { return "unsupported" }
func (unsupportedPlatform) PushCapable() bool     { return false }
func (unsupportedPlatform) Token(context.Context) (string, error) {
	return "", errors.New("push: no token")
}
func (unsupportedPlatform) DeviceModel() string    { return "" }
func (unsupportedPlatform) Pushes() <-chan Payload { return nil }

// HostConfig wires a host-provided platform: the embedding application
// supplies the push token, the push feed and the alert callback.
type HostConfig struct {
	PlatformName string
	Model        string
	DeviceToken  string
	Granted      bool
	AlertFunc    func(ctx context.Context, alert delivery.Alert) error
	PushFeed     <-chan Payload
}

// NewHostPlatform builds a Platform from host-supplied capabilities.
func NewHostPlatform(cfg HostConfig) Platform {
	return &hostPlatform{cfg: cfg}
}

type hostPlatform struct {
	cfg HostConfig
}

func (p *hostPlatform) AlertsSupported() bool        { return p.cfg.AlertFunc != nil }
func (p *hostPlatform) AlertPermissionGranted() bool { return p.cfg.Granted }

func (p *hostPlatform) Raise(ctx context.Context, alert delivery.Alert) error {
	if p.cfg.AlertFunc == nil {
		return errors.New("push: no alert callback configured")
	}
	return p.cfg.AlertFunc(ctx, alert)
}

func (p *hostPlatform) Name() string {
	if p.cfg.PlatformName == "" {
		return "host"
	}
	return p.cfg.PlatformName
}

func (p *hostPlatform) PushCapable() bool { return p.cfg.DeviceToken != "" && p.cfg.PushFeed != nil }

func (p *hostPlatform) Token(ctx context.Context) (string, error) {
	if p.cfg.DeviceToken == "" {
		return "", errors.New("push: no device token available")
	}
	return p.cfg.DeviceToken, nil
}

func (p *hostPlatform) DeviceModel() string    { return p.cfg.Model }
func (p *hostPlatform) Pushes() <-chan Payload { return p.cfg.PushFeed }

// NewCommandPlatform builds a desktop platform that raises alerts by running
// a local command such as notify-send. It has no push capability.
func NewCommandPlatform(name, command string, granted bool) Platform {
	return &commandPlatform{name: name, command: command, granted: granted}
}

type commandPlatform struct {
	name    string
	command string
	granted bool
}

func (p *commandPlatform) AlertsSupported() bool        { return p.command != "" }
func (p *commandPlatform) AlertPermissionGranted() bool { return p.granted }

func (p *commandPlatform) Raise(ctx context.Context, alert delivery.Alert) error {
	cmd := exec.CommandContext(ctx, p.command, alert.Title, alert.Message)
	return cmd.Run()
}

func (p *commandPlatform) Name() string {
	if p.name == "" {
		return "desktop"
	}
	return p.name
}

func (p *commandPlatform) PushCapable() bool { return false }
func (p *commandPlatform) Token(context.Context) (string, error) {
	return "", errors.New("push: no token")
}
func (p *commandPlatform) DeviceModel() string    { return "" }
func (p *commandPlatform) Pushes() <-chan Payload { return nil }
