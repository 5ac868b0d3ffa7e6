// Package alerts keeps at most one platform-level wait notification per
// batch stage, scheduling and cancelling them through a Notifier.
package alerts

import (
	"context"
	"strings"
	"time"
)

// Wait kinds.
const (
	KindTimer       = "timer"
	KindLoopTimeout = "loop_timeout"
)

// Capability is the opaque per-request bundle needed to reach the
// notification service on behalf of an operator.
type Capability struct {
	Endpoint    string `json:"endpoint"`
	AccessToken string `json:"access_token"`
	Locale      string `json:"locale,omitempty"`
}

// Usable reports whether c can be used to call the service at all.
func (c *Capability) Usable() bool {
	return c != nil && strings.TrimSpace(c.AccessToken) != ""
}

// Notifier is the notification-service collaborator.
type Notifier interface {
	ScheduleReminder(ctx context.Context, grant Capability, message string, fireAt time.Time) (string, error)
	CancelReminder(ctx context.Context, grant Capability, id string) error
}

// WaitSpec describes the wait a stage imposes.
type WaitSpec struct {
	Duration time.Duration
	Kind     string
	Message  string
}

// Outcome is reported to callers as flags, never as an error.
type Outcome struct {
	ExternalID       string
	Scheduled        bool
	PermissionNeeded bool
}
