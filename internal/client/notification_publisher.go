package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-workflow/internal/metrics"
	"github.com/pesio-ai/be-plt-workflow/internal/service"
)

// NotificationPublisher publishes workflow transition events to NATS for
// consumption by the notifications service, which resolves recipients and
// sends the e-mails.
//
// Subject convention: <prefix>.<module>, e.g. notifications.workflow.maturation
//
// All publish operations are non-fatal: errors are logged but never propagated
// to the caller, so notification failures never interrupt transitions.
type NotificationPublisher struct {
	conn    Publisher
	prefix  string
	metrics *metrics.Recorder
	log     zerolog.Logger
	now     func() time.Time
}

// NotificationEvent is the JSON schema published to NATS.
type NotificationEvent struct {
	EventType    string         `json:"event_type"`
	ActorID      string         `json:"actor_id"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	IsActionable bool           `json:"is_actionable,omitempty"`
	DueAt        *time.Time     `json:"due_at,omitempty"`
	Severity     string         `json:"severity,omitempty"`
	Category     string         `json:"category,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// NewNotificationPublisher creates a publisher. A nil conn disables publishing.
func NewNotificationPublisher(conn Publisher, prefix string, m *metrics.Recorder, log zerolog.Logger) *NotificationPublisher {
	return &NotificationPublisher{conn: conn, prefix: prefix, metrics: m, log: log, now: time.Now}
}

var _ service.Notifier = (*NotificationPublisher)(nil)

// PublishTransition publishes a workflow_transition event for a step flagged
// for e-mail notification.
func (p *NotificationPublisher) PublishTransition(_ context.Context, ev service.TransitionEvent) {
	if p.conn == nil {
		return
	}

	event := &NotificationEvent{
		EventType:    "workflow_transition",
		ActorID:      ev.ActingUserID,
		ResourceType: strings.ToLower(ev.EntityType),
		ResourceID:   ev.EntityID,
		IsActionable: ev.DelayDays > 0,
		Severity:     "info",
		Category:     "workflow",
		Payload: map[string]any{
			"module":       string(ev.Module),
			"step_code":    ev.StepCode,
			"step_name":    ev.StepName,
			"state_before": ev.StateBefore,
			"state_after":  ev.StateAfter,
			"comment":      ev.Comment,
		},
	}
	if ev.DelayDays > 0 {
		due := p.now().UTC().AddDate(0, 0, ev.DelayDays)
		event.DueAt = &due
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.log.Warn().Err(err).Str("step_code", ev.StepCode).Msg("notification: failed to marshal event")
		p.metrics.ObserveNotification(err)
		return
	}

	subject := fmt.Sprintf("%s.%s", p.prefix, strings.ToLower(string(ev.Module)))
	err = p.conn.Publish(subject, data)
	p.metrics.ObserveNotification(err)
	if err != nil {
		p.log.Warn().Err(err).
			Str("subject", subject).
			Str("entity_id", ev.EntityID).
			Msg("notification: failed to publish NATS event (non-fatal)")
		return
	}

	p.log.Debug().
		Str("subject", subject).
		Str("entity_id", ev.EntityID).
		Str("step_code", ev.StepCode).
		Msg("notification: event published")
}
