package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-plt-workflow/internal/service"
)

// ChangeBus fans configuration changes out to the other replicas so their
// rule and step snapshots refresh without waiting for the next interval.
// Messages published by this process are ignored on receipt.
type ChangeBus struct {
	pub     Publisher
	sub     Subscriber
	subject string
	origin  string
	log     zerolog.Logger
}

// ChangeMessage is the JSON schema published on the change subject.
type ChangeMessage struct {
	Kind   service.ChangeKind `json:"kind"`
	Origin string             `json:"origin"`
	At     time.Time          `json:"at"`
}

// NewChangeBus creates a bus on conn. conn may be nil, which disables it.
func NewChangeBus(conn *nats.Conn, subject string, log zerolog.Logger) *ChangeBus {
	b := &ChangeBus{subject: subject, origin: uuid.NewString(), log: log}
	if conn != nil {
		b.pub, b.sub = conn, conn
	}
	return b
}

var _ service.ChangeBroadcaster = (*ChangeBus)(nil)

// BroadcastChange announces that a configuration set changed. Failures are
// logged; peers still converge on their refresh interval.
func (b *ChangeBus) BroadcastChange(_ context.Context, kind service.ChangeKind) {
	if b.pub == nil {
		return
	}
	data, err := json.Marshal(ChangeMessage{Kind: kind, Origin: b.origin, At: time.Now().UTC()})
	if err != nil {
		b.log.Warn().Err(err).Msg("change bus: failed to marshal message")
		return
	}
	if err := b.pub.Publish(b.subject, data); err != nil {
		b.log.Warn().Err(err).Str("subject", b.subject).Str("kind", string(kind)).
			Msg("change bus: failed to publish (non-fatal)")
	}
}

// Subscribe calls handle for every change announced by another process.
func (b *ChangeBus) Subscribe(handle func(kind service.ChangeKind)) (*nats.Subscription, error) {
	if b.sub == nil {
		return nil, nil
	}
	return b.sub.Subscribe(b.subject, func(msg *nats.Msg) {
		b.dispatch(msg.Data, handle)
	})
}

func (b *ChangeBus) dispatch(data []byte, handle func(kind service.ChangeKind)) {
	var m ChangeMessage
	if err := json.Unmarshal(data, &m); err != nil {
		b.log.Warn().Err(err).Msg("change bus: dropping malformed message")
		return
	}
	if m.Origin == b.origin {
		return
	}
	switch m.Kind {
	case service.ChangeRules, service.ChangeSteps:
		handle(m.Kind)
	default:
		b.log.Debug().Str("kind", string(m.Kind)).Msg("change bus: ignoring unknown kind")
	}
}
