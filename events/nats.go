package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"
)

// DefaultStream is the JetStream stream capturing lifecycle events.
const DefaultStream = "SIMFLOW_EVENTS"

// NATSPublisher publishes events to a JetStream stream so consumers that
// were offline can catch up.
type NATSPublisher struct {
	js     jetstream.JetStream
	prefix string
}

var _ Publisher = (*NATSPublisher)(nil)

// NewNATSPublisher ensures the event stream exists and returns a publisher
// on it. An empty prefix means DefaultSubjectPrefix.
func NewNATSPublisher(ctx context.Context, js jetstream.JetStream, prefix string) (*NATSPublisher, error) {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        DefaultStream,
		Description: "Simflow workflow lifecycle events",
		Subjects:    []string{prefix + ".>"},
		MaxMsgs:     100000,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure event stream: %w", err)
	}
	return &NATSPublisher{js: js, prefix: prefix}, nil
}

// Publish implements Publisher.
func (p *NATSPublisher) Publish(ctx context.Context, e Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := p.js.Publish(ctx, Subject(p.prefix, e), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}
