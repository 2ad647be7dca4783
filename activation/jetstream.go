package activation

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/c360studio/semgov/policy"
)

// streamPublisher is the subset of jetstream.JetStream used here.
type streamPublisher interface {
	Publish(ctx context.Context, subject string, data []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// StreamName is the JetStream stream that captures activation subjects.
const StreamName = "POLICY_ACTIVATIONS"

// JetStreamPublisher publishes to policy.activated.<domain>. The rule id is
// the message id, so the stream's duplicate window drops redeliveries.
type JetStreamPublisher struct {
	js streamPublisher
}

// NewJetStreamPublisher creates a publisher. It creates the activation
// stream if it doesn't exist.
func NewJetStreamPublisher(ctx context.Context, js jetstream.JetStream) (*JetStreamPublisher, error) {
	if _, err := js.Stream(ctx, StreamName); err != nil {
		// Stream doesn't exist, create it
		_, err = js.CreateStream(ctx, jetstream.StreamConfig{
			Name:        StreamName,
			Description: "Activated governance rules",
			Subjects:    []string{SubjectPrefix + ".>"},
		})
		if err != nil {
			return nil, fmt.Errorf("create activation stream: %w", err)
		}
	}
	return &JetStreamPublisher{js: js}, nil
}

// Publish implements Publisher.
func (p *JetStreamPublisher) Publish(ctx context.Context, rule *policy.CompiledPolicyRule) error {
	data, err := Marshal(rule)
	if err != nil {
		return err
	}
	subject := Subject(rule.Domain)
	if _, err := p.js.Publish(ctx, subject, data, jetstream.WithMsgID(rule.ID)); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}
