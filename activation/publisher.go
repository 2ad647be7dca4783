// Package activation announces activated rules to downstream enforcement
// points. Delivery is at-least-once; consumers dedupe by rule id.
package activation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/c360studio/semgov/policy"
)

// SubjectPrefix is the subject (or topic) prefix for activation events.
const SubjectPrefix = "policy.activated"

// Event is the wire format of an activation.
type Event struct {
	RuleID      string          `json:"rule_id"`
	Domain      string          `json:"domain"`
	Version     int             `json:"version"`
	Predecessor string          `json:"predecessor_version,omitempty"`
	Body        json.RawMessage `json:"rule_body"`
	Signature   string          `json:"integrity_signature"`
	KeyID       string          `json:"key_id"`
	ActivatedAt time.Time       `json:"activation_timestamp"`
}

// NewEvent builds the event for an activated rule.
func NewEvent(rule *policy.CompiledPolicyRule) Event {
	return Event{
		RuleID:      rule.ID,
		Domain:      rule.Domain,
		Version:     rule.Version,
		Predecessor: rule.Predecessor,
		Body:        json.RawMessage(rule.Body),
		Signature:   rule.Signature,
		KeyID:       rule.KeyID,
		ActivatedAt: rule.ActivatedAt,
	}
}

// Marshal encodes the event for rule.
func Marshal(rule *policy.CompiledPolicyRule) ([]byte, error) {
	data, err := json.Marshal(NewEvent(rule))
	if err != nil {
		return nil, fmt.Errorf("marshal activation event: %w", err)
	}
	return data, nil
}

var subjectUnsafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// Subject returns the subject for a domain. Characters outside the NATS
// token alphabet become underscores.
func Subject(domain string) string {
	return SubjectPrefix + "." + subjectUnsafe.ReplaceAllString(domain, "_")
}

// Publisher announces an activated rule.
type Publisher interface {
	Publish(ctx context.Context, rule *policy.CompiledPolicyRule) error
}

// Func adapts a function to Publisher.
type Func func(ctx context.Context, rule *policy.CompiledPolicyRule) error

// Publish implements Publisher.
func (f Func) Publish(ctx context.Context, rule *policy.CompiledPolicyRule) error {
	return f(ctx, rule)
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, rule *policy.CompiledPolicyRule) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, rule); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Nop discards activations.
var Nop Publisher = Func(func(context.Context, *policy.CompiledPolicyRule) error { return nil })
