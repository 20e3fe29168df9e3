package broker

import (
	"context"
	"time"

	"github.com/storyforge/eventbackbone/internal/domain/event"
)

// Broker is the abstract message broker boundary: publish-many with
// per-entry outcomes, rule-based routing to named delivery targets, and
// at-least-once bounded pull with delete-by-handle acknowledgement.
type Broker interface {
	// PublishEntries publishes a batch of envelopes. A zero-entry call is a
	// reachability probe and must touch no queue. The result reports
	// per-entry outcomes plus an aggregate failed count; the error return is
	// reserved for transport-level failure of the whole call.
	PublishEntries(ctx context.Context, entries []Entry) (*PublishResult, error)

	// PutRule creates or replaces a named routing rule.
	PutRule(ctx context.Context, name string, pattern Pattern) error

	// DeleteRule removes a rule and its target bindings.
	DeleteRule(ctx context.Context, name string) error

	// BindTarget routes matched events for the rule to the named delivery
	// target, creating the target queue when absent.
	BindTarget(ctx context.Context, ruleName, targetName string) error

	// UnbindTarget removes the rule-to-target binding.
	UnbindTarget(ctx context.Context, ruleName, targetName string) error

	// Receive pulls up to max messages from a delivery target, waiting up to
	// wait for the first message. Received messages stay invisible until
	// deleted or the visibility window lapses (at-least-once delivery).
	Receive(ctx context.Context, targetName string, max int, wait time.Duration) ([]Message, error)

	// DeleteMessage acknowledges a message by its receipt handle.
	DeleteMessage(ctx context.Context, targetName, receiptHandle string) error
}

// Entry is one envelope in a publish batch.
type Entry struct {
	Envelope *event.Event
}

// EntryResult reports the outcome for one published entry.
type EntryResult struct {
	EventID string
	Err     error
}

// PublishResult aggregates per-entry outcomes.
type PublishResult struct {
	Entries     []EntryResult
	FailedCount int
}

// Pattern is a routing predicate: event type membership, optional exact
// source and optional attribute-equality pairs, all AND-combined.
type Pattern struct {
	EventTypes []string
	Source     string
	Attributes map[string]string
}

// Matches reports whether an envelope satisfies the pattern.
func (p Pattern) Matches(e *event.Event) bool {
	if len(p.EventTypes) > 0 {
		found := false
		for _, t := range p.EventTypes {
			if t == e.Type {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if p.Source != "" && p.Source != e.Source {
		return false
	}
	for key, want := range p.Attributes {
		got, ok := e.Attribute(key)
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Message is one delivered envelope awaiting acknowledgement.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          []byte
	Attempts      int
}
