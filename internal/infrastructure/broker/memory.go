package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
)

// MemoryBroker is a single-process Broker used for local runs and tests.
// It honors the full contract: rule matching, per-entry publish outcomes,
// visibility-based at-least-once delivery and delete-by-handle.
type MemoryBroker struct {
	logger *zap.Logger

	mu     sync.Mutex
	rules  map[string]*memoryRule
	queues map[string]*memoryQueue

	limiter           *rate.Limiter
	visibilityTimeout time.Duration
}

type memoryRule struct {
	pattern Pattern
	targets []string
}

type memoryQueue struct {
	messages []*queuedMessage
}

type queuedMessage struct {
	id            string
	body          []byte
	attempts      int
	receiptHandle string
	invisibleTill time.Time
}

// MemoryBrokerOption configures a MemoryBroker.
type MemoryBrokerOption func(*MemoryBroker)

// WithPublishRate caps publish throughput, mirroring a hosted broker's TPS quota.
func WithPublishRate(perSecond int, burst int) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithVisibilityTimeout overrides how long a received message stays invisible.
func WithVisibilityTimeout(d time.Duration) MemoryBrokerOption {
	return func(b *MemoryBroker) {
		b.visibilityTimeout = d
	}
}

// NewMemoryBroker creates an empty in-memory broker.
func NewMemoryBroker(logger *zap.Logger, opts ...MemoryBrokerOption) *MemoryBroker {
	b := &MemoryBroker{
		logger:            logger,
		rules:             make(map[string]*memoryRule),
		queues:            make(map[string]*memoryQueue),
		limiter:           rate.NewLimiter(rate.Limit(1000), 2000),
		visibilityTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// PublishEntries routes each envelope to every queue bound to a matching rule.
func (b *MemoryBroker) PublishEntries(ctx context.Context, entries []Entry) (*PublishResult, error) {
	result := &PublishResult{Entries: make([]EntryResult, 0, len(entries))}
	if len(entries) == 0 {
		// Reachability probe
		return result, nil
	}

	if err := b.limiter.Wait(ctx); err != nil {
		return nil, errors.NewTransportError("broker", "publish throttled").WithCause(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, entry := range entries {
		er := EntryResult{}
		if entry.Envelope == nil {
			er.Err = errors.NewValidationError("EMPTY_ENTRY", "publish entry has no envelope")
			result.FailedCount++
			result.Entries = append(result.Entries, er)
			continue
		}
		er.EventID = entry.Envelope.ID

		body, err := entry.Envelope.Marshal()
		if err != nil {
			er.Err = err
			result.FailedCount++
			result.Entries = append(result.Entries, er)
			continue
		}

		for name, rule := range b.rules {
			if !rule.pattern.Matches(entry.Envelope) {
				continue
			}
			for _, target := range rule.targets {
				queue, ok := b.queues[target]
				if !ok {
					continue
				}
				queue.messages = append(queue.messages, &queuedMessage{
					id:   uuid.New().String(),
					body: body,
				})
			}
			b.logger.Debug("event matched rule",
				zap.String("rule", name),
				zap.String("event_id", entry.Envelope.ID),
				zap.String("event_type", entry.Envelope.Type))
		}
		// An event matching no rule is still a successful publish
		result.Entries = append(result.Entries, er)
	}

	return result, nil
}

// PutRule creates or replaces a rule, preserving existing target bindings
// on replace.
func (b *MemoryBroker) PutRule(ctx context.Context, name string, pattern Pattern) error {
	if len(pattern.EventTypes) == 0 {
		return errors.NewValidationError("EMPTY_PATTERN", "rule pattern requires at least one event type")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.rules[name]; ok {
		existing.pattern = pattern
		return nil
	}
	b.rules[name] = &memoryRule{pattern: pattern}
	return nil
}

// DeleteRule removes a rule and its bindings. Deleting an unknown rule is
// a not-found error, matching hosted broker semantics.
func (b *MemoryBroker) DeleteRule(ctx context.Context, name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.rules[name]; !ok {
		return errors.NewNotFoundError("rule " + name)
	}
	delete(b.rules, name)
	return nil
}

// BindTarget routes a rule's matches to a target queue, creating the queue
// when absent.
func (b *MemoryBroker) BindTarget(ctx context.Context, ruleName, targetName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rule, ok := b.rules[ruleName]
	if !ok {
		return errors.NewNotFoundError("rule " + ruleName)
	}
	for _, t := range rule.targets {
		if t == targetName {
			return nil
		}
	}
	rule.targets = append(rule.targets, targetName)
	if _, ok := b.queues[targetName]; !ok {
		b.queues[targetName] = &memoryQueue{}
	}
	return nil
}

// UnbindTarget removes a rule-to-target binding.
func (b *MemoryBroker) UnbindTarget(ctx context.Context, ruleName, targetName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	rule, ok := b.rules[ruleName]
	if !ok {
		return errors.NewNotFoundError("rule " + ruleName)
	}
	kept := rule.targets[:0]
	for _, t := range rule.targets {
		if t != targetName {
			kept = append(kept, t)
		}
	}
	rule.targets = kept
	return nil
}

// Receive pulls up to max visible messages, waiting up to wait for the
// first one. Returned messages become invisible until deleted or the
// visibility window lapses.
func (b *MemoryBroker) Receive(ctx context.Context, targetName string, max int, wait time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := time.Now().Add(wait)

	for {
		msgs := b.receiveOnce(targetName, max)
		if len(msgs) > 0 || time.Now().After(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func (b *MemoryBroker) receiveOnce(targetName string, max int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.queues[targetName]
	if !ok {
		return nil
	}

	now := time.Now()
	var out []Message
	for _, m := range queue.messages {
		if len(out) >= max {
			break
		}
		if m.invisibleTill.After(now) {
			continue
		}
		m.attempts++
		m.receiptHandle = uuid.New().String()
		m.invisibleTill = now.Add(b.visibilityTimeout)
		out = append(out, Message{
			ID:            m.id,
			ReceiptHandle: m.receiptHandle,
			Body:          m.body,
			Attempts:      m.attempts,
		})
	}
	return out
}

// DeleteMessage acknowledges a message by receipt handle. Stale handles
// (already deleted or re-delivered) are a not-found error.
func (b *MemoryBroker) DeleteMessage(ctx context.Context, targetName, receiptHandle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	queue, ok := b.queues[targetName]
	if !ok {
		return errors.NewNotFoundError("target " + targetName)
	}
	for i, m := range queue.messages {
		if m.receiptHandle == receiptHandle {
			queue.messages = append(queue.messages[:i], queue.messages[i+1:]...)
			return nil
		}
	}
	return errors.NewNotFoundError("receipt handle")
}

// QueueDepth reports how many messages sit in a target queue, visible or not.
func (b *MemoryBroker) QueueDepth(targetName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if queue, ok := b.queues[targetName]; ok {
		return len(queue.messages)
	}
	return 0
}
