package subscriber

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/infrastructure/broker"
)

// FailedDelivery is one dead-lettered message.
type FailedDelivery struct {
	SubscriptionID string
	Message        broker.Message
	Reason         string
	FirstSeen      time.Time
	LastSeen       time.Time
}

// DeadLetterSink collects deliveries that exhausted their retry budget
// under the no-ack-on-failure policy. Capacity is capped; the oldest entry
// is evicted to make room.
type DeadLetterSink struct {
	logger  *zap.Logger
	maxSize int

	mu     sync.RWMutex
	failed map[string]*FailedDelivery // keyed by message id

	totalAdded   int64
	totalRemoved int64
}

// NewDeadLetterSink creates a sink bounded to maxSize entries.
func NewDeadLetterSink(maxSize int, logger *zap.Logger) *DeadLetterSink {
	return &DeadLetterSink{
		logger:  logger,
		maxSize: maxSize,
		failed:  make(map[string]*FailedDelivery),
	}
}

// Add records a failed delivery. A repeated message id updates the
// existing entry.
func (d *DeadLetterSink) Add(subscriptionID string, msg broker.Message, reason string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := d.failed[msg.ID]; ok {
		existing.Reason = reason
		existing.LastSeen = now
		existing.Message = msg
		return
	}

	if len(d.failed) >= d.maxSize {
		d.evictOldest()
	}

	d.failed[msg.ID] = &FailedDelivery{
		SubscriptionID: subscriptionID,
		Message:        msg,
		Reason:         reason,
		FirstSeen:      now,
		LastSeen:       now,
	}
	d.totalAdded++

	d.logger.Info("delivery dead-lettered",
		zap.String("subscription_id", subscriptionID),
		zap.String("message_id", msg.ID),
		zap.String("reason", reason),
		zap.Int("attempts", msg.Attempts))
}

// List returns up to limit failed deliveries, oldest first. A zero limit
// returns everything.
func (d *DeadLetterSink) List(limit int) []FailedDelivery {
	d.mu.RLock()
	all := make([]*FailedDelivery, 0, len(d.failed))
	for _, f := range d.failed {
		all = append(all, f)
	}
	d.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		return all[i].LastSeen.Before(all[j].LastSeen)
	})
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}

	out := make([]FailedDelivery, len(all))
	for i, f := range all {
		out[i] = *f
	}
	return out
}

// Get returns a failed delivery by message id.
func (d *DeadLetterSink) Get(messageID string) (FailedDelivery, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	f, ok := d.failed[messageID]
	if !ok {
		return FailedDelivery{}, false
	}
	return *f, true
}

// Remove permanently drops a failed delivery.
func (d *DeadLetterSink) Remove(messageID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.failed[messageID]; !ok {
		return errors.NewNotFoundError("dead-lettered message " + messageID)
	}
	delete(d.failed, messageID)
	d.totalRemoved++
	return nil
}

// Stats summarizes the sink.
func (d *DeadLetterSink) Stats() map[string]interface{} {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return map[string]interface{}{
		"current_size":  len(d.failed),
		"max_size":      d.maxSize,
		"total_added":   d.totalAdded,
		"total_removed": d.totalRemoved,
	}
}

func (d *DeadLetterSink) evictOldest() {
	var oldestID string
	var oldest time.Time
	for id, f := range d.failed {
		if oldest.IsZero() || f.FirstSeen.Before(oldest) {
			oldestID = id
			oldest = f.FirstSeen
		}
	}
	if oldestID != "" {
		delete(d.failed, oldestID)
	}
}
