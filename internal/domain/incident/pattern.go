package incident

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/storyforge/eventbackbone/internal/domain/errors"
)

// Pattern is a known error-class signature mapped to candidate healing
// actions, ranked most-preferred first.
type Pattern struct {
	ID             string
	ErrorSignature string
	Type           string
	Actions        []HealingAction
}

// NewPattern creates a validated pattern.
func NewPattern(errorSignature, patternType string, actions []HealingAction) (*Pattern, error) {
	if errorSignature == "" {
		return nil, errors.NewValidationError("MISSING_SIGNATURE", "error signature is required")
	}
	if len(actions) == 0 {
		return nil, errors.NewValidationError("MISSING_ACTIONS", "at least one candidate action is required")
	}
	return &Pattern{
		ID:             uuid.New().String(),
		ErrorSignature: errorSignature,
		Type:           patternType,
		Actions:        actions,
	}, nil
}

// Matches reports whether the observed signature contains this pattern's
// signature as a substring.
func (p *Pattern) Matches(signature string) bool {
	return strings.Contains(signature, p.ErrorSignature)
}

// PatternRegistry holds known patterns, static and learned.
type PatternRegistry struct {
	mu       sync.RWMutex
	patterns map[string]*Pattern
}

// NewPatternRegistry creates an empty registry.
func NewPatternRegistry() *PatternRegistry {
	return &PatternRegistry{patterns: make(map[string]*Pattern)}
}

// Register adds or replaces a pattern by id.
func (r *PatternRegistry) Register(p *Pattern) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.patterns[p.ID] = p
}

// Match returns the first pattern whose signature is contained in the
// observed signature, or nil when none match.
func (r *PatternRegistry) Match(signature string) *Pattern {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.patterns {
		if p.Matches(signature) {
			return p
		}
	}
	return nil
}

// Len returns the number of registered patterns.
func (r *PatternRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.patterns)
}

// PatternLearner derives new patterns from repeated error occurrences.
// The algorithm is pluggable; implementations return nil when nothing
// should be learned yet.
type PatternLearner interface {
	Learn(ctx context.Context, ec *ErrorContext, signature string) (*Pattern, error)
}

// FrequencyLearner is the default deterministic learner: once a signature's
// error count within a session reaches the threshold, it promotes the
// signature to a pattern with a conservative action ladder.
type FrequencyLearner struct {
	Threshold      int
	DefaultActions []HealingAction
}

// NewFrequencyLearner creates a learner with the given occurrence threshold.
func NewFrequencyLearner(threshold int, defaultActions []HealingAction) *FrequencyLearner {
	if threshold < 1 {
		threshold = 3
	}
	return &FrequencyLearner{Threshold: threshold, DefaultActions: defaultActions}
}

func (l *FrequencyLearner) Learn(ctx context.Context, ec *ErrorContext, signature string) (*Pattern, error) {
	if ec.ErrorCount < l.Threshold || len(l.DefaultActions) == 0 {
		return nil, nil
	}
	// Learned signature excludes the error count so later occurrences with
	// higher counts still match by substring.
	base := ec.AgentName + ":" + ec.EventType
	return NewPattern(base, "learned", l.DefaultActions)
}
